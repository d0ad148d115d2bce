package main

import deltagpt "github.com/deltagpt/deltagpt"

func main() {
	deltagpt.InitializeCommand()
}
