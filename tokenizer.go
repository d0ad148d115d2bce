package deltagpt

import "hash/fnv"

// CommandToken is one lexed token of a recorded shell command.
type CommandToken struct {
	Text string `json:"text"`
}

// CommandRecord is the JSON payload stored per entry in the tokenized
// dataset files: the token sequence for a single command line.
type CommandRecord struct {
	Tokens []CommandToken `json:"tokens"`
}

// HashTokenizer maps token text to vocabulary ids by hashing. There is
// no learned vocabulary: the FNV-1a hash of the token text modulo the
// vocabulary size is the id, so collisions fold rare tokens together.
type HashTokenizer struct {
	VocabSize int
}

// NewHashTokenizer returns a tokenizer over a fixed-size id space.
func NewHashTokenizer(vocabSize int) *HashTokenizer {
	return &HashTokenizer{VocabSize: vocabSize}
}

// TokenID hashes a token's text into [0, VocabSize).
func (t *HashTokenizer) TokenID(text string) int32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	return int32(h.Sum32() % uint32(t.VocabSize))
}

// Encode maps a record's tokens to ids.
func (t *HashTokenizer) Encode(rec CommandRecord) []int32 {
	ids := make([]int32, len(rec.Tokens))
	for i, tok := range rec.Tokens {
		ids[i] = t.TokenID(tok.Text)
	}
	return ids
}
