package deltagpt

import (
	"math"
	"math/rand"
	"sync"
)

// The kernels below operate on flat float32 slices with explicit
// (B, T, C) geometry, accumulating in float64 where it buys stability.
// Forward kernels write their output buffers; backward kernels
// accumulate into their d* buffers, so gradients sum naturally across
// an accumulation window until ZeroGrad.

// encoderForward sums the token embedding row for each input id with
// the positional embedding row for its position.
// out: (B,T,C), inp: (B,T) ids, wte: (V,C), wpe: (maxT,C)
func encoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C:]
			tokRow := wte[int(inp[b*T+t])*C:]
			posRow := wpe[t*C:]
			for i := 0; i < C; i++ {
				outBT[i] = tokRow[i] + posRow[i]
			}
		}
	}
}

func encoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			dtokRow := dwte[int(inp[b*T+t])*C:]
			dposRow := dwpe[t*C:]
			for i := 0; i < C; i++ {
				d := doutBT[i]
				dtokRow[i] += d
				dposRow[i] += d
			}
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias for every (b,t)
// position. weight is (OC,C) row-major; bias may be nil for unbiased
// projections. Positions are independent, so they run on goroutines.
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				inpBT := inp[b*T*C+t*C:]
				outBT := out[b*T*OC+t*OC:]
				for o := 0; o < OC; o++ {
					var val float64
					if bias != nil {
						val = float64(bias[o])
					}
					wrow := weight[o*C:]
					for i := 0; i < C; i++ {
						val += float64(inpBT[i]) * float64(wrow[i])
					}
					outBT[o] = float32(val)
				}
			}(b, t)
		}
	}
	wg.Wait()
}

// matmulBackward accumulates input gradients, then weight/bias
// gradients. dbias is ignored when nil, matching a nil bias forward.
func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				doutBT := dout[b*T*OC+t*OC:]
				dinpBT := dinp[b*T*C+t*C:]
				for o := 0; o < OC; o++ {
					wrow := weight[o*C:]
					d := doutBT[o]
					for i := 0; i < C; i++ {
						dinpBT[i] += wrow[i] * d
					}
				}
			}(b, t)
		}
	}
	wg.Wait()
	// Weight and bias gradients parallelize over output channels; each
	// goroutine owns one dweight row, so no two write the same memory.
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			dwrow := dweight[o*C:]
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					doutBT := dout[b*T*OC+t*OC:]
					inpBT := inp[b*T*C+t*C:]
					d := doutBT[o]
					if dbias != nil {
						dbias[o] += d
					}
					for i := 0; i < C; i++ {
						dwrow[i] += inpBT[i] * d
					}
				}
			}
		}(o)
	}
	wg.Wait()
}

// layernormForward normalizes each C-vector to zero mean and unit
// variance, then scales and shifts by weight/bias. mean and rstd are
// (B,T) caches consumed by the backward pass.
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float64
			for i := 0; i < C; i++ {
				m += float64(x[i])
			}
			m /= float64(C)
			var v float64
			for i := 0; i < C; i++ {
				d := float64(x[i]) - m
				v += d * d
			}
			v /= float64(C)
			s := 1.0 / math.Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				n := s * (float64(x[i]) - m)
				var bi float64
				if bias != nil {
					bi = float64(bias[i])
				}
				outBT[i] = float32(n*float64(weight[i]) + bi)
			}
			mean[b*T+t] = float32(m)
			rstd[b*T+t] = float32(s)
		}
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*C + t*C
			doutBT := dout[base : base+C]
			inpBT := inp[base : base+C]
			dinpBT := dinp[base : base+C]
			m := mean[b*T+t]
			s := rstd[b*T+t]

			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				norm := (inpBT[i] - m) * s
				dnorm := weight[i] * doutBT[i]
				dnormMean += dnorm
				dnormNormMean += dnorm * norm
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				norm := (inpBT[i] - m) * s
				dnorm := weight[i] * doutBT[i]
				if dbias != nil {
					dbias[i] += doutBT[i]
				}
				dweight[i] += norm * doutBT[i]
				dinpBT[i] += (dnorm - dnormMean - norm*dnormNormMean) * s
			}
		}
	}
}

// attentionScores computes the causal attention distribution for every
// (batch, head, query) triple. inp is the fused qkv buffer (B,T,3C);
// preatt and att are (B,NH,T,T) caches kept for backward. The causal
// restriction is structural: the key loop never runs past the query
// position, and weights at future positions are written as zero, which
// is the explicit-mask equivalent of an additive -inf before softmax.
// Attention dropout happens between this kernel and attentionMix.
func attentionScores(preatt, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / math.Sqrt(float64(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				wg.Add(1)
				go func(b, t, h int) {
					defer wg.Done()
					queryT := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
					attBTH := att[b*NH*T*T+h*T*T+t*T:]

					// Scaled dot products against keys at or before t.
					maxval := -10000.0
					for t2 := 0; t2 <= t; t2++ {
						keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float64
						for i := 0; i < hs; i++ {
							val += float64(queryT[i]) * float64(keyT2[i])
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBTH[t2] = float32(val)
					}

					// Softmax over the visible prefix.
					var expsum float64
					for t2 := 0; t2 <= t; t2++ {
						e := math.Exp(float64(preattBTH[t2]) - maxval)
						expsum += e
						attBTH[t2] = float32(e)
					}
					var inv float64
					if expsum != 0 {
						inv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							attBTH[t2] *= float32(inv)
						} else {
							attBTH[t2] = 0
						}
					}
				}(b, t, h)
			}
		}
	}
	wg.Wait()
}

// attentionMix accumulates the (possibly dropped-out) attention
// weights against the value vectors: out = att @ v, recombining heads
// side by side into (B,T,C).
func attentionMix(out, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				wg.Add(1)
				go func(b, t, h int) {
					defer wg.Done()
					attBTH := att[b*NH*T*T+h*T*T+t*T:]
					outBTH := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBTH[i] = 0
					}
					for t2 := 0; t2 <= t; t2++ {
						valueT2 := inp[b*T*C3+t2*C3+h*hs+2*C:]
						a := attBTH[t2]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * valueT2[i]
						}
					}
				}(b, t, h)
			}
		}
	}
	wg.Wait()
}

// attentionMixBackward propagates dout through the value accumulation,
// yielding gradients for the mixed attention weights and for the value
// third of the fused qkv buffer.
func attentionMixBackward(datt, dinp, dout, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				doutBTH := dout[b*T*C+t*C+h*hs:]
				for t2 := 0; t2 <= t; t2++ {
					valueT2 := inp[b*T*C3+t2*C3+h*hs+2*C:]
					dvalueT2 := dinp[b*T*C3+t2*C3+h*hs+2*C:]
					for i := 0; i < hs; i++ {
						dattBTH[t2] += valueT2[i] * doutBTH[i]
						dvalueT2[i] += attBTH[t2] * doutBTH[i]
					}
				}
			}
		}
	}
}

// attentionScoresBackward propagates attention-weight gradients through
// the softmax and the scaled query/key dot products, accumulating into
// the query and key thirds of dinp. att here is the pre-dropout softmax
// output cached by attentionScores.
func attentionScoresBackward(dinp, dpreatt, datt, inp, att []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
				dqueryT := dinp[b*T*C3+t*C3+h*hs:]
				queryT := inp[b*T*C3+t*C3+h*hs:]

				// Through the softmax.
				for t2 := 0; t2 <= t; t2++ {
					for t3 := 0; t3 <= t; t3++ {
						var indicator float32
						if t2 == t3 {
							indicator = 1.0
						}
						dpreattBTH[t3] += attBTH[t2] * (indicator - attBTH[t3]) * dattBTH[t2]
					}
				}
				// Through the query/key dot products.
				for t2 := 0; t2 <= t; t2++ {
					keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
					dkeyT2 := dinp[b*T*C3+t2*C3+h*hs+C:]
					for i := 0; i < hs; i++ {
						dqueryT[i] += keyT2[i] * dpreattBTH[t2] * scale
						dkeyT2[i] += queryT[i] * dpreattBTH[t2] * scale
					}
				}
			}
		}
	}
}

// geluScale is sqrt(2/pi), the tanh-approximation constant.
var geluScale = math.Sqrt(2.0 / math.Pi)

// geluForward applies the tanh approximation of the Gaussian error
// linear unit elementwise.
func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		out[i] = float32(0.5 * x * (1.0 + math.Tanh(geluScale*(x+cube))))
	}
}

func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		arg := geluScale * (x + cube)
		tanhOut := math.Tanh(arg)
		cosh := math.Cosh(arg)
		sech2 := 1.0 / (cosh * cosh)
		local := 0.5*(1.0+tanhOut) + x*0.5*sech2*geluScale*(1.0+3.0*0.044715*x*x)
		dinp[i] += float32(local) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// dropoutForward zeroes each element with probability p and scales the
// survivors by 1/(1-p) (inverted dropout). The mask records the scale
// applied to each element for the backward pass. With p == 0 or
// training == false it degenerates to a copy with an all-ones mask.
func dropoutForward(out, inp, mask []float32, p float32, training bool, rng *rand.Rand) {
	if !training || p <= 0 {
		copy(out, inp)
		for i := range mask {
			mask[i] = 1
		}
		return
	}
	keep := 1.0 - p
	inv := 1.0 / keep
	for i := range inp {
		if rng.Float32() < keep {
			mask[i] = inv
			out[i] = inp[i] * inv
		} else {
			mask[i] = 0
			out[i] = 0
		}
	}
}

func dropoutBackward(dinp, dout, mask []float32) {
	for i := range dout {
		dinp[i] += dout[i] * mask[i]
	}
}

// softmaxForward turns logits into probabilities independently per
// (b,t) row, with the usual max subtraction for stability.
func softmaxForward(probs, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			softmaxRow(probs[base:base+V], logits[base:base+V])
		}
	}
}

func softmaxRow(probs, logits []float32) {
	maxval := Inf32(-1)
	for _, l := range logits {
		if l > maxval {
			maxval = l
		}
	}
	var sum float64
	for i, l := range logits {
		e := math.Exp(float64(l - maxval))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
}

// crossEntropyForward writes the per-position negative log likelihood
// of the target id. Every position contributes, padded ones included.
func crossEntropyForward(losses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			p := probs[base+int(targets[b*T+t])]
			losses[b*T+t] = -Log32(p)
		}
	}
}

// crossEntropySoftmaxBackward folds the softmax and cross-entropy
// gradients into dlogits in one pass: p - indicator, scaled by the
// upstream per-position loss gradient.
func crossEntropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			dloss := dlosses[b*T+t]
			ix := int(targets[b*T+t])
			for i := 0; i < V; i++ {
				p := probs[base+i]
				var indicator float32
				if i == ix {
					indicator = 1.0
				}
				dlogits[base+i] += (p - indicator) * dloss
			}
		}
	}
}
