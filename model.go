package deltagpt

import (
	"errors"
	"fmt"
	"math/rand"
)

// ensure returns buf when it already has length n, otherwise a fresh
// slice. Layer caches go through this so geometry changes (training
// batches vs. growing generation contexts) just reallocate.
func ensure(buf []float32, n int) []float32 {
	if len(buf) == n {
		return buf
	}
	return make([]float32, n)
}

// zeroed is ensure plus a clear, for activation-gradient buffers that
// the backward kernels accumulate into.
func zeroed(buf []float32, n int) []float32 {
	if len(buf) != n {
		return make([]float32, n)
	}
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// LayerNorm normalizes each position's channel vector, then scales by
// a learned gain and (optionally) shifts by a learned bias. Gains
// initialize to one and are decay-exempt.
type LayerNorm struct {
	W *Param
	B *Param // nil when the model runs without biases

	dim  int
	inp  []float32
	out  []float32
	mean []float32
	rstd []float32
	dinp []float32
}

func newLayerNorm(name string, dim int, bias bool) *LayerNorm {
	ln := &LayerNorm{W: newParam(name+".weight", false, dim), dim: dim}
	for i := range ln.W.Data {
		ln.W.Data[i] = 1
	}
	if bias {
		ln.B = newParam(name+".bias", false, dim)
	}
	return ln
}

func (ln *LayerNorm) Forward(x []float32, B, T int) []float32 {
	ln.inp = x
	ln.out = ensure(ln.out, B*T*ln.dim)
	ln.mean = ensure(ln.mean, B*T)
	ln.rstd = ensure(ln.rstd, B*T)
	var bias []float32
	if ln.B != nil {
		bias = ln.B.Data
	}
	layernormForward(ln.out, ln.mean, ln.rstd, x, ln.W.Data, bias, B, T, ln.dim)
	return ln.out
}

func (ln *LayerNorm) Backward(dout []float32, B, T int) []float32 {
	ln.dinp = zeroed(ln.dinp, B*T*ln.dim)
	var dbias []float32
	if ln.B != nil {
		dbias = ln.B.Grad
	}
	layernormBackward(ln.dinp, ln.W.Grad, dbias, dout, ln.inp, ln.W.Data, ln.mean, ln.rstd, B, T, ln.dim)
	return ln.dinp
}

func (ln *LayerNorm) params() []*Param {
	if ln.B != nil {
		return []*Param{ln.W, ln.B}
	}
	return []*Param{ln.W}
}

// CausalSelfAttention is multi-head self-attention restricted to
// non-future positions. A single fused linear map produces the query,
// key and value projections; channels split evenly across heads.
type CausalSelfAttention struct {
	QKVW  *Param // (3C, C)
	QKVB  *Param
	ProjW *Param // (C, C)
	ProjB *Param

	nHead   int
	nEmbd   int
	dropout float32

	inp       []float32
	qkv       []float32
	preatt    []float32
	att       []float32 // softmax output, pre-dropout (backward cache)
	attDrop   []float32
	attMask   []float32
	atty      []float32
	proj      []float32
	residMask []float32
	out       []float32

	dqkv     []float32
	dpreatt  []float32
	datt     []float32
	dattDrop []float32
	datty    []float32
	dproj    []float32
	dinp     []float32
}

func newCausalSelfAttention(name string, cfg ModelConfig, rng *rand.Rand) *CausalSelfAttention {
	C := cfg.EmbedDim
	a := &CausalSelfAttention{
		QKVW:    newParam(name+".c_attn.weight", true, 3*C, C),
		ProjW:   newParam(name+".c_proj.weight", true, C, C),
		nHead:   cfg.NumHeads,
		nEmbd:   C,
		dropout: cfg.Dropout,
	}
	a.QKVW.initNormal(rng, 0.02)
	a.ProjW.initNormal(rng, 0.02)
	if cfg.Bias {
		a.QKVB = newParam(name+".c_attn.bias", false, 3*C)
		a.ProjB = newParam(name+".c_proj.bias", false, C)
	}
	return a
}

func (a *CausalSelfAttention) Forward(x []float32, B, T int, training bool, rng *rand.Rand) []float32 {
	C, NH := a.nEmbd, a.nHead
	a.inp = x
	a.qkv = ensure(a.qkv, B*T*3*C)
	matmulForward(a.qkv, x, a.QKVW.Data, paramData(a.QKVB), B, T, C, 3*C)

	a.preatt = ensure(a.preatt, B*NH*T*T)
	a.att = ensure(a.att, B*NH*T*T)
	attentionScores(a.preatt, a.att, a.qkv, B, T, C, NH)

	a.attDrop = ensure(a.attDrop, B*NH*T*T)
	a.attMask = ensure(a.attMask, B*NH*T*T)
	dropoutForward(a.attDrop, a.att, a.attMask, a.dropout, training, rng)

	a.atty = ensure(a.atty, B*T*C)
	attentionMix(a.atty, a.attDrop, a.qkv, B, T, C, NH)

	a.proj = ensure(a.proj, B*T*C)
	matmulForward(a.proj, a.atty, a.ProjW.Data, paramData(a.ProjB), B, T, C, C)

	a.out = ensure(a.out, B*T*C)
	a.residMask = ensure(a.residMask, B*T*C)
	dropoutForward(a.out, a.proj, a.residMask, a.dropout, training, rng)
	return a.out
}

func (a *CausalSelfAttention) Backward(dout []float32, B, T int) []float32 {
	C, NH := a.nEmbd, a.nHead

	a.dproj = zeroed(a.dproj, B*T*C)
	dropoutBackward(a.dproj, dout, a.residMask)

	a.datty = zeroed(a.datty, B*T*C)
	matmulBackward(a.datty, a.ProjW.Grad, paramGrad(a.ProjB), a.dproj, a.atty, a.ProjW.Data, B, T, C, C)

	a.dattDrop = zeroed(a.dattDrop, B*NH*T*T)
	a.dqkv = zeroed(a.dqkv, B*T*3*C)
	attentionMixBackward(a.dattDrop, a.dqkv, a.datty, a.attDrop, a.qkv, B, T, C, NH)

	a.datt = zeroed(a.datt, B*NH*T*T)
	dropoutBackward(a.datt, a.dattDrop, a.attMask)

	a.dpreatt = zeroed(a.dpreatt, B*NH*T*T)
	attentionScoresBackward(a.dqkv, a.dpreatt, a.datt, a.qkv, a.att, B, T, C, NH)

	a.dinp = zeroed(a.dinp, B*T*C)
	matmulBackward(a.dinp, a.QKVW.Grad, paramGrad(a.QKVB), a.dqkv, a.inp, a.QKVW.Data, B, T, C, 3*C)
	return a.dinp
}

func (a *CausalSelfAttention) params() []*Param {
	ps := []*Param{a.QKVW, a.ProjW}
	if a.QKVB != nil {
		ps = append(ps, a.QKVB, a.ProjB)
	}
	return ps
}

// FeedForward is the per-position MLP: expand to 4C, GELU, project
// back to C, dropout. No cross-position interaction.
type FeedForward struct {
	FCW   *Param // (4C, C)
	FCB   *Param
	ProjW *Param // (C, 4C)
	ProjB *Param

	nEmbd   int
	dropout float32

	inp     []float32
	fch     []float32
	fchGelu []float32
	proj    []float32
	mask    []float32
	out     []float32

	dfch  []float32
	dgelu []float32
	dproj []float32
	dinp  []float32
}

func newFeedForward(name string, cfg ModelConfig, rng *rand.Rand) *FeedForward {
	C := cfg.EmbedDim
	f := &FeedForward{
		FCW:     newParam(name+".c_fc.weight", true, 4*C, C),
		ProjW:   newParam(name+".c_proj.weight", true, C, 4*C),
		nEmbd:   C,
		dropout: cfg.Dropout,
	}
	f.FCW.initNormal(rng, 0.02)
	f.ProjW.initNormal(rng, 0.02)
	if cfg.Bias {
		f.FCB = newParam(name+".c_fc.bias", false, 4*C)
		f.ProjB = newParam(name+".c_proj.bias", false, C)
	}
	return f
}

func (f *FeedForward) Forward(x []float32, B, T int, training bool, rng *rand.Rand) []float32 {
	C := f.nEmbd
	f.inp = x
	f.fch = ensure(f.fch, B*T*4*C)
	matmulForward(f.fch, x, f.FCW.Data, paramData(f.FCB), B, T, C, 4*C)

	f.fchGelu = ensure(f.fchGelu, B*T*4*C)
	geluForward(f.fchGelu, f.fch, B*T*4*C)

	f.proj = ensure(f.proj, B*T*C)
	matmulForward(f.proj, f.fchGelu, f.ProjW.Data, paramData(f.ProjB), B, T, 4*C, C)

	f.out = ensure(f.out, B*T*C)
	f.mask = ensure(f.mask, B*T*C)
	dropoutForward(f.out, f.proj, f.mask, f.dropout, training, rng)
	return f.out
}

func (f *FeedForward) Backward(dout []float32, B, T int) []float32 {
	C := f.nEmbd

	f.dproj = zeroed(f.dproj, B*T*C)
	dropoutBackward(f.dproj, dout, f.mask)

	f.dgelu = zeroed(f.dgelu, B*T*4*C)
	matmulBackward(f.dgelu, f.ProjW.Grad, paramGrad(f.ProjB), f.dproj, f.fchGelu, f.ProjW.Data, B, T, 4*C, C)

	f.dfch = zeroed(f.dfch, B*T*4*C)
	geluBackward(f.dfch, f.fch, f.dgelu, B*T*4*C)

	f.dinp = zeroed(f.dinp, B*T*C)
	matmulBackward(f.dinp, f.FCW.Grad, paramGrad(f.FCB), f.dfch, f.inp, f.FCW.Data, B, T, C, 4*C)
	return f.dinp
}

func (f *FeedForward) params() []*Param {
	ps := []*Param{f.FCW, f.ProjW}
	if f.FCB != nil {
		ps = append(ps, f.FCB, f.ProjB)
	}
	return ps
}

// Block wires attention and feed-forward with pre-norm residuals:
// x += attn(ln1(x)); x += mlp(ln2(x)). Normalizing before the sublayer
// keeps deep stacks stable.
type Block struct {
	LN1  *LayerNorm
	Attn *CausalSelfAttention
	LN2  *LayerNorm
	MLP  *FeedForward

	inp  []float32
	res1 []float32
	out  []float32

	dres1 []float32
	dinp  []float32
}

func newBlock(name string, cfg ModelConfig, rng *rand.Rand) *Block {
	return &Block{
		LN1:  newLayerNorm(name+".ln_1", cfg.EmbedDim, cfg.Bias),
		Attn: newCausalSelfAttention(name+".attn", cfg, rng),
		LN2:  newLayerNorm(name+".ln_2", cfg.EmbedDim, cfg.Bias),
		MLP:  newFeedForward(name+".mlp", cfg, rng),
	}
}

func (blk *Block) Forward(x []float32, B, T, C int, training bool, rng *rand.Rand) []float32 {
	blk.inp = x
	attnOut := blk.Attn.Forward(blk.LN1.Forward(x, B, T), B, T, training, rng)
	blk.res1 = ensure(blk.res1, B*T*C)
	residualForward(blk.res1, x, attnOut, B*T*C)

	mlpOut := blk.MLP.Forward(blk.LN2.Forward(blk.res1, B, T), B, T, training, rng)
	blk.out = ensure(blk.out, B*T*C)
	residualForward(blk.out, blk.res1, mlpOut, B*T*C)
	return blk.out
}

func (blk *Block) Backward(dout []float32, B, T, C int) []float32 {
	// Feed-forward branch: dout reaches both res1 and the MLP input.
	blk.dres1 = zeroed(blk.dres1, B*T*C)
	for i := range blk.dres1 {
		blk.dres1[i] = dout[i]
	}
	dmlp := blk.MLP.Backward(dout, B, T)
	dln2 := blk.LN2.Backward(dmlp, B, T)
	for i := range blk.dres1 {
		blk.dres1[i] += dln2[i]
	}

	// Attention branch: dres1 reaches both the block input and attn.
	blk.dinp = zeroed(blk.dinp, B*T*C)
	for i := range blk.dinp {
		blk.dinp[i] = blk.dres1[i]
	}
	dattn := blk.Attn.Backward(blk.dres1, B, T)
	dln1 := blk.LN1.Backward(dattn, B, T)
	for i := range blk.dinp {
		blk.dinp[i] += dln1[i]
	}
	return blk.dinp
}

func (blk *Block) params() []*Param {
	var ps []*Param
	ps = append(ps, blk.LN1.params()...)
	ps = append(ps, blk.Attn.params()...)
	ps = append(ps, blk.LN2.params()...)
	ps = append(ps, blk.MLP.params()...)
	return ps
}

// Model is the command model: token + position embeddings, a stack of
// blocks, final norm, and an unbiased projection to vocabulary logits.
type Model struct {
	Config ModelConfig

	WTE    *Param // (V, C) token embeddings
	WPE    *Param // (maxT, C) position embeddings
	Blocks []*Block
	LNF    *LayerNorm
	Head   *Param // (V, C) output projection, no bias

	encoded []float32
	embOut  []float32
	embMask []float32
	logits  []float32
	probs   []float32
	losses  []float32

	dlogits  []float32
	dlosses  []float32
	dlnfOut  []float32
	dencoded []float32

	inputs  []int32
	targets []int32

	// MeanLoss holds the loss of the last targeted forward pass, or -1
	// after a forward without targets.
	MeanLoss float32

	rng      *rand.Rand
	training bool
	halfAct  bool // round activations through float16 between blocks
	B, T     int
}

// NewModel constructs and initializes a model. Construction fails iff
// the configuration is invalid, in particular when the embedding width
// does not divide evenly across heads.
func NewModel(cfg ModelConfig, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	m := &Model{
		Config:   cfg,
		WTE:      newParam("tok_emb.weight", false, cfg.VocabSize, cfg.EmbedDim),
		WPE:      newParam("pos_emb.weight", false, cfg.BlockSize, cfg.EmbedDim),
		LNF:      newLayerNorm("ln_f", cfg.EmbedDim, cfg.Bias),
		Head:     newParam("head.weight", true, cfg.VocabSize, cfg.EmbedDim),
		rng:      rng,
		MeanLoss: -1,
	}
	m.WTE.initNormal(rng, 0.02)
	m.WPE.initNormal(rng, 0.02)
	m.Head.initNormal(rng, 0.02)
	for l := 0; l < cfg.NumLayers; l++ {
		m.Blocks = append(m.Blocks, newBlock(fmt.Sprintf("blocks.%d", l), cfg, rng))
	}
	return m, nil
}

// Params returns every learnable parameter in a stable order; the
// order doubles as the optimizer-state layout.
func (m *Model) Params() []*Param {
	ps := []*Param{m.WTE, m.WPE}
	for _, blk := range m.Blocks {
		ps = append(ps, blk.params()...)
	}
	ps = append(ps, m.LNF.params()...)
	ps = append(ps, m.Head)
	return ps
}

// NumParams is the total learnable element count.
func (m *Model) NumParams() int { return numParams(m.Params()) }

// SetTraining toggles dropout. Evaluation and generation run with it
// off.
func (m *Model) SetTraining(training bool) { m.training = training }

// SetHalfPrecisionActivations makes the forward pass round activations
// through float16 after the embedding sum and after every block,
// emulating reduced-precision storage.
func (m *Model) SetHalfPrecisionActivations(on bool) { m.halfAct = on }

// ReseedDropout replaces the dropout RNG, used to give each replica a
// rank-offset stream.
func (m *Model) ReseedDropout(seed int64) { m.rng = rand.New(rand.NewSource(seed)) }

// Forward runs the model over a (B,T) batch of token ids. With targets
// it also computes the mean cross-entropy loss over every position —
// padded positions included. Without targets the returned loss is -1
// and only the logits are meaningful.
func (m *Model) Forward(input, targets []int32, B, T int) ([]float32, float32, error) {
	cfg := m.Config
	C, V := cfg.EmbedDim, cfg.VocabSize
	if T > cfg.BlockSize {
		return nil, 0, fmt.Errorf("sequence length %d exceeds block size %d", T, cfg.BlockSize)
	}
	if len(input) != B*T {
		return nil, 0, fmt.Errorf("input length %d does not match batch %dx%d", len(input), B, T)
	}
	if targets != nil && len(targets) != B*T {
		return nil, 0, fmt.Errorf("target length %d does not match batch %dx%d", len(targets), B, T)
	}
	for i, id := range input {
		if id < 0 || int(id) >= V {
			return nil, 0, fmt.Errorf("token id %d at position %d outside vocabulary of %d", id, i, V)
		}
	}
	m.B, m.T = B, T
	m.inputs = append(m.inputs[:0], input...)
	m.targets = m.targets[:0]
	if targets != nil {
		m.targets = append(m.targets, targets...)
	}

	m.encoded = ensure(m.encoded, B*T*C)
	encoderForward(m.encoded, input, m.WTE.Data, m.WPE.Data, B, T, C)

	m.embOut = ensure(m.embOut, B*T*C)
	m.embMask = ensure(m.embMask, B*T*C)
	dropoutForward(m.embOut, m.encoded, m.embMask, cfg.Dropout, m.training, m.rng)
	if m.halfAct {
		roundTripFloat16(m.embOut)
	}

	x := m.embOut
	for _, blk := range m.Blocks {
		x = blk.Forward(x, B, T, C, m.training, m.rng)
		if m.halfAct {
			roundTripFloat16(x)
		}
	}

	lnfOut := m.LNF.Forward(x, B, T)
	m.logits = ensure(m.logits, B*T*V)
	matmulForward(m.logits, lnfOut, m.Head.Data, nil, B, T, C, V)

	if targets == nil {
		m.MeanLoss = -1
		return m.logits, -1, nil
	}

	m.probs = ensure(m.probs, B*T*V)
	softmaxForward(m.probs, m.logits, B, T, V)
	m.losses = ensure(m.losses, B*T)
	crossEntropyForward(m.losses, m.probs, targets, B, T, V)
	var mean float32
	for _, l := range m.losses {
		mean += l
	}
	mean /= float32(B * T)
	m.MeanLoss = mean
	return m.logits, mean, nil
}

// errNoLoss is returned by Backward when the preceding forward pass
// ran without targets.
var errNoLoss = errors.New("backward requires a prior forward pass with targets")

// Backward propagates the mean loss through the whole stack,
// accumulating into every parameter's gradient buffer. Calling it
// repeatedly without ZeroGrad sums gradients, which is exactly what
// gradient accumulation wants. lossScale multiplies the seed gradient;
// pass 1 outside reduced-precision mode.
func (m *Model) Backward(lossScale float32) error {
	if m.MeanLoss < 0 {
		return errNoLoss
	}
	cfg := m.Config
	B, T, C, V := m.B, m.T, cfg.EmbedDim, cfg.VocabSize

	m.dlosses = ensure(m.dlosses, B*T)
	seed := lossScale / float32(B*T)
	for i := range m.dlosses {
		m.dlosses[i] = seed
	}
	m.dlogits = zeroed(m.dlogits, B*T*V)
	crossEntropySoftmaxBackward(m.dlogits, m.dlosses, m.probs, m.targets, B, T, V)

	m.dlnfOut = zeroed(m.dlnfOut, B*T*C)
	matmulBackward(m.dlnfOut, m.Head.Grad, nil, m.dlogits, m.LNF.out, m.Head.Data, B, T, C, V)

	dx := m.LNF.Backward(m.dlnfOut, B, T)
	for l := len(m.Blocks) - 1; l >= 0; l-- {
		dx = m.Blocks[l].Backward(dx, B, T, C)
	}

	m.dencoded = zeroed(m.dencoded, B*T*C)
	dropoutBackward(m.dencoded, dx, m.embMask)
	encoderBackward(m.WTE.Grad, m.WPE.Grad, m.dencoded, m.inputs, B, T, C)
	return nil
}

// ZeroGrad clears every parameter gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}

func paramData(p *Param) []float32 {
	if p == nil {
		return nil
	}
	return p.Data
}

func paramGrad(p *Param) []float32 {
	if p == nil {
		return nil
	}
	return p.Grad
}
