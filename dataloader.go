package deltagpt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
)

// CommandDataset holds tokenized command sequences, each already
// padded with zeros or truncated to a fixed length. A sequence of
// length n yields an input x = seq[:n-1] and target y = seq[1:], so
// the model sees n-1 positions per example.
type CommandDataset struct {
	Seqs   [][]int32
	SeqLen int
}

// Len reports the number of sequences.
func (d *CommandDataset) Len() int { return len(d.Seqs) }

// LoadCommandDataset reads every tokenized_*.bin file under dir,
// hashes the token texts into ids and splits the files 90/10 into
// train and validation sets. The split is at file granularity, in
// sorted filename order, so it is stable across runs.
func LoadCommandDataset(dir string, vocabSize, blockSize int) (train, val *CommandDataset, err error) {
	files, err := filepath.Glob(filepath.Join(dir, "tokenized_*.bin"))
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no tokenized_*.bin files under %s", dir)
	}
	sort.Strings(files)

	nTrain := len(files) * 9 / 10
	if nTrain == 0 {
		nTrain = 1
	}
	if nTrain == len(files) && len(files) > 1 {
		nTrain = len(files) - 1
	}

	tok := NewHashTokenizer(vocabSize)
	train = &CommandDataset{SeqLen: blockSize}
	val = &CommandDataset{SeqLen: blockSize}
	for i, f := range files {
		dst := train
		if i >= nTrain {
			dst = val
		}
		if err := dst.loadFile(f, tok); err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	if train.Len() == 0 {
		return nil, nil, fmt.Errorf("training split under %s is empty", dir)
	}
	return train, val, nil
}

// loadFile parses one framed binary file: a little-endian uint32 entry
// count, then per entry a uint32 byte length followed by that many
// bytes of JSON describing the command's tokens.
func (d *CommandDataset) loadFile(path string, tok *HashTokenizer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var count uint32
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("read entry count: %w", err)
	}
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
			return fmt.Errorf("entry %d length: %w", i, err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(f, buf); err != nil {
			return fmt.Errorf("entry %d payload: %w", i, err)
		}
		var rec CommandRecord
		if err := json.Unmarshal(buf, &rec); err != nil {
			return fmt.Errorf("entry %d decode: %w", i, err)
		}
		d.Seqs = append(d.Seqs, fitSequence(tok.Encode(rec), d.SeqLen))
	}
	return nil
}

// fitSequence pads a token sequence with zeros or truncates it so it
// is exactly n tokens long.
func fitSequence(ids []int32, n int) []int32 {
	seq := make([]int32, n)
	copy(seq, ids)
	return seq
}

// Batches walks a dataset in batches forever, wrapping around silently
// when it runs out. In distributed runs each replica strides over the
// index space by world size starting at its rank, so replicas see
// disjoint examples. Training loaders reshuffle their shard on every
// wraparound; evaluation loaders keep a stable order.
type Batches struct {
	ds        *CommandDataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand

	order []int
	pos   int
}

// NewBatches builds a loader over the given replica's shard of ds.
func NewBatches(ds *CommandDataset, batchSize, rank, worldSize int, seed int64, shuffle bool) (*Batches, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("invalid shard rank %d of %d", rank, worldSize)
	}
	var order []int
	for i := rank; i < ds.Len(); i += worldSize {
		order = append(order, i)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("shard %d of %d is empty", rank, worldSize)
	}
	b := &Batches{
		ds:        ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		order:     order,
	}
	if shuffle {
		b.reshuffle()
	}
	return b, nil
}

func (b *Batches) reshuffle() {
	b.rng.Shuffle(len(b.order), func(i, j int) {
		b.order[i], b.order[j] = b.order[j], b.order[i]
	})
}

// BatchesPerEpoch reports how many Next calls cover the shard once.
func (b *Batches) BatchesPerEpoch() int {
	n := len(b.order) / b.batchSize
	if n == 0 {
		n = 1
	}
	return n
}

// Next returns the next batch as flat (B*T) input and target slices,
// where T = SeqLen-1: inputs are each sequence minus its last token,
// targets the same sequence shifted left by one.
func (b *Batches) Next() (x, y []int32, T int) {
	T = b.ds.SeqLen - 1
	x = make([]int32, b.batchSize*T)
	y = make([]int32, b.batchSize*T)
	for i := 0; i < b.batchSize; i++ {
		if b.pos >= len(b.order) {
			b.pos = 0
			if b.shuffle {
				b.reshuffle()
			}
		}
		seq := b.ds.Seqs[b.order[b.pos]]
		b.pos++
		copy(x[i*T:(i+1)*T], seq[:T])
		copy(y[i*T:(i+1)*T], seq[1:])
	}
	return x, y, T
}
