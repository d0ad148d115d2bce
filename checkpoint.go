package deltagpt

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// CheckpointSchemaVersion identifies the bundle layout. Readers reject
// versions they do not know instead of guessing.
const CheckpointSchemaVersion = 1

// Parameter-naming tags. Bundles record how their weight keys were
// produced so a loader can translate them with a table lookup; "raw"
// is this repository's native naming.
const (
	ParamNamingRaw     = "raw"
	ParamNamingWrapped = "wrapped"
)

// wrappedPrefix is the key prefix used by bundles written from a
// compiled/wrapped model.
const wrappedPrefix = "_orig_mod."

// paramKeyDecoders maps a bundle's naming tag to the translation from
// stored key to native parameter name.
var paramKeyDecoders = map[string]func(string) (string, bool){
	ParamNamingRaw: func(k string) (string, bool) { return k, true },
	ParamNamingWrapped: func(k string) (string, bool) {
		if len(k) < len(wrappedPrefix) || k[:len(wrappedPrefix)] != wrappedPrefix {
			return "", false
		}
		return k[len(wrappedPrefix):], true
	},
}

// Checkpoint is the serialized training state: model weights keyed by
// parameter name, optimizer moments, the model shape they belong to
// and the loop position needed to resume.
type Checkpoint struct {
	SchemaVersion int
	ParamNaming   string

	Weights   map[string][]float32
	Optimizer OptimizerState
	Model     ModelConfig

	Step        int
	BestValLoss float32
}

// CheckpointPath returns the step-stamped file name under dir.
func CheckpointPath(dir string, step int) string {
	return filepath.Join(dir, fmt.Sprintf("checkpoint_%d.gob", step))
}

// LatestCheckpointPath is the name the most recent checkpoint is
// always mirrored to, so resumption does not need to scan the dir.
func LatestCheckpointPath(dir string) string {
	return filepath.Join(dir, "checkpoint_latest.gob")
}

// BestCheckpointPath holds the checkpoint with the lowest validation
// loss seen so far.
func BestCheckpointPath(dir string) string {
	return filepath.Join(dir, "checkpoint_best.gob")
}

// FinalCheckpointPath is written once when training completes.
func FinalCheckpointPath(dir string) string {
	return filepath.Join(dir, "checkpoint_final.gob")
}

// BuildCheckpoint snapshots the model and optimizer into a bundle.
// Weight slices are copied so later training steps cannot mutate a
// bundle that is still being written.
func BuildCheckpoint(m *Model, opt *AdamW, step int, bestValLoss float32) *Checkpoint {
	weights := make(map[string][]float32)
	for _, p := range m.Params() {
		w := make([]float32, len(p.Data))
		copy(w, p.Data)
		weights[p.Name] = w
	}
	return &Checkpoint{
		SchemaVersion: CheckpointSchemaVersion,
		ParamNaming:   ParamNamingRaw,
		Weights:       weights,
		Optimizer:     opt.State(),
		Model:         m.Config,
		Step:          step,
		BestValLoss:   bestValLoss,
	}
}

// WriteCheckpoint persists ckpt atomically: it encodes into a
// temporary file in the same directory and renames it into place, so
// a crash mid-write never leaves a truncated bundle under the final
// name.
func WriteCheckpoint(path string, ckpt *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(ckpt); err != nil {
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadCheckpoint loads and validates a bundle. Any failure is
// returned to the caller; recovering by silently restarting from
// scratch would hide corruption, so the caller decides.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ckpt.SchemaVersion != CheckpointSchemaVersion {
		return nil, fmt.Errorf("checkpoint %s: unsupported schema version %d", path, ckpt.SchemaVersion)
	}
	if _, ok := paramKeyDecoders[ckpt.ParamNaming]; !ok {
		return nil, fmt.Errorf("checkpoint %s: unknown parameter naming %q", path, ckpt.ParamNaming)
	}
	return &ckpt, nil
}

// Restore copies the bundle's weights and optimizer state into the
// model and optimizer. The model must already have the bundle's shape;
// every model parameter must be present in the bundle under its
// (translated) name, with a matching element count.
func (c *Checkpoint) Restore(m *Model, opt *AdamW) error {
	if m.Config != c.Model {
		return fmt.Errorf("checkpoint model config %+v does not match model %+v", c.Model, m.Config)
	}
	decodeKey := paramKeyDecoders[c.ParamNaming]
	byName := make(map[string][]float32, len(c.Weights))
	for k, w := range c.Weights {
		name, ok := decodeKey(k)
		if !ok {
			return fmt.Errorf("checkpoint key %q does not match naming %q", k, c.ParamNaming)
		}
		byName[name] = w
	}
	for _, p := range m.Params() {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint missing parameter %s", p.Name)
		}
		if len(w) != len(p.Data) {
			return fmt.Errorf("parameter %s: checkpoint has %d elements, model wants %d", p.Name, len(w), len(p.Data))
		}
		copy(p.Data, w)
	}
	if opt != nil {
		st := c.Optimizer
		if c.ParamNaming != ParamNamingRaw {
			st = OptimizerState{Step: st.Step, M: map[string][]float32{}, V: map[string][]float32{}}
			for k, v := range c.Optimizer.M {
				name, ok := decodeKey(k)
				if !ok {
					return fmt.Errorf("optimizer key %q does not match naming %q", k, c.ParamNaming)
				}
				st.M[name] = v
			}
			for k, v := range c.Optimizer.V {
				name, ok := decodeKey(k)
				if !ok {
					return fmt.Errorf("optimizer key %q does not match naming %q", k, c.ParamNaming)
				}
				st.V[name] = v
			}
		}
		if err := opt.LoadState(st); err != nil {
			return err
		}
	}
	return nil
}
