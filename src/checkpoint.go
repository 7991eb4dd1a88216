package ember

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CheckpointPayload is the on-disk checkpoint format: the full state
// snapshot plus the metrics that justified saving it.
type CheckpointPayload struct {
	State   *StateSnapshot `json:"state"`
	Metrics MetricRecord   `json:"metrics"`
	Monitor string         `json:"monitor,omitempty"`
	Score   float64        `json:"score,omitempty"`
}

// CheckpointManager decides at each validation epoch whether the run
// state is worth persisting. The per-epoch and best-only policies are
// independent toggles; enabling both writes both files.
type CheckpointManager struct {
	dir            string
	saveEveryEpoch bool
	saveBestOnly   bool
	monitor        string
	mode           string

	best    float64
	hasBest bool
}

// NewCheckpointManager builds a manager from trainer policy. A nil
// manager is returned when neither save toggle is set; its methods are
// no-ops.
func NewCheckpointManager(cfg *TrainerConfig) (*CheckpointManager, error) {
	if !cfg.SaveEveryEpoch && !cfg.SaveBestOnly {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.SaveDir, 0o755); err != nil {
		return nil, errorf("create checkpoint dir %s: %v", cfg.SaveDir, err)
	}
	return &CheckpointManager{
		dir:            cfg.SaveDir,
		saveEveryEpoch: cfg.SaveEveryEpoch,
		saveBestOnly:   cfg.SaveBestOnly,
		monitor:        cfg.Monitor,
		mode:           cfg.Mode,
	}, nil
}

// improved reports whether value strictly beats the best seen so far.
func (m *CheckpointManager) improved(value float64) bool {
	if !m.hasBest {
		return true
	}
	if m.mode == ModeMax {
		return value > m.best
	}
	return value < m.best
}

// Consider persists the state according to policy and returns the paths
// written. Called once per validation epoch, after metrics are final.
func (m *CheckpointManager) Consider(record MetricRecord, state *State) ([]string, error) {
	if m == nil {
		return nil, nil
	}
	var written []string
	snap := state.Snapshot()

	if m.saveEveryEpoch {
		path := filepath.Join(m.dir, fmt.Sprintf("epoch_%d.json", state.Epoch))
		if err := m.write(path, &CheckpointPayload{State: snap, Metrics: record.Clone()}); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if m.saveBestOnly {
		value, ok := record[m.monitor]
		if !ok {
			return written, &MonitorError{Monitor: m.monitor, Available: record.Keys()}
		}
		if m.improved(value) {
			m.best = value
			m.hasBest = true
			path := filepath.Join(m.dir, "best.json")
			payload := &CheckpointPayload{
				State:   snap,
				Metrics: record.Clone(),
				Monitor: m.monitor,
				Score:   value,
			}
			if err := m.write(path, payload); err != nil {
				return written, err
			}
			written = append(written, path)
		}
	}
	return written, nil
}

// write persists the payload atomically: a partial write can never
// shadow an existing good checkpoint.
func (m *CheckpointManager) write(path string, payload *CheckpointPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errorf("encode checkpoint: %v", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errorf("write checkpoint %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errorf("commit checkpoint %s: %v", path, err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint file back.
func LoadCheckpoint(path string) (*CheckpointPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorf("read checkpoint %s: %v", path, err)
	}
	payload := &CheckpointPayload{}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, errorf("decode checkpoint %s: %v", path, err)
	}
	if payload.State == nil {
		return nil, errorf("checkpoint %s has no state", path)
	}
	return payload, nil
}
