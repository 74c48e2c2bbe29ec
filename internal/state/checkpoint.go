package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
)

// Checkpoint is the resumable snapshot written between tasks and before
// costly mid-execution retries. The checksum covers every other field; a
// mismatch at load time discards the snapshot rather than resuming from
// corrupt state.
type Checkpoint struct {
	LoopState      LoopState `json:"loop_state"`
	InFlightTaskID string    `json:"in_flight_task_id,omitempty"`
	AttemptIndex   int       `json:"attempt_index"`

	// Selector cursor: pool indices plus the fallback flag.
	SelectorPrimaryIdx  int  `json:"selector_primary_idx"`
	SelectorFallbackIdx int  `json:"selector_fallback_idx"`
	SelectorInFallback  bool `json:"selector_in_fallback"`

	Timestamp time.Time `json:"timestamp"`
	Checksum  string    `json:"checksum"`
}

// computeChecksum hashes the checkpoint with the checksum field zeroed.
func computeChecksum(cp Checkpoint) (string, error) {
	cp.Checksum = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshaling checkpoint for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Store) checkpointDir() string {
	return filepath.Join(s.dir, "checkpoints")
}

func (s *Store) checkpointPath(taskID string, iteration int) string {
	name := fmt.Sprintf("%s-%d.json", filepath.Base(taskID), iteration)
	return filepath.Join(s.checkpointDir(), name)
}

// SaveCheckpoint stamps, checksums, and atomically writes a checkpoint
// keyed by (task, iteration).
func (s *Store) SaveCheckpoint(cp Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	sum, err := computeChecksum(cp)
	if err != nil {
		return err
	}
	cp.Checksum = sum

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	taskID := cp.InFlightTaskID
	if taskID == "" {
		taskID = cp.LoopState.LastTaskID
	}
	if taskID == "" {
		taskID = "boot"
	}
	path := s.checkpointPath(taskID, cp.LoopState.LastIteration)
	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// LoadLatestCheckpoint returns the newest valid checkpoint, or nil when
// none exists. Checkpoints with a checksum mismatch are skipped — after a
// crash mid-write the on-disk state is either the previous valid snapshot
// or absent, never partial.
func (s *Store) LoadLatestCheckpoint() (*Checkpoint, error) {
	entries, err := os.ReadDir(s.checkpointDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading checkpoint dir: %w", err)
	}

	var candidates []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		cp, err := s.loadCheckpointFile(filepath.Join(s.checkpointDir(), entry.Name()))
		if err != nil || cp == nil {
			continue
		}
		candidates = append(candidates, cp)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Timestamp.After(candidates[j].Timestamp)
	})
	return candidates[0], nil
}

// loadCheckpointFile reads and verifies one checkpoint. Returns nil (no
// error) for unparseable or checksum-mismatched files — they are
// discarded, not fatal.
func (s *Store) loadCheckpointFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, nil
	}
	want, err := computeChecksum(cp)
	if err != nil {
		return nil, nil
	}
	if cp.Checksum != want {
		return nil, nil
	}
	return &cp, nil
}

// ClearCheckpoints removes every checkpoint file.
func (s *Store) ClearCheckpoints() error {
	entries, err := os.ReadDir(s.checkpointDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading checkpoint dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.checkpointDir(), entry.Name())); err != nil {
			return fmt.Errorf("removing checkpoint %s: %w", entry.Name(), err)
		}
	}
	return nil
}
