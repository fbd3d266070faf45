package state

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/austinkregel/codemd/internal/types"
)

// PersistentState is the part of PlayerState that survives a restart
type PersistentState struct {
	Playlist []types.TrackRef `json:"playlist"`
	Index    int              `json:"index"`
	Loop     types.LoopMode   `json:"loop_mode"`
	Volume   int              `json:"volume_percent"`
	Position float64          `json:"position_seconds"`
}

// Persister saves and restores player state in state.json
type Persister struct {
	mu           sync.Mutex
	filePath     string
	lastRevision uint64
	lastPosition float64
}

// CheckpointDrift is how far playback may run past the saved position
// before Checkpoint writes again
const CheckpointDrift = 5.0

// NewPersister creates a persister writing into dir
func NewPersister(dir string) *Persister {
	return &Persister{filePath: filepath.Join(dir, "state.json")}
}

// Load reads the saved state. It returns nil without error when nothing was saved.
func (p *Persister) Load() (*PersistentState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var saved PersistentState
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &saved, nil
}

// Restore loads the saved state into store. Playback always starts stopped.
func (p *Persister) Restore(store *Store) error {
	saved, err := p.Load()
	if err != nil || saved == nil {
		return err
	}
	_, err = store.Apply(restore{saved: *saved})
	return err
}

// Save writes st to disk. Snapshots older than the last one written are
// skipped, so out-of-order change callbacks never roll the file back.
func (p *Persister) Save(st PlayerState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked(st)
}

// Checkpoint saves st while it is playing and the clock has moved the
// position at least CheckpointDrift seconds from the last write. The clock
// does not bump Revision, so change callbacks alone never record it.
func (p *Persister) Checkpoint(st PlayerState) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st.Status != types.StatusPlaying || st.Revision < p.lastRevision {
		return false, nil
	}
	if math.Abs(st.Position-p.lastPosition) < CheckpointDrift {
		return false, nil
	}
	if err := p.saveLocked(st); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Persister) saveLocked(st PlayerState) error {
	if st.Revision != 0 && st.Revision < p.lastRevision {
		return nil
	}

	saved := PersistentState{
		Playlist: st.Playlist,
		Index:    st.Index,
		Loop:     st.Loop,
		Volume:   st.Volume,
		Position: st.Position,
	}
	if saved.Playlist == nil {
		saved.Playlist = []types.TrackRef{}
	}

	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.filePath), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := p.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, p.filePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	p.lastRevision = st.Revision
	p.lastPosition = st.Position
	return nil
}

// GetFilePath returns the path to the state file
func (p *Persister) GetFilePath() string {
	return p.filePath
}
