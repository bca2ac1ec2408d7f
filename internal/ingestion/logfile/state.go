package logfile

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
)

const stateVersion = 1

// State is the persisted read position of every event file seen so far, so a
// restarted tracer resumes after the last event it delivered.
type State struct {
	Version     int                   `json:"version"`
	Checkpoints map[string]Checkpoint `json:"checkpoints"` // inode -> Checkpoint
}

// Checkpoint is the position reached in one event file.
type Checkpoint struct {
	Path       string    `json:"path"`
	Offset     int64     `json:"offset"`
	EventsRead int64     `json:"eventsRead"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type StateManager struct {
	stateFilePath string
	state         State
	dirty         bool
	mu            sync.Mutex
}

func NewStateManager(path string) (*StateManager, error) {
	sm := &StateManager{
		stateFilePath: path,
		state: State{
			Version:     stateVersion,
			Checkpoints: make(map[string]Checkpoint),
		},
	}

	if err := sm.load(); err != nil {
		return nil, err
	}

	return sm, nil
}

func (sm *StateManager) load() error {
	data, err := os.ReadFile(sm.stateFilePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var loaded State
	if err := sonic.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	if loaded.Version > stateVersion {
		return fmt.Errorf("unsupported state file version %d (newest known is %d)", loaded.Version, stateVersion)
	}

	for inode, checkpoint := range loaded.Checkpoints {
		sm.state.Checkpoints[inode] = checkpoint
	}

	return nil
}

// Save writes the state to disk if it changed since the last save. The file is
// replaced through a rename so a crash never leaves it half written.
func (sm *StateManager) Save() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.dirty {
		return nil
	}

	data, err := sonic.MarshalIndent(sm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempFile := sm.stateFilePath + ".temp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write to temp state file: %w", err)
	}

	if err := os.Rename(tempFile, sm.stateFilePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	sm.dirty = false

	return nil
}

// Position returns the checkpoint of the file with the given inode.
func (sm *StateManager) Position(inode uint64) (Checkpoint, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	checkpoint, found := sm.state.Checkpoints[strconv.FormatUint(inode, 10)]
	return checkpoint, found
}

// Advance moves the checkpoint of a file to offset, adding events to the
// number of events delivered from it. Lines skipped as malformed advance the
// offset with zero events.
func (sm *StateManager) Advance(inode uint64, path string, offset int64, events int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := strconv.FormatUint(inode, 10)
	checkpoint := sm.state.Checkpoints[key]
	checkpoint.Path = path
	checkpoint.Offset = offset
	checkpoint.EventsRead += events
	checkpoint.UpdatedAt = time.Now().UTC()

	sm.state.Checkpoints[key] = checkpoint
	sm.dirty = true
}

// RetainOnly drops the checkpoints of every inode not listed, e.g. after the
// event file was replaced by the build engine.
func (sm *StateManager) RetainOnly(inodes ...uint64) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	keep := make(map[string]struct{}, len(inodes))
	for _, inode := range inodes {
		keep[strconv.FormatUint(inode, 10)] = struct{}{}
	}

	dropped := 0
	for key := range sm.state.Checkpoints {
		if _, ok := keep[key]; !ok {
			delete(sm.state.Checkpoints, key)
			dropped++
		}
	}
	if dropped > 0 {
		sm.dirty = true
	}

	return dropped
}

// Inode returns the inode of the file at path. A replaced event file gets a
// new inode, which is how a rewrite is told apart from an append.
func Inode(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("failed to get syscall.Stat_t for file %s", path)
	}

	return stat.Ino, nil
}
