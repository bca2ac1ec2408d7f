package logfile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ivov/pipeline-tracer/internal/config"
	"github.com/ivov/pipeline-tracer/internal/core"
	"github.com/ivov/pipeline-tracer/internal/models"
	"go.uber.org/zap"
)

const (
	stateSaveInterval  = 10 * time.Second
	statePruneInterval = 1 * time.Hour
)

// LogfileWatcher tails the NDJSON file the build engine appends lifecycle
// events to.
type LogfileWatcher struct {
	filePath         string
	stateManager     *StateManager
	watcher          *fsnotify.Watcher
	parser           *core.Parser
	logger           *zap.Logger
	eventCh          chan models.RunEvent
	errCh            chan error
	closeCh          chan struct{}
	stopOnce         sync.Once
	debounceDuration time.Duration
}

func NewLogfileWatcher(cfg config.LogfileIngestorConfig, sm *StateManager, logger *zap.Logger) (*LogfileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &LogfileWatcher{
		filePath:         cfg.WatchFilePath,
		stateManager:     sm,
		watcher:          watcher,
		parser:           core.NewParser(logger),
		logger:           logger,
		eventCh:          make(chan models.RunEvent),
		errCh:            make(chan error),
		closeCh:          make(chan struct{}),
		debounceDuration: cfg.DebounceDuration,
	}, nil
}

func (watcher *LogfileWatcher) Start(ctx context.Context) (<-chan models.RunEvent, <-chan error) {
	go watcher.run(ctx)

	return watcher.eventCh, watcher.errCh
}

func (watcher *LogfileWatcher) Stop() {
	watcher.stopOnce.Do(func() {
		close(watcher.closeCh)
	})
}

// run is the watcher's main loop, re-reading the event file whenever it
// changes and sending every new event downstream
func (watcher *LogfileWatcher) run(ctx context.Context) {
	defer close(watcher.eventCh)
	defer close(watcher.errCh)
	defer watcher.watcher.Close()

	watcher.logger.Info("Starting initial catch-up scan", zap.String("file", watcher.filePath))
	if err := watcher.scanAndProcess(ctx); err != nil {
		watcher.sendError(ctx, fmt.Errorf("error during initial scan: %w", err))
		return
	}
	watcher.logger.Info("Completed initial catch-up scan")

	// The directory is watched rather than the file, so that the file being
	// created or rotated is noticed too.
	if err := watcher.watcher.Add(filepath.Dir(watcher.filePath)); err != nil {
		watcher.sendError(ctx, fmt.Errorf("failed to watch event file directory: %w", err))
		return
	}

	saveTicker := time.NewTicker(stateSaveInterval)
	defer saveTicker.Stop()

	pruneTicker := time.NewTicker(statePruneInterval)
	defer pruneTicker.Stop()

	var debounceTimer *time.Timer
	var debounceChan <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			watcher.saveState(ctx, "on cancellation")
			return

		case <-watcher.closeCh:
			watcher.logger.Info("Shutting down logfile watcher")
			watcher.saveState(ctx, "on shutdown")
			return

		case event, ok := <-watcher.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(watcher.filePath) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer == nil {
					debounceTimer = time.NewTimer(watcher.debounceDuration)
					debounceChan = debounceTimer.C
				} else {
					debounceTimer.Reset(watcher.debounceDuration)
				}
			}

		case <-debounceChan:
			watcher.logger.Debug("Event file changed, re-scanning")
			if err := watcher.scanAndProcess(ctx); err != nil {
				watcher.sendError(ctx, fmt.Errorf("error during file scan: %w", err))
			}
			debounceTimer.Stop()
			debounceTimer = nil
			debounceChan = nil

		case err, ok := <-watcher.watcher.Errors:
			if !ok {
				return
			}
			watcher.sendError(ctx, fmt.Errorf("watcher error: %w", err))

		case <-saveTicker.C:
			watcher.saveState(ctx, "periodically")

		case <-pruneTicker.C:
			if err := watcher.PruneState(); err != nil {
				watcher.sendError(ctx, fmt.Errorf("failed to prune state: %w", err))
			}
		}
	}
}

func (watcher *LogfileWatcher) sendError(ctx context.Context, err error) {
	select {
	case watcher.errCh <- err:
	case <-ctx.Done():
		watcher.logger.Error("Dropped ingestion error after cancellation", zap.Error(err))
	case <-watcher.closeCh:
		watcher.logger.Error("Dropped ingestion error after shutdown", zap.Error(err))
	}
}

func (watcher *LogfileWatcher) saveState(ctx context.Context, when string) {
	if err := watcher.stateManager.Save(); err != nil {
		watcher.sendError(ctx, fmt.Errorf("failed to save state %s: %w", when, err))
	}
}

// scanAndProcess reads the event file from the last saved offset. A missing
// file is not an error, the build engine may not have written any event yet.
func (watcher *LogfileWatcher) scanAndProcess(ctx context.Context) error {
	if _, err := os.Stat(watcher.filePath); os.IsNotExist(err) {
		watcher.logger.Debug("Event file does not exist yet", zap.String("file", watcher.filePath))
		return nil
	}

	processedCount, err := watcher.processLogfile(ctx)
	if err != nil {
		return fmt.Errorf("failed to process event file %s: %w", watcher.filePath, err)
	}

	if processedCount > 0 {
		watcher.logger.Info("Processed events", zap.Int("count", processedCount))
	}

	return nil
}

// processLogfile sends the events appended since the last saved offset and
// returns how many it sent
func (watcher *LogfileWatcher) processLogfile(ctx context.Context) (int, error) {
	var eventCount int

	file, err := os.Open(watcher.filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	inode, err := Inode(watcher.filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to get inode for %s: %w", watcher.filePath, err)
	}

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}

	checkpoint, _ := watcher.stateManager.Position(inode)
	offset := checkpoint.Offset

	if offset > info.Size() {
		watcher.logger.Warn("Event file shrank, reading from the start",
			zap.Int64("offset", offset),
			zap.Int64("size", info.Size()),
		)
		offset = 0
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek in file: %w", err)
	}

	ioReader := bufio.NewReader(file)
	for {
		line, ioReadErr := ioReader.ReadBytes('\n')

		if ioReadErr == io.EOF {
			break // a trailing line without newline is still being written
		}

		if ioReadErr != nil {
			return eventCount, fmt.Errorf("error reading event line: %w", ioReadErr)
		}

		currentOffset := offset + int64(len(line))

		event, parseErr := watcher.parser.ToEvent(line)
		if parseErr != nil {
			watcher.logger.Warn("Skipped malformed line", zap.Int64("offset", offset), zap.Error(parseErr))
			watcher.stateManager.Advance(inode, watcher.filePath, currentOffset, 0)
			offset = currentOffset
			continue
		}

		select {
		case watcher.eventCh <- event:
			eventCount++
		case <-ctx.Done():
			return eventCount, nil
		case <-watcher.closeCh:
			return eventCount, nil
		}

		watcher.stateManager.Advance(inode, watcher.filePath, currentOffset, 1)
		offset = currentOffset
	}

	return eventCount, nil
}

// PruneState drops the checkpoints of every file other than the current
// event file.
func (watcher *LogfileWatcher) PruneState() error {
	var live []uint64

	inode, err := Inode(watcher.filePath)
	switch {
	case err == nil:
		live = append(live, inode)
	case !os.IsNotExist(err):
		return err
	}

	dropped := watcher.stateManager.RetainOnly(live...)
	watcher.logger.Debug("Pruned state", zap.Int("dropped_checkpoints", dropped))

	return nil
}
