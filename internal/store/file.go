package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/backtest"
	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// fileDoc is the on-disk layout.
type fileDoc struct {
	Version   int64     `json:"version"` // bumped on every write
	UpdatedAt time.Time `json:"updated_at"`
	state
}

// File is a Memory that rewrites one JSON document after every mutation.
type File struct {
	*Memory
	path    string
	mu      sync.Mutex // serializes writes to path
	version int64
}

// OpenFile loads path, starting empty when it does not exist yet.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f := &File{Memory: NewMemory(), path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, f.flush()
		}
		return nil, fmt.Errorf("failed to read engine state: %w", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal engine state: %w", err)
	}
	doc.state.fill()
	f.Memory.st = doc.state
	f.version = doc.Version
	return f, nil
}

// flush writes the current state atomically using temp file + rename.
func (f *File) flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.version++
	f.Memory.mu.RLock()
	data, err := json.MarshalIndent(fileDoc{Version: f.version, UpdatedAt: time.Now().UTC(), state: f.Memory.st}, "", "  ")
	f.Memory.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal engine state: %w", err)
	}

	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp engine state: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename engine state: %w", err)
	}
	return nil
}

func (f *File) SaveAccount(a ledger.Account) error {
	_ = f.Memory.SaveAccount(a)
	return f.flush()
}

func (f *File) SaveReservation(r ledger.Reservation) error {
	_ = f.Memory.SaveReservation(r)
	return f.flush()
}

func (f *File) SaveStrategy(ctx context.Context, s strategy.Strategy) error {
	_ = f.Memory.SaveStrategy(ctx, s)
	return f.flush()
}

func (f *File) DeleteStrategy(ctx context.Context, id string) error {
	if err := f.Memory.DeleteStrategy(ctx, id); err != nil {
		return err
	}
	return f.flush()
}

func (f *File) SaveInstance(ctx context.Context, inst strategy.Instance) error {
	_ = f.Memory.SaveInstance(ctx, inst)
	return f.flush()
}

func (f *File) DeleteInstance(ctx context.Context, strategyID, symbol string) error {
	_ = f.Memory.DeleteInstance(ctx, strategyID, symbol)
	return f.flush()
}

func (f *File) SaveCorrelation(ctx context.Context, r correlation.Result) error {
	_ = f.Memory.SaveCorrelation(ctx, r)
	return f.flush()
}

func (f *File) SaveTask(ctx context.Context, t backtest.Task) error {
	_ = f.Memory.SaveTask(ctx, t)
	return f.flush()
}

func (f *File) Close() error { return f.flush() }
