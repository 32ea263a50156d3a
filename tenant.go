package gapline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// MaxTenantNameLen bounds a tenant name before sanitization.
	MaxTenantNameLen = 128

	// DefaultMaxTenants bounds how many engines one process will host.
	DefaultMaxTenants = 1024

	walFileName = "wal.log"
)

// TenantManagerOptions configure the manager.
type TenantManagerOptions struct {
	// DataDir is the root directory; each tenant gets one subdirectory.
	DataDir string

	// MaxTenants caps hosted engines. Zero means DefaultMaxTenants.
	MaxTenants int

	// Limits apply to every engine.
	Limits Limits

	// ReapInterval and CompactInterval tune the per-engine loops. Zero
	// fields use the defaults.
	ReapInterval     time.Duration
	CompactInterval  time.Duration
	CompactThreshold uint64

	// Logger receives structured logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Clock returns the wall clock in milliseconds. Defaults to real time.
	Clock func() int64
}

type tenantEntry struct {
	engine *Engine
	cancel context.CancelFunc
}

// TenantManager lazily opens one engine per tenant. The tenant name is the
// database the client connects to; each engine owns one WAL under the data
// directory and its own reaper and compactor.
type TenantManager struct {
	opts   TenantManagerOptions
	logger *slog.Logger

	mu      sync.RWMutex
	engines map[string]*tenantEntry
	wg      sync.WaitGroup
	closed  bool
}

// NewTenantManager creates the data directory and returns an empty manager.
func NewTenantManager(opts TenantManagerOptions) (*TenantManager, error) {
	if opts.MaxTenants <= 0 {
		opts.MaxTenants = DefaultMaxTenants
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}
	return &TenantManager{
		opts:    opts,
		logger:  logger,
		engines: make(map[string]*tenantEntry),
	}, nil
}

// SanitizeTenantName strips every character that is not alphanumeric, an
// underscore, or a dash, keeping tenant names safe as directory names.
func SanitizeTenantName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Engine returns the engine for a tenant, opening it on first use.
func (tm *TenantManager) Engine(name string) (*Engine, error) {
	if len(name) > MaxTenantNameLen {
		return nil, &LimitError{What: "tenant name length"}
	}
	name = SanitizeTenantName(name)
	if name == "" {
		return nil, &ReferenceError{ID: name, Cause: ErrNotFound}
	}

	tm.mu.RLock()
	entry, ok := tm.engines[name]
	closed := tm.closed
	tm.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return entry.engine, nil
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.closed {
		return nil, ErrClosed
	}
	if entry, ok := tm.engines[name]; ok {
		return entry.engine, nil
	}
	if len(tm.engines) >= tm.opts.MaxTenants {
		return nil, &LimitError{What: "tenants per server"}
	}

	dir := filepath.Join(tm.opts.DataDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	engine, err := NewEngine(EngineOptions{
		WALPath: filepath.Join(dir, walFileName),
		Limits:  tm.opts.Limits,
		Logger:  tm.logger.With("tenant", name),
		Clock:   tm.opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	reaper := NewReaper(engine, tm.opts.ReapInterval, tm.logger.With("tenant", name))
	compactor := NewCompactor(engine, tm.opts.CompactInterval, tm.opts.CompactThreshold, tm.logger.With("tenant", name))
	tm.wg.Add(2)
	go func() {
		defer tm.wg.Done()
		reaper.Run(ctx)
	}()
	go func() {
		defer tm.wg.Done()
		compactor.Run(ctx)
	}()

	tm.engines[name] = &tenantEntry{engine: engine, cancel: cancel}
	tm.logger.Info("tenant opened", "tenant", name, "dir", dir)
	return engine, nil
}

// TenantNames returns the open tenants in no particular order.
func (tm *TenantManager) TenantNames() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]string, 0, len(tm.engines))
	for name := range tm.engines {
		out = append(out, name)
	}
	return out
}

// TenantCount returns how many engines are open.
func (tm *TenantManager) TenantCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.engines)
}

// Close stops every per-tenant loop and closes every engine.
func (tm *TenantManager) Close() error {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return nil
	}
	tm.closed = true
	entries := make([]*tenantEntry, 0, len(tm.engines))
	for _, entry := range tm.engines {
		entries = append(entries, entry)
	}
	tm.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
	}
	tm.wg.Wait()

	var firstErr error
	for _, entry := range entries {
		if err := entry.engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
