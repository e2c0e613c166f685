// Package memory is the single authority over workflow session state.
//
// A Manager owns an in-memory copy of the current session and is the only
// writer of the session file, the history log, snapshots and the append-only
// memory files. Every mutation runs under an advisory lock on the state
// directory. The cache is refreshed from disk once the lock is held, so a
// write by another hook process is never overwritten from a stale copy.
package memory

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BrendanShields/spec-flow/internal/config"
	"github.com/BrendanShields/spec-flow/internal/history"
	"github.com/BrendanShields/spec-flow/internal/lock"
	"github.com/BrendanShields/spec-flow/internal/logging"
	"github.com/BrendanShields/spec-flow/internal/metrics"
	"github.com/BrendanShields/spec-flow/internal/paths"
	"github.com/BrendanShields/spec-flow/internal/sessiondoc"
	"github.com/BrendanShields/spec-flow/internal/txn"
	"github.com/BrendanShields/spec-flow/internal/validator"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// Manager coordinates all reads and writes of workflow state for one
// project directory.
type Manager struct {
	cfg       *config.Config
	paths     paths.Resolver
	validator *validator.Validator
	history   *history.Logger
	metrics   *metrics.Aggregator
	txn       *txn.Manager
	lock      *lock.FileLock
	log       *slog.Logger
	now       func() time.Time
	ownsIndex *history.Index

	mu    sync.Mutex
	cache *workflow.SessionState
	// seen is the hash of the session file as last read or written here.
	seen [sha256.Size]byte
}

type options struct {
	logger      *slog.Logger
	now         func() time.Time
	lockTimeout time.Duration
	index       *history.Index
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the base logger. Components log under their own scope.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now everywhere timestamps are produced.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLockTimeout overrides config.State.LockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// WithHistoryIndex mirrors history into idx. The caller keeps ownership.
func WithHistoryIndex(idx *history.Index) Option {
	return func(o *options) { o.index = idx }
}

// New builds a Manager for cwd. A nil cfg uses config.Default(). When
// cfg.State.SQLiteIndex is set and no index was supplied, New opens one in
// the history directory, filling it from the JSONL log when empty, and
// Close releases it.
func New(cfg *config.Config, cwd string, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}

	o := options{now: time.Now, lockTimeout: cfg.State.LockTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:       cfg,
		paths:     paths.New(cfg, abs),
		validator: validator.New(cfg.Version),
		log:       logging.Scoped(o.logger, "memory"),
		now:       o.now,
	}
	m.lock = lock.New(m.paths.LockPath(), o.lockTimeout)
	m.txn = txn.NewManager(m.paths.StateDir(), txn.WithLogger(o.logger), txn.WithClock(o.now))

	index := o.index
	if index == nil && cfg.State.SQLiteIndex {
		index, err = history.OpenIndex(m.paths.HistoryDir())
		if err != nil {
			return nil, err
		}
		m.ownsIndex = index
	}

	hopts := []history.Option{
		history.WithMaxEntries(cfg.State.HistoryMaxEntries),
		history.WithClock(o.now),
		history.WithLogger(o.logger),
	}
	if index != nil {
		hopts = append(hopts, history.WithIndex(index))
	}
	m.history = history.NewLogger(m.paths.HistoryDir(), hopts...)
	if m.ownsIndex != nil {
		if n, err := m.ownsIndex.Count(); err == nil && n == 0 {
			if loaded, err := m.ownsIndex.Rebuild(m.history); err != nil {
				m.log.Warn("rebuilding history index failed", "error", err)
			} else if loaded > 0 {
				m.log.Info("history index rebuilt", "entries", loaded)
			}
		}
	}
	m.metrics = metrics.New(m.history, metrics.WithClock(o.now))
	return m, nil
}

// Close releases resources opened by New.
func (m *Manager) Close() error {
	if m.ownsIndex != nil {
		return m.ownsIndex.Close()
	}
	return nil
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() *config.Config { return m.cfg }

// Paths returns the resolver for this project.
func (m *Manager) Paths() paths.Resolver { return m.paths }

// HistoryLogger returns the underlying history logger.
func (m *Manager) HistoryLogger() *history.Logger { return m.history }

// ─── Session ─────────────────────────────────────────────────────────────────

// GetCurrentSession returns a copy of the cached session, or nil. It never
// touches disk.
func (m *Manager) GetCurrentSession() *workflow.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache == nil {
		return nil
	}
	s := m.cache.Clone()
	return &s
}

// UpdateSession applies patch to the current (or default) session, stamps
// last_updated and persists it. A patch that leaves the session invalid is
// rejected with a *validator.ValidationError and nothing changes.
func (m *Manager) UpdateSession(ctx context.Context, patch *workflow.SessionPatch) error {
	return m.mutate(ctx, "update", func() error {
		_, err := m.updateLocked(patch)
		return err
	})
}

// TransitionPhase moves the session from one phase to another. Pairs not
// in workflow.Transitions fail with ErrInvalidTransition.
func (m *Manager) TransitionPhase(ctx context.Context, from, to workflow.Phase, metadata map[string]any) error {
	if err := workflow.CanTransition(from, to); err != nil {
		m.log.Error("rejected phase transition", "from", from, "to", to)
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return m.mutate(ctx, "transition", func() error {
		return m.transitionLocked(from, to, metadata)
	})
}

// SaveSession writes the cached session to disk. It does nothing when no
// session is loaded.
func (m *Manager) SaveSession(ctx context.Context) error {
	return m.mutate(ctx, "save", func() error {
		if m.cache == nil {
			m.log.Warn("no session state to save")
			return nil
		}
		return m.persist(*m.cache)
	})
}

// RestoreSession loads the session file into the cache. It returns nil when
// there is no file or the file could not be loaded or repaired; failures are
// logged, never returned.
func (m *Manager) RestoreSession(ctx context.Context) *workflow.SessionState {
	var restored *workflow.SessionState
	err := m.mutate(ctx, "restore", func() error {
		restored = m.restoreLocked()
		return nil
	})
	if err != nil {
		m.log.Error("failed to restore session", "error", err)
		return nil
	}
	return restored
}

// Reload re-reads the session file into the cache without recording
// history. A missing file clears the cache.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.readSessionFile()
	if errors.Is(err, os.ErrNotExist) {
		m.cache = nil
		return nil
	}
	if err != nil {
		return err
	}
	m.cache = &s
	return nil
}

// ValidateState validates the cached session. A missing session is a
// critical error.
func (m *Manager) ValidateState() validator.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked()
}

// Cleanup removes expired transaction backups and stray temp files.
func (m *Manager) Cleanup(ctx context.Context) (backups, temps int, err error) {
	err = m.mutate(ctx, "cleanup", func() error {
		var err error
		if backups, err = m.txn.CleanupOldBackups(m.cfg.State.BackupMaxAge); err != nil {
			return err
		}
		temps, err = m.txn.CleanupTempFiles()
		return err
	})
	return backups, temps, err
}

// ─── Locked internals ────────────────────────────────────────────────────────

// mutate runs fn holding both the in-process mutex and the state-directory
// lock. fn may call any *Locked helper but never a public method.
func (m *Manager) mutate(ctx context.Context, op string, fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.lock.With(ctx, func() error {
		m.syncLocked()
		return fn()
	})
	recordMutation(ctx, op, err)
	return err
}

// syncLocked reloads the cache when another process rewrote the session
// file since this Manager last read or wrote it. Files that fail to decode
// or validate are left to RestoreSession. The state lock must be held.
func (m *Manager) syncLocked() {
	data, err := os.ReadFile(m.paths.SessionFile())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("checking session file failed", "error", err)
		}
		return
	}
	sum := sha256.Sum256(data)
	if sum == m.seen {
		return
	}
	s, err := sessiondoc.Decode(data, m.cfg.Version, m.now())
	if err == nil {
		err = m.validator.ValidateSessionState(s).Err()
	}
	if err != nil {
		m.log.Warn("ignoring unusable session file written by another process", "error", err)
		return
	}
	m.seen = sum
	m.cache = &s
	m.log.Debug("session reloaded after external write")
}

func (m *Manager) currentOrDefault() workflow.SessionState {
	if m.cache != nil {
		return m.cache.Clone()
	}
	return m.defaultSession()
}

func (m *Manager) defaultSession() workflow.SessionState {
	wf := m.cfg.Workflow
	return workflow.NewSession(m.cfg.Version, workflow.ConfigState{
		RequireBlueprint: wf.RequireBlueprint,
		RequireADR:       wf.RequireADR,
		AutoValidate:     wf.AutoValidate,
		AutoCheckpoint:   wf.AutoCheckpoint,
	}, m.now())
}

// updateLocked applies patch and records an update entry.
func (m *Manager) updateLocked(patch *workflow.SessionPatch) (workflow.SessionState, error) {
	before, after, err := m.applyLocked(patch)
	if err != nil {
		return workflow.SessionState{}, err
	}
	if err := m.history.LogUpdate(before, after, nil); err != nil {
		m.log.Error("recording session update failed", "error", err)
	}
	m.log.Debug("session updated", "fields", patch.Fields())
	return after, nil
}

// applyLocked merges, stamps, validates, persists and caches patch. It
// records no history.
func (m *Manager) applyLocked(patch *workflow.SessionPatch) (before, after workflow.SessionState, err error) {
	before = m.currentOrDefault()
	after = patch.Apply(before)
	after.LastUpdated = workflow.FormatTimestamp(m.now())

	res := m.validator.ValidateSessionState(after)
	if err := res.Err(); err != nil {
		m.log.Error("rejected session update", "fields", patch.Fields(), "error", err)
		return before, workflow.SessionState{}, err
	}
	if len(res.Warnings) > 0 {
		m.log.Warn("session state has warnings", "warnings", warningMessages(res.Warnings))
	}

	if err := m.persist(after); err != nil {
		return before, workflow.SessionState{}, err
	}
	cached := after.Clone()
	m.cache = &cached
	return before, after, nil
}

// transitionLocked records the phase change as an update entry followed by
// a transition entry carrying from, to and the caller metadata.
func (m *Manager) transitionLocked(from, to workflow.Phase, metadata map[string]any) error {
	patch := workflow.NewPatch().
		SetPhase(to).
		SetProgress(workflow.ExpectedProgress(to))
	if from == workflow.PhaseNone && to != workflow.PhaseNone {
		patch.SetStarted(workflow.FormatTimestamp(m.now()))
	}

	before, after, err := m.applyLocked(patch)
	if err != nil {
		return err
	}
	if err := m.history.LogUpdate(before, after, nil); err != nil {
		m.log.Error("recording session update failed", "error", err)
	}
	if err := m.history.LogTransition(from, to, before, after, metadata); err != nil {
		m.log.Error("recording transition failed", "error", err)
	}
	logging.Success(m.log, "phase transition complete", "from", from, "to", to, "progress", workflow.ExpectedProgress(to))
	return nil
}

func (m *Manager) restoreLocked() *workflow.SessionState {
	state, err := m.readSessionFile()
	if errors.Is(err, os.ErrNotExist) {
		m.log.Info("no session file found")
		return nil
	}
	if err != nil {
		m.log.Error("reading session file failed", "error", err)
		return nil
	}

	res := m.validator.ValidateSessionState(state)
	if !res.Valid {
		m.log.Error("restored session state is invalid", "error", res.Err())
		return m.repairOnRestore(state)
	}
	if len(res.Warnings) > 0 {
		m.log.Warn("restored session has warnings", "warnings", warningMessages(res.Warnings))
	}

	cached := state.Clone()
	m.cache = &cached

	incs := m.detectLocked()
	for _, inc := range incs {
		m.log.Warn("inconsistency: "+string(inc.Type), "message", inc.Message, "suggestion", inc.Suggestion)
	}

	meta := map[string]any{
		"hasWarnings":        len(res.Warnings) > 0,
		"hasInconsistencies": len(incs) > 0,
	}
	if state.Started != nil {
		if started, err := workflow.ParseTimestamp(*state.Started); err == nil {
			meta["sessionDuration"] = int(m.now().Sub(started).Hours())
		}
	}
	if err := m.history.LogRestore(nil, state, meta); err != nil {
		m.log.Error("recording restore failed", "error", err)
	}

	m.log.Info("session restored from disk",
		"feature", state.FeatureID(), "phase", state.CurrentPhase(), "progress", state.ProgressValue(),
		"inconsistencies", len(incs))
	out := state.Clone()
	return &out
}

// repairOnRestore loads an invalid state into the cache, repairs it and
// re-reads the file. The previous cache is put back on any failure.
func (m *Manager) repairOnRestore(state workflow.SessionState) *workflow.SessionState {
	prev := m.cache
	loaded := state.Clone()
	m.cache = &loaded

	report := m.repairLocked(true)
	if !report.Success {
		m.log.Error("failed to repair session state", "errors", report.Errors)
		m.cache = prev
		return nil
	}

	repaired, err := m.readSessionFile()
	if err == nil {
		err = m.validator.ValidateSessionState(repaired).Err()
	}
	if err != nil {
		m.log.Error("session still unusable after repair", "error", err)
		m.cache = prev
		return nil
	}

	m.cache = &repaired
	logging.Success(m.log, "session state repaired", "repairs", len(report.Repairs))
	out := repaired.Clone()
	return &out
}

func (m *Manager) validateLocked() validator.Result {
	if m.cache == nil {
		return validator.Result{
			Valid: false,
			Errors: []validator.Issue{{
				Field:    "session",
				Message:  "Session state is null",
				Severity: validator.SeverityCritical,
			}},
			Warnings: []validator.Warning{},
		}
	}
	return m.validator.ValidateSessionState(*m.cache)
}

// ─── Persistence ─────────────────────────────────────────────────────────────

func (m *Manager) persist(s workflow.SessionState) error {
	data, err := sessiondoc.Encode(s)
	if err != nil {
		return err
	}
	path := m.paths.SessionFile()
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	m.seen = sha256.Sum256(data)
	m.log.Debug("session persisted", "path", path)
	return nil
}

func (m *Manager) readSessionFile() (workflow.SessionState, error) {
	data, err := os.ReadFile(m.paths.SessionFile())
	if err != nil {
		return workflow.SessionState{}, err
	}
	s, err := sessiondoc.Decode(data, m.cfg.Version, m.now())
	if err != nil {
		return workflow.SessionState{}, err
	}
	m.seen = sha256.Sum256(data)
	return s, nil
}

// writeFileAtomic writes data to <path>.tmp, syncs it and renames it onto
// path.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func warningMessages(ws []validator.Warning) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Message
	}
	return out
}
