// Package txn applies a set of file writes as one unit.
//
// Execute runs three phases: back up every existing target, write the new
// contents to temp files, then rename each temp file onto its target. If
// any phase fails, targets are restored from their backups (or removed if
// the transaction created them) and the temp files are deleted.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BrendanShields/spec-flow/internal/logging"
)

// ErrTransactionFailed wraps the cause of a rolled-back transaction.
var ErrTransactionFailed = errors.New("transaction failed")

// OpType is the kind of write applied to one file.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpAppend OpType = "append"
)

// Status is a transaction's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// Kind labels what a transaction is for.
type Kind string

const (
	KindUpdateSession Kind = "update_session"
	KindAppendMemory  Kind = "append_memory"
	KindRestore       Kind = "restore"
	KindCustom        Kind = "custom"
)

// Operation is one file write.
type Operation struct {
	Path    string `json:"path"`
	Type    OpType `json:"type"`
	Content string `json:"content"`
	Backup  string `json:"backup,omitempty"`
}

// Transaction is a unit of atomic multi-file work.
type Transaction struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Kind      Kind           `json:"operation"`
	Files     []Operation    `json:"files"`
	Status    Status         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Add appends an operation and returns the transaction for chaining.
func (t *Transaction) Add(op OpType, path, content string) *Transaction {
	t.Files = append(t.Files, Operation{Path: path, Type: op, Content: content})
	return t
}

// Result reports the outcome of Execute.
type Result struct {
	Success       bool     `json:"success"`
	TransactionID string   `json:"transactionId"`
	FilesModified []string `json:"filesModified"`
	Backups       []string `json:"backups"`
	Error         string   `json:"error,omitempty"`
}

// Err returns nil on success and an ErrTransactionFailed-wrapped error otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTransactionFailed, r.Error)
}

// Manager executes transactions rooted at a state directory.
type Manager struct {
	tempDir   string
	backupDir string
	fs        fileSystem
	now       func() time.Time
	log       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = logging.Scoped(l, "txn") }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager that keeps temp files in <baseDir>/.tmp and
// backups in <baseDir>/.backups.
func NewManager(baseDir string, opts ...Option) *Manager {
	m := &Manager{
		tempDir:   filepath.Join(baseDir, ".tmp"),
		backupDir: filepath.Join(baseDir, ".backups"),
		fs:        osFS{},
		now:       time.Now,
		log:       logging.Scoped(nil, "txn"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BackupDir returns the directory holding backups.
func (m *Manager) BackupDir() string { return m.backupDir }

// Begin returns a new pending transaction with a UUID v4 id.
func (m *Manager) Begin(kind Kind) *Transaction {
	return &Transaction{
		ID:        uuid.NewString(),
		Timestamp: m.now().UTC().Format(time.RFC3339Nano),
		Kind:      kind,
		Status:    StatusPending,
	}
}

// target is the coalesced write for one path. Several operations on the
// same path fold into one final content.
type target struct {
	path    string
	content string
	existed bool
	backup  string
	temp    string
	renamed bool
}

// Execute commits tx or rolls it back. It never returns an error: the
// outcome is in the Result and mirrored onto tx.Status/tx.Error.
func (m *Manager) Execute(ctx context.Context, tx *Transaction) Result {
	start := m.now()
	log := m.log.With("transaction_id", tx.ID, "kind", tx.Kind)
	log.Debug("executing transaction", "files", len(tx.Files))

	targets, err := m.execute(ctx, tx)
	if err != nil {
		log.Error("transaction failed, rolling back", "error", err)
		m.rollback(targets, log)
		tx.Status = StatusRolledBack
		tx.Error = err.Error()
		recordRollback(ctx, m.now().Sub(start), len(targets))
		return Result{
			Success:       false,
			TransactionID: tx.ID,
			FilesModified: []string{},
			Backups:       []string{},
			Error:         err.Error(),
		}
	}

	res := Result{Success: true, TransactionID: tx.ID}
	for _, t := range targets {
		res.FilesModified = append(res.FilesModified, t.path)
		if t.backup != "" {
			res.Backups = append(res.Backups, t.backup)
		}
	}
	if res.Backups == nil {
		res.Backups = []string{}
	}
	tx.Status = StatusCommitted
	recordCommit(ctx, m.now().Sub(start), len(targets))
	log.Debug("transaction committed", "files_modified", len(res.FilesModified))
	return res
}

func (m *Manager) execute(ctx context.Context, tx *Transaction) ([]*target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		return nil, fmt.Errorf("transaction %s is %s", tx.ID, tx.Status)
	}

	targets, err := m.plan(tx)
	if err != nil {
		return targets, err
	}

	// Phase 1: back up existing files.
	stamp := backupStamp(m.now())
	seen := map[string]int{}
	for _, t := range targets {
		if !t.existed {
			continue
		}
		base := filepath.Base(t.path)
		label := tx.ID
		if n := seen[base]; n > 0 {
			label = fmt.Sprintf("%s-%d", tx.ID, n)
		}
		seen[base]++

		t.backup = filepath.Join(m.backupDir, fmt.Sprintf("%s.%s.%s.backup", base, label, stamp))
		if err := m.fs.MkdirAll(m.backupDir, 0o755); err != nil {
			return targets, fmt.Errorf("creating backup directory: %w", err)
		}
		if err := copyFile(m.fs, t.path, t.backup); err != nil {
			t.backup = ""
			return targets, fmt.Errorf("backing up %s: %w", t.path, err)
		}
		for i := range tx.Files {
			if tx.Files[i].Path == t.path {
				tx.Files[i].Backup = t.backup
			}
		}
	}

	// Phase 2: write temp files.
	if err := m.fs.MkdirAll(m.tempDir, 0o755); err != nil {
		return targets, fmt.Errorf("creating temp directory: %w", err)
	}
	for i, t := range targets {
		temp := filepath.Join(m.tempDir, fmt.Sprintf("%s.%s.%d.tmp", filepath.Base(t.path), tx.ID, i))
		t.temp = temp
		if err := m.fs.WriteFile(temp, []byte(t.content), 0o644); err != nil {
			return targets, fmt.Errorf("writing temp file for %s: %w", t.path, err)
		}
	}

	// Phase 3: rename into place.
	for _, t := range targets {
		if err := m.fs.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
			return targets, fmt.Errorf("creating directory for %s: %w", t.path, err)
		}
		if err := m.fs.Rename(t.temp, t.path); err != nil {
			return targets, fmt.Errorf("committing %s: %w", t.path, err)
		}
		t.renamed = true
	}
	return targets, nil
}

// plan folds the operations into one target per path, in first-seen order.
func (m *Manager) plan(tx *Transaction) ([]*target, error) {
	var targets []*target
	byPath := map[string]*target{}

	for _, op := range tx.Files {
		if op.Path == "" {
			return targets, errors.New("operation has empty path")
		}
		path := filepath.Clean(op.Path)
		t, ok := byPath[path]
		if !ok {
			t = &target{path: path}
			existing, err := m.fs.ReadFile(path)
			switch {
			case err == nil:
				t.existed = true
				t.content = string(existing)
			case isNotExist(err):
			default:
				return targets, fmt.Errorf("reading %s: %w", path, err)
			}
			byPath[path] = t
			targets = append(targets, t)
		}

		switch op.Type {
		case OpAppend:
			t.content += op.Content
		case OpCreate, OpUpdate:
			t.content = op.Content
		default:
			return targets, fmt.Errorf("unknown operation type %q for %s", op.Type, path)
		}
	}
	return targets, nil
}

func (m *Manager) rollback(targets []*target, log *slog.Logger) {
	for _, t := range targets {
		switch {
		case t.backup != "":
			if err := copyFile(m.fs, t.backup, t.path); err != nil {
				log.Error("restoring from backup failed", "file", t.path, "backup", t.backup, "error", err)
			}
		case t.renamed && !t.existed:
			if err := m.fs.Remove(t.path); err != nil && !isNotExist(err) {
				log.Error("removing created file failed", "file", t.path, "error", err)
			}
		}
		if t.temp != "" && !t.renamed {
			if err := m.fs.Remove(t.temp); err != nil && !isNotExist(err) {
				log.Warn("removing temp file failed", "file", t.temp, "error", err)
			}
		}
	}
}

// --- Housekeeping ---

// CleanupOldBackups deletes *.backup files whose mtime is older than maxAge.
// maxAge <= 0 uses 30 days.
func (m *Manager) CleanupOldBackups(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	entries, err := m.fs.ReadDir(m.backupDir)
	if err != nil {
		if isNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading backup directory: %w", err)
	}

	cutoff := m.now().Add(-maxAge)
	deleted := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".backup") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := m.fs.Remove(filepath.Join(m.backupDir, e.Name())); err != nil {
			m.log.Error("deleting old backup failed", "file", e.Name(), "error", err)
			continue
		}
		deleted++
	}
	m.log.Debug("cleaned up old backups", "deleted", deleted)
	return deleted, nil
}

// CleanupTempFiles removes stray *.tmp files left by an interrupted run.
// Call it only while holding the state lock.
func (m *Manager) CleanupTempFiles() (int, error) {
	entries, err := m.fs.ReadDir(m.tempDir)
	if err != nil {
		if isNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading temp directory: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if err := m.fs.Remove(filepath.Join(m.tempDir, e.Name())); err != nil {
			m.log.Error("deleting temp file failed", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	m.log.Debug("cleaned up temp files", "count", removed)
	return removed, nil
}

// backupStamp renders t as an ISO timestamp safe for filenames.
func backupStamp(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return strings.NewReplacer(":", "-", ".", "-").Replace(s)
}

// BackupStamp is backupStamp for callers outside the package that name
// their own backups the same way.
func BackupStamp(t time.Time) string { return backupStamp(t) }
