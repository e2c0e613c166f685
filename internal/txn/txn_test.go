package txn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingFS fails the nth WriteFile to a temp file, or the nth Rename.
type failingFS struct {
	osFS
	failTempWrite int
	failRename    int
	tempWrites    int
	renames       int
}

func (f *failingFS) WriteFile(name string, data []byte, perm os.FileMode) error {
	if strings.HasSuffix(name, ".tmp") {
		f.tempWrites++
		if f.tempWrites == f.failTempWrite {
			return errors.New("disk full")
		}
	}
	return f.osFS.WriteFile(name, data, perm)
}

func (f *failingFS) Rename(oldpath, newpath string) error {
	f.renames++
	if f.renames == f.failRename {
		return errors.New("rename refused")
	}
	return f.osFS.Rename(oldpath, newpath)
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	state := filepath.Join(base, "state")
	return NewManager(state), base
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestBegin(t *testing.T) {
	m, _ := newTestManager(t)
	tx := m.Begin(KindCustom)
	assert.Len(t, tx.ID, 36)
	assert.Equal(t, StatusPending, tx.Status)
	assert.NotEmpty(t, tx.Timestamp)
	assert.NotEqual(t, tx.ID, m.Begin(KindCustom).ID)
}

func TestExecute_CreateUpdateAppend(t *testing.T) {
	m, base := newTestManager(t)
	existing := filepath.Join(base, "memory", "WORKFLOW-PROGRESS.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0o755))
	require.NoError(t, os.WriteFile(existing, []byte("# Progress\n"), 0o644))
	updated := filepath.Join(base, "state", "current-session.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(updated), 0o755))
	require.NoError(t, os.WriteFile(updated, []byte("old"), 0o644))
	created := filepath.Join(base, "memory", "nested", "NEW.md")

	tx := m.Begin(KindCustom).
		Add(OpAppend, existing, "\n### entry\n").
		Add(OpUpdate, updated, "new").
		Add(OpCreate, created, "fresh")

	res := m.Execute(context.Background(), tx)
	require.True(t, res.Success, res.Error)
	require.NoError(t, res.Err())

	assert.Equal(t, "# Progress\n\n### entry\n", readFile(t, existing))
	assert.Equal(t, "new", readFile(t, updated))
	assert.Equal(t, "fresh", readFile(t, created))
	assert.Equal(t, []string{existing, updated, created}, res.FilesModified)
	assert.Len(t, res.Backups, 2)
	assert.Equal(t, StatusCommitted, tx.Status)

	for _, b := range res.Backups {
		assert.True(t, strings.HasSuffix(b, ".backup"))
		assert.Contains(t, filepath.Base(b), tx.ID)
	}
	assert.Equal(t, "old", readFile(t, tx.Files[1].Backup))
	assert.Empty(t, listDir(t, filepath.Join(base, "state", ".tmp")))
}

func TestExecute_RepeatedAppendsToSamePathAccumulate(t *testing.T) {
	m, base := newTestManager(t)
	path := filepath.Join(base, "log.md")

	tx := m.Begin(KindAppendMemory).
		Add(OpAppend, path, "a").
		Add(OpAppend, path, "b")
	res := m.Execute(context.Background(), tx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ab", readFile(t, path))
	assert.Equal(t, []string{path}, res.FilesModified)
	assert.Empty(t, res.Backups)
}

func TestExecute_TempWriteFailureLeavesTargetsUntouched(t *testing.T) {
	m, base := newTestManager(t)
	fs := &failingFS{failTempWrite: 2}
	m.fs = fs

	paths := []string{
		filepath.Join(base, "one.md"),
		filepath.Join(base, "two.md"),
		filepath.Join(base, "three.md"),
	}
	for _, p := range paths {
		require.NoError(t, os.WriteFile(p, []byte("original "+filepath.Base(p)), 0o644))
	}

	tx := m.Begin(KindCustom)
	for _, p := range paths {
		tx.Add(OpUpdate, p, "changed")
	}
	res := m.Execute(context.Background(), tx)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disk full")
	assert.ErrorIs(t, res.Err(), ErrTransactionFailed)
	assert.Equal(t, StatusRolledBack, tx.Status)
	assert.Empty(t, res.FilesModified)
	for _, p := range paths {
		assert.Equal(t, "original "+filepath.Base(p), readFile(t, p))
	}
	assert.Empty(t, listDir(t, filepath.Join(base, "state", ".tmp")), "temp files must be cleaned up")
}

func TestExecute_RenameFailureRestoresAndRemovesCreated(t *testing.T) {
	m, base := newTestManager(t)
	m.fs = &failingFS{failRename: 2}

	existing := filepath.Join(base, "existing.md")
	require.NoError(t, os.WriteFile(existing, []byte("before"), 0o644))
	created := filepath.Join(base, "created.md")
	third := filepath.Join(base, "third.md")

	tx := m.Begin(KindCustom).
		Add(OpUpdate, existing, "after").
		Add(OpCreate, created, "new").
		Add(OpCreate, third, "new")
	res := m.Execute(context.Background(), tx)

	require.False(t, res.Success)
	assert.Equal(t, "before", readFile(t, existing))
	assert.NoFileExists(t, created)
	assert.NoFileExists(t, third)
	assert.Empty(t, listDir(t, filepath.Join(base, "state", ".tmp")))
}

func TestExecute_FirstRenameCommittedThenRolledBack(t *testing.T) {
	m, base := newTestManager(t)
	m.fs = &failingFS{failRename: 2}

	created := filepath.Join(base, "a.md")
	second := filepath.Join(base, "b.md")
	tx := m.Begin(KindCustom).
		Add(OpCreate, created, "x").
		Add(OpCreate, second, "y")
	res := m.Execute(context.Background(), tx)

	require.False(t, res.Success)
	assert.NoFileExists(t, created, "file created by a failed transaction is removed")
}

func TestExecute_RejectsUnknownOperation(t *testing.T) {
	m, base := newTestManager(t)
	tx := m.Begin(KindCustom)
	tx.Files = append(tx.Files, Operation{Path: filepath.Join(base, "x"), Type: "delete"})
	res := m.Execute(context.Background(), tx)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown operation type")
}

func TestExecute_CancelledContext(t *testing.T) {
	m, base := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := filepath.Join(base, "x.md")
	res := m.Execute(ctx, m.Begin(KindCustom).Add(OpCreate, path, "x"))
	assert.False(t, res.Success)
	assert.NoFileExists(t, path)
}

func TestExecute_NotPending(t *testing.T) {
	m, base := newTestManager(t)
	tx := m.Begin(KindCustom).Add(OpCreate, filepath.Join(base, "x.md"), "x")
	require.True(t, m.Execute(context.Background(), tx).Success)

	res := m.Execute(context.Background(), tx)
	assert.False(t, res.Success)
}

func TestCleanupOldBackups(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.BackupDir(), 0o755))

	old := filepath.Join(m.BackupDir(), "a.md.x.2020-01-01T00-00-00-000Z.backup")
	fresh := filepath.Join(m.BackupDir(), "b.md.x.2030-01-01T00-00-00-000Z.backup")
	other := filepath.Join(m.BackupDir(), "notes.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	past := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	n, err := m.CleanupOldBackups(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestCleanupOldBackups_MissingDir(t *testing.T) {
	m, _ := newTestManager(t)
	n, err := m.CleanupOldBackups(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleanupTempFiles(t *testing.T) {
	m, base := newTestManager(t)
	tmp := filepath.Join(base, "state", ".tmp")
	require.NoError(t, os.MkdirAll(tmp, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "a.md.id.0.tmp"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "keep.txt"), nil, 0o644))

	n, err := m.CleanupTempFiles()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"keep.txt"}, listDir(t, tmp))
}

func TestBackupStamp(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.UTC)
	assert.Equal(t, "2026-03-04T05-06-07-890Z", BackupStamp(ts))
}
