package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BrendanShields/spec-flow/internal/paths"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// FileHash is the SHA-256 of one tracked file at snapshot time.
type FileHash struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// Snapshot is an immutable point-in-time copy of the session plus hashes
// of the files that describe it.
type Snapshot struct {
	ID        string                `json:"id"`
	Timestamp string                `json:"timestamp"`
	Label     string                `json:"label,omitempty"`
	State     workflow.SessionState `json:"state"`
	Files     []FileHash            `json:"files"`
}

// Time parses Timestamp; the zero time on error.
func (s Snapshot) Time() time.Time {
	t, _ := workflow.ParseTimestamp(s.Timestamp)
	return t
}

// CreateSnapshot captures the cached session and returns the snapshot id.
func (m *Manager) CreateSnapshot(ctx context.Context, label string) (string, error) {
	var id string
	err := m.mutate(ctx, "snapshot", func() error {
		if m.cache == nil {
			return ErrNoActiveSession
		}
		files, err := m.hashTrackedFiles(ctx)
		if err != nil {
			return err
		}
		snap := Snapshot{
			ID:        uuid.NewString(),
			Timestamp: workflow.FormatTimestamp(m.now()),
			Label:     label,
			State:     m.cache.Clone(),
			Files:     files,
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		if err := writeFileAtomic(m.snapshotPath(snap.ID), data); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
		id = snap.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	m.log.Info("snapshot created", "id", id, "label", label)
	return id, nil
}

// ListSnapshots returns every readable snapshot, newest first. Malformed
// files are skipped.
func (m *Manager) ListSnapshots() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.paths.SnapshotsDir())
	if errors.Is(err, os.ErrNotExist) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	out := []Snapshot{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		snap, err := readSnapshot(filepath.Join(m.paths.SnapshotsDir(), e.Name()))
		if err != nil {
			m.log.Warn("skipping malformed snapshot", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time().After(out[j].Time()) })
	return out, nil
}

// RestoreSnapshot replaces the session with the snapshot's copy. The
// current session file is backed up first. last_updated is restored as
// captured, so restoring the same snapshot twice yields the same state.
func (m *Manager) RestoreSnapshot(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return m.mutate(ctx, "restore_snapshot", func() error {
		snap, err := readSnapshot(m.snapshotPath(id))
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("reading snapshot %s: %w", id, err)
		}

		var before *workflow.SessionState
		if m.cache != nil {
			if _, err := m.createBackup("pre-restore"); err != nil {
				return fmt.Errorf("backing up before restore: %w", err)
			}
			b := m.cache.Clone()
			before = &b
		}

		if err := m.persist(snap.State); err != nil {
			return err
		}
		state := snap.State.Clone()
		m.cache = &state

		meta := map[string]any{"snapshotId": snap.ID}
		if snap.Label != "" {
			meta["snapshotLabel"] = snap.Label
		}
		if err := m.history.LogRestore(before, snap.State, meta); err != nil {
			m.log.Error("recording snapshot restore failed", "error", err)
		}
		m.log.Info("snapshot restored", "id", snap.ID, "label", snap.Label)
		return nil
	})
}

// DeleteOldSnapshots removes snapshots whose timestamp is older than
// retentionDays and returns how many were deleted.
func (m *Manager) DeleteOldSnapshots(ctx context.Context, retentionDays int) (int, error) {
	deleted := 0
	err := m.mutate(ctx, "prune_snapshots", func() error {
		entries, err := os.ReadDir(m.paths.SnapshotsDir())
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		cutoff := m.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			path := filepath.Join(m.paths.SnapshotsDir(), e.Name())
			snap, err := readSnapshot(path)
			if err != nil {
				m.log.Warn("skipping malformed snapshot", "file", e.Name(), "error", err)
				continue
			}
			ts := snap.Time()
			if ts.IsZero() || !ts.Before(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil {
				m.log.Warn("failed to delete snapshot", "file", e.Name(), "error", err)
				continue
			}
			deleted++
		}
		return nil
	})
	if deleted > 0 {
		m.log.Info("old snapshots deleted", "count", deleted, "retention_days", retentionDays)
	}
	return deleted, err
}

func (m *Manager) snapshotPath(id string) string {
	return filepath.Join(m.paths.SnapshotsDir(), id+".json")
}

func readSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	if snap.ID == "" {
		return Snapshot{}, errors.New("snapshot has no id")
	}
	return snap, nil
}

// hashTrackedFiles hashes the session file and every memory file that
// exists. Paths are relative to the project directory.
func (m *Manager) hashTrackedFiles(ctx context.Context) ([]FileHash, error) {
	candidates := []string{m.paths.SessionFile()}
	for _, name := range paths.MemoryFiles {
		candidates = append(candidates, m.paths.MemoryFile(name))
	}

	var mu sync.Mutex
	found := make(map[int]FileHash, len(candidates))

	g, _ := errgroup.WithContext(ctx)
	for i, path := range candidates {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("hashing %s: %w", path, err)
			}
			sum := sha256.Sum256(data)
			rel, err := filepath.Rel(m.paths.Cwd(), path)
			if err != nil {
				rel = path
			}
			mu.Lock()
			found[i] = FileHash{Path: filepath.ToSlash(rel), Hash: hex.EncodeToString(sum[:])}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]FileHash, 0, len(found))
	for i := range candidates {
		if fh, ok := found[i]; ok {
			out = append(out, fh)
		}
	}
	return out, nil
}
