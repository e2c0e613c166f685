package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrendanShields/spec-flow/internal/config"
	"github.com/BrendanShields/spec-flow/internal/history"
	"github.com/BrendanShields/spec-flow/internal/validator"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// clock advances by step on every read so successive timestamps differ.
type clock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	return newTestManagerAt(t, t.TempDir())
}

func newTestManagerAt(t *testing.T, dir string) (*Manager, *clock) {
	t.Helper()
	c := &clock{t: t0, step: time.Second}
	m, err := New(config.Default(), dir, WithClock(c.now), WithLockTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, c
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return data
}

// seed puts s into the cache and onto disk without validation.
func seed(t *testing.T, m *Manager, s workflow.SessionState) {
	t.Helper()
	require.NoError(t, m.persist(s))
	c := s.Clone()
	m.cache = &c
}

func baseState(feature string, phase workflow.Phase) workflow.SessionState {
	s := workflow.NewSession(config.DefaultVersion, workflow.ConfigState{}, t0)
	if feature != "" {
		s.Feature = workflow.Ptr(feature)
	}
	s.Phase = workflow.Ptr(phase)
	return s
}

func makeFeatureDir(t *testing.T, m *Manager, id string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(m.Paths().FeaturesDir(), id), 0o755))
}

// ─── Session ─────────────────────────────────────────────────────────────────

func TestNew_DefaultsConfig(t *testing.T) {
	m, err := New(nil, t.TempDir())
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, config.DefaultVersion, m.Config().Version)
	assert.Nil(t, m.GetCurrentSession())
}

func TestUpdateSession_CreatesDefaultAndPersists(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.UpdateSession(ctx, workflow.NewPatch().SetFeature("001-demo").SetPhase(workflow.PhaseGenerate)))

	s := m.GetCurrentSession()
	require.NotNil(t, s)
	assert.Equal(t, "001-demo", s.FeatureID())
	assert.Equal(t, workflow.PhaseGenerate, s.CurrentPhase())
	assert.Equal(t, config.DefaultVersion, s.SchemaVersion)
	require.NotNil(t, s.ConfigState)
	assert.True(t, s.ConfigState.AutoValidate)

	assert.FileExists(t, m.Paths().SessionFile())
	assert.NoFileExists(t, m.Paths().SessionFile()+".tmp")
}

func TestGetCurrentSession_ReturnsCopy(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.UpdateSession(context.Background(), workflow.NewPatch().SetFeature("001-demo")))

	s := m.GetCurrentSession()
	s.Feature = workflow.Ptr("999-other")
	assert.Equal(t, "001-demo", m.GetCurrentSession().FeatureID())
}

func TestUpdateSession_ValidationGate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpdateSession(ctx, workflow.NewPatch().SetTasks(1, 3)))

	cached := m.GetCurrentSession()
	onDisk := readFile(t, m.Paths().SessionFile())
	entries, err := m.GetStateHistory(100)
	require.NoError(t, err)

	err = m.UpdateSession(ctx, workflow.NewPatch().SetTasks(5, 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, validator.ErrInvalidState)
	var verr *validator.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields(), "tasksComplete")

	assert.Equal(t, cached, m.GetCurrentSession())
	assert.Equal(t, onDisk, readFile(t, m.Paths().SessionFile()))
	after, err := m.GetStateHistory(100)
	require.NoError(t, err)
	assert.Len(t, after, len(entries))
}

func TestTransitionPhase_Table(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, from := range workflow.Phases {
		for _, to := range workflow.Phases {
			before := m.GetCurrentSession()
			err := m.TransitionPhase(ctx, from, to, nil)

			if workflow.CanTransition(from, to) != nil {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s → %s", from, to)
				assert.Equal(t, before, m.GetCurrentSession(), "%s → %s must not change state", from, to)
				continue
			}
			require.NoError(t, err, "%s → %s", from, to)
			s := m.GetCurrentSession()
			assert.Equal(t, to, s.CurrentPhase())
			assert.Equal(t, workflow.ExpectedProgress(to), s.ProgressValue(), "%s → %s", from, to)
		}
	}
}

func TestTransitionPhase_FromNoneSetsStarted(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.TransitionPhase(ctx, workflow.PhaseNone, workflow.PhaseInitialize, map[string]any{"reason": "test"}))
	s := m.GetCurrentSession()
	require.NotNil(t, s.Started)
	started := *s.Started

	require.NoError(t, m.TransitionPhase(ctx, workflow.PhaseInitialize, workflow.PhaseGenerate, nil))
	assert.Equal(t, started, *m.GetCurrentSession().Started)

	entries, err := m.GetStateHistory(10)
	require.NoError(t, err)
	// Each transition records its update and then the transition itself.
	require.Len(t, entries, 4)
	assert.Equal(t, history.TypeUpdate, entries[0].Type)
	assert.Equal(t, history.TypeTransition, entries[1].Type)
	assert.Equal(t, "none", entries[1].Metadata["from"])
	assert.Equal(t, "initialize", entries[1].Metadata["to"])
	assert.Equal(t, "test", entries[1].Metadata["reason"])
	assert.Equal(t, entries[0].ChangedFields, entries[1].ChangedFields)
	assert.Equal(t, history.TypeTransition, entries[3].Type)
	assert.Equal(t, "generate", entries[3].Metadata["to"])
}

func TestHistoryCompleteness(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	patches := []*workflow.SessionPatch{
		workflow.NewPatch().SetFeature("001-demo"),
		workflow.NewPatch().SetSessionNotes("kickoff"),
		workflow.NewPatch().SetTasks(1, 3),
		workflow.NewPatch().AddBlocker("waiting on review"),
	}
	want := [][]string{
		{"feature", "last_updated"},
		{"last_updated", "sessionNotes"},
		{"last_updated", "tasksComplete", "tasksTotal"},
		{"blockers", "last_updated"},
	}
	for _, p := range patches {
		require.NoError(t, m.UpdateSession(ctx, p))
	}

	entries, err := m.GetStateHistory(len(patches))
	require.NoError(t, err)
	require.Len(t, entries, len(patches))
	for i, e := range entries {
		assert.Equal(t, history.TypeUpdate, e.Type)
		assert.Equal(t, want[i], e.ChangedFields, "entry %d", i)
	}
}

func TestSaveSession_NoSessionIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.SaveSession(context.Background()))
	assert.NoFileExists(t, m.Paths().SessionFile())
}

func TestValidateState_NullSessionIsCritical(t *testing.T) {
	m, _ := newTestManager(t)
	res := m.ValidateState()
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, validator.SeverityCritical, res.Errors[0].Severity)
}

// ─── Restore ─────────────────────────────────────────────────────────────────

func TestRestoreSession_NoFile(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Nil(t, m.RestoreSession(context.Background()))
}

func TestRestoreSession_Valid(t *testing.T) {
	dir := t.TempDir()
	writer, _ := newTestManagerAt(t, dir)
	require.NoError(t, writer.TransitionPhase(context.Background(), workflow.PhaseNone, workflow.PhaseGenerate, nil))
	require.NoError(t, writer.UpdateSession(context.Background(), workflow.NewPatch().SetFeature("001-demo")))

	m, _ := newTestManagerAt(t, dir)
	s := m.RestoreSession(context.Background())
	require.NotNil(t, s)
	assert.Equal(t, "001-demo", s.FeatureID())
	assert.Equal(t, workflow.PhaseGenerate, s.CurrentPhase())
	assert.Equal(t, s, m.GetCurrentSession())

	entries, err := m.GetStateHistory(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.TypeRestore, entries[0].Type)
	assert.Nil(t, entries[0].Before)
	// feature dir does not exist, so an orphaned_state finding is flagged.
	assert.Equal(t, true, entries[0].Metadata["hasInconsistencies"])
}

func TestRestoreSession_RepairsInvalidState(t *testing.T) {
	m, _ := newTestManager(t)
	raw := "---\nfeature: null\nphase: bogus\nstarted: null\nlast_updated: \"2026-06-01T08:00:00.000Z\"\nschema_version: \"2.0.0\"\n---\n"
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Paths().SessionFile()), 0o755))
	require.NoError(t, os.WriteFile(m.Paths().SessionFile(), []byte(raw), 0o644))

	s := m.RestoreSession(context.Background())
	require.NotNil(t, s)
	assert.Equal(t, workflow.PhaseNone, s.CurrentPhase())
	assert.True(t, m.ValidateState().Valid)

	backups, err := filepath.Glob(filepath.Join(m.Paths().BackupsDir(), "current-session.md.pre-repair.*.backup"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestRestoreSession_UnrepairableReturnsNil(t *testing.T) {
	m, _ := newTestManager(t)
	raw := "---\nfeature: null\nphase: none\nstarted: null\nlast_updated: \"2026-06-01T08:00:00.000Z\"\nschema_version: \"2.0.0\"\ntasksComplete: 5\ntasksTotal: 3\n---\n"
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Paths().SessionFile()), 0o755))
	require.NoError(t, os.WriteFile(m.Paths().SessionFile(), []byte(raw), 0o644))

	assert.Nil(t, m.RestoreSession(context.Background()))
	assert.Nil(t, m.GetCurrentSession())
}

func TestRestoreSession_GarbageFile(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Paths().SessionFile()), 0o755))
	require.NoError(t, os.WriteFile(m.Paths().SessionFile(), []byte("no frontmatter here"), 0o644))
	assert.Nil(t, m.RestoreSession(context.Background()))
}

func TestReload_PicksUpExternalWrite(t *testing.T) {
	dir := t.TempDir()
	a, _ := newTestManagerAt(t, dir)
	b, _ := newTestManagerAt(t, dir)
	ctx := context.Background()

	require.NoError(t, a.UpdateSession(ctx, workflow.NewPatch().SetFeature("001-demo")))
	require.NoError(t, b.Reload())
	assert.Equal(t, "001-demo", b.GetCurrentSession().FeatureID())

	require.NoError(t, os.Remove(a.Paths().SessionFile()))
	require.NoError(t, b.Reload())
	assert.Nil(t, b.GetCurrentSession())
}

// ─── Detection and repair ────────────────────────────────────────────────────

func TestDetectInconsistencies_NullSession(t *testing.T) {
	m, _ := newTestManager(t)
	got := m.DetectInconsistencies()
	require.Len(t, got, 1)
	assert.Equal(t, MissingFeature, got[0].Type)
	assert.Equal(t, validator.SeverityCritical, got[0].Severity)
}

func TestDetectInconsistencies_FeatureWithPhaseNone(t *testing.T) {
	m, _ := newTestManager(t)
	makeFeatureDir(t, m, "001-x")
	seed(t, m, baseState("001-x", workflow.PhaseNone))

	got := m.DetectInconsistencies()
	require.Len(t, got, 1)
	assert.Equal(t, InvalidPhase, got[0].Type)
	assert.Equal(t, validator.SeverityWarning, got[0].Severity)
	assert.Equal(t, "phase", got[0].Field)
}

func TestDetectInconsistencies_BogusPhase(t *testing.T) {
	m, _ := newTestManager(t)
	makeFeatureDir(t, m, "001-x")
	seed(t, m, baseState("001-x", workflow.Phase("bogus")))

	got := m.DetectInconsistencies()
	require.Len(t, got, 1)
	assert.Equal(t, InvalidPhase, got[0].Type)
	assert.Equal(t, validator.SeverityError, got[0].Severity)
}

func TestDetectInconsistencies_Rules(t *testing.T) {
	m, _ := newTestManager(t)

	s := baseState("002-gone", workflow.PhasePlan)
	s.Started = workflow.Ptr(workflow.FormatTimestamp(t0.Add(time.Hour)))
	s.LastUpdated = workflow.FormatTimestamp(t0)
	s.SchemaVersion = "1.0.0"
	seed(t, m, s)

	types := map[InconsistencyType]validator.Severity{}
	for _, inc := range m.DetectInconsistencies() {
		types[inc.Type] = inc.Severity
	}
	assert.Equal(t, map[InconsistencyType]validator.Severity{
		OrphanedState:     validator.SeverityError,
		TimestampMismatch: validator.SeverityWarning,
		SchemaMismatch:    validator.SeverityWarning,
	}, types)

	s = baseState("", workflow.PhaseTasks)
	s.Started = workflow.Ptr("yesterday")
	seed(t, m, s)
	types = map[InconsistencyType]validator.Severity{}
	for _, inc := range m.DetectInconsistencies() {
		types[inc.Type] = inc.Severity
	}
	assert.Equal(t, map[InconsistencyType]validator.Severity{
		TimestampMismatch: validator.SeverityError,
		MissingFeature:    validator.SeverityWarning,
	}, types)
}

func TestRepairState_DryRunThenFix(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s := baseState("001-gone", workflow.PhasePlan)
	s.SchemaVersion = "1.0.0"
	seed(t, m, s)

	cached := m.GetCurrentSession()
	onDisk := readFile(t, m.Paths().SessionFile())

	report, err := m.RepairState(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Empty(t, report.BackupPath)
	require.Len(t, report.Repairs, 2)
	assert.Equal(t, Repair{
		Issue:  `orphaned_state: Active feature "001-gone" directory not found`,
		Action: "Would clear orphaned feature from session",
		Result: RepairSkipped,
	}, report.Repairs[0])
	assert.Equal(t, "Would update schema_version to current", report.Repairs[1].Action)

	assert.Equal(t, cached, m.GetCurrentSession())
	assert.Equal(t, onDisk, readFile(t, m.Paths().SessionFile()))

	report, err = m.RepairState(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.Success, report.Errors)
	assert.FileExists(t, report.BackupPath)
	for _, r := range report.Repairs {
		assert.Equal(t, RepairFixed, r.Result, r.Issue)
	}
	assert.Empty(t, m.DetectInconsistencies())

	fixed := m.GetCurrentSession()
	assert.Nil(t, fixed.Feature)
	assert.Equal(t, workflow.PhaseNone, fixed.CurrentPhase())
	assert.Equal(t, config.DefaultVersion, fixed.SchemaVersion)

	entries, err := m.GetStateHistory(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.TypeRepair, entries[0].Type)
	assert.Equal(t, []string{"orphaned_state", "schema_mismatch"}, history.StringList(entries[0].Metadata["repairs"]))
}

func TestRepairState_NoIssues(t *testing.T) {
	m, _ := newTestManager(t)
	seed(t, m, baseState("", workflow.PhaseNone))

	report, err := m.RepairState(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.Success)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, "Validated state - no issues found", report.Repairs[0].Action)
}

func TestRepairState_NullSession(t *testing.T) {
	m, _ := newTestManager(t)

	report, err := m.RepairState(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, "Manual intervention required", report.Repairs[0].Action)

	report, err = m.RepairState(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, RepairFailed, report.Repairs[0].Result)
}

// ─── Snapshots ───────────────────────────────────────────────────────────────

func TestEndToEnd_SnapshotRestore(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.TransitionPhase(ctx, workflow.PhaseNone, workflow.PhaseInitialize, nil))
	s := m.GetCurrentSession()
	assert.Equal(t, 10, s.ProgressValue())
	require.NotNil(t, s.Started)

	require.NoError(t, m.UpdateSession(ctx, workflow.NewPatch().SetFeature("001-demo")))

	id, err := m.CreateSnapshot(ctx, "post-init")
	require.NoError(t, err)
	assert.Len(t, id, 36)

	// Bypass the transition table.
	m.cache.Phase = workflow.Ptr(workflow.PhaseComplete)

	require.NoError(t, m.RestoreSnapshot(ctx, id))
	assert.Equal(t, workflow.PhaseInitialize, m.GetCurrentSession().CurrentPhase())
	first, err := json.Marshal(m.GetCurrentSession())
	require.NoError(t, err)

	require.NoError(t, m.RestoreSnapshot(ctx, id))
	second, err := json.Marshal(m.GetCurrentSession())
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	entries, err := m.GetStateHistory(1)
	require.NoError(t, err)
	assert.Equal(t, history.TypeRestore, entries[0].Type)
	assert.Equal(t, id, entries[0].Metadata["snapshotId"])
	assert.Equal(t, "post-init", entries[0].Metadata["snapshotLabel"])

	backups, err := filepath.Glob(filepath.Join(m.Paths().BackupsDir(), "current-session.md.pre-restore.*.backup"))
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestCreateSnapshot_NoSession(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateSnapshot(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestCreateSnapshot_HashesTrackedFiles(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpdateSession(ctx, workflow.NewPatch().SetFeature("001-demo")))
	require.NoError(t, m.AppendDecision(ctx, DecisionRecord{ID: "ADR-001", Title: "Use flock"}))

	id, err := m.CreateSnapshot(ctx, "")
	require.NoError(t, err)

	snaps, err := m.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, id, snaps[0].ID)
	require.Len(t, snaps[0].Files, 2)
	assert.Equal(t, ".spec/state/current-session.md", snaps[0].Files[0].Path)
	assert.Equal(t, ".spec/memory/DECISIONS-LOG.md", snaps[0].Files[1].Path)
	assert.Len(t, snaps[0].Files[0].Hash, 64)
}

func TestListSnapshots_NewestFirstSkipsMalformed(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpdateSession(ctx, workflow.NewPatch().SetFeature("001-demo")))

	older, err := m.CreateSnapshot(ctx, "older")
	require.NoError(t, err)
	c.advance(time.Hour)
	newer, err := m.CreateSnapshot(ctx, "newer")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.Paths().SnapshotsDir(), "broken.json"), []byte("{"), 0o644))

	snaps, err := m.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, newer, snaps[0].ID)
	assert.Equal(t, older, snaps[1].ID)
}

func TestListSnapshots_MissingDir(t *testing.T) {
	m, _ := newTestManager(t)
	snaps, err := m.ListSnapshots()
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestRestoreSnapshot_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	assert.ErrorIs(t, m.RestoreSnapshot(ctx, "6f1c2a9e-3b5d-4c8e-9f7a-0d1e2f3a4b5c"), ErrSnapshotNotFound)
	assert.ErrorIs(t, m.RestoreSnapshot(ctx, "../../etc/passwd"), ErrSnapshotNotFound)
}

func TestDeleteOldSnapshots(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpdateSession(ctx, workflow.NewPatch().SetFeature("001-demo")))

	_, err := m.CreateSnapshot(ctx, "old")
	require.NoError(t, err)
	c.advance(40 * 24 * time.Hour)
	keep, err := m.CreateSnapshot(ctx, "fresh")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.Paths().SnapshotsDir(), "broken.json"), []byte("nope"), 0o644))

	n, err := m.DeleteOldSnapshots(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snaps, err := m.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, keep, snaps[0].ID)
	assert.FileExists(t, filepath.Join(m.Paths().SnapshotsDir(), "broken.json"))
}

// ─── Concurrency ─────────────────────────────────────────────────────────────

func TestConcurrentManagersSerialise(t *testing.T) {
	dir := t.TempDir()
	a, _ := newTestManagerAt(t, dir)
	b, _ := newTestManagerAt(t, dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, m := range []*Manager{a, b} {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				assert.NoError(t, m.UpdateSession(ctx, workflow.NewPatch().SetTasks(i, 10)))
			}
		}(m)
	}
	wg.Wait()

	entries, err := a.GetStateHistory(100)
	require.NoError(t, err)
	assert.Len(t, entries, 10)

	s := a.RestoreSession(ctx)
	require.NotNil(t, s)
	complete, total := s.TaskCounts()
	assert.Equal(t, 4, complete)
	assert.Equal(t, 10, total)
}

func TestUpdateSession_KeepsOtherProcessWrites(t *testing.T) {
	dir := t.TempDir()
	a, _ := newTestManagerAt(t, dir)
	b, _ := newTestManagerAt(t, dir)
	ctx := context.Background()

	require.NoError(t, a.UpdateSession(ctx, workflow.NewPatch().SetTasks(1, 5)))
	require.NotNil(t, b.RestoreSession(ctx))
	require.NoError(t, b.UpdateSession(ctx, workflow.NewPatch().SetSessionNotes("written by b")))

	// a's cache predates b's write.
	require.NoError(t, a.UpdateSession(ctx, workflow.NewPatch().SetTasks(2, 5)))

	got := a.GetCurrentSession()
	require.NotNil(t, got)
	assert.Equal(t, "written by b", got.SessionNotes)
	complete, total := got.TaskCounts()
	assert.Equal(t, 2, complete)
	assert.Equal(t, 5, total)

	fresh, _ := newTestManagerAt(t, dir)
	onDisk := fresh.RestoreSession(ctx)
	require.NotNil(t, onDisk)
	assert.Equal(t, "written by b", onDisk.SessionNotes)

	entries, err := a.GetStateHistory(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"last_updated", "tasksComplete"}, entries[0].ChangedFields)
}

func TestUpdateSession_IgnoresInvalidExternalWrite(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpdateSession(ctx, workflow.NewPatch().SetTasks(1, 3)))

	raw := "---\nfeature: null\nphase: none\nstarted: null\nlast_updated: \"2026-06-01T08:00:00.000Z\"\nschema_version: \"2.0.0\"\ntasksComplete: 5\ntasksTotal: 3\n---\n"
	require.NoError(t, os.WriteFile(m.Paths().SessionFile(), []byte(raw), 0o644))

	require.NoError(t, m.UpdateSession(ctx, workflow.NewPatch().SetSessionNotes("still here")))
	complete, total := m.GetCurrentSession().TaskCounts()
	assert.Equal(t, 1, complete)
	assert.Equal(t, 3, total)
}

func TestCleanup(t *testing.T) {
	m, _ := newTestManager(t)
	backups, temps, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, backups)
	assert.Zero(t, temps)
}

func TestNew_SQLiteIndexFilledFromLog(t *testing.T) {
	dir := t.TempDir()
	plain, _ := newTestManagerAt(t, dir)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, plain.UpdateSession(ctx, workflow.NewPatch().SetTasks(i, 5)))
	}

	cfg := config.Default()
	cfg.State.SQLiteIndex = true
	c := &clock{t: t0.Add(time.Hour), step: time.Second}
	m, err := New(cfg, dir, WithClock(c.now), WithLockTimeout(2*time.Second))
	require.NoError(t, err)
	defer m.Close()

	idx := m.HistoryLogger().Index()
	require.NotNil(t, idx)
	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, m.UpdateSession(ctx, workflow.NewPatch().SetTasks(4, 5)))
	n, err = idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
