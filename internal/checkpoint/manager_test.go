package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, objective string) *manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), objective, 0, nil)
	require.NoError(t, err)
	return m.(*manager)
}

func TestLoadAbsent(t *testing.T) {
	m := newTestManager(t, "obj")
	cp, err := m.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRecordAttemptPersistsBeforeRun(t *testing.T) {
	m := newTestManager(t, "obj")
	ctx := context.Background()

	n, err := m.RecordAttempt(ctx, "task-1", StageResearch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.RecordAttempt(ctx, "task-1", StageResearch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A reload sees the counter, so a crash between attempt two and its
	// completion continues at attempt three rather than starting over.
	cp, err := m.Load(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.Attempts(StageResearch))
	assert.False(t, cp.Completed(StageResearch))
}

func TestCompleteStageAndResume(t *testing.T) {
	m := newTestManager(t, "obj")
	ctx := context.Background()

	require.NoError(t, m.CompleteStage(ctx, "task-1", StageResearch, map[string]string{"summary": "notes"}))
	require.NoError(t, m.CompleteStage(ctx, "task-1", StageDesign, nil))

	cp, err := m.Load(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Completed(StageResearch))
	assert.True(t, cp.Completed(StageDesign))

	stage, ok := cp.ResumeStage(FullStages)
	require.True(t, ok)
	assert.Equal(t, StageExecute, stage)

	require.NoError(t, m.CompleteStage(ctx, "task-1", StageExecute, nil))
	cp, err = m.Load(ctx, "task-1")
	require.NoError(t, err)
	_, ok = cp.ResumeStage(FullStages)
	assert.False(t, ok)
}

func TestResetStage(t *testing.T) {
	m := newTestManager(t, "obj")
	ctx := context.Background()

	_, err := m.RecordAttempt(ctx, "task-1", StageExecute)
	require.NoError(t, err)
	require.NoError(t, m.CompleteStage(ctx, "task-1", StageExecute, nil))
	require.NoError(t, m.ResetStage(ctx, "task-1", StageExecute))

	cp, err := m.Load(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 0, cp.Attempts(StageExecute))
	assert.False(t, cp.Completed(StageExecute))
}

func TestObjectiveMismatch(t *testing.T) {
	dir := t.TempDir()
	first, err := NewManager(dir, "objective one", 0, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, first.(*manager).CompleteStage(ctx, "task-1", StageResearch, nil))

	// Simulate a checkpoint file moved under another objective's key.
	second := newTestManager(t, "objective two")
	src := first.(*manager).path("task-1")
	dst := second.path("task-1")
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0o644))

	_, err = second.Load(ctx, "task-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrObjectiveMismatch)

	_, err = second.RecordAttempt(ctx, "task-1", StageResearch)
	assert.ErrorIs(t, err, ErrObjectiveMismatch)
}

func TestMissingArtifactClearsCheckpoint(t *testing.T) {
	m := newTestManager(t, "obj")
	ctx := context.Background()

	artifact := filepath.Join(t.TempDir(), "design.md")
	require.NoError(t, os.WriteFile(artifact, []byte("plan"), 0o644))
	require.NoError(t, m.CompleteStage(ctx, "task-1", StageDesign, map[string]string{"doc": artifact}))

	cp, err := m.Load(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, cp)

	require.NoError(t, os.Remove(artifact))
	cp, err = m.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	// The file itself is gone too, not just ignored.
	_, err = os.Stat(m.path("task-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestNonPathArtifactsNotValidated(t *testing.T) {
	m := newTestManager(t, "obj")
	ctx := context.Background()

	require.NoError(t, m.CompleteStage(ctx, "task-1", StageExecute, map[string]string{
		"diff": "@@ -1 +1 @@\n-old\n+new",
		"ref":  "commits/abc123",
	}))
	cp, err := m.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.NotNil(t, cp)
}

func TestStaleCheckpointDiscarded(t *testing.T) {
	m := newTestManager(t, "obj")
	ctx := context.Background()
	require.NoError(t, m.CompleteStage(ctx, "task-1", StageResearch, nil))

	m.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	cp, err := m.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCorruptCheckpointDiscarded(t *testing.T) {
	m := newTestManager(t, "obj")
	require.NoError(t, os.WriteFile(m.path("task-1"), []byte("{broken"), 0o644))

	cp, err := m.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestClearAbsentIsNoop(t *testing.T) {
	m := newTestManager(t, "obj")
	require.NoError(t, m.Clear(context.Background(), "never-seen"))
}

func TestClearAll(t *testing.T) {
	m := newTestManager(t, "obj")
	ctx := context.Background()
	require.NoError(t, m.CompleteStage(ctx, "task-1", StageResearch, nil))
	require.NoError(t, m.CompleteStage(ctx, "task-2", StageExecute, nil))

	require.NoError(t, m.ClearAll(ctx))
	for _, id := range []string{"task-1", "task-2"} {
		cp, err := m.Load(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, cp)
	}
}
