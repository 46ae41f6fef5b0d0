package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/storyforge/engine/internal/models"
	appErr "github.com/storyforge/engine/pkg/errors"
)

func TestSnapshotCooldown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")
	node := env.createNode(t, p.ID, nil, "hero") // records version 1

	svc := NewVersionService(env.db, env.versionRepo, env.nodeRepo, time.Hour).(*versionService)
	base := time.Now()
	svc.now = func() time.Time { return base }

	// Inside the cooldown window: skipped, not an error.
	v, created, err := svc.MaybeSnapshot(ctx, node.ID, TriggerSignificant, "")
	require.NoError(t, err)
	require.False(t, created)
	require.Nil(t, v)

	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	v, created, err = svc.MaybeSnapshot(ctx, node.ID, TriggerPeriodic, "")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 2, v.VersionNumber)
}

func TestRestoreVersionAppendsNewEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")
	node := env.createNode(t, p.ID, nil, "old name")

	_, err := env.tree.UpdateNode(ctx, node.ID, &UpdateNodeInput{Name: ptr("new name")})
	require.NoError(t, err)

	v, err := env.versions.RestoreVersion(ctx, node.ID, 1, "editor")
	require.NoError(t, err)
	require.Equal(t, 3, v.VersionNumber)
	require.Equal(t, "Restored from version 1", v.ChangeSummary)
	require.Equal(t, "editor", v.ChangedBy)

	restored, err := env.tree.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, "old name", restored.Name)

	// History is append-only: all three versions remain.
	versions, err := env.versions.ListVersions(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
}

func TestRestoreVersionNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")
	node := env.createNode(t, p.ID, nil, "hero")

	_, err := env.versions.RestoreVersion(ctx, node.ID, 42, "")
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeVersionNotFound))
}

func TestPruneRespectsKeepMin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")
	node := env.createNode(t, p.ID, nil, "hero") // version 1

	// Seed older versions directly for a controlled history.
	for i := 2; i <= 6; i++ {
		require.NoError(t, env.db.Create(&models.NodeVersion{
			NodeID:        node.ID,
			VersionNumber: i,
			Snapshot:      datatypes.JSON(`{"name":"hero"}`),
			CreatedAt:     time.Now().Add(-time.Duration(10-i) * time.Hour),
		}).Error)
	}

	deleted, err := env.versions.Prune(ctx, node.ID, RetentionPolicy{KeepMin: 2, MaxCount: 3})
	require.NoError(t, err)
	require.Equal(t, 3, deleted)

	remaining, err := env.versions.ListVersions(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	// Newest versions survive.
	require.Equal(t, 6, remaining[0].VersionNumber)
	require.Equal(t, 5, remaining[1].VersionNumber)
	require.Equal(t, 4, remaining[2].VersionNumber)
}

func TestPruneKeepMinBeatsMaxAge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")
	node := env.createNode(t, p.ID, nil, "hero")

	for i := 2; i <= 3; i++ {
		require.NoError(t, env.db.Create(&models.NodeVersion{
			NodeID:        node.ID,
			VersionNumber: i,
			Snapshot:      datatypes.JSON(`{"name":"hero"}`),
			CreatedAt:     time.Now().Add(-1000 * time.Hour),
		}).Error)
	}

	// Every version is past MaxAge, but KeepMin retains the newest three.
	deleted, err := env.versions.Prune(ctx, node.ID, RetentionPolicy{KeepMin: 3, MaxAge: time.Hour})
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestDiffSummary(t *testing.T) {
	mkSnap := func(name string, blocks ...models.BlockSnapshot) *models.NodeSnapshot {
		return &models.NodeSnapshot{Name: name, Blocks: blocks}
	}
	b1 := models.BlockSnapshot{BlockID: mustUUID("11111111-1111-1111-1111-111111111111"), VariableName: "health", Type: models.BlockNumber}
	b1Changed := b1
	b1Changed.Value = models.JSONValue(`42`)
	b2 := models.BlockSnapshot{BlockID: mustUUID("22222222-2222-2222-2222-222222222222"), VariableName: "bio", Type: models.BlockText}

	require.Equal(t, "Initial version", DiffSummary(nil, mkSnap("hero")))
	require.Equal(t, "No changes", DiffSummary(mkSnap("hero"), mkSnap("hero")))
	require.Equal(t, `Renamed "hero" to "villain"`, DiffSummary(mkSnap("hero"), mkSnap("villain")))
	require.Equal(t, "Added 1 block", DiffSummary(mkSnap("hero"), mkSnap("hero", b1)))
	require.Equal(t, "Removed 2 blocks", DiffSummary(mkSnap("hero", b1, b2), mkSnap("hero")))
	require.Equal(t, "Modified 1 block", DiffSummary(mkSnap("hero", b1), mkSnap("hero", b1Changed)))
	require.Equal(t, "Renamed \"a\" to \"b\"; Added 1 block",
		DiffSummary(mkSnap("a"), mkSnap("b", b1)))

	// Deterministic for identical inputs.
	first := DiffSummary(mkSnap("hero", b1, b2), mkSnap("villain", b1Changed))
	second := DiffSummary(mkSnap("hero", b1, b2), mkSnap("villain", b1Changed))
	require.Equal(t, first, second)
}

func TestSnapshotCapturesBlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")
	node := env.createNode(t, p.ID, nil, "hero")
	block := env.createBlock(t, node.ID, models.BlockText, "Bio", models.ScopeSelf)

	v, created, err := env.versions.MaybeSnapshot(ctx, node.ID, TriggerSignificant, "")
	require.NoError(t, err)
	require.True(t, created)

	var snap models.NodeSnapshot
	require.NoError(t, json.Unmarshal(v.Snapshot, &snap))
	require.Equal(t, "hero", snap.Name)
	require.Len(t, snap.Blocks, 1)
	require.Equal(t, block.ID, snap.Blocks[0].BlockID)
	require.Equal(t, "bio", snap.Blocks[0].VariableName)
}
