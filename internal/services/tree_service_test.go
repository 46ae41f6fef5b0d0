package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/engine/internal/models"
	appErr "github.com/storyforge/engine/pkg/errors"
)

func TestCreateNodeAssignsPositions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	root := env.createNode(t, p.ID, nil, "root")
	require.Equal(t, 0, root.Position)

	a := env.createNode(t, p.ID, &root.ID, "a")
	b := env.createNode(t, p.ID, &root.ID, "b")
	require.Equal(t, 0, a.Position)
	require.Equal(t, 1, b.Position)

	// The first snapshot is recorded at creation.
	versions, err := env.versions.ListVersions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "Initial version", versions[0].ChangeSummary)
}

func TestCreateNodeRejectsForeignParent(t *testing.T) {
	env := newTestEnv(t)
	p1 := env.createProject(t, "one")
	p2 := env.createProject(t, "two")
	root := env.createNode(t, p1.ID, nil, "root")

	_, err := env.tree.CreateNode(context.Background(), &CreateNodeInput{
		ProjectID: p2.ID,
		ParentID:  &root.ID,
		Name:      "orphan",
	})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidParent))
}

func TestShortcutValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	_, err := env.tree.CreateNode(ctx, &CreateNodeInput{
		ProjectID: p.ID, Name: "hero", Shortcut: ptr("hero.main"),
	})
	require.NoError(t, err)

	_, err = env.tree.CreateNode(ctx, &CreateNodeInput{
		ProjectID: p.ID, Name: "copycat", Shortcut: ptr("hero.main"),
	})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeShortcutConflict))

	_, err = env.tree.CreateNode(ctx, &CreateNodeInput{
		ProjectID: p.ID, Name: "bad", Shortcut: ptr("Has Spaces"),
	})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestShortcutReusableAfterSoftDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	old, err := env.tree.CreateNode(ctx, &CreateNodeInput{
		ProjectID: p.ID, Name: "old", Shortcut: ptr("npc.blacksmith"),
	})
	require.NoError(t, err)
	require.NoError(t, env.tree.SoftDelete(ctx, old.ID))

	_, err = env.tree.CreateNode(ctx, &CreateNodeInput{
		ProjectID: p.ID, Name: "new", Shortcut: ptr("npc.blacksmith"),
	})
	require.NoError(t, err)
}

func TestMoveNodeRejectsCycles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	root := env.createNode(t, p.ID, nil, "root")
	child := env.createNode(t, p.ID, &root.ID, "child")
	grandchild := env.createNode(t, p.ID, &child.ID, "grandchild")

	err := env.tree.MoveNode(ctx, root.ID, &grandchild.ID, 0)
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeCycleDetected))

	err = env.tree.MoveNode(ctx, root.ID, &root.ID, 0)
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeCycleDetected))
}

func TestMoveNodeResequencesSiblings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	root := env.createNode(t, p.ID, nil, "root")
	a := env.createNode(t, p.ID, &root.ID, "a")
	b := env.createNode(t, p.ID, &root.ID, "b")
	c := env.createNode(t, p.ID, &root.ID, "c")
	other := env.createNode(t, p.ID, nil, "other")

	// Move b under other; a and c close the gap.
	require.NoError(t, env.tree.MoveNode(ctx, b.ID, &other.ID, 0))

	kids, err := env.nodeRepo.ListLiveChildren(ctx, p.ID, &root.ID)
	require.NoError(t, err)
	require.Len(t, kids, 2)
	require.Equal(t, a.ID, kids[0].ID)
	require.Equal(t, 0, kids[0].Position)
	require.Equal(t, c.ID, kids[1].ID)
	require.Equal(t, 1, kids[1].Position)

	moved, err := env.tree.GetNode(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.ParentID)
	require.Equal(t, other.ID, *moved.ParentID)
}

func TestReorderSiblingsRequiresFullSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	root := env.createNode(t, p.ID, nil, "root")
	a := env.createNode(t, p.ID, &root.ID, "a")
	b := env.createNode(t, p.ID, &root.ID, "b")
	c := env.createNode(t, p.ID, &root.ID, "c")

	err := env.tree.ReorderSiblings(ctx, p.ID, &root.ID, []uuid.UUID{c.ID, a.ID})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidSiblingSet))

	err = env.tree.ReorderSiblings(ctx, p.ID, &root.ID, []uuid.UUID{c.ID, a.ID, uuid.New()})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidSiblingSet))

	require.NoError(t, env.tree.ReorderSiblings(ctx, p.ID, &root.ID, []uuid.UUID{c.ID, a.ID, b.ID}))
	kids, err := env.nodeRepo.ListLiveChildren(ctx, p.ID, &root.ID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{c.ID, a.ID, b.ID}, []uuid.UUID{kids[0].ID, kids[1].ID, kids[2].ID})
}

func TestSoftDeleteCascadesToSubtreeAndBlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	root := env.createNode(t, p.ID, nil, "root")
	child := env.createNode(t, p.ID, &root.ID, "child")
	env.createBlock(t, child.ID, models.BlockText, "Bio", models.ScopeSelf)

	require.NoError(t, env.tree.SoftDelete(ctx, root.ID))

	_, err := env.tree.GetNode(ctx, root.ID)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
	_, err = env.tree.GetNode(ctx, child.ID)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	blocks, err := env.blockRepo.ListLiveByOwner(ctx, child.ID)
	require.NoError(t, err)
	require.Empty(t, blocks)

	trash, err := env.tree.ListTrash(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, trash, 2)
}

func TestRestoreResurrectsOnlySameOperation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	root := env.createNode(t, p.ID, nil, "root")
	a := env.createNode(t, p.ID, &root.ID, "a")
	b := env.createNode(t, p.ID, &root.ID, "b")

	// a is deleted on its own, then the whole root subtree.
	require.NoError(t, env.tree.SoftDelete(ctx, a.ID))
	require.NoError(t, env.tree.SoftDelete(ctx, root.ID))

	require.NoError(t, env.tree.Restore(ctx, root.ID))

	_, err := env.tree.GetNode(ctx, root.ID)
	require.NoError(t, err)
	_, err = env.tree.GetNode(ctx, b.ID)
	require.NoError(t, err)

	// a belonged to the earlier operation and stays in the trash.
	_, err = env.tree.GetNode(ctx, a.ID)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestRestoreRejectsDeletedParent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	root := env.createNode(t, p.ID, nil, "root")
	child := env.createNode(t, p.ID, &root.ID, "child")

	require.NoError(t, env.tree.SoftDelete(ctx, child.ID))
	require.NoError(t, env.tree.SoftDelete(ctx, root.ID))

	err := env.tree.Restore(ctx, child.ID)
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidParent))
}

func TestPurgeRemovesAllTraces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	root := env.createNode(t, p.ID, nil, "root")
	child := env.createNode(t, p.ID, &root.ID, "child")
	env.createBlock(t, child.ID, models.BlockText, "Bio", models.ScopeSelf)

	err := env.tree.Purge(ctx, root.ID)
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	require.NoError(t, env.tree.SoftDelete(ctx, root.ID))
	require.NoError(t, env.tree.Purge(ctx, root.ID))

	var nodes int64
	require.NoError(t, env.db.Model(&models.Node{}).Where("project_id = ?", p.ID).Count(&nodes).Error)
	require.Zero(t, nodes)

	var blocks int64
	require.NoError(t, env.db.Model(&models.Block{}).Where("owner_node_id = ?", child.ID).Count(&blocks).Error)
	require.Zero(t, blocks)

	var versions int64
	require.NoError(t, env.db.Model(&models.NodeVersion{}).Where("node_id IN ?", []uuid.UUID{root.ID, child.ID}).Count(&versions).Error)
	require.Zero(t, versions)
}

func TestListTreeBuildsForest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	r1 := env.createNode(t, p.ID, nil, "r1")
	r2 := env.createNode(t, p.ID, nil, "r2")
	c1 := env.createNode(t, p.ID, &r1.ID, "c1")
	env.createNode(t, p.ID, &c1.ID, "g1")

	forest, err := env.tree.ListTree(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, forest, 2)
	require.Equal(t, r1.ID, forest[0].Node.ID)
	require.Equal(t, r2.ID, forest[1].Node.ID)
	require.Len(t, forest[0].Children, 1)
	require.Len(t, forest[0].Children[0].Children, 1)
	require.Empty(t, forest[1].Children)
}
