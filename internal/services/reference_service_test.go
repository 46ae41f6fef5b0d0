package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/storyforge/engine/internal/models"
)

func richTextWithMentions(targets ...models.ReferenceValue) json.RawMessage {
	content := ""
	for i, target := range targets {
		if i > 0 {
			content += ","
		}
		content += fmt.Sprintf(`{"type":"mention","attrs":{"target_type":%q,"target_id":%q}}`,
			target.TargetType, target.TargetID)
	}
	return json.RawMessage(fmt.Sprintf(
		`{"type":"doc","content":[{"type":"paragraph","content":[%s]}]}`, content))
}

func TestExtractReferencesFromRichTextAndReferenceBlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	source := env.createNode(t, p.ID, nil, "source")
	target := env.createNode(t, p.ID, nil, "target")

	rich := env.createBlock(t, source.ID, models.BlockRichText, "Bio", models.ScopeSelf)
	// The same target mentioned twice in one document collapses to one edge.
	mention := models.ReferenceValue{TargetType: models.EntityNode, TargetID: target.ID}
	_, err := env.blocks.UpdateBlockValue(ctx, rich.ID, richTextWithMentions(mention, mention))
	require.NoError(t, err)

	ref, err := env.blocks.CreateBlock(ctx, &CreateBlockInput{
		OwnerNodeID: source.ID,
		Type:        models.BlockReference,
		Config:      models.BlockConfig{Label: "Home"},
	})
	require.NoError(t, err)
	refValue, _ := json.Marshal(models.ReferenceValue{TargetType: models.EntityMap, TargetID: target.ID})
	_, err = env.blocks.UpdateBlockValue(ctx, ref.ID, refValue)
	require.NoError(t, err)

	node, err := env.tree.GetNode(ctx, source.ID)
	require.NoError(t, err)
	blocks, err := env.blocks.ListBlocks(ctx, source.ID)
	require.NoError(t, err)

	edges := env.refs.ExtractReferences(node, blocks)
	require.Len(t, edges, 2)
	for _, e := range edges {
		require.Equal(t, models.EntityNode, e.SourceType)
		require.Equal(t, source.ID, e.SourceID)
		require.Equal(t, target.ID, e.TargetID)
	}
}

func TestSyncReferencesIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	source := env.createNode(t, p.ID, nil, "source")
	target := env.createNode(t, p.ID, nil, "target")

	rich := env.createBlock(t, source.ID, models.BlockRichText, "Bio", models.ScopeSelf)
	mention := models.ReferenceValue{TargetType: models.EntityNode, TargetID: target.ID}
	_, err := env.blocks.UpdateBlockValue(ctx, rich.ID, richTextWithMentions(mention))
	require.NoError(t, err)

	require.NoError(t, env.refs.SyncReferences(ctx, source.ID))
	require.NoError(t, env.refs.SyncReferences(ctx, source.ID))

	edges, err := env.refRepo.ListBySource(ctx, models.EntityNode, source.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "bio", edges[0].Context)
}

func TestSyncReferencesRemovesStaleEdges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	source := env.createNode(t, p.ID, nil, "source")
	first := env.createNode(t, p.ID, nil, "first")
	second := env.createNode(t, p.ID, nil, "second")

	rich := env.createBlock(t, source.ID, models.BlockRichText, "Bio", models.ScopeSelf)
	_, err := env.blocks.UpdateBlockValue(ctx, rich.ID,
		richTextWithMentions(models.ReferenceValue{TargetType: models.EntityNode, TargetID: first.ID}))
	require.NoError(t, err)
	require.NoError(t, env.refs.SyncReferences(ctx, source.ID))

	// Rewriting the document drops the old edge and adds the new one.
	_, err = env.blocks.UpdateBlockValue(ctx, rich.ID,
		richTextWithMentions(models.ReferenceValue{TargetType: models.EntityNode, TargetID: second.ID}))
	require.NoError(t, err)
	require.NoError(t, env.refs.SyncReferences(ctx, source.ID))

	edges, err := env.refRepo.ListBySource(ctx, models.EntityNode, source.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, second.ID, edges[0].TargetID)
}

func TestBacklinksFor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	target := env.createNode(t, p.ID, nil, "target")
	s1 := env.createNode(t, p.ID, nil, "s1")
	s2 := env.createNode(t, p.ID, nil, "s2")

	for _, src := range []*models.Node{s1, s2} {
		rich := env.createBlock(t, src.ID, models.BlockRichText, "Bio", models.ScopeSelf)
		_, err := env.blocks.UpdateBlockValue(ctx, rich.ID,
			richTextWithMentions(models.ReferenceValue{TargetType: models.EntityNode, TargetID: target.ID}))
		require.NoError(t, err)
		require.NoError(t, env.refs.SyncReferences(ctx, src.ID))
	}

	backlinks, err := env.refs.BacklinksFor(ctx, models.EntityNode, target.ID)
	require.NoError(t, err)
	require.Len(t, backlinks, 2)

	sources := map[string]bool{}
	for _, b := range backlinks {
		sources[b.SourceID.String()] = true
	}
	require.True(t, sources[s1.ID.String()])
	require.True(t, sources[s2.ID.String()])
}

func TestSoftDeleteDropsOutgoingReferences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.createProject(t, "world")

	source := env.createNode(t, p.ID, nil, "source")
	target := env.createNode(t, p.ID, nil, "target")

	rich := env.createBlock(t, source.ID, models.BlockRichText, "Bio", models.ScopeSelf)
	_, err := env.blocks.UpdateBlockValue(ctx, rich.ID,
		richTextWithMentions(models.ReferenceValue{TargetType: models.EntityNode, TargetID: target.ID}))
	require.NoError(t, err)
	require.NoError(t, env.refs.SyncReferences(ctx, source.ID))

	require.NoError(t, env.tree.SoftDelete(ctx, source.ID))

	backlinks, err := env.refs.BacklinksFor(ctx, models.EntityNode, target.ID)
	require.NoError(t, err)
	require.Empty(t, backlinks)
}
