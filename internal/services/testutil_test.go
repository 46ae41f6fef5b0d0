package services

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/storyforge/engine/internal/models"
	"github.com/storyforge/engine/internal/repository"
	"github.com/storyforge/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests (required by services)
	_, err := logger.Init("error", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

// testEnv wires the full service stack onto an isolated in-memory database.
type testEnv struct {
	db          *gorm.DB
	projectRepo repository.ProjectRepository
	nodeRepo    repository.NodeRepository
	blockRepo   repository.BlockRepository
	versionRepo repository.VersionRepository
	refRepo     repository.ReferenceRepository

	inheritance InheritanceService
	versions    VersionService
	tree        TreeService
	blocks      BlockService
	refs        ReferenceService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Project{},
		&models.Node{},
		&models.Block{},
		&models.NodeVersion{},
		&models.EntityReference{},
	))

	env := &testEnv{
		db:          db,
		projectRepo: repository.NewProjectRepository(db),
		nodeRepo:    repository.NewNodeRepository(db),
		blockRepo:   repository.NewBlockRepository(db),
		versionRepo: repository.NewVersionRepository(db),
		refRepo:     repository.NewReferenceRepository(db),
	}
	env.inheritance = NewInheritanceService(db, env.nodeRepo, env.blockRepo)
	env.versions = NewVersionService(db, env.versionRepo, env.nodeRepo, 0)
	env.tree = NewTreeService(db, env.nodeRepo, env.projectRepo, env.inheritance, env.versions)
	env.blocks = NewBlockService(db, env.nodeRepo, env.blockRepo, env.inheritance, env.versions)
	env.refs = NewReferenceService(db, env.nodeRepo, env.blockRepo, env.refRepo)
	return env
}

func (e *testEnv) createProject(t *testing.T, name string) *models.Project {
	t.Helper()
	p := &models.Project{Name: name}
	require.NoError(t, e.projectRepo.Create(context.Background(), p))
	return p
}

func (e *testEnv) createNode(t *testing.T, projectID uuid.UUID, parentID *uuid.UUID, name string) *models.Node {
	t.Helper()
	node, err := e.tree.CreateNode(context.Background(), &CreateNodeInput{
		ProjectID: projectID,
		ParentID:  parentID,
		Name:      name,
	})
	require.NoError(t, err)
	return node
}

func (e *testEnv) createBlock(t *testing.T, ownerID uuid.UUID, typ models.BlockType, label string, scope models.BlockScope) *models.Block {
	t.Helper()
	block, err := e.blocks.CreateBlock(context.Background(), &CreateBlockInput{
		OwnerNodeID: ownerID,
		Type:        typ,
		Config:      models.BlockConfig{Label: label},
		Scope:       scope,
	})
	require.NoError(t, err)
	return block
}

func ptr[T any](v T) *T { return &v }

func mustUUID(s string) uuid.UUID { return uuid.MustParse(s) }
