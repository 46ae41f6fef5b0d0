package main

import (
	"gorm.io/gorm"

	"github.com/storyforge/engine/internal/models"
)

// registerModels returns all models that need migration
func registerModels() []interface{} {
	return []interface{}{
		&models.Project{},
		&models.Node{},
		&models.Block{},
		&models.NodeVersion{},
		&models.EntityReference{},
	}
}

// runMigrations executes all database migrations
func runMigrations(db *gorm.DB) error {
	models := registerModels()

	// Run AutoMigrate for all models
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}

	// Run custom migrations
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		enableUUIDExtension,
		addLiveUniqueIndexes,
		addTreeIndexes,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

// enableUUIDExtension ensures UUID generation is available
func enableUUIDExtension(db *gorm.DB) error {
	return db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error
}

// addLiveUniqueIndexes enforces uniqueness only among live rows so trashed
// nodes and blocks do not block reuse of their names.
func addLiveUniqueIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_project_shortcut_live
		ON nodes(project_id, shortcut)
		WHERE deleted_at IS NULL AND shortcut IS NOT NULL
	`).Error; err != nil {
		return err
	}

	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_blocks_owner_variable_live
		ON blocks(owner_node_id, variable_name)
		WHERE deleted_at IS NULL
	`).Error; err != nil {
		return err
	}

	return nil
}

// addTreeIndexes adds indexes backing the hot tree and trash queries
func addTreeIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_nodes_parent_live
		ON nodes(parent_id, position)
		WHERE deleted_at IS NULL
	`).Error; err != nil {
		return err
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_nodes_delete_op
		ON nodes(delete_op_id)
		WHERE delete_op_id IS NOT NULL
	`).Error; err != nil {
		return err
	}

	return nil
}
