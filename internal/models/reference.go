package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entity types referenced by the tracker.
const (
	EntityNode  = "node"
	EntitySheet = "sheet"
	EntityFlow  = "flow"
	EntityMap   = "map"
)

// EntityReference is a directed backlink edge: source content mentions or
// targets another entity. The composite unique index makes re-extraction of
// the same mention a no-op.
type EntityReference struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SourceType string    `gorm:"type:varchar(32);not null;index:idx_entity_refs_tuple,unique" json:"source_type"`
	SourceID   uuid.UUID `gorm:"type:uuid;not null;index:idx_entity_refs_tuple,unique" json:"source_id"`
	TargetType string    `gorm:"type:varchar(32);not null;index:idx_entity_refs_tuple,unique;index:idx_entity_refs_target" json:"target_type"`
	TargetID   uuid.UUID `gorm:"type:uuid;not null;index:idx_entity_refs_tuple,unique;index:idx_entity_refs_target" json:"target_id"`
	// Context locates the mention inside the source (field or block name).
	Context   string    `gorm:"type:varchar(255);not null;default:'';index:idx_entity_refs_tuple,unique" json:"context"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *EntityReference) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Key identifies a reference up to the uniqueness tuple.
func (r *EntityReference) Key() string {
	return r.SourceType + "|" + r.SourceID.String() + "|" + r.TargetType + "|" + r.TargetID.String() + "|" + r.Context
}
