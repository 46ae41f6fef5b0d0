package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NodeVersion is an immutable point-in-time capture of a node's state,
// numbered sequentially per node starting at 1. The composite unique index
// serializes concurrent inserts for the same node.
type NodeVersion struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	NodeID        uuid.UUID      `gorm:"type:uuid;not null;index:idx_node_versions_node_version,unique" json:"node_id"`
	VersionNumber int            `gorm:"not null;index:idx_node_versions_node_version,unique" json:"version_number" validate:"gte=1"`
	Snapshot      datatypes.JSON `gorm:"type:jsonb;not null" json:"snapshot"`
	ChangedBy     string         `gorm:"type:varchar(128)" json:"changed_by"`
	ChangeSummary string         `gorm:"type:text" json:"change_summary"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (v *NodeVersion) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

// NodeSnapshot is the serialized node state stored in a version row.
type NodeSnapshot struct {
	Name          string          `json:"name"`
	Shortcut      *string         `json:"shortcut,omitempty"`
	Description   string          `json:"description"`
	Color         string          `json:"color"`
	AvatarAssetID string          `json:"avatar_asset_id"`
	BannerAssetID string          `json:"banner_asset_id"`
	Blocks        []BlockSnapshot `json:"blocks"`
}

// BlockSnapshot captures one live block inside a node snapshot, in the
// node's block order.
type BlockSnapshot struct {
	BlockID      uuid.UUID `json:"block_id"`
	VariableName string    `json:"variable_name"`
	Type         BlockType `json:"type"`
	Config       JSONValue `json:"config"`
	Value        JSONValue `json:"value"`
	Position     int       `json:"position"`
}
