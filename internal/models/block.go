package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BlockType enumerates the supported property types.
type BlockType string

const (
	BlockText        BlockType = "text"
	BlockRichText    BlockType = "rich_text"
	BlockNumber      BlockType = "number"
	BlockBoolean     BlockType = "boolean"
	BlockDate        BlockType = "date"
	BlockSelect      BlockType = "select"
	BlockMultiSelect BlockType = "multi_select"
	BlockReference   BlockType = "reference"
)

// KnownBlockType reports whether t is a supported block type.
func KnownBlockType(t BlockType) bool {
	switch t {
	case BlockText, BlockRichText, BlockNumber, BlockBoolean,
		BlockDate, BlockSelect, BlockMultiSelect, BlockReference:
		return true
	}
	return false
}

// BlockScope controls whether a block's definition cascades to descendants.
type BlockScope string

const (
	ScopeSelf     BlockScope = "self"
	ScopeChildren BlockScope = "children"
)

// BlockConfig is the decoded type-specific configuration of a block.
type BlockConfig struct {
	Label string `json:"label"`
	// Options for select / multi_select.
	Options []string `json:"options,omitempty"`
	// TriState allows null as a third boolean state.
	TriState bool `json:"tri_state,omitempty"`
	// AllowedTargetTypes restricts reference targets (sheet, flow, map).
	// Empty means any.
	AllowedTargetTypes []string `json:"allowed_target_types,omitempty"`
}

// Block is a typed property instance owned by exactly one node.
type Block struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerNodeID uuid.UUID `gorm:"type:uuid;index;not null" json:"owner_node_id" validate:"required"`
	Type        BlockType `gorm:"type:varchar(32);not null" json:"type" validate:"required"`
	Config      JSONValue `json:"config"`
	Value       JSONValue `json:"value"`

	// IsConstant=false exposes the block as a named variable.
	IsConstant   bool       `gorm:"not null;default:false" json:"is_constant"`
	VariableName string     `gorm:"index;not null" json:"variable_name"`
	Scope        BlockScope `gorm:"type:varchar(16);not null;default:'self'" json:"scope"`

	// Cascade provenance. A non-nil InheritedFromBlockID with Detached=false
	// is a live cascade instance tracking its source definition.
	InheritedFromBlockID *uuid.UUID `gorm:"type:uuid;index" json:"inherited_from_block_id,omitempty"`
	Detached             bool       `gorm:"not null;default:false" json:"detached"`
	Required             bool       `gorm:"not null;default:false" json:"required"`

	Position      int        `gorm:"not null;default:0" json:"position"`
	ColumnGroupID *uuid.UUID `gorm:"type:uuid;index" json:"column_group_id,omitempty"`
	ColumnIndex   *int       `json:"column_index,omitempty"`

	DeleteOpID *uuid.UUID `gorm:"type:uuid;index" json:"-"`
	DeletedAt  *time.Time `gorm:"index" json:"deleted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Block) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// Deleted reports whether the block is soft-deleted.
func (b *Block) Deleted() bool { return b.DeletedAt != nil }

// LiveInstance reports whether the block is a cascade instance still
// tracking its source definition.
func (b *Block) LiveInstance() bool {
	return b.InheritedFromBlockID != nil && !b.Detached
}

// DecodeConfig unmarshals the block's config payload.
func (b *Block) DecodeConfig() (BlockConfig, error) {
	var cfg BlockConfig
	if len(b.Config) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(b.Config, &cfg)
	return cfg, err
}

// MustConfig decodes the config, returning the zero config on error.
func (b *Block) MustConfig() BlockConfig {
	cfg, _ := b.DecodeConfig()
	return cfg
}

// EncodeConfig marshals cfg into the block's config payload.
func (b *Block) EncodeConfig(cfg BlockConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	b.Config = JSONValue(raw)
	return nil
}
