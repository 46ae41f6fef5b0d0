package models

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Node is a tree-positioned document entity (sheet, flow or map in the
// source domain). Siblings are ordered by Position; positions are not
// required to stay contiguous after moves.
type Node struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID  `gorm:"type:uuid;index;not null" json:"project_id" validate:"required"`
	ParentID  *uuid.UUID `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	Position  int        `gorm:"not null;default:0" json:"position"`

	Name        string  `gorm:"not null" json:"name" validate:"required"`
	Shortcut    *string `gorm:"index" json:"shortcut,omitempty"`
	Description string  `gorm:"type:text" json:"description"`
	Color       string  `gorm:"type:varchar(32)" json:"color"`

	// Opaque asset ids; resolving them is the asset store's concern.
	AvatarAssetID string `gorm:"type:varchar(128)" json:"avatar_asset_id"`
	BannerAssetID string `gorm:"type:varchar(128)" json:"banner_asset_id"`

	// Ancestor-owned defining block ids suppressed from cascading into this
	// node's own children. JSON array of UUID strings.
	HiddenInheritedBlockIDs datatypes.JSON `gorm:"type:jsonb" json:"hidden_inherited_block_ids"`

	// DeleteOpID groups rows soft-deleted by one operation so restore only
	// resurrects that operation's subtree.
	DeleteOpID *uuid.UUID `gorm:"type:uuid;index" json:"-"`
	DeletedAt  *time.Time `gorm:"index" json:"deleted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *Node) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// Deleted reports whether the node is soft-deleted.
func (n *Node) Deleted() bool { return n.DeletedAt != nil }

// HiddenBlockIDs decodes the hidden defining-block id set.
func (n *Node) HiddenBlockIDs() []uuid.UUID {
	if len(n.HiddenInheritedBlockIDs) == 0 {
		return nil
	}
	var raw []string
	if err := json.Unmarshal(n.HiddenInheritedBlockIDs, &raw); err != nil {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if id, err := uuid.Parse(s); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// HidesBlock reports whether blockID is in the hidden set.
func (n *Node) HidesBlock(blockID uuid.UUID) bool {
	for _, id := range n.HiddenBlockIDs() {
		if id == blockID {
			return true
		}
	}
	return false
}

// SetHiddenBlockIDs encodes the hidden defining-block id set.
func (n *Node) SetHiddenBlockIDs(ids []uuid.UUID) error {
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	n.HiddenInheritedBlockIDs = datatypes.JSON(b)
	return nil
}

var shortcutPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*$`)

// ValidShortcut reports whether s is a well-formed shortcut: lowercase
// alphanumerics plus dot and dash, no spaces.
func ValidShortcut(s string) bool { return shortcutPattern.MatchString(s) }
