package documents

import "gorm.io/datatypes"

const (
	// TableOutlines is the operation-log table name of Containers.
	TableOutlines = "outlines"
	// TableParagraphs is the operation-log table name of Leaves.
	TableParagraphs = "paragraphs"
)

// Kind names a document kind as seen by link targets and the search index.
type Kind string

const (
	KindOutline   Kind = "outline"
	KindParagraph Kind = "paragraph"
)

// Table returns the operation-log table holding documents of this kind.
func (kind Kind) Table() string {
	if kind == KindParagraph {
		return TableParagraphs
	}
	return TableOutlines
}

// ParseKind accepts either the kind name or its table name.
func ParseKind(value string) (Kind, bool) {
	switch value {
	case string(KindOutline), TableOutlines:
		return KindOutline, true
	case string(KindParagraph), TableParagraphs:
		return KindParagraph, true
	default:
		return "", false
	}
}

// Pot is a tenant. Every document belongs to exactly one pot.
type Pot struct {
	ID               string `gorm:"column:id;primaryKey;size:64;not null"`
	Name             string `gorm:"column:name;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Pot) TableName() string {
	return "pots"
}

// PathEntry summarizes one ancestor of an outline.
type PathEntry struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Hidden bool   `json:"hidden"`
}

// Outline is a tree node. Path is owned by the path materializer.
type Outline struct {
	ID               string                          `gorm:"column:id;primaryKey;size:64;not null"`
	PotID            string                          `gorm:"column:pot_id;size:64;not null;index:idx_outlines_pot"`
	ParentID         *string                         `gorm:"column:parent_id;size:64;index:idx_outlines_parent"`
	Doc              []byte                          `gorm:"column:doc"`
	Text             string                          `gorm:"column:text;not null;default:''"`
	Hidden           bool                            `gorm:"column:hidden;not null;default:false"`
	IsDeleted        bool                            `gorm:"column:is_deleted;not null;default:false"`
	Path             datatypes.JSONType[[]PathEntry] `gorm:"column:path"`
	CreatedAtSeconds int64                           `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64                           `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Outline) TableName() string {
	return TableOutlines
}

// Paragraph is a content unit owned by exactly one outline.
type Paragraph struct {
	ID               string  `gorm:"column:id;primaryKey;size:64;not null"`
	OutlineID        string  `gorm:"column:outline_id;size:64;not null;index:idx_paragraphs_outline"`
	ParentID         *string `gorm:"column:parent_id;size:64"`
	Doc              []byte  `gorm:"column:doc"`
	Text             string  `gorm:"column:text;not null;default:''"`
	Hidden           bool    `gorm:"column:hidden;not null;default:false"`
	IsDeleted        bool    `gorm:"column:is_deleted;not null;default:false"`
	QuoteID          *string `gorm:"column:quote_id;size:64"`
	QuoteVersionID   *string `gorm:"column:quote_version_id;size:64"`
	QuoteDoc         []byte  `gorm:"column:quote_doc"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Paragraph) TableName() string {
	return TableParagraphs
}

// Link is a directed edge from a source document to a target document.
type Link struct {
	SourceID   string `gorm:"column:source_id;primaryKey;size:64"`
	TargetID   string `gorm:"column:target_id;primaryKey;size:64;index:idx_links_target"`
	SourceKind Kind   `gorm:"column:source_kind;size:16;not null"`
	TargetKind Kind   `gorm:"column:target_kind;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Link) TableName() string {
	return "links"
}

// Models lists every table owned by this package, for migration.
func Models() []interface{} {
	return []interface{}{&Pot{}, &Outline{}, &Paragraph{}, &Link{}}
}
