package delta

// Delta stores one opaque collaborative-editing update. A nil VersionID marks it
// pending; once sealed under a Version it is immutable.
type Delta struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID  string  `gorm:"column:document_id;size:64;not null;index:idx_deltas_document"`
	Data        []byte  `gorm:"column:data;not null"`
	DataHash    string  `gorm:"column:data_hash;size:64;not null"`
	TimestampMs int64   `gorm:"column:timestamp_ms;not null"`
	VersionID   *string `gorm:"column:version_id;size:64;index:idx_deltas_version"`
}

// TableName provides the explicit table binding for GORM.
func (Delta) TableName() string {
	return "deltas"
}

// Version is a sealed point at which pending deltas of a subtree were merged.
type Version struct {
	ID               string `gorm:"column:id;primaryKey;size:64;not null"`
	PotID            string `gorm:"column:pot_id;size:64;not null;index:idx_versions_pot"`
	RootID           string `gorm:"column:root_id;size:64;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "versions"
}
