package oplog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

// Kind enumerates the mutation recorded by a log row.
type Kind string

const (
	// KindInsert records a newly created document.
	KindInsert Kind = "insert"
	// KindUpdate records a changed document, including logical deletion.
	KindUpdate Kind = "update"
	// KindDelete records a physically removed document.
	KindDelete Kind = "delete"
)

var (
	// ErrCorruptStatus indicates that a status blob could not be decoded.
	ErrCorruptStatus = errors.New("oplog: corrupt status")
	// ErrInvalidRecord indicates that an append request is incomplete.
	ErrInvalidRecord = errors.New("oplog: invalid record")
)

// Row is the persisted operation log entry. Rows are deleted once consumed.
type Row struct {
	RowID            int64          `gorm:"column:row_id;primaryKey;autoIncrement"`
	Table            string         `gorm:"column:table_name;size:64;not null;index:idx_oplog_target,priority:1"`
	TargetID         string         `gorm:"column:target_id;size:64;not null;index:idx_oplog_target,priority:2"`
	Op               Kind           `gorm:"column:op;size:16;not null"`
	Status           datatypes.JSON `gorm:"column:status"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "oplog"
}

// Status is the closed set of per-kind status snapshots.
type Status interface {
	Kind() Kind
	Pot() string
}

// InsertStatus accompanies insert rows.
type InsertStatus struct {
	Deleted bool
	PotID   string
}

// UpdateStatus accompanies update rows; Deleted marks a logical deletion.
type UpdateStatus struct {
	Deleted bool
	PotID   string
}

// DeleteStatus accompanies hard-delete rows and keeps the tenant of the removed row.
type DeleteStatus struct {
	PotID string
}

func (InsertStatus) Kind() Kind { return KindInsert }
func (UpdateStatus) Kind() Kind { return KindUpdate }
func (DeleteStatus) Kind() Kind { return KindDelete }

func (s InsertStatus) Pot() string { return s.PotID }
func (s UpdateStatus) Pot() string { return s.PotID }
func (s DeleteStatus) Pot() string { return s.PotID }

type statusWire struct {
	Kind    Kind   `json:"kind"`
	Deleted bool   `json:"deleted,omitempty"`
	PotID   string `json:"pot_id"`
}

// EncodeStatus serializes a status variant for storage.
func EncodeStatus(status Status) (datatypes.JSON, error) {
	wire := statusWire{Kind: status.Kind(), PotID: status.Pot()}
	switch typed := status.(type) {
	case InsertStatus:
		wire.Deleted = typed.Deleted
	case UpdateStatus:
		wire.Deleted = typed.Deleted
	case DeleteStatus:
	default:
		return nil, fmt.Errorf("%w: unsupported status %T", ErrInvalidRecord, status)
	}
	encoded, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

// DecodeStatus parses a stored status blob for a row of the given kind.
func DecodeStatus(op Kind, raw []byte) (Status, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorruptStatus)
	}
	var wire statusWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStatus, err)
	}
	if wire.Kind != op {
		return nil, fmt.Errorf("%w: kind %q on %s row", ErrCorruptStatus, wire.Kind, op)
	}
	if strings.TrimSpace(wire.PotID) == "" {
		return nil, fmt.Errorf("%w: missing pot id", ErrCorruptStatus)
	}
	switch op {
	case KindInsert:
		return InsertStatus{Deleted: wire.Deleted, PotID: wire.PotID}, nil
	case KindUpdate:
		return UpdateStatus{Deleted: wire.Deleted, PotID: wire.PotID}, nil
	case KindDelete:
		return DeleteStatus{PotID: wire.PotID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrCorruptStatus, op)
	}
}

// Entry is a fetched log row with its status decoded once.
type Entry struct {
	RowID            int64
	Table            string
	TargetID         string
	Op               Kind
	Status           Status
	StatusErr        error
	UpdatedAtSeconds int64
}

// Deleted reports whether the status marks the target as logically deleted.
func (entry Entry) Deleted() bool {
	switch typed := entry.Status.(type) {
	case InsertStatus:
		return typed.Deleted
	case UpdateStatus:
		return typed.Deleted
	default:
		return false
	}
}

// PotID returns the tenant recorded in the status, or "" when undecodable.
func (entry Entry) PotID() string {
	if entry.Status == nil {
		return ""
	}
	return entry.Status.Pot()
}
