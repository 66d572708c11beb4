package oplog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	columnRowID   = "row_id"
	orderRowIDAsc = columnRowID + " ASC"
	queryRowIDIn  = columnRowID + " IN ?"
	queryPending  = "table_name = ? AND target_id = ? AND op = ?"
)

// Record describes one affected primary key inside a write transaction.
type Record struct {
	Table    string
	TargetID string
	Status   Status
	At       time.Time
}

// Append writes one log row inside the caller's transaction and returns its row id.
// An update that marks the target deleted also refreshes the status of any still
// unconsumed insert rows for that target, so a document created and deleted inside
// the same unreconciled window is never observed.
func Append(tx *gorm.DB, record Record) (int64, error) {
	if strings.TrimSpace(record.Table) == "" {
		return 0, fmt.Errorf("%w: empty table", ErrInvalidRecord)
	}
	if strings.TrimSpace(record.TargetID) == "" {
		return 0, fmt.Errorf("%w: empty target id", ErrInvalidRecord)
	}
	if record.Status == nil {
		return 0, fmt.Errorf("%w: missing status", ErrInvalidRecord)
	}
	encoded, err := EncodeStatus(record.Status)
	if err != nil {
		return 0, err
	}

	at := record.At
	if at.IsZero() {
		at = time.Now()
	}
	row := Row{
		Table:            record.Table,
		TargetID:         record.TargetID,
		Op:               record.Status.Kind(),
		Status:           encoded,
		UpdatedAtSeconds: at.UTC().Unix(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return 0, err
	}

	if update, ok := record.Status.(UpdateStatus); ok && update.Deleted {
		refreshed, err := EncodeStatus(InsertStatus{Deleted: true, PotID: update.PotID})
		if err != nil {
			return 0, err
		}
		if err := tx.Model(&Row{}).
			Where(queryPending, record.Table, record.TargetID, KindInsert).
			Update("status", refreshed).Error; err != nil {
			return 0, err
		}
	}
	return row.RowID, nil
}

// Fetch loads the rows with the given ids in row order and decodes their status.
// Undecodable statuses are reported per entry via StatusErr.
func Fetch(tx *gorm.DB, rowIDs []int64) ([]Entry, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}
	var rows []Row
	if err := tx.Where(queryRowIDIn, rowIDs).Order(orderRowIDAsc).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		status, statusErr := DecodeStatus(row.Op, row.Status)
		entries = append(entries, Entry{
			RowID:            row.RowID,
			Table:            row.Table,
			TargetID:         row.TargetID,
			Op:               row.Op,
			Status:           status,
			StatusErr:        statusErr,
			UpdatedAtSeconds: row.UpdatedAtSeconds,
		})
	}
	return entries, nil
}

// Consume deletes the given rows in one statement.
func Consume(tx *gorm.DB, rowIDs []int64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	return tx.Where(queryRowIDIn, rowIDs).Delete(&Row{}).Error
}

// PendingRowIDs lists every row currently present, oldest first.
func PendingRowIDs(ctx context.Context, db *gorm.DB) ([]int64, error) {
	var rowIDs []int64
	if err := db.WithContext(ctx).Model(&Row{}).Order(orderRowIDAsc).Pluck(columnRowID, &rowIDs).Error; err != nil {
		return nil, err
	}
	return rowIDs, nil
}
