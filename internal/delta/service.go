package delta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/potshelf/internal/ids"
	"github.com/MarcoPoloResearchLab/potshelf/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew          = "delta.service.new"
	opRecord              = "delta.record"
	opSealVersion         = "delta.seal_version"
	fieldDocumentID       = "document_id"
	fieldRootID           = "root_id"
	fieldVersionID        = "version_id"
	queryPendingIn        = "document_id IN ? AND version_id IS NULL"
	queryIDIn             = "id IN ?"
	querySealed           = "document_id = ? AND version_id = ?"
	orderDeltaIDAsc       = "id ASC"
	reasonMissingDatabase = "missing_database"
	reasonMissingMerger   = "missing_merger"
	reasonMissingResolver = "missing_resolver"
	reasonMissingIDs      = "missing_id_provider"
	reasonInvalidDocument = "invalid_document_id"
	reasonEmptyPayload    = "empty_payload"
	reasonInsertFailed    = "insert_failed"
	reasonRootNotFound    = "root_not_found"
	reasonSubtreeFailed   = "subtree_failed"
	reasonPendingFailed   = "pending_query_failed"
	reasonMergeFailed     = "merge_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonDeleteFailed    = "pending_delete_failed"
	reasonVersionFailed   = "version_insert_failed"

	// PendingDedupeIndexSQL keeps identical pending payloads for a document unique.
	PendingDedupeIndexSQL = "CREATE UNIQUE INDEX IF NOT EXISTS idx_deltas_pending_dedupe ON deltas(document_id, data_hash) WHERE version_id IS NULL"
)

var (
	// ErrDocumentNotFound is returned by resolvers when a subtree root does not exist.
	ErrDocumentNotFound = errors.New("delta: document not found")
	// ErrSealedDeltaNotFound indicates that no delta was sealed for a document at a version.
	ErrSealedDeltaNotFound = errors.New("delta: sealed delta not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingMerger   = errors.New("merger is required")
	errMissingResolver = errors.New("subtree resolver is required")
	errMissingIDs      = errors.New("id provider is required")
	errEmptyDocumentID = errors.New("document id is required")
	errEmptyPayload    = errors.New("delta payload is required")
)

// Subtree lists the documents reachable from a sealing root.
type Subtree struct {
	PotID       string
	DocumentIDs []string
}

// SubtreeResolver finds the documents that a version sealed at rootID covers.
type SubtreeResolver interface {
	Subtree(tx *gorm.DB, rootID string) (Subtree, error)
}

// ServiceConfig describes the dependencies of the delta service.
type ServiceConfig struct {
	Database   *gorm.DB
	Merger     Merger
	Resolver   SubtreeResolver
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service records pending deltas and seals them into versions.
type Service struct {
	db         *gorm.DB
	merger     Merger
	resolver   SubtreeResolver
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Merger == nil {
		return nil, svcerr.New(opServiceNew, reasonMissingMerger, errMissingMerger)
	}
	if cfg.Resolver == nil {
		return nil, svcerr.New(opServiceNew, reasonMissingResolver, errMissingResolver)
	}
	if cfg.IDProvider == nil {
		return nil, svcerr.New(opServiceNew, reasonMissingIDs, errMissingIDs)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		merger:     cfg.Merger,
		resolver:   cfg.Resolver,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// EnsureIndexes installs the partial unique index used for pending dedupe.
func EnsureIndexes(db *gorm.DB) error {
	return db.Exec(PendingDedupeIndexSQL).Error
}

// Record stores a pending delta for documentID inside the caller's transaction.
// Re-recording an identical pending payload is a no-op.
func (service *Service) Record(tx *gorm.DB, documentID string, data []byte, at time.Time) error {
	if strings.TrimSpace(documentID) == "" {
		return svcerr.New(opRecord, reasonInvalidDocument, errEmptyDocumentID)
	}
	if len(data) == 0 {
		return svcerr.New(opRecord, reasonEmptyPayload, errEmptyPayload)
	}
	if at.IsZero() {
		at = service.clock()
	}
	model := Delta{
		DocumentID:  documentID,
		Data:        data,
		DataHash:    hashPayload(data),
		TimestampMs: at.UTC().UnixMilli(),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
		service.logError(opRecord, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID))
		return svcerr.New(opRecord, reasonInsertFailed, err)
	}
	return nil
}

// Pending returns the pending deltas of the given documents grouped by document id,
// each group in recording order.
func (service *Service) Pending(tx *gorm.DB, documentIDs []string) (map[string][]Delta, error) {
	grouped := make(map[string][]Delta)
	if len(documentIDs) == 0 {
		return grouped, nil
	}
	var deltas []Delta
	if err := tx.Where(queryPendingIn, documentIDs).Order(orderDeltaIDAsc).Find(&deltas).Error; err != nil {
		return nil, err
	}
	for _, delta := range deltas {
		grouped[delta.DocumentID] = append(grouped[delta.DocumentID], delta)
	}
	return grouped, nil
}

// SealVersion merges every pending delta under rootID into one delta per document
// and seals them under a new version, atomically.
func (service *Service) SealVersion(ctx context.Context, rootID string) (string, error) {
	if strings.TrimSpace(rootID) == "" {
		return "", svcerr.New(opSealVersion, reasonInvalidDocument, errEmptyDocumentID)
	}

	var versionID string
	transactionError := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subtree, err := service.resolver.Subtree(tx, rootID)
		if errors.Is(err, ErrDocumentNotFound) {
			return svcerr.New(opSealVersion, reasonRootNotFound, err)
		}
		if err != nil {
			service.logError(opSealVersion, reasonSubtreeFailed, err, zap.String(fieldRootID, rootID))
			return svcerr.New(opSealVersion, reasonSubtreeFailed, err)
		}

		pending, err := service.Pending(tx, subtree.DocumentIDs)
		if err != nil {
			service.logError(opSealVersion, reasonPendingFailed, err, zap.String(fieldRootID, rootID))
			return svcerr.New(opSealVersion, reasonPendingFailed, err)
		}

		versionID, err = service.idProvider.NewID()
		if err != nil {
			service.logError(opSealVersion, reasonIDFailed, err, zap.String(fieldRootID, rootID))
			return svcerr.New(opSealVersion, reasonIDFailed, err)
		}

		merged, consumedIDs, err := service.mergePending(pending, versionID)
		if err != nil {
			service.logError(opSealVersion, reasonMergeFailed, err, zap.String(fieldRootID, rootID))
			return svcerr.New(opSealVersion, reasonMergeFailed, err)
		}

		if len(consumedIDs) > 0 {
			if err := tx.Where(queryIDIn, consumedIDs).Delete(&Delta{}).Error; err != nil {
				service.logError(opSealVersion, reasonDeleteFailed, err, zap.String(fieldRootID, rootID))
				return svcerr.New(opSealVersion, reasonDeleteFailed, err)
			}
		}
		if len(merged) > 0 {
			if err := tx.Create(&merged).Error; err != nil {
				service.logError(opSealVersion, reasonInsertFailed, err, zap.String(fieldRootID, rootID))
				return svcerr.New(opSealVersion, reasonInsertFailed, err)
			}
		}

		version := Version{
			ID:               versionID,
			PotID:            subtree.PotID,
			RootID:           rootID,
			CreatedAtSeconds: service.clock().UTC().Unix(),
		}
		if err := tx.Create(&version).Error; err != nil {
			service.logError(opSealVersion, reasonVersionFailed, err, zap.String(fieldRootID, rootID))
			return svcerr.New(opSealVersion, reasonVersionFailed, err)
		}
		return nil
	})
	if transactionError != nil {
		return "", transactionError
	}

	service.logger.Info("version sealed",
		zap.String(fieldRootID, rootID),
		zap.String(fieldVersionID, versionID))
	return versionID, nil
}

func (service *Service) mergePending(pending map[string][]Delta, versionID string) ([]Delta, []int64, error) {
	documentIDs := make([]string, 0, len(pending))
	for documentID := range pending {
		documentIDs = append(documentIDs, documentID)
	}
	sort.Strings(documentIDs)

	merged := make([]Delta, 0, len(documentIDs))
	consumedIDs := make([]int64, 0)
	for _, documentID := range documentIDs {
		group := pending[documentID]
		if len(group) == 0 {
			continue
		}
		payloads := make([][]byte, 0, len(group))
		var latest int64
		for _, delta := range group {
			payloads = append(payloads, delta.Data)
			consumedIDs = append(consumedIDs, delta.ID)
			if delta.TimestampMs > latest {
				latest = delta.TimestampMs
			}
		}
		data, err := service.merger.Merge(payloads)
		if err != nil {
			return nil, nil, err
		}
		sealedVersion := versionID
		merged = append(merged, Delta{
			DocumentID:  documentID,
			Data:        data,
			DataHash:    hashPayload(data),
			TimestampMs: latest,
			VersionID:   &sealedVersion,
		})
	}
	return merged, consumedIDs, nil
}

// LatestVersions returns, per document, the id of the most recent version that
// sealed a delta for it. Documents never sealed are absent.
func (service *Service) LatestVersions(tx *gorm.DB, documentIDs []string) (map[string]string, error) {
	latest := make(map[string]string, len(documentIDs))
	if len(documentIDs) == 0 {
		return latest, nil
	}
	type sealedRow struct {
		DocumentID string
		VersionID  string
	}
	var rows []sealedRow
	err := tx.Table("deltas").
		Select("deltas.document_id AS document_id, deltas.version_id AS version_id").
		Joins("JOIN versions ON versions.id = deltas.version_id").
		Where("deltas.document_id IN ?", documentIDs).
		Order("versions.created_at_s ASC, versions.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		latest[row.DocumentID] = row.VersionID
	}
	return latest, nil
}

// SealedData returns the delta sealed for documentID under versionID.
func (service *Service) SealedData(tx *gorm.DB, documentID, versionID string) ([]byte, error) {
	var sealed Delta
	err := tx.Where(querySealed, documentID, versionID).Take(&sealed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSealedDeltaNotFound
	}
	if err != nil {
		return nil, err
	}
	return sealed.Data, nil
}

// IsLatest reports whether a quote taken at versionID still matches the latest
// sealed version of the quoted document. Only sealed versions are considered.
func IsLatest(latest map[string]string, quotedID, versionID string) bool {
	current, ok := latest[quotedID]
	return ok && current == versionID
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.logger.Error("delta service error", attrs...)
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
