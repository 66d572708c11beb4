package documents

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"github.com/MarcoPoloResearchLab/potshelf/internal/ids"
	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
	"github.com/MarcoPoloResearchLab/potshelf/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opServiceNew       = "documents.service.new"
	opCreatePot        = "documents.create_pot"
	opCreateOutline    = "documents.create_outline"
	opCreateParagraph  = "documents.create_paragraph"
	opUpdate           = "documents.update"
	opSoftDelete       = "documents.soft_delete"
	opHardDelete       = "documents.hard_delete"
	opReseed           = "documents.reseed"
	opBacklinks        = "documents.backlinks"
	bodyRegisterKey    = "body"
	defaultClientLabel = "local"

	reasonMissingDatabase  = "missing_database"
	reasonMissingDeltas    = "missing_delta_store"
	reasonMissingSubmitter = "missing_submitter"
	reasonMissingIDs       = "missing_id_provider"
	reasonInvalidInput     = "invalid_input"
	reasonNotFound         = "not_found"
	reasonDeleted          = "deleted"
	reasonInvalidParent    = "invalid_parent"
	reasonCycle            = "cycle"
	reasonInvalidQuote     = "invalid_quote"
	reasonInvalidLink      = "invalid_link"
	reasonStorageFailed    = "storage_failed"
	reasonOplogFailed      = "oplog_failed"
	reasonSubmitFailed     = "submit_failed"
)

var (
	// ErrNotFound indicates that a referenced pot or document does not exist.
	ErrNotFound = errors.New("documents: not found")
	// ErrDeleted indicates that a referenced document is logically deleted.
	ErrDeleted = errors.New("documents: document deleted")
	// ErrInvalidParent indicates a parent in another pot or of the wrong kind.
	ErrInvalidParent = errors.New("documents: invalid parent")
	// ErrCycle indicates that a parent assignment would make an outline its own ancestor.
	ErrCycle = errors.New("documents: parent assignment creates a cycle")
	// ErrInvalidQuote indicates a quote of an unknown paragraph or unsealed version.
	ErrInvalidQuote = errors.New("documents: invalid quote")
	// ErrInvalidLink indicates a link target that does not exist in the pot.
	ErrInvalidLink = errors.New("documents: invalid link target")
	// ErrInvalidInput indicates a malformed command.
	ErrInvalidInput = errors.New("documents: invalid input")
)

// DeltaStore is the slice of the delta service used by write commands.
type DeltaStore interface {
	Record(tx *gorm.DB, documentID string, data []byte, at time.Time) error
	SealedData(tx *gorm.DB, documentID, versionID string) ([]byte, error)
}

// Submitter hands committed log rows to the reconciler.
type Submitter interface {
	Submit(ctx context.Context, batch oplog.ChangeBatch) error
}

// ServiceConfig describes the dependencies of the document command service.
type ServiceConfig struct {
	Database   *gorm.DB
	Deltas     DeltaStore
	Submitter  Submitter
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service executes document write commands. Every command commits its rows and
// log entries in one transaction and then submits the entries as a change batch.
type Service struct {
	db         *gorm.DB
	deltas     DeltaStore
	submitter  Submitter
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opServiceNew, reasonMissingDatabase, errors.New("database handle is required"))
	}
	if cfg.Deltas == nil {
		return nil, svcerr.New(opServiceNew, reasonMissingDeltas, errors.New("delta store is required"))
	}
	if cfg.Submitter == nil {
		return nil, svcerr.New(opServiceNew, reasonMissingSubmitter, errors.New("submitter is required"))
	}
	if cfg.IDProvider == nil {
		return nil, svcerr.New(opServiceNew, reasonMissingIDs, errors.New("id provider is required"))
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
		deltas:     cfg.Deltas,
		submitter:  cfg.Submitter,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// OutlineInput describes a new outline.
type OutlineInput struct {
	PotID    string
	ParentID *string
	Body     string
	Hidden   bool
	Links    []string
}

// QuoteRef points at a paragraph as sealed at a version.
type QuoteRef struct {
	ParagraphID string
	VersionID   string
}

// ParagraphInput describes a new paragraph.
type ParagraphInput struct {
	OutlineID string
	ParentID  *string
	Body      string
	Hidden    bool
	Quote     *QuoteRef
	Links     []string
}

// CreatePot creates a tenant. Pots have no derived state, so nothing is logged.
func (service *Service) CreatePot(ctx context.Context, name string) (Pot, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Pot{}, svcerr.New(opCreatePot, reasonInvalidInput, ErrInvalidInput)
	}
	potID, err := service.idProvider.NewID()
	if err != nil {
		return Pot{}, svcerr.New(opCreatePot, reasonStorageFailed, err)
	}
	pot := Pot{ID: potID, Name: trimmed, CreatedAtSeconds: service.clock().UTC().Unix()}
	if err := service.db.WithContext(ctx).Create(&pot).Error; err != nil {
		service.logError(opCreatePot, reasonStorageFailed, err)
		return Pot{}, svcerr.New(opCreatePot, reasonStorageFailed, err)
	}
	return pot, nil
}

// CreateOutline inserts an outline and returns its id. When only the submission
// fails, the id is returned together with the error; the row replays at startup.
func (service *Service) CreateOutline(ctx context.Context, origin oplog.Origin, input OutlineInput) (string, error) {
	if strings.TrimSpace(input.PotID) == "" {
		return "", svcerr.New(opCreateOutline, reasonInvalidInput, ErrInvalidInput)
	}
	outlineID, err := service.idProvider.NewID()
	if err != nil {
		return "", svcerr.New(opCreateOutline, reasonStorageFailed, err)
	}

	err = service.write(ctx, opCreateOutline, origin, func(tx *gorm.DB, now time.Time) ([]oplog.Record, error) {
		if err := tx.Where("id = ?", input.PotID).Take(&Pot{}).Error; err != nil {
			return nil, lookupError(opCreateOutline, err)
		}
		if input.ParentID != nil {
			parent, err := loadOutline(tx, *input.ParentID)
			if err != nil {
				return nil, svcerr.New(opCreateOutline, reasonInvalidParent, ErrInvalidParent)
			}
			if parent.PotID != input.PotID || parent.IsDeleted {
				return nil, svcerr.New(opCreateOutline, reasonInvalidParent, ErrInvalidParent)
			}
		}

		doc, err := service.encodeBody(origin, input.Body, now)
		if err != nil {
			return nil, svcerr.New(opCreateOutline, reasonInvalidInput, err)
		}
		outline := Outline{
			ID:               outlineID,
			PotID:            input.PotID,
			ParentID:         input.ParentID,
			Doc:              doc,
			Text:             PlainText(input.Body),
			Hidden:           input.Hidden,
			Path:             datatypes.NewJSONType([]PathEntry{}),
			CreatedAtSeconds: now.Unix(),
			UpdatedAtSeconds: now.Unix(),
		}
		if err := tx.Create(&outline).Error; err != nil {
			return nil, svcerr.New(opCreateOutline, reasonStorageFailed, err)
		}
		if err := service.deltas.Record(tx, outlineID, doc, now); err != nil {
			return nil, err
		}
		if err := replaceLinks(tx, input.PotID, outlineID, KindOutline, input.Links); err != nil {
			return nil, svcerr.New(opCreateOutline, reasonInvalidLink, err)
		}
		return []oplog.Record{{
			Table:    TableOutlines,
			TargetID: outlineID,
			Status:   oplog.InsertStatus{PotID: input.PotID},
		}}, nil
	})
	if err != nil && !svcerr.HasReason(err, reasonSubmitFailed) {
		return "", err
	}
	return outlineID, err
}

// CreateParagraph inserts a paragraph into an outline and returns its id.
func (service *Service) CreateParagraph(ctx context.Context, origin oplog.Origin, input ParagraphInput) (string, error) {
	if strings.TrimSpace(input.OutlineID) == "" {
		return "", svcerr.New(opCreateParagraph, reasonInvalidInput, ErrInvalidInput)
	}
	paragraphID, err := service.idProvider.NewID()
	if err != nil {
		return "", svcerr.New(opCreateParagraph, reasonStorageFailed, err)
	}

	err = service.write(ctx, opCreateParagraph, origin, func(tx *gorm.DB, now time.Time) ([]oplog.Record, error) {
		owner, err := loadOutline(tx, input.OutlineID)
		if err != nil {
			return nil, lookupError(opCreateParagraph, err)
		}
		if owner.IsDeleted {
			return nil, svcerr.New(opCreateParagraph, reasonDeleted, ErrDeleted)
		}
		if input.ParentID != nil {
			parent, err := loadParagraph(tx, *input.ParentID)
			if err != nil || parent.OutlineID != owner.ID || parent.IsDeleted {
				return nil, svcerr.New(opCreateParagraph, reasonInvalidParent, ErrInvalidParent)
			}
		}

		doc, err := service.encodeBody(origin, input.Body, now)
		if err != nil {
			return nil, svcerr.New(opCreateParagraph, reasonInvalidInput, err)
		}
		paragraph := Paragraph{
			ID:               paragraphID,
			OutlineID:        owner.ID,
			ParentID:         input.ParentID,
			Doc:              doc,
			Text:             PlainText(input.Body),
			Hidden:           input.Hidden,
			CreatedAtSeconds: now.Unix(),
			UpdatedAtSeconds: now.Unix(),
		}
		if input.Quote != nil {
			quoteDoc, err := service.quoteDoc(tx, owner.PotID, *input.Quote)
			if err != nil {
				return nil, svcerr.New(opCreateParagraph, reasonInvalidQuote, err)
			}
			paragraph.QuoteID = &input.Quote.ParagraphID
			paragraph.QuoteVersionID = &input.Quote.VersionID
			paragraph.QuoteDoc = quoteDoc
		}
		if err := tx.Create(&paragraph).Error; err != nil {
			return nil, svcerr.New(opCreateParagraph, reasonStorageFailed, err)
		}
		if err := service.deltas.Record(tx, paragraphID, doc, now); err != nil {
			return nil, err
		}
		if err := replaceLinks(tx, owner.PotID, paragraphID, KindParagraph, input.Links); err != nil {
			return nil, svcerr.New(opCreateParagraph, reasonInvalidLink, err)
		}
		return []oplog.Record{{
			Table:    TableParagraphs,
			TargetID: paragraphID,
			Status:   oplog.InsertStatus{PotID: owner.PotID},
		}}, nil
	})
	if err != nil && !svcerr.HasReason(err, reasonSubmitFailed) {
		return "", err
	}
	return paragraphID, err
}

// write runs mutate in one transaction, appends the returned log records, and
// submits the resulting row ids after commit.
func (service *Service) write(ctx context.Context, operation string, origin oplog.Origin, mutate func(tx *gorm.DB, now time.Time) ([]oplog.Record, error)) error {
	now := service.clock().UTC()
	var rowIDs []int64
	transactionError := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records, err := mutate(tx, now)
		if err != nil {
			return err
		}
		for _, record := range records {
			record.At = now
			rowID, err := oplog.Append(tx, record)
			if err != nil {
				return svcerr.New(operation, reasonOplogFailed, err)
			}
			rowIDs = append(rowIDs, rowID)
		}
		return nil
	})
	if transactionError != nil {
		if svcerr.HasReason(transactionError, reasonStorageFailed) || svcerr.HasReason(transactionError, reasonOplogFailed) {
			service.logError(operation, "transaction_failed", transactionError)
		}
		return transactionError
	}

	if err := service.submitter.Submit(ctx, oplog.ChangeBatch{RowIDs: rowIDs, Origin: origin}); err != nil {
		service.logError(operation, reasonSubmitFailed, err, zap.Int("rows", len(rowIDs)))
		return svcerr.New(operation, reasonSubmitFailed, err)
	}
	return nil
}

func (service *Service) encodeBody(origin oplog.Origin, body string, now time.Time) ([]byte, error) {
	client := origin.SessionID
	if client == "" {
		client = defaultClientLabel
	}
	return delta.EncodeRegisters([]delta.Register{{
		Key:    bodyRegisterKey,
		Clock:  uint64(now.UnixMilli()),
		Client: client,
		Value:  body,
	}})
}

func (service *Service) quoteDoc(tx *gorm.DB, potID string, quote QuoteRef) ([]byte, error) {
	quoted, err := loadParagraph(tx, quote.ParagraphID)
	if err != nil {
		return nil, ErrInvalidQuote
	}
	owner, err := loadOutline(tx, quoted.OutlineID)
	if err != nil || owner.PotID != potID {
		return nil, ErrInvalidQuote
	}
	data, err := service.deltas.SealedData(tx, quote.ParagraphID, quote.VersionID)
	if errors.Is(err, delta.ErrSealedDeltaNotFound) {
		return nil, ErrInvalidQuote
	}
	return data, err
}

func loadOutline(tx *gorm.DB, outlineID string) (Outline, error) {
	var outline Outline
	err := tx.Where("id = ?", outlineID).Take(&outline).Error
	return outline, err
}

func loadParagraph(tx *gorm.DB, paragraphID string) (Paragraph, error) {
	var paragraph Paragraph
	err := tx.Where("id = ?", paragraphID).Take(&paragraph).Error
	return paragraph, err
}

func lookupError(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return svcerr.New(operation, reasonNotFound, ErrNotFound)
	}
	return svcerr.New(operation, reasonStorageFailed, err)
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
	service.logger.Error("documents service error", attrs...)
}
