// Package reconcile turns committed operation log rows into derived state: fresh
// outline paths, search index entries and exactly-once change notifications.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"github.com/MarcoPoloResearchLab/potshelf/internal/documents"
	"github.com/MarcoPoloResearchLab/potshelf/internal/notify"
	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
	"github.com/MarcoPoloResearchLab/potshelf/internal/search"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	skipCorruptStatus = "corrupt_status"
	skipUnknownTable  = "unknown_table"
)

var errMissingDependency = errors.New("reconcile: missing dependency")

// DeltaSource is the slice of the delta service the reconciler reads.
type DeltaSource interface {
	Pending(tx *gorm.DB, documentIDs []string) (map[string][]delta.Delta, error)
	LatestVersions(tx *gorm.DB, documentIDs []string) (map[string]string, error)
}

// PathMaterializer recomputes outline paths.
type PathMaterializer interface {
	Recompute(tx *gorm.DB, outlineIDs []string) error
	RecomputeWithDescendants(tx *gorm.DB, outlineIDs []string) ([]string, error)
}

// Config describes the dependencies of a Reconciler. The reconciler becomes the
// only user of Writer and the only consumer of Queue.
type Config struct {
	Database   *gorm.DB
	Queue      *oplog.Queue
	Deltas     DeltaSource
	Paths      PathMaterializer
	Writer     *search.Writer
	Reader     *search.Reader
	Outlines   *notify.Hub[OutlineChange]
	Paragraphs *notify.Hub[ParagraphChange]
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Reconciler processes change batches one at a time in submission order.
type Reconciler struct {
	db         *gorm.DB
	queue      *oplog.Queue
	deltas     DeltaSource
	paths      PathMaterializer
	writer     *search.Writer
	reader     *search.Reader
	outlines   *notify.Hub[OutlineChange]
	paragraphs *notify.Hub[ParagraphChange]
	metrics    *Metrics
	logger     *zap.Logger
	state      atomic.Int32
}

// New validates the configuration and constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Database == nil:
		return nil, fmt.Errorf("%w: database", errMissingDependency)
	case cfg.Queue == nil:
		return nil, fmt.Errorf("%w: queue", errMissingDependency)
	case cfg.Deltas == nil:
		return nil, fmt.Errorf("%w: deltas", errMissingDependency)
	case cfg.Paths == nil:
		return nil, fmt.Errorf("%w: paths", errMissingDependency)
	case cfg.Writer == nil || cfg.Reader == nil:
		return nil, fmt.Errorf("%w: search index", errMissingDependency)
	}
	outlines := cfg.Outlines
	if outlines == nil {
		outlines = notify.NewHub[OutlineChange]()
	}
	paragraphs := cfg.Paragraphs
	if paragraphs == nil {
		paragraphs = notify.NewHub[ParagraphChange]()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:         cfg.Database,
		queue:      cfg.Queue,
		deltas:     cfg.Deltas,
		paths:      cfg.Paths,
		writer:     cfg.Writer,
		reader:     cfg.Reader,
		outlines:   outlines,
		paragraphs: paragraphs,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// State reports the phase of the batch in flight.
func (reconciler *Reconciler) State() State {
	return State(reconciler.state.Load())
}

// Run replays every log row still present, then processes queued batches until
// ctx ends or the queue is closed and drained.
func (reconciler *Reconciler) Run(ctx context.Context) error {
	if err := reconciler.replayPending(ctx); err != nil {
		return err
	}
	for {
		batch, err := reconciler.queue.Receive(ctx)
		if errors.Is(err, oplog.ErrQueueClosed) {
			reconciler.logger.Info("reconciler queue closed")
			return nil
		}
		if err != nil {
			return err
		}
		reconciler.metrics.queueDepth.Set(float64(reconciler.queue.Len()))
		_ = reconciler.Process(ctx, batch)
	}
}

func (reconciler *Reconciler) replayPending(ctx context.Context) error {
	rowIDs, err := oplog.PendingRowIDs(ctx, reconciler.db)
	if err != nil {
		return fmt.Errorf("reconcile: list pending rows: %w", err)
	}
	if len(rowIDs) == 0 {
		return nil
	}
	reconciler.logger.Info("replaying operation log", zap.Int("rows", len(rowIDs)))
	_ = reconciler.Process(ctx, oplog.ChangeBatch{RowIDs: rowIDs, Origin: oplog.InitOrigin()})
	return nil
}

// Process reconciles one batch. A failed batch keeps its log rows for the next
// startup replay; the error is logged, counted and returned.
func (reconciler *Reconciler) Process(ctx context.Context, batch oplog.ChangeBatch) (err error) {
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("reconcile: panic: %v", recovered)
		}
		reconciler.setState(StateIdle)
		reconciler.metrics.duration.Observe(time.Since(started).Seconds())
		if err != nil {
			reconciler.writer.Discard()
			reconciler.metrics.batches.WithLabelValues(resultFailed).Inc()
			reconciler.logger.Error("reconcile batch failed",
				zap.String("origin", batch.Origin.String()),
				zap.Int("rows", len(batch.RowIDs)),
				zap.Error(err))
			return
		}
		reconciler.metrics.batches.WithLabelValues(resultOK).Inc()
	}()

	var result *batchResult
	err = reconciler.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var applyErr error
		result, applyErr = reconciler.apply(tx, batch)
		return applyErr
	})
	if err != nil {
		return err
	}

	if err := reconciler.reader.Reload(); err != nil {
		reconciler.logger.Warn("search reader reload failed", zap.Error(err))
	}
	reconciler.metrics.indexOps.WithLabelValues(opAdd).Add(float64(result.added))
	reconciler.metrics.indexOps.WithLabelValues(opRemove).Add(float64(result.removed))
	reconciler.publish(ctx, result)
	return nil
}

type batchResult struct {
	outlineChanges   []OutlineChange
	paragraphChanges []ParagraphChange
	added            int
	removed          int
}

type tablePlan struct {
	inserts []oplog.Entry
	updates []oplog.Entry
	deletes []oplog.Entry
	removed []oplog.Entry
	// unseen holds targets whose insert is in the batch but was never projected.
	// Their removal reaches the index without a Delete notification.
	unseen map[string]struct{}
}

func (plan *tablePlan) markUnseen(targetID string) {
	if plan.unseen == nil {
		plan.unseen = make(map[string]struct{})
	}
	plan.unseen[targetID] = struct{}{}
}

func (plan *tablePlan) isUnseen(targetID string) bool {
	_, ok := plan.unseen[targetID]
	return ok
}

func (plan *tablePlan) liveIDs() []string {
	ids := make([]string, 0, len(plan.inserts)+len(plan.updates))
	for _, entry := range plan.inserts {
		ids = append(ids, entry.TargetID)
	}
	for _, entry := range plan.updates {
		ids = append(ids, entry.TargetID)
	}
	return ids
}

func (reconciler *Reconciler) apply(tx *gorm.DB, batch oplog.ChangeBatch) (*batchResult, error) {
	reconciler.setState(StateDraining)
	entries, err := oplog.Fetch(tx, batch.RowIDs)
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetch log rows: %w", err)
	}
	outlinePlan, paragraphPlan := reconciler.partition(entries)

	deltaTargets := append(outlinePlan.liveIDs(), paragraphPlan.liveIDs()...)
	pending, err := reconciler.deltas.Pending(tx, deltaTargets)
	if err != nil {
		return nil, fmt.Errorf("reconcile: load pending deltas: %w", err)
	}
	take := func(documentID string) []delta.Delta {
		deltas := pending[documentID]
		delete(pending, documentID)
		return deltas
	}

	reconciler.setState(StateProjecting)
	result := &batchResult{}
	var indexEntries []search.Entry
	var removedIDs []string

	// A fresh outline has no descendants outside the batch; moves and removals
	// also rewrite the breadcrumbs of everything below them.
	if err := reconciler.paths.Recompute(tx, targetIDs(outlinePlan.inserts)); err != nil {
		return nil, fmt.Errorf("reconcile: recompute paths: %w", err)
	}
	structural := append(targetIDs(outlinePlan.updates), targetIDs(outlinePlan.removed)...)
	if _, err := reconciler.paths.RecomputeWithDescendants(tx, structural); err != nil {
		return nil, fmt.Errorf("reconcile: recompute paths: %w", err)
	}

	outlineViews, err := documents.LoadOutlineViews(tx, outlinePlan.liveIDs())
	if err != nil {
		return nil, fmt.Errorf("reconcile: load outlines: %w", err)
	}
	outlineSet := newChangeSet[documents.OutlineView](batch.Origin)
	project := func(entry oplog.Entry, kind ChangeKind) {
		view, ok := outlineViews[entry.TargetID]
		if !ok {
			reconciler.logger.Debug("outline vanished before reconciliation", zap.String("id", entry.TargetID))
			if kind == ChangeInsert {
				outlinePlan.markUnseen(entry.TargetID)
			}
			return
		}
		indexEntries = append(indexEntries, search.Entry{ID: view.ID, PotID: view.PotID, Type: string(documents.KindOutline), Text: view.Text})
		outlineSet.addTarget(kind, view.PotID, view, take(view.ID))
	}
	for _, entry := range outlinePlan.inserts {
		project(entry, ChangeInsert)
	}
	for _, entry := range outlinePlan.updates {
		project(entry, ChangeUpdate)
	}
	for _, entry := range append(outlinePlan.removed, outlinePlan.deletes...) {
		removedIDs = append(removedIDs, entry.TargetID)
		if outlinePlan.isUnseen(entry.TargetID) {
			continue
		}
		outlineSet.addDeleted(entry.PotID(), entry.TargetID)
	}

	paragraphViews, err := documents.LoadParagraphViews(tx, paragraphPlan.liveIDs())
	if err != nil {
		return nil, fmt.Errorf("reconcile: load paragraphs: %w", err)
	}
	latest, err := reconciler.deltas.LatestVersions(tx, documents.QuotedParagraphIDs(paragraphViews))
	if err != nil {
		return nil, fmt.Errorf("reconcile: resolve quotes: %w", err)
	}
	paragraphSet := newChangeSet[documents.ParagraphView](batch.Origin)
	projectParagraph := func(entry oplog.Entry, kind ChangeKind) {
		view, ok := paragraphViews[entry.TargetID]
		if !ok {
			reconciler.logger.Debug("paragraph vanished before reconciliation", zap.String("id", entry.TargetID))
			if kind == ChangeInsert {
				paragraphPlan.markUnseen(entry.TargetID)
			}
			return
		}
		if view.Quote != nil {
			quote := *view.Quote
			quote.Latest = delta.IsLatest(latest, quote.ParagraphID, quote.VersionID)
			view.Quote = &quote
		}
		indexEntries = append(indexEntries, search.Entry{ID: view.ID, PotID: view.PotID, Type: string(documents.KindParagraph), Text: view.Text})
		paragraphSet.addTarget(kind, view.PotID, view, take(view.ID))
	}
	for _, entry := range paragraphPlan.inserts {
		projectParagraph(entry, ChangeInsert)
	}
	for _, entry := range paragraphPlan.updates {
		projectParagraph(entry, ChangeUpdate)
	}
	for _, entry := range append(paragraphPlan.removed, paragraphPlan.deletes...) {
		removedIDs = append(removedIDs, entry.TargetID)
		if paragraphPlan.isUnseen(entry.TargetID) {
			continue
		}
		paragraphSet.addDeleted(entry.PotID(), entry.TargetID)
	}

	reconciler.setState(StatePublishing)
	if err := reconciler.writer.AddOrReplace(indexEntries); err != nil {
		return nil, err
	}
	reconciler.writer.Remove(removedIDs)
	reconciler.logger.Debug("committing index batch",
		zap.String("origin", batch.Origin.String()),
		zap.Int("operations", reconciler.writer.Pending()))
	if err := reconciler.writer.Commit(); err != nil {
		return nil, err
	}
	result.added = len(indexEntries)
	result.removed = len(removedIDs)
	result.outlineChanges = outlineSet.list()
	result.paragraphChanges = paragraphSet.list()

	reconciler.setState(StateCompacting)
	consumed := make([]int64, 0, len(entries))
	for _, entry := range entries {
		consumed = append(consumed, entry.RowID)
	}
	if err := oplog.Consume(tx, consumed); err != nil {
		return nil, fmt.Errorf("reconcile: consume log rows: %w", err)
	}
	return result, nil
}

// partition splits entries per table into live inserts, live updates, logical
// deletions and hard deletions, dropping rows with no observable effect.
func (reconciler *Reconciler) partition(entries []oplog.Entry) (*tablePlan, *tablePlan) {
	outlines := &tablePlan{}
	paragraphs := &tablePlan{}
	for _, entry := range entries {
		if entry.StatusErr != nil {
			reconciler.metrics.skippedRows.WithLabelValues(skipCorruptStatus).Inc()
			reconciler.logger.Warn("skipping log row with corrupt status",
				zap.Int64("row_id", entry.RowID),
				zap.String("table", entry.Table),
				zap.String("target_id", entry.TargetID),
				zap.Error(entry.StatusErr))
			continue
		}
		var plan *tablePlan
		switch entry.Table {
		case documents.TableOutlines:
			plan = outlines
		case documents.TableParagraphs:
			plan = paragraphs
		default:
			reconciler.metrics.skippedRows.WithLabelValues(skipUnknownTable).Inc()
			reconciler.logger.Warn("skipping log row for unknown table",
				zap.Int64("row_id", entry.RowID),
				zap.String("table", entry.Table))
			continue
		}
		switch entry.Op {
		case oplog.KindInsert:
			if entry.Deleted() {
				plan.markUnseen(entry.TargetID)
				continue
			}
			plan.inserts = append(plan.inserts, entry)
		case oplog.KindUpdate:
			if entry.Deleted() {
				plan.removed = append(plan.removed, entry)
				continue
			}
			plan.updates = append(plan.updates, entry)
		case oplog.KindDelete:
			plan.deletes = append(plan.deletes, entry)
		}
	}
	return outlines, paragraphs
}

func (reconciler *Reconciler) publish(ctx context.Context, result *batchResult) {
	for _, change := range result.outlineChanges {
		if err := reconciler.outlines.Publish(ctx, change.PotID, change); err != nil {
			reconciler.logger.Warn("outline notification interrupted", zap.String("pot_id", change.PotID), zap.Error(err))
			return
		}
	}
	for _, change := range result.paragraphChanges {
		if err := reconciler.paragraphs.Publish(ctx, change.PotID, change); err != nil {
			reconciler.logger.Warn("paragraph notification interrupted", zap.String("pot_id", change.PotID), zap.Error(err))
			return
		}
	}
}

func (reconciler *Reconciler) setState(state State) {
	previous := State(reconciler.state.Swap(int32(state)))
	if previous != state {
		reconciler.logger.Debug("reconciler state", zap.Stringer("from", previous), zap.Stringer("to", state))
	}
}

func targetIDs(entries []oplog.Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.TargetID)
	}
	return ids
}
