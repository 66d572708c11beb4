// Package search maintains the derived full-text index of documents.
package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	blevesearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/collector"
	"github.com/blevesearch/bleve/v2/search/query"
	index "github.com/blevesearch/bleve_index_api"
	"go.uber.org/zap"
)

// ErrReaderClosed indicates a query against a reader whose index was closed.
var ErrReaderClosed = errors.New("search: reader closed")

// Entry is the indexed projection of one document.
type Entry struct {
	ID    string
	PotID string
	Type  string
	Text  string
}

// Index owns the engine handle. The index is disposable: an unreadable or
// outdated directory is removed and rebuilt from the relational store.
type Index struct {
	engine  bleve.Index
	created bool

	mu      sync.Mutex
	readers []*Reader
}

// Open opens the index at path, creating it when absent, unreadable or built
// with another schema. An empty path keeps the index in memory.
func Open(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	indexMapping, err := NewMapping()
	if err != nil {
		return nil, fmt.Errorf("search: build mapping: %w", err)
	}
	if path == "" {
		engine, err := bleve.NewMemOnly(indexMapping)
		if err != nil {
			return nil, fmt.Errorf("search: create memory index: %w", err)
		}
		return &Index{engine: engine, created: true}, nil
	}

	engine, openErr := bleve.Open(path)
	if openErr == nil {
		version, versionErr := engine.GetInternal([]byte(schemaVersionKey))
		if versionErr == nil && string(version) == schemaVersion {
			return &Index{engine: engine}, nil
		}
		logger.Warn("search index schema mismatch, rebuilding",
			zap.String("path", path),
			zap.String("found_version", string(version)))
		if closeErr := engine.Close(); closeErr != nil {
			return nil, fmt.Errorf("search: close outdated index: %w", closeErr)
		}
	} else if !errors.Is(openErr, bleve.ErrorIndexPathDoesNotExist) {
		logger.Warn("search index unreadable, rebuilding", zap.String("path", path), zap.Error(openErr))
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("search: remove index directory: %w", err)
	}
	engine, err = bleve.New(path, indexMapping)
	if err != nil {
		return nil, fmt.Errorf("search: create index: %w", err)
	}
	if err := engine.SetInternal([]byte(schemaVersionKey), []byte(schemaVersion)); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("search: record schema version: %w", err)
	}
	return &Index{engine: engine, created: true}, nil
}

// Created reports whether Open started from an empty index, in which case the
// caller must replay every document into it.
func (idx *Index) Created() bool {
	return idx.created
}

// Close releases every reader snapshot, then the engine.
func (idx *Index) Close() error {
	idx.mu.Lock()
	readers := idx.readers
	idx.readers = nil
	idx.mu.Unlock()
	for _, reader := range readers {
		_ = reader.release()
	}
	return idx.engine.Close()
}

// Writer stages index operations for one reconciliation batch. It is owned by a
// single goroutine.
type Writer struct {
	engine bleve.Index
	batch  *bleve.Batch
}

// NewWriter returns the writer of an index.
func (idx *Index) NewWriter() *Writer {
	return &Writer{engine: idx.engine, batch: idx.engine.NewBatch()}
}

// AddOrReplace stages entries; an entry replaces any document with the same id.
func (writer *Writer) AddOrReplace(entries []Entry) error {
	for _, entry := range entries {
		document := map[string]interface{}{
			FieldID:   entry.ID,
			FieldPot:  entry.PotID,
			FieldType: entry.Type,
			FieldText: Normalize(entry.Text),
		}
		if err := writer.batch.Index(entry.ID, document); err != nil {
			return fmt.Errorf("search: stage %s: %w", entry.ID, err)
		}
	}
	return nil
}

// Remove stages deletions by id.
func (writer *Writer) Remove(ids []string) {
	for _, id := range ids {
		writer.batch.Delete(id)
	}
}

// Pending reports the number of staged operations.
func (writer *Writer) Pending() int {
	return writer.batch.Size()
}

// Commit applies every staged operation in one engine batch.
func (writer *Writer) Commit() error {
	if writer.batch.Size() == 0 {
		return nil
	}
	if err := writer.engine.Batch(writer.batch); err != nil {
		writer.batch.Reset()
		return fmt.Errorf("search: commit: %w", err)
	}
	writer.batch.Reset()
	return nil
}

// Discard drops every staged operation.
func (writer *Writer) Discard() {
	writer.batch.Reset()
}

// Reader serves queries from a fixed snapshot of the index. Commits made by the
// writer stay invisible until Reload swaps in a newer snapshot. A Reader may be
// shared by any number of goroutines.
type Reader struct {
	engine       bleve.Index
	defaultFuzzy int

	mu         sync.RWMutex
	snapshot   index.IndexReader
	generation uint64
	docCount   uint64
}

// NewReader opens a reader over the current contents of the index with the
// given default fuzziness. The index releases its readers on Close.
func (idx *Index) NewReader(defaultFuzzy int) (*Reader, error) {
	reader := &Reader{engine: idx.engine, defaultFuzzy: defaultFuzzy}
	snapshot, count, err := reader.open()
	if err != nil {
		return nil, err
	}
	reader.snapshot = snapshot
	reader.docCount = count
	idx.mu.Lock()
	idx.readers = append(idx.readers, reader)
	idx.mu.Unlock()
	return reader, nil
}

func (reader *Reader) open() (index.IndexReader, uint64, error) {
	advanced, err := reader.engine.Advanced()
	if err != nil {
		return nil, 0, fmt.Errorf("search: open reader: %w", err)
	}
	snapshot, err := advanced.Reader()
	if err != nil {
		return nil, 0, fmt.Errorf("search: open reader: %w", err)
	}
	count, err := snapshot.DocCount()
	if err != nil {
		_ = snapshot.Close()
		return nil, 0, fmt.Errorf("search: count documents: %w", err)
	}
	return snapshot, count, nil
}

// Reload replaces the snapshot with one that includes every committed batch.
// On failure the previous snapshot stays in place.
func (reader *Reader) Reload() error {
	snapshot, count, err := reader.open()
	if err != nil {
		return fmt.Errorf("search: reload: %w", err)
	}
	reader.mu.Lock()
	previous := reader.snapshot
	reader.snapshot = snapshot
	reader.generation++
	reader.docCount = count
	reader.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// Stats returns the reload generation and the document count of the current snapshot.
func (reader *Reader) Stats() (generation uint64, docCount uint64) {
	reader.mu.RLock()
	defer reader.mu.RUnlock()
	return reader.generation, reader.docCount
}

// DefaultFuzzy returns the configured edit distance used when callers omit one.
func (reader *Reader) DefaultFuzzy() int {
	return reader.defaultFuzzy
}

func (reader *Reader) release() error {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	if reader.snapshot == nil {
		return nil
	}
	err := reader.snapshot.Close()
	reader.snapshot = nil
	return err
}

// run executes q against the current snapshot and resolves the stored type of
// each hit from the same snapshot.
func (reader *Reader) run(ctx context.Context, q query.Query, limit int) ([]Hit, error) {
	reader.mu.RLock()
	defer reader.mu.RUnlock()
	if reader.snapshot == nil {
		return nil, ErrReaderClosed
	}
	searcher, err := q.Searcher(ctx, reader.snapshot, reader.engine.Mapping(), blevesearch.SearcherOptions{})
	if err != nil {
		return nil, err
	}
	defer searcher.Close()

	topN := collector.NewTopNCollector(limit, 0, blevesearch.SortOrder{&blevesearch.SortScore{Desc: true}})
	if err := topN.Collect(ctx, searcher, reader.snapshot); err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(topN.Results()))
	for _, match := range topN.Results() {
		hit := Hit{ID: match.ID}
		document, err := reader.snapshot.Document(match.ID)
		if err != nil {
			return nil, err
		}
		if document != nil {
			document.VisitFields(func(field index.Field) {
				if field.Name() == FieldType {
					hit.Type = string(field.Value())
				}
			})
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
