// Package paths materializes the ancestor breadcrumbs stored on outlines.
package paths

import (
	"github.com/MarcoPoloResearchLab/potshelf/internal/documents"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Materializer recomputes outline paths from the current parent pointers.
type Materializer struct {
	logger *zap.Logger
}

// NewMaterializer constructs a Materializer; a nil logger discards output.
func NewMaterializer(logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{logger: logger}
}

// Recompute rewrites the path of each given outline. Unknown ids are ignored.
func (materializer *Materializer) Recompute(tx *gorm.DB, outlineIDs []string) error {
	_, err := materializer.recompute(tx, outlineIDs, false)
	return err
}

// RecomputeWithDescendants rewrites the paths of the given outlines and of every
// outline below them, returning the ids it visited.
func (materializer *Materializer) RecomputeWithDescendants(tx *gorm.DB, outlineIDs []string) ([]string, error) {
	return materializer.recompute(tx, outlineIDs, true)
}

func (materializer *Materializer) recompute(tx *gorm.DB, outlineIDs []string, withDescendants bool) ([]string, error) {
	if len(outlineIDs) == 0 {
		return nil, nil
	}
	forest, err := documents.LoadForest(tx, outlineIDs)
	if err != nil {
		return nil, err
	}

	targets := dedupe(outlineIDs)
	if withDescendants {
		targets = dedupe(append(targets, forest.Descendants(targets...)...))
	}

	visited := make([]string, 0, len(targets))
	for _, outlineID := range targets {
		outline, ok := forest.Get(outlineID)
		if !ok {
			continue
		}
		path := materializer.walk(forest, outline)
		visited = append(visited, outlineID)
		if samePath(outline.Path.Data(), path) {
			continue
		}
		if err := tx.Model(&documents.Outline{}).
			Where("id = ?", outlineID).
			Update("path", datatypes.NewJSONType(path)).Error; err != nil {
			return nil, err
		}
	}
	return visited, nil
}

// walk follows parent pointers upward and returns the visible ancestors,
// root-most first. It stops at a missing or deleted ancestor and at the first
// repeated id.
func (materializer *Materializer) walk(forest *documents.Forest, outline documents.Outline) []documents.PathEntry {
	seen := map[string]struct{}{outline.ID: {}}
	ancestors := make([]documents.PathEntry, 0)
	parentID := outline.ParentID
	for parentID != nil {
		if _, repeated := seen[*parentID]; repeated {
			materializer.logger.Warn("outline parent cycle",
				zap.String("outline_id", outline.ID),
				zap.String("repeated_id", *parentID))
			break
		}
		seen[*parentID] = struct{}{}
		parent, ok := forest.Get(*parentID)
		if !ok || parent.IsDeleted {
			break
		}
		ancestors = append(ancestors, documents.PathEntry{ID: parent.ID, Text: parent.Text, Hidden: parent.Hidden})
		parentID = parent.ParentID
	}
	for left, right := 0, len(ancestors)-1; left < right; left, right = left+1, right-1 {
		ancestors[left], ancestors[right] = ancestors[right], ancestors[left]
	}
	return ancestors
}

func samePath(stored, computed []documents.PathEntry) bool {
	if stored == nil {
		return false
	}
	if len(stored) != len(computed) {
		return false
	}
	for index := range stored {
		if stored[index] != computed[index] {
			return false
		}
	}
	return true
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	return unique
}
