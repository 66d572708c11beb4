package documents

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
	"github.com/MarcoPoloResearchLab/potshelf/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TreeResolver resolves version subtrees from the outline tree.
type TreeResolver struct{}

// Subtree resolves the live documents covered by a version sealed at rootID: an
// outline root covers its live descendant outlines and all their live
// paragraphs, a paragraph root covers itself.
func (TreeResolver) Subtree(tx *gorm.DB, rootID string) (delta.Subtree, error) {
	outline, err := loadOutline(tx, rootID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return paragraphSubtree(tx, rootID)
	}
	if err != nil {
		return delta.Subtree{}, err
	}
	if outline.IsDeleted {
		return delta.Subtree{}, delta.ErrDocumentNotFound
	}

	forest, err := LoadForest(tx, []string{rootID})
	if err != nil {
		return delta.Subtree{}, err
	}
	outlineIDs := append([]string{rootID}, liveDescendants(forest, rootID)...)
	var paragraphIDs []string
	if err := tx.Model(&Paragraph{}).Where("outline_id IN ? AND is_deleted = ?", outlineIDs, false).
		Order("id ASC").Pluck("id", &paragraphIDs).Error; err != nil {
		return delta.Subtree{}, err
	}
	return delta.Subtree{
		PotID:       outline.PotID,
		DocumentIDs: append(outlineIDs, paragraphIDs...),
	}, nil
}

// liveDescendants walks children but does not descend through deleted outlines.
func liveDescendants(forest *Forest, rootID string) []string {
	queue := []string{rootID}
	visited := map[string]struct{}{rootID: {}}
	live := make([]string, 0)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, childID := range forest.Children(current) {
			if _, seen := visited[childID]; seen {
				continue
			}
			visited[childID] = struct{}{}
			child, ok := forest.Get(childID)
			if !ok || child.IsDeleted {
				continue
			}
			live = append(live, childID)
			queue = append(queue, childID)
		}
	}
	return live
}

func paragraphSubtree(tx *gorm.DB, paragraphID string) (delta.Subtree, error) {
	paragraph, err := loadParagraph(tx, paragraphID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return delta.Subtree{}, delta.ErrDocumentNotFound
	}
	if err != nil {
		return delta.Subtree{}, err
	}
	if paragraph.IsDeleted {
		return delta.Subtree{}, delta.ErrDocumentNotFound
	}
	owner, err := loadOutline(tx, paragraph.OutlineID)
	if err != nil {
		return delta.Subtree{}, err
	}
	return delta.Subtree{PotID: owner.PotID, DocumentIDs: []string{paragraphID}}, nil
}

// Reseed appends an insert log row for every live document, outlines first, so
// the next startup replay rebuilds derived state from scratch. It returns the
// number of rows appended.
func (service *Service) Reseed(ctx context.Context) (int, error) {
	appended := 0
	err := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := service.clock().UTC()
		var outlines []Outline
		if err := tx.Select("id", "pot_id", "is_deleted").Order("id ASC").Find(&outlines).Error; err != nil {
			return err
		}
		potOf := make(map[string]string, len(outlines))
		for _, outline := range outlines {
			potOf[outline.ID] = outline.PotID
			if outline.IsDeleted {
				continue
			}
			if _, err := oplog.Append(tx, oplog.Record{
				Table:    TableOutlines,
				TargetID: outline.ID,
				Status:   oplog.InsertStatus{PotID: outline.PotID},
				At:       now,
			}); err != nil {
				return err
			}
			appended++
		}

		var paragraphs []Paragraph
		if err := tx.Select("id", "outline_id").Where("is_deleted = ?", false).Order("id ASC").Find(&paragraphs).Error; err != nil {
			return err
		}
		for _, paragraph := range paragraphs {
			potID, ok := potOf[paragraph.OutlineID]
			if !ok {
				continue
			}
			if _, err := oplog.Append(tx, oplog.Record{
				Table:    TableParagraphs,
				TargetID: paragraph.ID,
				Status:   oplog.InsertStatus{PotID: potID},
				At:       now,
			}); err != nil {
				return err
			}
			appended++
		}
		return nil
	})
	if err != nil {
		service.logError(opReseed, reasonStorageFailed, err)
		return 0, svcerr.New(opReseed, reasonStorageFailed, err)
	}
	service.logger.Info("documents reseeded", zap.Int("rows", appended))
	return appended, nil
}
