package documents

import (
	"context"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/potshelf/internal/svcerr"
	"gorm.io/gorm"
)

// Backlink describes a live document that links to a target, with the ancestor
// path of the linking document for display.
type Backlink struct {
	SourceID   string      `json:"source_id"`
	SourceKind Kind        `json:"source_kind"`
	Text       string      `json:"text"`
	Path       []PathEntry `json:"path"`
}

// replaceLinks makes the stored link set of sourceID equal to targetIDs by
// deleting the surplus and inserting the missing edges.
func replaceLinks(tx *gorm.DB, potID, sourceID string, sourceKind Kind, targetIDs []string) error {
	desired := make(map[string]struct{}, len(targetIDs))
	for _, targetID := range targetIDs {
		if targetID != "" && targetID != sourceID {
			desired[targetID] = struct{}{}
		}
	}
	var existing []Link
	if err := tx.Where("source_id = ?", sourceID).Find(&existing).Error; err != nil {
		return err
	}

	stale := make([]string, 0)
	for _, link := range existing {
		if _, keep := desired[link.TargetID]; keep {
			delete(desired, link.TargetID)
			continue
		}
		stale = append(stale, link.TargetID)
	}
	if len(stale) > 0 {
		if err := tx.Where("source_id = ? AND target_id IN ?", sourceID, stale).Delete(&Link{}).Error; err != nil {
			return err
		}
	}
	if len(desired) == 0 {
		return nil
	}

	missing := make([]string, 0, len(desired))
	for targetID := range desired {
		missing = append(missing, targetID)
	}
	sort.Strings(missing)
	kinds, err := resolveTargetKinds(tx, potID, missing)
	if err != nil {
		return err
	}
	links := make([]Link, 0, len(missing))
	for _, targetID := range missing {
		kind, ok := kinds[targetID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrInvalidLink, targetID)
		}
		links = append(links, Link{SourceID: sourceID, TargetID: targetID, SourceKind: sourceKind, TargetKind: kind})
	}
	return tx.Create(&links).Error
}

func resolveTargetKinds(tx *gorm.DB, potID string, targetIDs []string) (map[string]Kind, error) {
	kinds := make(map[string]Kind, len(targetIDs))
	var outlineIDs []string
	if err := tx.Model(&Outline{}).Where("id IN ? AND pot_id = ?", targetIDs, potID).Pluck("id", &outlineIDs).Error; err != nil {
		return nil, err
	}
	for _, id := range outlineIDs {
		kinds[id] = KindOutline
	}
	var paragraphIDs []string
	potOutlines := tx.Model(&Outline{}).Select("id").Where("pot_id = ?", potID)
	if err := tx.Model(&Paragraph{}).Where("id IN ? AND outline_id IN (?)", targetIDs, potOutlines).Pluck("id", &paragraphIDs).Error; err != nil {
		return nil, err
	}
	for _, id := range paragraphIDs {
		kinds[id] = KindParagraph
	}
	return kinds, nil
}

// Backlinks lists live documents linking to targetID, ordered by source id.
func (service *Service) Backlinks(ctx context.Context, targetID string) ([]Backlink, error) {
	db := service.db.WithContext(ctx)
	var links []Link
	if err := db.Where("target_id = ?", targetID).Order("source_id ASC").Find(&links).Error; err != nil {
		service.logError(opBacklinks, reasonStorageFailed, err)
		return nil, svcerr.New(opBacklinks, reasonStorageFailed, err)
	}

	outlineIDs := make([]string, 0)
	paragraphIDs := make([]string, 0)
	for _, link := range links {
		if link.SourceKind == KindParagraph {
			paragraphIDs = append(paragraphIDs, link.SourceID)
		} else {
			outlineIDs = append(outlineIDs, link.SourceID)
		}
	}
	outlines, err := LoadOutlineViews(db, outlineIDs)
	if err != nil {
		return nil, svcerr.New(opBacklinks, reasonStorageFailed, err)
	}
	paragraphs, err := LoadParagraphViews(db, paragraphIDs)
	if err != nil {
		return nil, svcerr.New(opBacklinks, reasonStorageFailed, err)
	}
	ownerIDs := make([]string, 0, len(paragraphs))
	for _, paragraph := range paragraphs {
		ownerIDs = append(ownerIDs, paragraph.OutlineID)
	}
	owners, err := LoadOutlineViews(db, ownerIDs)
	if err != nil {
		return nil, svcerr.New(opBacklinks, reasonStorageFailed, err)
	}

	backlinks := make([]Backlink, 0, len(links))
	for _, link := range links {
		if outline, ok := outlines[link.SourceID]; ok {
			backlinks = append(backlinks, Backlink{
				SourceID:   outline.ID,
				SourceKind: KindOutline,
				Text:       outline.Text,
				Path:       outline.Path,
			})
			continue
		}
		paragraph, ok := paragraphs[link.SourceID]
		if !ok {
			continue
		}
		path := make([]PathEntry, 0)
		if owner, ok := owners[paragraph.OutlineID]; ok {
			path = append(path, owner.Path...)
			path = append(path, PathEntry{ID: owner.ID, Text: owner.Text, Hidden: owner.Hidden})
		}
		backlinks = append(backlinks, Backlink{
			SourceID:   paragraph.ID,
			SourceKind: KindParagraph,
			Text:       paragraph.Text,
			Path:       path,
		})
	}
	return backlinks, nil
}
