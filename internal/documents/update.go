package documents

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
	"github.com/MarcoPoloResearchLab/potshelf/internal/svcerr"
	"gorm.io/gorm"
)

// ParentRef reassigns an outline's parent. A nil ID detaches it to the top level.
type ParentRef struct {
	ID *string
}

// Patch lists the fields an update changes; nil fields are left untouched.
// Parent applies to outlines, OutlineID moves a paragraph to another outline.
type Patch struct {
	Body      *string
	Hidden    *bool
	Parent    *ParentRef
	OutlineID *string
	Links     *[]string
}

// Update applies a patch to a live document.
func (service *Service) Update(ctx context.Context, origin oplog.Origin, kind Kind, documentID string, patch Patch) error {
	if kind == KindOutline && patch.OutlineID != nil {
		return svcerr.New(opUpdate, reasonInvalidInput, ErrInvalidInput)
	}
	if kind == KindParagraph && patch.Parent != nil {
		return svcerr.New(opUpdate, reasonInvalidInput, ErrInvalidInput)
	}
	return service.write(ctx, opUpdate, origin, func(tx *gorm.DB, now time.Time) ([]oplog.Record, error) {
		if kind == KindOutline {
			return service.updateOutline(tx, origin, documentID, patch, now)
		}
		return service.updateParagraph(tx, origin, documentID, patch, now)
	})
}

func (service *Service) updateOutline(tx *gorm.DB, origin oplog.Origin, outlineID string, patch Patch, now time.Time) ([]oplog.Record, error) {
	outline, err := loadOutline(tx, outlineID)
	if err != nil {
		return nil, lookupError(opUpdate, err)
	}
	if outline.IsDeleted {
		return nil, svcerr.New(opUpdate, reasonDeleted, ErrDeleted)
	}

	updates := map[string]interface{}{"updated_at_s": now.Unix()}
	if patch.Body != nil {
		doc, err := service.applyBody(tx, origin, outlineID, *patch.Body, now)
		if err != nil {
			return nil, err
		}
		updates["doc"] = doc
		updates["text"] = PlainText(*patch.Body)
	}
	if patch.Hidden != nil {
		updates["hidden"] = *patch.Hidden
	}
	if patch.Parent != nil {
		if err := checkParent(tx, outline, patch.Parent.ID); err != nil {
			return nil, err
		}
		updates["parent_id"] = patch.Parent.ID
	}
	if patch.Links != nil {
		if err := replaceLinks(tx, outline.PotID, outlineID, KindOutline, *patch.Links); err != nil {
			return nil, svcerr.New(opUpdate, reasonInvalidLink, err)
		}
	}
	if err := tx.Model(&Outline{}).Where("id = ?", outlineID).Updates(updates).Error; err != nil {
		return nil, svcerr.New(opUpdate, reasonStorageFailed, err)
	}
	return []oplog.Record{{
		Table:    TableOutlines,
		TargetID: outlineID,
		Status:   oplog.UpdateStatus{PotID: outline.PotID},
	}}, nil
}

// checkParent rejects parents outside the pot, deleted parents, and any
// assignment that would place an outline below itself.
func checkParent(tx *gorm.DB, outline Outline, parentID *string) error {
	if parentID == nil {
		return nil
	}
	if *parentID == outline.ID {
		return svcerr.New(opUpdate, reasonCycle, ErrCycle)
	}
	forest, err := LoadForest(tx, []string{outline.ID})
	if err != nil {
		return svcerr.New(opUpdate, reasonStorageFailed, err)
	}
	parent, ok := forest.Get(*parentID)
	if !ok || parent.IsDeleted {
		return svcerr.New(opUpdate, reasonInvalidParent, ErrInvalidParent)
	}
	for _, descendantID := range forest.Descendants(outline.ID) {
		if descendantID == *parentID {
			return svcerr.New(opUpdate, reasonCycle, ErrCycle)
		}
	}
	return nil
}

func (service *Service) updateParagraph(tx *gorm.DB, origin oplog.Origin, paragraphID string, patch Patch, now time.Time) ([]oplog.Record, error) {
	paragraph, err := loadParagraph(tx, paragraphID)
	if err != nil {
		return nil, lookupError(opUpdate, err)
	}
	if paragraph.IsDeleted {
		return nil, svcerr.New(opUpdate, reasonDeleted, ErrDeleted)
	}
	owner, err := loadOutline(tx, paragraph.OutlineID)
	if err != nil {
		return nil, lookupError(opUpdate, err)
	}

	updates := map[string]interface{}{"updated_at_s": now.Unix()}
	if patch.Body != nil {
		doc, err := service.applyBody(tx, origin, paragraphID, *patch.Body, now)
		if err != nil {
			return nil, err
		}
		updates["doc"] = doc
		updates["text"] = PlainText(*patch.Body)
	}
	if patch.Hidden != nil {
		updates["hidden"] = *patch.Hidden
	}
	if patch.OutlineID != nil && *patch.OutlineID != paragraph.OutlineID {
		target, err := loadOutline(tx, *patch.OutlineID)
		if err != nil || target.PotID != owner.PotID || target.IsDeleted {
			return nil, svcerr.New(opUpdate, reasonInvalidParent, ErrInvalidParent)
		}
		updates["outline_id"] = target.ID
		updates["parent_id"] = nil
	}
	if patch.Links != nil {
		if err := replaceLinks(tx, owner.PotID, paragraphID, KindParagraph, *patch.Links); err != nil {
			return nil, svcerr.New(opUpdate, reasonInvalidLink, err)
		}
	}
	if err := tx.Model(&Paragraph{}).Where("id = ?", paragraphID).Updates(updates).Error; err != nil {
		return nil, svcerr.New(opUpdate, reasonStorageFailed, err)
	}
	return []oplog.Record{{
		Table:    TableParagraphs,
		TargetID: paragraphID,
		Status:   oplog.UpdateStatus{PotID: owner.PotID},
	}}, nil
}

func (service *Service) applyBody(tx *gorm.DB, origin oplog.Origin, documentID, body string, now time.Time) ([]byte, error) {
	doc, err := service.encodeBody(origin, body, now)
	if err != nil {
		return nil, svcerr.New(opUpdate, reasonInvalidInput, err)
	}
	if err := service.deltas.Record(tx, documentID, doc, now); err != nil {
		return nil, err
	}
	return doc, nil
}

// SoftDelete marks a document deleted. With cascade, an outline's live
// descendants and their paragraphs are deleted too.
func (service *Service) SoftDelete(ctx context.Context, origin oplog.Origin, kind Kind, documentID string, cascade bool) error {
	return service.write(ctx, opSoftDelete, origin, func(tx *gorm.DB, now time.Time) ([]oplog.Record, error) {
		if kind == KindParagraph {
			paragraph, err := loadParagraph(tx, documentID)
			if err != nil {
				return nil, lookupError(opSoftDelete, err)
			}
			if paragraph.IsDeleted {
				return nil, svcerr.New(opSoftDelete, reasonDeleted, ErrDeleted)
			}
			owner, err := loadOutline(tx, paragraph.OutlineID)
			if err != nil {
				return nil, lookupError(opSoftDelete, err)
			}
			return markParagraphsDeleted(tx, owner.PotID, []string{documentID}, now)
		}

		outline, err := loadOutline(tx, documentID)
		if err != nil {
			return nil, lookupError(opSoftDelete, err)
		}
		if outline.IsDeleted {
			return nil, svcerr.New(opSoftDelete, reasonDeleted, ErrDeleted)
		}
		outlineIDs := []string{documentID}
		if cascade {
			forest, err := LoadForest(tx, outlineIDs)
			if err != nil {
				return nil, svcerr.New(opSoftDelete, reasonStorageFailed, err)
			}
			for _, descendantID := range forest.Descendants(documentID) {
				if descendant, ok := forest.Get(descendantID); ok && !descendant.IsDeleted {
					outlineIDs = append(outlineIDs, descendantID)
				}
			}
		}
		if err := tx.Model(&Outline{}).Where("id IN ?", outlineIDs).
			Updates(map[string]interface{}{"is_deleted": true, "updated_at_s": now.Unix()}).Error; err != nil {
			return nil, svcerr.New(opSoftDelete, reasonStorageFailed, err)
		}
		records := make([]oplog.Record, 0, len(outlineIDs))
		for _, outlineID := range outlineIDs {
			records = append(records, oplog.Record{
				Table:    TableOutlines,
				TargetID: outlineID,
				Status:   oplog.UpdateStatus{Deleted: true, PotID: outline.PotID},
			})
		}
		if !cascade {
			return records, nil
		}

		var paragraphIDs []string
		if err := tx.Model(&Paragraph{}).Where("outline_id IN ? AND is_deleted = ?", outlineIDs, false).
			Order("id ASC").Pluck("id", &paragraphIDs).Error; err != nil {
			return nil, svcerr.New(opSoftDelete, reasonStorageFailed, err)
		}
		paragraphRecords, err := markParagraphsDeleted(tx, outline.PotID, paragraphIDs, now)
		if err != nil {
			return nil, err
		}
		return append(records, paragraphRecords...), nil
	})
}

func markParagraphsDeleted(tx *gorm.DB, potID string, paragraphIDs []string, now time.Time) ([]oplog.Record, error) {
	if len(paragraphIDs) == 0 {
		return nil, nil
	}
	if err := tx.Model(&Paragraph{}).Where("id IN ?", paragraphIDs).
		Updates(map[string]interface{}{"is_deleted": true, "updated_at_s": now.Unix()}).Error; err != nil {
		return nil, svcerr.New(opSoftDelete, reasonStorageFailed, err)
	}
	records := make([]oplog.Record, 0, len(paragraphIDs))
	for _, paragraphID := range paragraphIDs {
		records = append(records, oplog.Record{
			Table:    TableParagraphs,
			TargetID: paragraphID,
			Status:   oplog.UpdateStatus{Deleted: true, PotID: potID},
		})
	}
	return records, nil
}

// HardDelete physically removes a document. For an outline the whole subtree and
// every paragraph in it go too, so no paragraph is left without its owner.
func (service *Service) HardDelete(ctx context.Context, origin oplog.Origin, kind Kind, documentID string) error {
	return service.write(ctx, opHardDelete, origin, func(tx *gorm.DB, now time.Time) ([]oplog.Record, error) {
		var (
			potID        string
			outlineIDs   []string
			paragraphIDs []string
		)
		if kind == KindParagraph {
			paragraph, err := loadParagraph(tx, documentID)
			if err != nil {
				return nil, lookupError(opHardDelete, err)
			}
			owner, err := loadOutline(tx, paragraph.OutlineID)
			if err != nil {
				return nil, lookupError(opHardDelete, err)
			}
			potID = owner.PotID
			paragraphIDs = []string{documentID}
		} else {
			outline, err := loadOutline(tx, documentID)
			if err != nil {
				return nil, lookupError(opHardDelete, err)
			}
			forest, err := LoadForest(tx, []string{documentID})
			if err != nil {
				return nil, svcerr.New(opHardDelete, reasonStorageFailed, err)
			}
			potID = outline.PotID
			outlineIDs = append([]string{documentID}, forest.Descendants(documentID)...)
			if err := tx.Model(&Paragraph{}).Where("outline_id IN ?", outlineIDs).
				Order("id ASC").Pluck("id", &paragraphIDs).Error; err != nil {
				return nil, svcerr.New(opHardDelete, reasonStorageFailed, err)
			}
		}

		removed := append(append([]string(nil), outlineIDs...), paragraphIDs...)
		records, err := detachParagraphChildren(tx, potID, paragraphIDs, now)
		if err != nil {
			return nil, err
		}
		if err := tx.Where("source_id IN ? OR target_id IN ?", removed, removed).Delete(&Link{}).Error; err != nil {
			return nil, svcerr.New(opHardDelete, reasonStorageFailed, err)
		}
		if err := tx.Where("document_id IN ? AND version_id IS NULL", removed).Delete(&delta.Delta{}).Error; err != nil {
			return nil, svcerr.New(opHardDelete, reasonStorageFailed, err)
		}
		if len(paragraphIDs) > 0 {
			if err := tx.Where("id IN ?", paragraphIDs).Delete(&Paragraph{}).Error; err != nil {
				return nil, svcerr.New(opHardDelete, reasonStorageFailed, err)
			}
		}
		if len(outlineIDs) > 0 {
			if err := tx.Where("id IN ?", outlineIDs).Delete(&Outline{}).Error; err != nil {
				return nil, svcerr.New(opHardDelete, reasonStorageFailed, err)
			}
		}

		for _, outlineID := range outlineIDs {
			records = append(records, oplog.Record{Table: TableOutlines, TargetID: outlineID, Status: oplog.DeleteStatus{PotID: potID}})
		}
		for _, paragraphID := range paragraphIDs {
			records = append(records, oplog.Record{Table: TableParagraphs, TargetID: paragraphID, Status: oplog.DeleteStatus{PotID: potID}})
		}
		return records, nil
	})
}

// detachParagraphChildren lifts surviving child paragraphs of removed paragraphs
// to the top level of their outline. Only live children are logged.
func detachParagraphChildren(tx *gorm.DB, potID string, paragraphIDs []string, now time.Time) ([]oplog.Record, error) {
	if len(paragraphIDs) == 0 {
		return nil, nil
	}
	var liveChildIDs []string
	if err := tx.Model(&Paragraph{}).
		Where("parent_id IN ? AND id NOT IN ? AND is_deleted = ?", paragraphIDs, paragraphIDs, false).
		Order("id ASC").Pluck("id", &liveChildIDs).Error; err != nil {
		return nil, svcerr.New(opHardDelete, reasonStorageFailed, err)
	}
	if err := tx.Model(&Paragraph{}).Where("parent_id IN ? AND id NOT IN ?", paragraphIDs, paragraphIDs).
		Updates(map[string]interface{}{"parent_id": nil, "updated_at_s": now.Unix()}).Error; err != nil {
		return nil, svcerr.New(opHardDelete, reasonStorageFailed, err)
	}
	records := make([]oplog.Record, 0, len(liveChildIDs))
	for _, childID := range liveChildIDs {
		records = append(records, oplog.Record{
			Table:    TableParagraphs,
			TargetID: childID,
			Status:   oplog.UpdateStatus{PotID: potID},
		})
	}
	return records, nil
}
