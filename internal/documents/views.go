package documents

import (
	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"gorm.io/gorm"
)

// OutlineView is the read projection of a live outline.
type OutlineView struct {
	ID               string      `json:"id"`
	PotID            string      `json:"pot_id"`
	ParentID         *string     `json:"parent_id,omitempty"`
	Text             string      `json:"text"`
	Hidden           bool        `json:"hidden"`
	Path             []PathEntry `json:"path"`
	CreatedAtSeconds int64       `json:"created_at_s"`
	UpdatedAtSeconds int64       `json:"updated_at_s"`
}

// QuoteView is the frozen content of a quoted paragraph. Latest reports whether
// VersionID is still the newest sealed version of the quoted paragraph. Text is
// the readable projection of Doc, empty when Doc is not a register document.
type QuoteView struct {
	ParagraphID string `json:"paragraph_id"`
	VersionID   string `json:"version_id"`
	Doc         []byte `json:"doc"`
	Text        string `json:"text"`
	Latest      bool   `json:"latest"`
}

// ParagraphView is the read projection of a live paragraph.
type ParagraphView struct {
	ID               string     `json:"id"`
	PotID            string     `json:"pot_id"`
	OutlineID        string     `json:"outline_id"`
	ParentID         *string    `json:"parent_id,omitempty"`
	Text             string     `json:"text"`
	Hidden           bool       `json:"hidden"`
	Quote            *QuoteView `json:"quote,omitempty"`
	CreatedAtSeconds int64      `json:"created_at_s"`
	UpdatedAtSeconds int64      `json:"updated_at_s"`
}

// LoadOutlineViews projects the live outlines among ids. Deleted and missing ids
// are absent from the result.
func LoadOutlineViews(tx *gorm.DB, outlineIDs []string) (map[string]OutlineView, error) {
	views := make(map[string]OutlineView, len(outlineIDs))
	if len(outlineIDs) == 0 {
		return views, nil
	}
	var outlines []Outline
	if err := tx.Where("id IN ? AND is_deleted = ?", outlineIDs, false).Find(&outlines).Error; err != nil {
		return nil, err
	}
	for _, outline := range outlines {
		path := outline.Path.Data()
		if path == nil {
			path = []PathEntry{}
		}
		views[outline.ID] = OutlineView{
			ID:               outline.ID,
			PotID:            outline.PotID,
			ParentID:         outline.ParentID,
			Text:             outline.Text,
			Hidden:           outline.Hidden,
			Path:             path,
			CreatedAtSeconds: outline.CreatedAtSeconds,
			UpdatedAtSeconds: outline.UpdatedAtSeconds,
		}
	}
	return views, nil
}

// LoadParagraphViews projects the live paragraphs among ids. Quote.Latest is
// left false; callers resolve it against the latest sealed versions.
func LoadParagraphViews(tx *gorm.DB, paragraphIDs []string) (map[string]ParagraphView, error) {
	views := make(map[string]ParagraphView, len(paragraphIDs))
	if len(paragraphIDs) == 0 {
		return views, nil
	}
	var paragraphs []Paragraph
	if err := tx.Where("id IN ? AND is_deleted = ?", paragraphIDs, false).Find(&paragraphs).Error; err != nil {
		return nil, err
	}
	potOf, err := potsOfOutlines(tx, paragraphs)
	if err != nil {
		return nil, err
	}
	for _, paragraph := range paragraphs {
		view := ParagraphView{
			ID:               paragraph.ID,
			PotID:            potOf[paragraph.OutlineID],
			OutlineID:        paragraph.OutlineID,
			ParentID:         paragraph.ParentID,
			Text:             paragraph.Text,
			Hidden:           paragraph.Hidden,
			CreatedAtSeconds: paragraph.CreatedAtSeconds,
			UpdatedAtSeconds: paragraph.UpdatedAtSeconds,
		}
		if paragraph.QuoteID != nil && paragraph.QuoteVersionID != nil {
			view.Quote = &QuoteView{
				ParagraphID: *paragraph.QuoteID,
				VersionID:   *paragraph.QuoteVersionID,
				Doc:         paragraph.QuoteDoc,
			}
			if text, err := delta.RegisterText(paragraph.QuoteDoc); err == nil {
				view.Quote.Text = text
			}
		}
		views[paragraph.ID] = view
	}
	return views, nil
}

func potsOfOutlines(tx *gorm.DB, paragraphs []Paragraph) (map[string]string, error) {
	outlineIDs := make([]string, 0, len(paragraphs))
	for _, paragraph := range paragraphs {
		outlineIDs = append(outlineIDs, paragraph.OutlineID)
	}
	potOf := make(map[string]string, len(outlineIDs))
	if len(outlineIDs) == 0 {
		return potOf, nil
	}
	var owners []Outline
	if err := tx.Select("id", "pot_id").Where("id IN ?", outlineIDs).Find(&owners).Error; err != nil {
		return nil, err
	}
	for _, owner := range owners {
		potOf[owner.ID] = owner.PotID
	}
	return potOf, nil
}

// QuotedParagraphIDs lists the distinct paragraphs quoted by the given views.
func QuotedParagraphIDs(views map[string]ParagraphView) []string {
	seen := make(map[string]struct{})
	quoted := make([]string, 0)
	for _, view := range views {
		if view.Quote == nil {
			continue
		}
		if _, ok := seen[view.Quote.ParagraphID]; ok {
			continue
		}
		seen[view.Quote.ParagraphID] = struct{}{}
		quoted = append(quoted, view.Quote.ParagraphID)
	}
	return quoted
}
