package documents

import (
	"sort"

	"gorm.io/gorm"
)

// Forest is an in-memory adjacency map of every outline in a set of pots,
// loaded with one query so tree walks never hit the database per level.
type Forest struct {
	nodes    map[string]Outline
	children map[string][]string
}

// LoadForest loads all outlines, deleted ones included, of the pots that own
// any of the given outline ids.
func LoadForest(tx *gorm.DB, outlineIDs []string) (*Forest, error) {
	forest := &Forest{
		nodes:    make(map[string]Outline),
		children: make(map[string][]string),
	}
	if len(outlineIDs) == 0 {
		return forest, nil
	}
	var outlines []Outline
	potScope := tx.Model(&Outline{}).Select("pot_id").Where("id IN ?", outlineIDs)
	if err := tx.Where("pot_id IN (?)", potScope).Order("id ASC").Find(&outlines).Error; err != nil {
		return nil, err
	}
	for _, outline := range outlines {
		forest.nodes[outline.ID] = outline
		if outline.ParentID != nil {
			forest.children[*outline.ParentID] = append(forest.children[*outline.ParentID], outline.ID)
		}
	}
	return forest, nil
}

// Get returns the outline with the given id.
func (forest *Forest) Get(outlineID string) (Outline, bool) {
	outline, ok := forest.nodes[outlineID]
	return outline, ok
}

// Children returns the direct children of an outline, deleted ones included.
func (forest *Forest) Children(outlineID string) []string {
	return forest.children[outlineID]
}

// Descendants returns every outline below the given roots, excluding the roots
// themselves, in breadth-first order. Cycles in stored data are tolerated.
func (forest *Forest) Descendants(rootIDs ...string) []string {
	visited := make(map[string]struct{}, len(rootIDs))
	for _, rootID := range rootIDs {
		visited[rootID] = struct{}{}
	}
	queue := append([]string(nil), rootIDs...)
	descendants := make([]string, 0)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, childID := range forest.children[current] {
			if _, seen := visited[childID]; seen {
				continue
			}
			visited[childID] = struct{}{}
			descendants = append(descendants, childID)
			queue = append(queue, childID)
		}
	}
	return descendants
}

// IDs returns every outline id in the forest, sorted.
func (forest *Forest) IDs() []string {
	ids := make([]string, 0, len(forest.nodes))
	for id := range forest.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
