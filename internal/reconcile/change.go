package reconcile

import (
	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"github.com/MarcoPoloResearchLab/potshelf/internal/documents"
	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
)

// ChangeKind is the kind of a change notification.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Target is one changed document with the pending deltas that arrived with it.
type Target[T any] struct {
	Projection T             `json:"projection"`
	Deltas     []delta.Delta `json:"deltas,omitempty"`
}

// Change is a committed change to documents of one kind in one pot. Insert and
// update changes carry Targets; delete changes carry only IDs.
type Change[T any] struct {
	Kind    ChangeKind   `json:"kind"`
	PotID   string       `json:"pot_id"`
	Targets []Target[T]  `json:"targets,omitempty"`
	IDs     []string     `json:"ids,omitempty"`
	Origin  oplog.Origin `json:"origin"`
}

// OutlineChange and ParagraphChange are the two notification types published.
type (
	OutlineChange   = Change[documents.OutlineView]
	ParagraphChange = Change[documents.ParagraphView]
)

type changeKey struct {
	kind  ChangeKind
	potID string
}

// changeSet groups changes by kind and pot, preserving first-seen order.
type changeSet[T any] struct {
	origin  oplog.Origin
	order   []changeKey
	changes map[changeKey]*Change[T]
}

func newChangeSet[T any](origin oplog.Origin) *changeSet[T] {
	return &changeSet[T]{origin: origin, changes: make(map[changeKey]*Change[T])}
}

func (set *changeSet[T]) entry(kind ChangeKind, potID string) *Change[T] {
	key := changeKey{kind: kind, potID: potID}
	change, ok := set.changes[key]
	if !ok {
		change = &Change[T]{Kind: kind, PotID: potID, Origin: set.origin}
		set.changes[key] = change
		set.order = append(set.order, key)
	}
	return change
}

func (set *changeSet[T]) addTarget(kind ChangeKind, potID string, projection T, deltas []delta.Delta) {
	change := set.entry(kind, potID)
	change.Targets = append(change.Targets, Target[T]{Projection: projection, Deltas: deltas})
}

func (set *changeSet[T]) addDeleted(potID, documentID string) {
	change := set.entry(ChangeDelete, potID)
	change.IDs = append(change.IDs, documentID)
}

func (set *changeSet[T]) list() []Change[T] {
	changes := make([]Change[T], 0, len(set.order))
	for _, key := range set.order {
		changes = append(changes, *set.changes[key])
	}
	return changes
}
