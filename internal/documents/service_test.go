package documents

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
	"github.com/MarcoPoloResearchLab/potshelf/internal/svcerr"
)

func TestPlainTextStripsMarkdown(testContext *testing.T) {
	body := "# Title\n\nSome *bold* text with `code`.\n\n- item one\n- item two\n"
	if got := PlainText(body); got != "Title Some bold text with code. item one item two" {
		testContext.Fatalf("unexpected plain text %q", got)
	}
	if got := PlainText(""); got != "" {
		testContext.Fatalf("expected empty text, got %q", got)
	}
}

func TestCreateOutlineLogsInsertAndSubmits(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "work")

	outlineID := fixture.mustOutline(testContext, potID, nil, "Quarterly *plan*")

	entries := fixture.logEntries(testContext)
	if len(entries) != 1 {
		testContext.Fatalf("expected one log row, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Table != TableOutlines || entry.TargetID != outlineID || entry.Op != oplog.KindInsert {
		testContext.Fatalf("unexpected log entry: %#v", entry)
	}
	if entry.PotID() != potID || entry.Deleted() {
		testContext.Fatalf("unexpected insert status: %#v", entry.Status)
	}

	batch := fixture.submitter.last()
	if len(batch.RowIDs) != 1 || batch.RowIDs[0] != entry.RowID {
		testContext.Fatalf("expected submitted batch with row %d, got %#v", entry.RowID, batch.RowIDs)
	}
	if batch.Origin != oplog.LocalOrigin("session-1") {
		testContext.Fatalf("unexpected origin %v", batch.Origin)
	}

	var outline Outline
	if err := fixture.db.Where("id = ?", outlineID).Take(&outline).Error; err != nil {
		testContext.Fatalf("failed to load outline: %v", err)
	}
	if outline.Text != "Quarterly plan" {
		testContext.Fatalf("unexpected outline text %q", outline.Text)
	}
	pending, err := fixture.deltas.Pending(fixture.db, []string{outlineID})
	if err != nil {
		testContext.Fatalf("pending failed: %v", err)
	}
	if len(pending[outlineID]) != 1 {
		testContext.Fatalf("expected one pending delta for the new outline")
	}
}

func TestCreateOutlineRejectsParentFromAnotherPot(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	firstPot := fixture.mustPot(testContext, "first")
	secondPot := fixture.mustPot(testContext, "second")
	foreignParent := fixture.mustOutline(testContext, secondPot, nil, "elsewhere")

	_, err := fixture.service.CreateOutline(context.Background(), oplog.RemoteOrigin(), OutlineInput{
		PotID:    firstPot,
		ParentID: &foreignParent,
		Body:     "child",
	})
	if !errors.Is(err, ErrInvalidParent) {
		testContext.Fatalf("expected ErrInvalidParent, got %v", err)
	}

	_, err = fixture.service.CreateOutline(context.Background(), oplog.RemoteOrigin(), OutlineInput{PotID: "missing", Body: "x"})
	if !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected ErrNotFound for unknown pot, got %v", err)
	}
}

func TestUpdateRejectsCycles(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "tree")
	rootID := fixture.mustOutline(testContext, potID, nil, "root")
	childID := fixture.mustOutline(testContext, potID, &rootID, "child")
	grandchildID := fixture.mustOutline(testContext, potID, &childID, "grandchild")

	err := fixture.service.Update(context.Background(), oplog.RemoteOrigin(), KindOutline, rootID, Patch{
		Parent: &ParentRef{ID: &grandchildID},
	})
	if !errors.Is(err, ErrCycle) {
		testContext.Fatalf("expected ErrCycle for descendant parent, got %v", err)
	}
	err = fixture.service.Update(context.Background(), oplog.RemoteOrigin(), KindOutline, rootID, Patch{
		Parent: &ParentRef{ID: &rootID},
	})
	if !errors.Is(err, ErrCycle) {
		testContext.Fatalf("expected ErrCycle for self parent, got %v", err)
	}

	err = fixture.service.Update(context.Background(), oplog.RemoteOrigin(), KindOutline, grandchildID, Patch{
		Parent: &ParentRef{ID: nil},
	})
	if err != nil {
		testContext.Fatalf("detach failed: %v", err)
	}
	var grandchild Outline
	if err := fixture.db.Where("id = ?", grandchildID).Take(&grandchild).Error; err != nil {
		testContext.Fatalf("failed to load outline: %v", err)
	}
	if grandchild.ParentID != nil {
		testContext.Fatalf("expected detached outline to have no parent")
	}
}

func TestUpdateBodyRecordsDeltaAndLogsUpdate(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "pot")
	outlineID := fixture.mustOutline(testContext, potID, nil, "before")
	paragraphID := fixture.mustParagraph(testContext, outlineID, "first")

	body := "after **edit**"
	hidden := true
	if err := fixture.service.Update(context.Background(), oplog.RemoteOrigin(), KindParagraph, paragraphID, Patch{
		Body:   &body,
		Hidden: &hidden,
	}); err != nil {
		testContext.Fatalf("update failed: %v", err)
	}

	views, err := LoadParagraphViews(fixture.db, []string{paragraphID})
	if err != nil {
		testContext.Fatalf("load views failed: %v", err)
	}
	view := views[paragraphID]
	if view.Text != "after edit" || !view.Hidden || view.PotID != potID {
		testContext.Fatalf("unexpected paragraph view: %#v", view)
	}
	pending, err := fixture.deltas.Pending(fixture.db, []string{paragraphID})
	if err != nil {
		testContext.Fatalf("pending failed: %v", err)
	}
	if len(pending[paragraphID]) != 2 {
		testContext.Fatalf("expected two pending deltas, got %d", len(pending[paragraphID]))
	}

	entries := fixture.logEntries(testContext)
	last := entries[len(entries)-1]
	if last.Op != oplog.KindUpdate || last.TargetID != paragraphID || last.Deleted() {
		testContext.Fatalf("unexpected update entry: %#v", last)
	}

	err = fixture.service.Update(context.Background(), oplog.RemoteOrigin(), KindParagraph, paragraphID, Patch{
		Parent: &ParentRef{},
	})
	if !errors.Is(err, ErrInvalidInput) {
		testContext.Fatalf("expected ErrInvalidInput for paragraph parent patch, got %v", err)
	}
}

func TestSoftDeleteCascadesOnlyWhenAsked(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "pot")
	soloID := fixture.mustOutline(testContext, potID, nil, "solo")
	fixture.mustOutline(testContext, potID, &soloID, "solo child")
	parentID := fixture.mustOutline(testContext, potID, nil, "parent")
	childID := fixture.mustOutline(testContext, potID, &parentID, "child")
	paragraphID := fixture.mustParagraph(testContext, childID, "leaf")

	if err := fixture.service.SoftDelete(context.Background(), oplog.RemoteOrigin(), KindOutline, soloID, false); err != nil {
		testContext.Fatalf("soft delete failed: %v", err)
	}
	batch := fixture.submitter.last()
	if len(batch.RowIDs) != 1 {
		testContext.Fatalf("expected a single logged row without cascade, got %d", len(batch.RowIDs))
	}
	if err := fixture.service.SoftDelete(context.Background(), oplog.RemoteOrigin(), KindOutline, soloID, false); !errors.Is(err, ErrDeleted) {
		testContext.Fatalf("expected ErrDeleted on second delete, got %v", err)
	}

	if err := fixture.service.SoftDelete(context.Background(), oplog.RemoteOrigin(), KindOutline, parentID, true); err != nil {
		testContext.Fatalf("cascading soft delete failed: %v", err)
	}
	batch = fixture.submitter.last()
	entries, err := oplog.Fetch(fixture.db, batch.RowIDs)
	if err != nil {
		testContext.Fatalf("fetch failed: %v", err)
	}
	targets := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Deleted() {
			testContext.Fatalf("expected deleted status on %s", entry.TargetID)
		}
		targets = append(targets, entry.TargetID)
	}
	expected := []string{parentID, childID, paragraphID}
	sort.Strings(targets)
	sort.Strings(expected)
	if len(targets) != len(expected) {
		testContext.Fatalf("expected cascade over %v, got %v", expected, targets)
	}
	for index := range expected {
		if targets[index] != expected[index] {
			testContext.Fatalf("expected cascade over %v, got %v", expected, targets)
		}
	}
}

func TestSoftDeleteHidesPendingInsert(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "pot")
	outlineID := fixture.mustOutline(testContext, potID, nil, "ephemeral")

	if err := fixture.service.SoftDelete(context.Background(), oplog.RemoteOrigin(), KindOutline, outlineID, false); err != nil {
		testContext.Fatalf("soft delete failed: %v", err)
	}
	entries := fixture.logEntries(testContext)
	if len(entries) != 2 {
		testContext.Fatalf("expected insert and update rows, got %d", len(entries))
	}
	if entries[0].Op != oplog.KindInsert || !entries[0].Deleted() {
		testContext.Fatalf("expected pending insert to be marked deleted: %#v", entries[0])
	}
}

func TestHardDeleteRemovesSubtreeAndLinks(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "pot")
	rootID := fixture.mustOutline(testContext, potID, nil, "root")
	childID := fixture.mustOutline(testContext, potID, &rootID, "child")
	paragraphID := fixture.mustParagraph(testContext, childID, "inside")
	outsideID := fixture.mustOutline(testContext, potID, nil, "outside")
	linkerID := fixture.mustParagraph(testContext, outsideID, "points in", childID)

	if err := fixture.service.HardDelete(context.Background(), oplog.RemoteOrigin(), KindOutline, rootID); err != nil {
		testContext.Fatalf("hard delete failed: %v", err)
	}

	var remaining int64
	if err := fixture.db.Model(&Outline{}).Where("id IN ?", []string{rootID, childID}).Count(&remaining).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		testContext.Fatalf("expected subtree outlines removed, %d remain", remaining)
	}
	if err := fixture.db.Model(&Paragraph{}).Where("id = ?", paragraphID).Count(&remaining).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		testContext.Fatalf("expected owned paragraph removed")
	}
	if err := fixture.db.Model(&Link{}).Where("source_id = ?", linkerID).Count(&remaining).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		testContext.Fatalf("expected links into the removed subtree to be dropped")
	}

	entries, err := oplog.Fetch(fixture.db, fixture.submitter.last().RowIDs)
	if err != nil {
		testContext.Fatalf("fetch failed: %v", err)
	}
	if len(entries) != 3 {
		testContext.Fatalf("expected three delete rows, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Op != oplog.KindDelete || entry.PotID() != potID {
			testContext.Fatalf("unexpected delete entry: %#v", entry)
		}
	}
}

func TestLinksAreReplacedByDiffAndFeedBacklinks(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "pot")
	ownerID := fixture.mustOutline(testContext, potID, nil, "Owner")
	firstTarget := fixture.mustOutline(testContext, potID, nil, "first")
	secondTarget := fixture.mustOutline(testContext, potID, nil, "second")
	thirdTarget := fixture.mustOutline(testContext, potID, nil, "third")
	paragraphID := fixture.mustParagraph(testContext, ownerID, "linker", firstTarget, secondTarget)

	links := []string{secondTarget, thirdTarget}
	if err := fixture.service.Update(context.Background(), oplog.RemoteOrigin(), KindParagraph, paragraphID, Patch{Links: &links}); err != nil {
		testContext.Fatalf("update links failed: %v", err)
	}

	var stored []string
	if err := fixture.db.Model(&Link{}).Where("source_id = ?", paragraphID).Order("target_id ASC").Pluck("target_id", &stored).Error; err != nil {
		testContext.Fatalf("load links failed: %v", err)
	}
	sort.Strings(links)
	if len(stored) != 2 || stored[0] != links[0] || stored[1] != links[1] {
		testContext.Fatalf("expected links %v, got %v", links, stored)
	}

	backlinks, err := fixture.service.Backlinks(context.Background(), secondTarget)
	if err != nil {
		testContext.Fatalf("backlinks failed: %v", err)
	}
	if len(backlinks) != 1 || backlinks[0].SourceID != paragraphID || backlinks[0].SourceKind != KindParagraph {
		testContext.Fatalf("unexpected backlinks: %#v", backlinks)
	}
	if len(backlinks[0].Path) != 1 || backlinks[0].Path[0].ID != ownerID || backlinks[0].Path[0].Text != "Owner" {
		testContext.Fatalf("expected backlink path through the owner outline, got %#v", backlinks[0].Path)
	}

	empty, err := fixture.service.Backlinks(context.Background(), firstTarget)
	if err != nil {
		testContext.Fatalf("backlinks failed: %v", err)
	}
	if len(empty) != 0 {
		testContext.Fatalf("expected no backlinks after link removal, got %#v", empty)
	}

	bogus := []string{"missing"}
	err = fixture.service.Update(context.Background(), oplog.RemoteOrigin(), KindParagraph, paragraphID, Patch{Links: &bogus})
	if !errors.Is(err, ErrInvalidLink) {
		testContext.Fatalf("expected ErrInvalidLink, got %v", err)
	}
}

func TestSubtreeCoversLiveDocuments(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "pot")
	rootID := fixture.mustOutline(testContext, potID, nil, "root")
	childID := fixture.mustOutline(testContext, potID, &rootID, "child")
	deletedID := fixture.mustOutline(testContext, potID, &childID, "gone")
	paragraphID := fixture.mustParagraph(testContext, childID, "leaf")
	if err := fixture.service.SoftDelete(context.Background(), oplog.RemoteOrigin(), KindOutline, deletedID, false); err != nil {
		testContext.Fatalf("soft delete failed: %v", err)
	}

	subtree, err := TreeResolver{}.Subtree(fixture.db, rootID)
	if err != nil {
		testContext.Fatalf("subtree failed: %v", err)
	}
	if subtree.PotID != potID {
		testContext.Fatalf("unexpected pot %q", subtree.PotID)
	}
	covered := make(map[string]bool)
	for _, documentID := range subtree.DocumentIDs {
		covered[documentID] = true
	}
	if !covered[rootID] || !covered[childID] || !covered[paragraphID] || covered[deletedID] {
		testContext.Fatalf("unexpected subtree documents: %v", subtree.DocumentIDs)
	}

	leafSubtree, err := TreeResolver{}.Subtree(fixture.db, paragraphID)
	if err != nil {
		testContext.Fatalf("paragraph subtree failed: %v", err)
	}
	if len(leafSubtree.DocumentIDs) != 1 || leafSubtree.DocumentIDs[0] != paragraphID {
		testContext.Fatalf("expected paragraph subtree to be itself, got %v", leafSubtree.DocumentIDs)
	}

	if _, err := (TreeResolver{}).Subtree(fixture.db, "missing"); !errors.Is(err, delta.ErrDocumentNotFound) {
		testContext.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestCreateParagraphFreezesQuotedVersion(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "pot")
	outlineID := fixture.mustOutline(testContext, potID, nil, "owner")
	quotedID := fixture.mustParagraph(testContext, outlineID, "quoted words")

	versionID, err := fixture.deltas.SealVersion(context.Background(), quotedID)
	if err != nil {
		testContext.Fatalf("seal failed: %v", err)
	}
	quoteID, err := fixture.service.CreateParagraph(context.Background(), oplog.RemoteOrigin(), ParagraphInput{
		OutlineID: outlineID,
		Body:      "see above",
		Quote:     &QuoteRef{ParagraphID: quotedID, VersionID: versionID},
	})
	if err != nil {
		testContext.Fatalf("create quoting paragraph failed: %v", err)
	}

	views, err := LoadParagraphViews(fixture.db, []string{quoteID})
	if err != nil {
		testContext.Fatalf("load views failed: %v", err)
	}
	quote := views[quoteID].Quote
	if quote == nil || quote.ParagraphID != quotedID || quote.VersionID != versionID {
		testContext.Fatalf("unexpected quote view: %#v", quote)
	}
	if quote.Text != "quoted words" {
		testContext.Fatalf("unexpected frozen quote text %q", quote.Text)
	}
	if quoted := QuotedParagraphIDs(views); len(quoted) != 1 || quoted[0] != quotedID {
		testContext.Fatalf("unexpected quoted ids %v", quoted)
	}

	_, err = fixture.service.CreateParagraph(context.Background(), oplog.RemoteOrigin(), ParagraphInput{
		OutlineID: outlineID,
		Body:      "bad quote",
		Quote:     &QuoteRef{ParagraphID: quotedID, VersionID: "unsealed"},
	})
	if !errors.Is(err, ErrInvalidQuote) {
		testContext.Fatalf("expected ErrInvalidQuote, got %v", err)
	}
}

func TestSubmitFailureKeepsCommittedWrite(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "pot")
	fixture.submitter.err = oplog.ErrQueueClosed

	outlineID, err := fixture.service.CreateOutline(context.Background(), oplog.RemoteOrigin(), OutlineInput{PotID: potID, Body: "kept"})
	if !errors.Is(err, oplog.ErrQueueClosed) {
		testContext.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if !svcerr.HasReason(err, reasonSubmitFailed) {
		testContext.Fatalf("expected submit_failed code, got %q", svcerr.CodeOf(err))
	}
	if outlineID == "" {
		testContext.Fatalf("expected committed outline id alongside the submit error")
	}
	if entries := fixture.logEntries(testContext); len(entries) != 1 {
		testContext.Fatalf("expected the log row to stay for replay, got %d", len(entries))
	}
}

func TestReseedAppendsLiveDocuments(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	potID := fixture.mustPot(testContext, "pot")
	outlineID := fixture.mustOutline(testContext, potID, nil, "kept")
	fixture.mustParagraph(testContext, outlineID, "leaf")
	goneID := fixture.mustOutline(testContext, potID, nil, "gone")
	if err := fixture.service.SoftDelete(context.Background(), oplog.RemoteOrigin(), KindOutline, goneID, false); err != nil {
		testContext.Fatalf("soft delete failed: %v", err)
	}
	if err := oplog.Consume(fixture.db, rowIDsOf(fixture.logEntries(testContext))); err != nil {
		testContext.Fatalf("consume failed: %v", err)
	}

	appended, err := fixture.service.Reseed(context.Background())
	if err != nil {
		testContext.Fatalf("reseed failed: %v", err)
	}
	if appended != 2 {
		testContext.Fatalf("expected two reseeded rows, got %d", appended)
	}
	entries := fixture.logEntries(testContext)
	if entries[0].Table != TableOutlines || entries[1].Table != TableParagraphs {
		testContext.Fatalf("expected outlines before paragraphs, got %s then %s", entries[0].Table, entries[1].Table)
	}
}

func TestForestDescendantsToleratesCycles(testContext *testing.T) {
	fixture := newDocumentsFixture(testContext)
	first := "cycle-a"
	second := "cycle-b"
	rows := []Outline{
		{ID: first, PotID: "pot-cycle", ParentID: &second},
		{ID: second, PotID: "pot-cycle", ParentID: &first},
	}
	if err := fixture.db.Create(&rows).Error; err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	forest, err := LoadForest(fixture.db, []string{first})
	if err != nil {
		testContext.Fatalf("load forest failed: %v", err)
	}
	descendants := forest.Descendants(first)
	if len(descendants) != 1 || descendants[0] != second {
		testContext.Fatalf("expected a single descendant, got %v", descendants)
	}
}

func rowIDsOf(entries []oplog.Entry) []int64 {
	rowIDs := make([]int64, 0, len(entries))
	for _, entry := range entries {
		rowIDs = append(rowIDs, entry.RowID)
	}
	return rowIDs
}
