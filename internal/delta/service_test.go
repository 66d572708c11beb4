package delta

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/potshelf/internal/ids"
	"github.com/MarcoPoloResearchLab/potshelf/internal/svcerr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticResolver struct {
	subtrees map[string]Subtree
}

func (resolver staticResolver) Subtree(_ *gorm.DB, rootID string) (Subtree, error) {
	subtree, ok := resolver.subtrees[rootID]
	if !ok {
		return Subtree{}, ErrDocumentNotFound
	}
	return subtree, nil
}

type tickingClock struct {
	current time.Time
}

func (clock *tickingClock) now() time.Time {
	clock.current = clock.current.Add(time.Second)
	return clock.current
}

func mustDeltaDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	dsn := fmt.Sprintf("file:delta_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&Delta{}, &Version{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := EnsureIndexes(database); err != nil {
		testContext.Fatalf("failed to ensure indexes: %v", err)
	}
	return database
}

func mustDeltaService(testContext *testing.T, database *gorm.DB, subtrees map[string]Subtree) *Service {
	testContext.Helper()
	clock := &tickingClock{current: time.Unix(1700000000, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database:   database,
		Merger:     NewLWWMerger(),
		Resolver:   staticResolver{subtrees: subtrees},
		IDProvider: ids.NewUUIDProvider(),
		Clock:      clock.now,
	})
	if err != nil {
		testContext.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustRecord(testContext *testing.T, service *Service, documentID string, at int64, registers ...Register) {
	testContext.Helper()
	payload := mustPayload(testContext, registers...)
	if err := service.Record(service.db, documentID, payload, time.UnixMilli(at)); err != nil {
		testContext.Fatalf("record failed: %v", err)
	}
}

func TestNewServiceRequiresDependencies(testContext *testing.T) {
	_, err := NewService(ServiceConfig{})
	if !svcerr.HasReason(err, reasonMissingDatabase) {
		testContext.Fatalf("expected missing database error, got %v", err)
	}
	database := mustDeltaDatabase(testContext)
	_, err = NewService(ServiceConfig{Database: database})
	if !svcerr.HasReason(err, reasonMissingMerger) {
		testContext.Fatalf("expected missing merger error, got %v", err)
	}
	_, err = NewService(ServiceConfig{Database: database, Merger: NewLWWMerger()})
	if !svcerr.HasReason(err, reasonMissingResolver) {
		testContext.Fatalf("expected missing resolver error, got %v", err)
	}
}

func TestRecordDeduplicatesPendingPayloads(testContext *testing.T) {
	database := mustDeltaDatabase(testContext)
	service := mustDeltaService(testContext, database, nil)

	register := Register{Key: "body", Clock: 1, Client: "a", Value: "hello"}
	mustRecord(testContext, service, "doc-1", 1000, register)
	mustRecord(testContext, service, "doc-1", 2000, register)
	mustRecord(testContext, service, "doc-2", 1000, register)

	pending, err := service.Pending(database, []string{"doc-1", "doc-2", "doc-3"})
	if err != nil {
		testContext.Fatalf("pending failed: %v", err)
	}
	if len(pending["doc-1"]) != 1 {
		testContext.Fatalf("expected one deduplicated delta, got %d", len(pending["doc-1"]))
	}
	if len(pending["doc-2"]) != 1 {
		testContext.Fatalf("expected delta for doc-2")
	}
	if _, ok := pending["doc-3"]; ok {
		testContext.Fatalf("expected no group for a document without deltas")
	}
}

func TestRecordRejectsEmptyInput(testContext *testing.T) {
	database := mustDeltaDatabase(testContext)
	service := mustDeltaService(testContext, database, nil)

	if err := service.Record(database, "", []byte("{}"), time.Time{}); !svcerr.HasReason(err, reasonInvalidDocument) {
		testContext.Fatalf("expected invalid document error, got %v", err)
	}
	if err := service.Record(database, "doc-1", nil, time.Time{}); !svcerr.HasReason(err, reasonEmptyPayload) {
		testContext.Fatalf("expected empty payload error, got %v", err)
	}
}

func TestSealVersionMergesPendingPerDocument(testContext *testing.T) {
	database := mustDeltaDatabase(testContext)
	service := mustDeltaService(testContext, database, map[string]Subtree{
		"root": {PotID: "pot-1", DocumentIDs: []string{"root", "child", "quiet"}},
	})

	mustRecord(testContext, service, "root", 1000, Register{Key: "title", Clock: 1, Client: "a", Value: "one"})
	mustRecord(testContext, service, "root", 3000, Register{Key: "title", Clock: 2, Client: "a", Value: "two"})
	mustRecord(testContext, service, "child", 2000, Register{Key: "body", Clock: 1, Client: "b", Value: "leaf"})
	mustRecord(testContext, service, "outside", 4000, Register{Key: "body", Clock: 1, Client: "c", Value: "other"})

	versionID, err := service.SealVersion(context.Background(), "root")
	if err != nil {
		testContext.Fatalf("seal failed: %v", err)
	}

	var sealed []Delta
	if err := database.Where("version_id = ?", versionID).Order("document_id ASC").Find(&sealed).Error; err != nil {
		testContext.Fatalf("failed to load sealed deltas: %v", err)
	}
	if len(sealed) != 2 {
		testContext.Fatalf("expected two sealed deltas, got %d", len(sealed))
	}
	if sealed[0].DocumentID != "child" || sealed[1].DocumentID != "root" {
		testContext.Fatalf("unexpected sealed documents: %s, %s", sealed[0].DocumentID, sealed[1].DocumentID)
	}
	if sealed[1].TimestampMs != 3000 {
		testContext.Fatalf("expected max timestamp 3000, got %d", sealed[1].TimestampMs)
	}
	text, err := RegisterText(sealed[1].Data)
	if err != nil {
		testContext.Fatalf("register text failed: %v", err)
	}
	if text != "two" {
		testContext.Fatalf("expected merged root text two, got %q", text)
	}

	pending, err := service.Pending(database, []string{"root", "child", "quiet", "outside"})
	if err != nil {
		testContext.Fatalf("pending failed: %v", err)
	}
	if len(pending["root"]) != 0 || len(pending["child"]) != 0 {
		testContext.Fatalf("expected sealed documents to have no pending deltas")
	}
	if len(pending["outside"]) != 1 {
		testContext.Fatalf("expected document outside the subtree to stay pending")
	}

	var version Version
	if err := database.Where("id = ?", versionID).Take(&version).Error; err != nil {
		testContext.Fatalf("failed to load version: %v", err)
	}
	if version.PotID != "pot-1" || version.RootID != "root" {
		testContext.Fatalf("unexpected version row: %#v", version)
	}
}

func TestSealVersionWithoutPendingStillCreatesVersion(testContext *testing.T) {
	database := mustDeltaDatabase(testContext)
	service := mustDeltaService(testContext, database, map[string]Subtree{
		"root": {PotID: "pot-1", DocumentIDs: []string{"root"}},
	})

	versionID, err := service.SealVersion(context.Background(), "root")
	if err != nil {
		testContext.Fatalf("seal failed: %v", err)
	}
	var count int64
	if err := database.Model(&Delta{}).Where("version_id = ?", versionID).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected no sealed deltas, got %d", count)
	}
}

func TestSealVersionUnknownRoot(testContext *testing.T) {
	database := mustDeltaDatabase(testContext)
	service := mustDeltaService(testContext, database, nil)

	_, err := service.SealVersion(context.Background(), "missing")
	if !svcerr.HasReason(err, reasonRootNotFound) {
		testContext.Fatalf("expected root_not_found, got %v", err)
	}
	if svcerr.CodeOf(err) != "delta.seal_version.root_not_found" {
		testContext.Fatalf("unexpected code %q", svcerr.CodeOf(err))
	}
}

func TestLatestVersionsAndQuoteResolution(testContext *testing.T) {
	database := mustDeltaDatabase(testContext)
	service := mustDeltaService(testContext, database, map[string]Subtree{
		"quoted": {PotID: "pot-1", DocumentIDs: []string{"quoted"}},
	})

	mustRecord(testContext, service, "quoted", 1000, Register{Key: "body", Clock: 1, Client: "a", Value: "v1"})
	firstVersion, err := service.SealVersion(context.Background(), "quoted")
	if err != nil {
		testContext.Fatalf("first seal failed: %v", err)
	}

	latest, err := service.LatestVersions(database, []string{"quoted", "never"})
	if err != nil {
		testContext.Fatalf("latest versions failed: %v", err)
	}
	if !IsLatest(latest, "quoted", firstVersion) {
		testContext.Fatalf("expected first version to be latest")
	}
	if IsLatest(latest, "never", firstVersion) {
		testContext.Fatalf("expected unsealed document to have no latest version")
	}

	mustRecord(testContext, service, "quoted", 2000, Register{Key: "body", Clock: 2, Client: "a", Value: "v2"})
	secondVersion, err := service.SealVersion(context.Background(), "quoted")
	if err != nil {
		testContext.Fatalf("second seal failed: %v", err)
	}
	latest, err = service.LatestVersions(database, []string{"quoted"})
	if err != nil {
		testContext.Fatalf("latest versions failed: %v", err)
	}
	if IsLatest(latest, "quoted", firstVersion) {
		testContext.Fatalf("expected first version to be stale")
	}
	if !IsLatest(latest, "quoted", secondVersion) {
		testContext.Fatalf("expected second version to be latest")
	}

	data, err := service.SealedData(database, "quoted", firstVersion)
	if err != nil {
		testContext.Fatalf("sealed data failed: %v", err)
	}
	text, err := RegisterText(data)
	if err != nil {
		testContext.Fatalf("register text failed: %v", err)
	}
	if text != "v1" {
		testContext.Fatalf("expected frozen v1 text, got %q", text)
	}
	if _, err := service.SealedData(database, "quoted", "unknown"); err != ErrSealedDeltaNotFound {
		testContext.Fatalf("expected ErrSealedDeltaNotFound, got %v", err)
	}
}
