package documents

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"github.com/MarcoPoloResearchLab/potshelf/internal/ids"
	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	batches []oplog.ChangeBatch
	err     error
}

func (submitter *recordingSubmitter) Submit(_ context.Context, batch oplog.ChangeBatch) error {
	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	if submitter.err != nil {
		return submitter.err
	}
	submitter.batches = append(submitter.batches, batch)
	return nil
}

func (submitter *recordingSubmitter) last() oplog.ChangeBatch {
	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	if len(submitter.batches) == 0 {
		return oplog.ChangeBatch{}
	}
	return submitter.batches[len(submitter.batches)-1]
}

type documentsFixture struct {
	db        *gorm.DB
	service   *Service
	deltas    *delta.Service
	submitter *recordingSubmitter
}

func newDocumentsFixture(testContext *testing.T) documentsFixture {
	testContext.Helper()
	dsn := fmt.Sprintf("file:documents_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(Models(), &oplog.Row{}, &delta.Delta{}, &delta.Version{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := delta.EnsureIndexes(database); err != nil {
		testContext.Fatalf("failed to ensure indexes: %v", err)
	}

	deltaService, err := delta.NewService(delta.ServiceConfig{
		Database:   database,
		Merger:     delta.NewLWWMerger(),
		Resolver:   TreeResolver{},
		IDProvider: ids.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct delta service: %v", err)
	}
	submitter := &recordingSubmitter{}
	service, err := NewService(ServiceConfig{
		Database:   database,
		Deltas:     deltaService,
		Submitter:  submitter,
		IDProvider: ids.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct documents service: %v", err)
	}
	return documentsFixture{db: database, service: service, deltas: deltaService, submitter: submitter}
}

func (fixture documentsFixture) mustPot(testContext *testing.T, name string) string {
	testContext.Helper()
	pot, err := fixture.service.CreatePot(context.Background(), name)
	if err != nil {
		testContext.Fatalf("create pot failed: %v", err)
	}
	return pot.ID
}

func (fixture documentsFixture) mustOutline(testContext *testing.T, potID string, parentID *string, body string) string {
	testContext.Helper()
	outlineID, err := fixture.service.CreateOutline(context.Background(), oplog.LocalOrigin("session-1"), OutlineInput{
		PotID:    potID,
		ParentID: parentID,
		Body:     body,
	})
	if err != nil {
		testContext.Fatalf("create outline failed: %v", err)
	}
	return outlineID
}

func (fixture documentsFixture) mustParagraph(testContext *testing.T, outlineID string, body string, links ...string) string {
	testContext.Helper()
	paragraphID, err := fixture.service.CreateParagraph(context.Background(), oplog.LocalOrigin("session-1"), ParagraphInput{
		OutlineID: outlineID,
		Body:      body,
		Links:     links,
	})
	if err != nil {
		testContext.Fatalf("create paragraph failed: %v", err)
	}
	return paragraphID
}

func (fixture documentsFixture) logEntries(testContext *testing.T) []oplog.Entry {
	testContext.Helper()
	rowIDs, err := oplog.PendingRowIDs(context.Background(), fixture.db)
	if err != nil {
		testContext.Fatalf("pending row ids failed: %v", err)
	}
	entries, err := oplog.Fetch(fixture.db, rowIDs)
	if err != nil {
		testContext.Fatalf("fetch failed: %v", err)
	}
	return entries
}

func stringPointer(value string) *string {
	return &value
}
