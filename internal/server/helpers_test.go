package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"github.com/MarcoPoloResearchLab/potshelf/internal/documents"
	"github.com/MarcoPoloResearchLab/potshelf/internal/ids"
	"github.com/MarcoPoloResearchLab/potshelf/internal/notify"
	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
	"github.com/MarcoPoloResearchLab/potshelf/internal/paths"
	"github.com/MarcoPoloResearchLab/potshelf/internal/reconcile"
	"github.com/MarcoPoloResearchLab/potshelf/internal/search"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type serverFixture struct {
	queue      *oplog.Queue
	reconciler *reconcile.Reconciler
	outlines   *notify.Hub[reconcile.OutlineChange]
	handler    http.Handler
}

func newServerFixture(testContext *testing.T) *serverFixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(documents.Models(), &oplog.Row{}, &delta.Delta{}, &delta.Version{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := delta.EnsureIndexes(database); err != nil {
		testContext.Fatalf("failed to ensure indexes: %v", err)
	}

	deltaService, err := delta.NewService(delta.ServiceConfig{
		Database:   database,
		Merger:     delta.NewLWWMerger(),
		Resolver:   documents.TreeResolver{},
		IDProvider: ids.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct delta service: %v", err)
	}
	queue := oplog.NewQueue(oplog.DefaultQueueCapacity)
	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   database,
		Deltas:     deltaService,
		Submitter:  queue,
		IDProvider: ids.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct documents service: %v", err)
	}
	index, err := search.Open("", nil)
	if err != nil {
		testContext.Fatalf("failed to open index: %v", err)
	}
	testContext.Cleanup(func() {
		_ = index.Close()
	})
	reader, err := index.NewReader(1)
	if err != nil {
		testContext.Fatalf("failed to open reader: %v", err)
	}

	registry := prometheus.NewRegistry()
	outlines := notify.NewHub[reconcile.OutlineChange]()
	paragraphs := notify.NewHub[reconcile.ParagraphChange]()
	reconciler, err := reconcile.New(reconcile.Config{
		Database:   database,
		Queue:      queue,
		Deltas:     deltaService,
		Paths:      paths.NewMaterializer(nil),
		Writer:     index.NewWriter(),
		Reader:     reader,
		Outlines:   outlines,
		Paragraphs: paragraphs,
		Metrics:    reconcile.NewMetrics(registry),
	})
	if err != nil {
		testContext.Fatalf("failed to construct reconciler: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Documents:         documentService,
		Versions:          deltaService,
		Search:            reader,
		Outlines:          outlines,
		Paragraphs:        paragraphs,
		Gatherer:          registry,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}
	return &serverFixture{queue: queue, reconciler: reconciler, outlines: outlines, handler: handler}
}

// reconcileQueued runs every queued batch through the reconciler.
func (fixture *serverFixture) reconcileQueued(testContext *testing.T) {
	testContext.Helper()
	for fixture.queue.Len() > 0 {
		batch, err := fixture.queue.Receive(context.Background())
		if err != nil {
			testContext.Fatalf("receive failed: %v", err)
		}
		if err := fixture.reconciler.Process(context.Background(), batch); err != nil {
			testContext.Fatalf("process failed: %v", err)
		}
	}
}

func (fixture *serverFixture) do(testContext *testing.T, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	testContext.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, target, &payload)
	request.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	return recorder
}

func (fixture *serverFixture) mustCreate(testContext *testing.T, target string, body interface{}) string {
	testContext.Helper()
	recorder := fixture.do(testContext, http.MethodPost, target, body, nil)
	if recorder.Code != http.StatusCreated {
		testContext.Fatalf("POST %s: expected 201, got %d: %s", target, recorder.Code, recorder.Body.String())
	}
	var response struct {
		ID string `json:"id"`
	}
	mustDecode(testContext, recorder, &response)
	return response.ID
}

func mustDecode(testContext *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	testContext.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		testContext.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
}
