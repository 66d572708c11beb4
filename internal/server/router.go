package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"github.com/MarcoPoloResearchLab/potshelf/internal/documents"
	"github.com/MarcoPoloResearchLab/potshelf/internal/notify"
	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
	"github.com/MarcoPoloResearchLab/potshelf/internal/reconcile"
	"github.com/MarcoPoloResearchLab/potshelf/internal/search"
	"github.com/MarcoPoloResearchLab/potshelf/internal/svcerr"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerOrigin      = "X-Origin"
	headerSessionID   = "X-Session-ID"
	originRemote      = "remote"
	defaultHeartbeat  = 25 * time.Second
	defaultQueryLimit = 20
)

var (
	errMissingDocuments = errors.New("documents service dependency required")
	errMissingVersions  = errors.New("version sealer dependency required")
	errMissingSearch    = errors.New("search dependency required")
	errMissingHubs      = errors.New("notification hubs required")
)

// VersionSealer seals pending deltas of a subtree.
type VersionSealer interface {
	SealVersion(ctx context.Context, rootID string) (string, error)
}

// Searcher answers tenant-scoped full-text queries.
type Searcher interface {
	Search(ctx context.Context, text, potID string, limit, fuzzy int) ([]search.Hit, error)
	DefaultFuzzy() int
}

type Dependencies struct {
	Documents         *documents.Service
	Versions          VersionSealer
	Search            Searcher
	Outlines          *notify.Hub[reconcile.OutlineChange]
	Paragraphs        *notify.Hub[reconcile.ParagraphChange]
	Gatherer          prometheus.Gatherer
	AllowedOrigins    []string
	DefaultLimit      int
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Versions == nil {
		return nil, errMissingVersions
	}
	if deps.Search == nil {
		return nil, errMissingSearch
	}
	if deps.Outlines == nil || deps.Paragraphs == nil {
		return nil, errMissingHubs
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	allowedOrigins := deps.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	defaultLimit := deps.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = defaultQueryLimit
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", headerOrigin, headerSessionID},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		documents:    deps.Documents,
		versions:     deps.Versions,
		search:       deps.Search,
		outlines:     deps.Outlines,
		paragraphs:   deps.Paragraphs,
		defaultLimit: defaultLimit,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/search", handler.handleSearch)
	router.POST("/pots", handler.handleCreatePot)
	router.POST("/outlines", handler.handleCreateOutline)
	router.POST("/paragraphs", handler.handleCreateParagraph)
	router.PATCH("/documents/:kind/:id", handler.handleUpdate)
	router.DELETE("/documents/:kind/:id", handler.handleDelete)
	router.POST("/versions", handler.handleSealVersion)
	router.GET("/backlinks/:id", handler.handleBacklinks)
	router.GET("/pots/:pot/changes", handler.handleChanges)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return router, nil
}

type httpHandler struct {
	documents    *documents.Service
	versions     VersionSealer
	search       Searcher
	outlines     *notify.Hub[reconcile.OutlineChange]
	paragraphs   *notify.Hub[reconcile.ParagraphChange]
	defaultLimit int
	heartbeat    time.Duration
	logger       *zap.Logger
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	limit := h.defaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	fuzzy := h.search.DefaultFuzzy()
	if raw := c.Query("fuzzy"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_fuzzy"})
			return
		}
		fuzzy = parsed
	}

	hits, err := h.search.Search(c.Request.Context(), c.Query("q"), c.Query("pot"), limit, fuzzy)
	if errors.Is(err, search.ErrInvalidQueryParameter) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query", "message": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hits": hits})
}

type potRequestPayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleCreatePot(c *gin.Context) {
	var request potRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pot, err := h.documents.CreatePot(c.Request.Context(), request.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": pot.ID, "name": pot.Name, "created_at_s": pot.CreatedAtSeconds})
}

type outlineRequestPayload struct {
	PotID    string   `json:"pot_id"`
	ParentID *string  `json:"parent_id"`
	Body     string   `json:"body"`
	Hidden   bool     `json:"hidden"`
	Links    []string `json:"links"`
}

func (h *httpHandler) handleCreateOutline(c *gin.Context) {
	var request outlineRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outlineID, err := h.documents.CreateOutline(c.Request.Context(), originOf(c), documents.OutlineInput{
		PotID:    request.PotID,
		ParentID: request.ParentID,
		Body:     request.Body,
		Hidden:   request.Hidden,
		Links:    request.Links,
	})
	h.writeCreated(c, outlineID, err)
}

type quotePayload struct {
	ParagraphID string `json:"paragraph_id"`
	VersionID   string `json:"version_id"`
}

type paragraphRequestPayload struct {
	OutlineID string        `json:"outline_id"`
	ParentID  *string       `json:"parent_id"`
	Body      string        `json:"body"`
	Hidden    bool          `json:"hidden"`
	Quote     *quotePayload `json:"quote"`
	Links     []string      `json:"links"`
}

func (h *httpHandler) handleCreateParagraph(c *gin.Context) {
	var request paragraphRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	input := documents.ParagraphInput{
		OutlineID: request.OutlineID,
		ParentID:  request.ParentID,
		Body:      request.Body,
		Hidden:    request.Hidden,
		Links:     request.Links,
	}
	if request.Quote != nil {
		input.Quote = &documents.QuoteRef{ParagraphID: request.Quote.ParagraphID, VersionID: request.Quote.VersionID}
	}
	paragraphID, err := h.documents.CreateParagraph(c.Request.Context(), originOf(c), input)
	h.writeCreated(c, paragraphID, err)
}

// patchRequestPayload distinguishes an absent parent_id from an explicit null,
// which detaches an outline to the top level.
type patchRequestPayload struct {
	Body      *string           `json:"body"`
	Hidden    *bool             `json:"hidden"`
	ParentID  optionalReference `json:"parent_id"`
	OutlineID *string           `json:"outline_id"`
	Links     *[]string         `json:"links"`
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	kind, ok := documents.ParseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_kind"})
		return
	}
	var request patchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	patch := documents.Patch{
		Body:      request.Body,
		Hidden:    request.Hidden,
		OutlineID: request.OutlineID,
		Links:     request.Links,
	}
	if request.ParentID.Set {
		patch.Parent = &documents.ParentRef{ID: request.ParentID.Value}
	}
	if err := h.documents.Update(c.Request.Context(), originOf(c), kind, c.Param("id"), patch); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	kind, ok := documents.ParseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_kind"})
		return
	}
	hard, err := queryBool(c, "hard")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hard"})
		return
	}
	cascade, err := queryBool(c, "cascade")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cascade"})
		return
	}
	if hard {
		err = h.documents.HardDelete(c.Request.Context(), originOf(c), kind, c.Param("id"))
	} else {
		err = h.documents.SoftDelete(c.Request.Context(), originOf(c), kind, c.Param("id"), cascade)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type versionRequestPayload struct {
	RootID string `json:"root_id"`
}

func (h *httpHandler) handleSealVersion(c *gin.Context) {
	var request versionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.RootID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	versionID, err := h.versions.SealVersion(c.Request.Context(), request.RootID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"version_id": versionID})
}

func (h *httpHandler) handleBacklinks(c *gin.Context) {
	backlinks, err := h.documents.Backlinks(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backlinks": backlinks})
}

func (h *httpHandler) writeCreated(c *gin.Context, documentID string, err error) {
	if err == nil {
		c.JSON(http.StatusCreated, gin.H{"id": documentID})
		return
	}
	if documentID != "" && isSubmitFailure(err) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"id": documentID, "error": "reconciliation_deferred"})
		return
	}
	h.writeError(c, err)
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, code := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusOf(err error) (int, string) {
	switch {
	case isSubmitFailure(err):
		return http.StatusServiceUnavailable, "reconciliation_deferred"
	case errors.Is(err, documents.ErrNotFound), errors.Is(err, delta.ErrDocumentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, documents.ErrDeleted):
		return http.StatusGone, "deleted"
	case errors.Is(err, documents.ErrCycle):
		return http.StatusConflict, "cycle"
	case errors.Is(err, documents.ErrInvalidParent):
		return http.StatusBadRequest, "invalid_parent"
	case errors.Is(err, documents.ErrInvalidQuote):
		return http.StatusBadRequest, "invalid_quote"
	case errors.Is(err, documents.ErrInvalidLink):
		return http.StatusBadRequest, "invalid_link"
	case errors.Is(err, documents.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func isSubmitFailure(err error) bool {
	return svcerr.HasReason(err, "submit_failed")
}

func originOf(c *gin.Context) oplog.Origin {
	if strings.EqualFold(strings.TrimSpace(c.GetHeader(headerOrigin)), originRemote) {
		return oplog.RemoteOrigin()
	}
	return oplog.LocalOrigin(strings.TrimSpace(c.GetHeader(headerSessionID)))
}

func queryBool(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
