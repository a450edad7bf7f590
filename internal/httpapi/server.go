package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/marksync/internal/marksync"
	"github.com/agentworkforce/marksync/internal/tree"
)

// Engine is the slice of marksync.Engine the HTTP surface drives.
type Engine interface {
	Item(id string) (tree.Item, bool)
	Children(scope tree.Scope) []tree.Item
	Items() []tree.Item
	Groups() []tree.Group
	AddGroup(ctx context.Context, name string) (tree.Group, error)
	RemoveGroup(ctx context.Context, groupID string) error
	HostAvailable() bool
	CreateItem(ctx context.Context, in marksync.NewItem) (string, error)
	UpdateItem(ctx context.Context, id string, upd marksync.ItemUpdate) error
	RemoveItem(ctx context.Context, id string) error
	RemoveFolder(ctx context.Context, id string, mode marksync.FolderRemoveMode) error
	MoveItem(ctx context.Context, id string, dst marksync.Destination) error
	Reorder(ctx context.Context, scope tree.Scope, ids []string) error
	MergeFolders(ctx context.Context, sourceID, targetID string) error
	CreateFolderFromItems(ctx context.Context, targetID, draggedID, title string) (string, error)
	Resync(ctx context.Context, role marksync.Role) (marksync.ReplaceSet, error)
}

var _ Engine = (*marksync.Engine)(nil)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Bridge, when set, is served at /v1/bridge for the browser extension.
	// It authenticates on its own.
	Bridge http.Handler
}

type Server struct {
	engine      Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     promhttp.Handler(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"hostAvailable": s.engine.HostAvailable(),
		})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/bridge" && s.cfg.Bridge != nil {
		s.cfg.Bridge.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "items" && r.Method == http.MethodGet:
		requiredScope = "items:read"
		route = "items_list"
	case len(parts) == 2 && parts[1] == "items" && r.Method == http.MethodPost:
		requiredScope = "items:write"
		route = "item_create"
	case len(parts) == 3 && parts[1] == "items" && r.Method == http.MethodGet:
		requiredScope = "items:read"
		route = "item_get"
	case len(parts) == 3 && parts[1] == "items" && r.Method == http.MethodPatch:
		requiredScope = "items:write"
		route = "item_update"
	case len(parts) == 3 && parts[1] == "items" && r.Method == http.MethodDelete:
		requiredScope = "items:write"
		route = "item_delete"
	case len(parts) == 4 && parts[1] == "items" && parts[3] == "move" && r.Method == http.MethodPost:
		requiredScope = "items:write"
		route = "item_move"
	case len(parts) == 4 && parts[1] == "items" && parts[3] == "merge" && r.Method == http.MethodPost:
		requiredScope = "items:write"
		route = "item_merge"
	case len(parts) == 2 && parts[1] == "reorder" && r.Method == http.MethodPost:
		requiredScope = "items:write"
		route = "reorder"
	case len(parts) == 2 && parts[1] == "folders" && r.Method == http.MethodPost:
		requiredScope = "items:write"
		route = "folder_from_items"
	case len(parts) == 2 && parts[1] == "groups" && r.Method == http.MethodGet:
		requiredScope = "items:read"
		route = "groups_list"
	case len(parts) == 2 && parts[1] == "groups" && r.Method == http.MethodPost:
		requiredScope = "items:write"
		route = "group_create"
	case len(parts) == 3 && parts[1] == "groups" && r.Method == http.MethodDelete:
		requiredScope = "items:write"
		route = "group_delete"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "resync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync_resync"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.AgentName, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "items_list":
		s.handleListItems(w, r, correlationID)
	case "item_create":
		s.handleCreateItem(w, r, correlationID)
	case "item_get":
		s.handleGetItem(w, r, parts[2], correlationID)
	case "item_update":
		s.handleUpdateItem(w, r, parts[2], correlationID)
	case "item_delete":
		s.handleDeleteItem(w, r, parts[2], correlationID)
	case "item_move":
		s.handleMoveItem(w, r, parts[2], correlationID)
	case "item_merge":
		s.handleMergeFolders(w, r, parts[2], correlationID)
	case "reorder":
		s.handleReorder(w, r, correlationID)
	case "folder_from_items":
		s.handleFolderFromItems(w, r, correlationID)
	case "groups_list":
		writeJSON(w, http.StatusOK, map[string]any{"groups": s.engine.Groups()})
	case "group_create":
		s.handleCreateGroup(w, r, correlationID)
	case "group_delete":
		if err := s.engine.RemoveGroup(r.Context(), parts[2]); err != nil {
			writeEngineError(w, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "sync_status":
		s.handleSyncStatus(w, r, correlationID)
	case "sync_resync":
		s.handleResync(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleListItems returns one scope when group or parent is given, otherwise
// every item.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	group, parent := query.Get("group"), query.Get("parent")
	if group == "" && parent == "" {
		writeJSON(w, http.StatusOK, map[string]any{"items": s.engine.Items()})
		return
	}
	if parent != "" {
		folder, ok := s.engine.Item(parent)
		if !ok || !folder.IsFolder() {
			writeError(w, http.StatusNotFound, "not_found", "parent folder not found", correlationID)
			return
		}
		group = folder.GroupID
	}
	items := s.engine.Children(tree.Scope{GroupID: group, ParentID: parent})
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body marksync.NewItem
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	id, err := s.engine.CreateItem(r.Context(), body)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	s.writeItem(w, http.StatusCreated, id, correlationID)
}

func (s *Server) handleGetItem(w http.ResponseWriter, _ *http.Request, id, correlationID string) {
	s.writeItem(w, http.StatusOK, id, correlationID)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var body marksync.ItemUpdate
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if err := s.engine.UpdateItem(r.Context(), id, body); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	s.writeItem(w, http.StatusOK, id, correlationID)
}

// handleDeleteItem removes an item. For folders, mode=keep flattens the
// contents into the parent scope; the default cascades.
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var err error
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "all":
		err = s.engine.RemoveItem(r.Context(), id)
	case "keep":
		err = s.engine.RemoveFolder(r.Context(), id, marksync.KeepContents)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "mode must be keep or all", correlationID)
		return
	}
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMoveItem(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var body marksync.Destination
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if err := s.engine.MoveItem(r.Context(), id, body); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	s.writeItem(w, http.StatusOK, id, correlationID)
}

func (s *Server) handleMergeFolders(w http.ResponseWriter, r *http.Request, sourceID, correlationID string) {
	var body struct {
		TargetID string `json:"targetId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if err := s.engine.MergeFolders(r.Context(), sourceID, body.TargetID); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	s.writeItem(w, http.StatusOK, body.TargetID, correlationID)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		GroupID  string   `json:"groupId"`
		ParentID string   `json:"parentId"`
		IDs      []string `json:"ids"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	scope := tree.Scope{GroupID: body.GroupID, ParentID: body.ParentID}
	if scope.GroupID == "" && scope.ParentID == "" {
		scope.GroupID = tree.HomeGroupID
	}
	if err := s.engine.Reorder(r.Context(), scope, body.IDs); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	if scope.GroupID == "" {
		if folder, ok := s.engine.Item(scope.ParentID); ok {
			scope.GroupID = folder.GroupID
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.engine.Children(scope)})
}

func (s *Server) handleFolderFromItems(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		TargetID  string `json:"targetId"`
		DraggedID string `json:"draggedId"`
		Title     string `json:"title"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	id, err := s.engine.CreateFolderFromItems(r.Context(), body.TargetID, body.DraggedID, body.Title)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	s.writeItem(w, http.StatusCreated, id, correlationID)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	group, err := s.engine.AddGroup(r.Context(), strings.TrimSpace(body.Name))
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request, _ string) {
	counts := map[string]int{}
	for _, item := range s.engine.Items() {
		counts[item.GroupID]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hostAvailable": s.engine.HostAvailable(),
		"groups":        s.engine.Groups(),
		"itemCounts":    counts,
	})
}

// handleResync runs Bootstrap for one container. An empty body resyncs the
// whole workspace.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Role    string `json:"role"`
		GroupID string `json:"groupId"`
	}
	if r.ContentLength != 0 && !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	role, err := parseRole(body.Role, body.GroupID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	set, err := s.engine.Resync(r.Context(), role)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":       set.Role.String(),
		"containers": set.Containers,
		"items":      len(set.Items),
	})
}

func parseRole(kind, groupID string) (marksync.Role, error) {
	switch kind {
	case "", "root":
		return marksync.RootRole(), nil
	case "home":
		return marksync.HomeRole(), nil
	case "group":
		if groupID == "" {
			return marksync.Role{}, errors.New("groupId is required for role group")
		}
		return marksync.RoleForGroup(groupID), nil
	default:
		return marksync.Role{}, errors.New("role must be root, home or group")
	}
}

func (s *Server) writeItem(w http.ResponseWriter, status int, id, correlationID string) {
	item, ok := s.engine.Item(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", marksync.ErrNotFound.Error(), correlationID)
		return
	}
	writeJSON(w, status, item)
}

func writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, marksync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, marksync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, marksync.ErrDepthExceeded):
		writeError(w, http.StatusConflict, "depth_exceeded", err.Error(), correlationID)
	case errors.Is(err, marksync.ErrCycle):
		writeError(w, http.StatusConflict, "cycle", err.Error(), correlationID)
	case errors.Is(err, marksync.ErrUnavailable):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "host_unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
