package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/marksync/internal/hosttree"
	"github.com/agentworkforce/marksync/internal/marksync"
	"github.com/agentworkforce/marksync/internal/state"
	"github.com/agentworkforce/marksync/internal/tree"
)

var allScopes = []string{"items:read", "items:write", "sync:read", "sync:trigger"}

type fixture struct {
	engine *marksync.Engine
	host   *hosttree.MemoryHost
	server *Server
	token  string
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	ws, err := state.OpenWorkspace(nil)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	host := hosttree.NewMemoryHost()
	engine, err := marksync.New(marksync.Options{Host: host, State: ws, Logger: logger})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(engine.Stop)
	return &fixture{
		engine: engine,
		host:   host,
		server: NewServerWithConfig(engine, cfg),
		token:  mustTestJWT(t, "dev-secret", "Organizer", allScopes, time.Now().Add(time.Hour)),
	}
}

func (f *fixture) do(t *testing.T, method, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, f.server, request{
		method: method,
		path:   path,
		headers: map[string]string{
			"Authorization":    "Bearer " + f.token,
			"X-Correlation-Id": "corr_" + strings.ReplaceAll(path, "/", "_"),
		},
		body: body,
	})
}

func (f *fixture) createItem(t *testing.T, body map[string]any) tree.Item {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/v1/items", body)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d (%s)", resp.Code, resp.Body.String())
	}
	return decodeItem(t, resp)
}

func decodeItem(t *testing.T, resp *httptest.ResponseRecorder) tree.Item {
	t.Helper()
	var item tree.Item
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	return item
}

func decodeItems(t *testing.T, resp *httptest.ResponseRecorder) []tree.Item {
	t.Helper()
	var payload struct {
		Items []tree.Item `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	return payload.Items
}

func decodeCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	code, _ := payload["code"].(string)
	return code
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	rec := httptest.NewRecorder()

	f.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	health := doRequest(t, f.server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK {
		t.Fatalf("expected 200 on health, got %d", health.Code)
	}
	var payload map[string]any
	if err := json.NewDecoder(health.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload["hostAvailable"] != true {
		t.Fatalf("expected hostAvailable=true, got %v", payload)
	}

	metrics := doRequest(t, f.server, request{method: http.MethodGet, path: "/metrics"})
	if metrics.Code != http.StatusOK {
		t.Fatalf("expected 200 on metrics, got %d", metrics.Code)
	}
	if !strings.Contains(metrics.Body.String(), "marksync_pruned_folders_total") {
		t.Fatalf("expected marksync metrics in exposition")
	}
}

func TestItemLifecycle(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	folder := f.createItem(t, map[string]any{"type": "folder", "title": "Reading"})
	if folder.GroupID != tree.HomeGroupID || folder.ExternalID == "" {
		t.Fatalf("expected mirrored home folder, got %+v", folder)
	}
	link := f.createItem(t, map[string]any{"type": "shortcut", "parentId": folder.ID, "title": "Go", "url": "https://go.dev/"})

	listed := f.do(t, http.MethodGet, "/v1/items?parent="+folder.ID, nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d (%s)", listed.Code, listed.Body.String())
	}
	if items := decodeItems(t, listed); len(items) != 1 || items[0].ID != link.ID {
		t.Fatalf("expected folder to list the shortcut, got %+v", items)
	}

	patched := f.do(t, http.MethodPatch, "/v1/items/"+link.ID, map[string]any{"title": "Go home"})
	if patched.Code != http.StatusOK {
		t.Fatalf("expected 200 on patch, got %d (%s)", patched.Code, patched.Body.String())
	}
	node, err := f.host.Get(context.Background(), link.ExternalID)
	if err != nil || node.Title != "Go home" {
		t.Fatalf("expected host node renamed, got %+v (%v)", node, err)
	}

	moved := f.do(t, http.MethodPost, "/v1/items/"+link.ID+"/move", map[string]any{"position": 0})
	if moved.Code != http.StatusOK {
		t.Fatalf("expected 200 on move, got %d (%s)", moved.Code, moved.Body.String())
	}
	if item := decodeItem(t, moved); item.ParentID != "" || item.Position != 0 {
		t.Fatalf("expected shortcut at top of home, got %+v", item)
	}
	if _, ok := f.engine.Item(folder.ID); !ok {
		t.Fatalf("expected emptied top-level home folder to stay")
	}

	deleted := f.do(t, http.MethodDelete, "/v1/items/"+link.ID, nil)
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d (%s)", deleted.Code, deleted.Body.String())
	}
	missing := f.do(t, http.MethodGet, "/v1/items/"+link.ID, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
}

func TestDeleteFolderKeepContents(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	folder := f.createItem(t, map[string]any{"type": "folder", "title": "Box"})
	inner := f.createItem(t, map[string]any{"type": "shortcut", "parentId": folder.ID, "title": "a", "url": "https://a/"})

	bad := f.do(t, http.MethodDelete, "/v1/items/"+folder.ID+"?mode=some", nil)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on unknown mode, got %d", bad.Code)
	}
	kept := f.do(t, http.MethodDelete, "/v1/items/"+folder.ID+"?mode=keep", nil)
	if kept.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", kept.Code, kept.Body.String())
	}
	item, ok := f.engine.Item(inner.ID)
	if !ok || item.ParentID != "" {
		t.Fatalf("expected contents flattened into home, got %+v", item)
	}
}

func TestEngineErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	outer := f.createItem(t, map[string]any{"type": "folder", "title": "Outer"})
	inner := f.createItem(t, map[string]any{"type": "folder", "parentId": outer.ID, "title": "Inner"})
	f.createItem(t, map[string]any{"type": "shortcut", "parentId": inner.ID, "title": "x", "url": "https://x/"})

	cases := []struct {
		name   string
		method string
		path   string
		body   map[string]any
		status int
		code   string
	}{
		{"cycle", http.MethodPost, "/v1/items/" + outer.ID + "/move", map[string]any{"parentId": inner.ID}, http.StatusConflict, "cycle"},
		{"unknown item", http.MethodPatch, "/v1/items/nope", map[string]any{"title": "x"}, http.StatusNotFound, "not_found"},
		{"invalid input", http.MethodPost, "/v1/items", map[string]any{"type": "shortcut", "title": "no url"}, http.StatusBadRequest, "bad_request"},
		{"unknown role", http.MethodPost, "/v1/sync/resync", map[string]any{"role": "everything"}, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, tc.method, tc.path, tc.body)
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
			if code := decodeCode(t, resp); code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, code)
			}
		})
	}
}

func TestDepthCeilingRejected(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	parent := ""
	for i := 0; i < 3; i++ {
		body := map[string]any{"type": "folder", "title": fmt.Sprintf("level %d", i+1)}
		if parent != "" {
			body["parentId"] = parent
		}
		parent = f.createItem(t, body).ID
	}
	resp := f.do(t, http.MethodPost, "/v1/items", map[string]any{"type": "folder", "parentId": parent, "title": "too deep"})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 past the depth ceiling, got %d (%s)", resp.Code, resp.Body.String())
	}
	if code := decodeCode(t, resp); code != "depth_exceeded" {
		t.Fatalf("expected depth_exceeded, got %q", code)
	}
}

func TestMergeReorderAndFolderFromItems(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	a := f.createItem(t, map[string]any{"type": "shortcut", "title": "a", "url": "https://a/"})
	b := f.createItem(t, map[string]any{"type": "shortcut", "title": "b", "url": "https://b/"})
	c := f.createItem(t, map[string]any{"type": "shortcut", "title": "c", "url": "https://c/"})

	reordered := f.do(t, http.MethodPost, "/v1/reorder", map[string]any{"ids": []string{c.ID, a.ID}})
	if reordered.Code != http.StatusOK {
		t.Fatalf("expected 200 on reorder, got %d (%s)", reordered.Code, reordered.Body.String())
	}
	var order []string
	for _, item := range decodeItems(t, reordered) {
		order = append(order, item.Title)
	}
	if strings.Join(order, ",") != "c,a,b" {
		t.Fatalf("expected c,a,b, got %v", order)
	}

	created := f.do(t, http.MethodPost, "/v1/folders", map[string]any{"targetId": a.ID, "draggedId": b.ID, "title": "ab"})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201 on folder from items, got %d (%s)", created.Code, created.Body.String())
	}
	ab := decodeItem(t, created)
	if ab.Position != 1 || ab.Title != "ab" {
		t.Fatalf("expected folder in a's slot, got %+v", ab)
	}

	other := f.createItem(t, map[string]any{"type": "folder", "title": "other"})
	f.createItem(t, map[string]any{"type": "shortcut", "parentId": other.ID, "title": "d", "url": "https://d/"})
	merged := f.do(t, http.MethodPost, "/v1/items/"+other.ID+"/merge", map[string]any{"targetId": ab.ID})
	if merged.Code != http.StatusOK {
		t.Fatalf("expected 200 on merge, got %d (%s)", merged.Code, merged.Body.String())
	}
	var titles []string
	for _, item := range f.engine.Children(tree.Scope{GroupID: tree.HomeGroupID, ParentID: ab.ID}) {
		titles = append(titles, item.Title)
	}
	if strings.Join(titles, ",") != "a,b,d" {
		t.Fatalf("expected a,b,d in merged folder, got %v", titles)
	}
	if _, ok := f.engine.Item(other.ID); ok {
		t.Fatalf("expected merge source removed")
	}
}

func TestReorderFolderTakesGroupFromParent(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	group, err := f.engine.AddGroup(context.Background(), "Research")
	if err != nil {
		t.Fatalf("add group: %v", err)
	}
	folder := f.createItem(t, map[string]any{"type": "folder", "groupId": group.ID, "title": "papers"})
	x := f.createItem(t, map[string]any{"type": "shortcut", "groupId": group.ID, "parentId": folder.ID, "title": "x", "url": "https://x/"})
	y := f.createItem(t, map[string]any{"type": "shortcut", "groupId": group.ID, "parentId": folder.ID, "title": "y", "url": "https://y/"})

	resp := f.do(t, http.MethodPost, "/v1/reorder", map[string]any{"parentId": folder.ID, "ids": []string{y.ID, x.ID}})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on reorder without groupId, got %d (%s)", resp.Code, resp.Body.String())
	}
	var order []string
	for _, item := range decodeItems(t, resp) {
		order = append(order, item.Title)
	}
	if strings.Join(order, ",") != "y,x" {
		t.Fatalf("expected y,x, got %v", order)
	}
}

func TestGroupsAndResync(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	created := f.do(t, http.MethodPost, "/v1/groups", map[string]any{"name": "Research"})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201 on group create, got %d (%s)", created.Code, created.Body.String())
	}
	var group tree.Group
	if err := json.NewDecoder(created.Body).Decode(&group); err != nil {
		t.Fatalf("decode group: %v", err)
	}
	if group.ContainerID == "" {
		t.Fatalf("expected group container to be created, got %+v", group)
	}

	listed := f.do(t, http.MethodGet, "/v1/groups", nil)
	var payload struct {
		Groups []tree.Group `json:"groups"`
	}
	if err := json.NewDecoder(listed.Body).Decode(&payload); err != nil {
		t.Fatalf("decode groups: %v", err)
	}
	if len(payload.Groups) != 2 || payload.Groups[0].ID != tree.HomeGroupID {
		t.Fatalf("expected home plus one group, got %+v", payload.Groups)
	}

	_, err := f.host.Create(context.Background(), hosttree.CreateRequest{ParentID: group.ContainerID, Title: "paper", URL: "https://paper/"})
	if err != nil {
		t.Fatalf("host create: %v", err)
	}
	resync := f.do(t, http.MethodPost, "/v1/sync/resync", map[string]any{"role": "group", "groupId": group.ID})
	if resync.Code != http.StatusOK {
		t.Fatalf("expected 200 on resync, got %d (%s)", resync.Code, resync.Body.String())
	}
	children := f.engine.Children(tree.Scope{GroupID: group.ID})
	if len(children) != 1 || children[0].Title != "paper" {
		t.Fatalf("expected resync to import the host bookmark, got %+v", children)
	}

	status := f.do(t, http.MethodGet, "/v1/sync/status", nil)
	if status.Code != http.StatusOK {
		t.Fatalf("expected 200 on status, got %d", status.Code)
	}
	var counts struct {
		ItemCounts map[string]int `json:"itemCounts"`
	}
	if err := json.NewDecoder(status.Body).Decode(&counts); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if counts.ItemCounts[group.ID] != 1 {
		t.Fatalf("expected one item in group, got %v", counts.ItemCounts)
	}

	removed := f.do(t, http.MethodDelete, "/v1/groups/"+group.ID, nil)
	if removed.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on group delete, got %d (%s)", removed.Code, removed.Body.String())
	}
	if got := f.engine.Children(tree.Scope{GroupID: group.ID}); len(got) != 0 {
		t.Fatalf("expected group items removed, got %+v", got)
	}
	if _, err := f.host.Get(context.Background(), group.ContainerID); !errors.Is(err, hosttree.ErrNotFound) {
		t.Fatalf("expected group container removed from host, got %v", err)
	}
	if again := f.do(t, http.MethodDelete, "/v1/groups/"+group.ID, nil); again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for removed group, got %d", again.Code)
	}
	if home := f.do(t, http.MethodDelete, "/v1/groups/"+tree.HomeGroupID, nil); home.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for home group, got %d", home.Code)
	}
}

func TestScopesEnforced(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	reader := mustTestJWT(t, "dev-secret", "Viewer", []string{"items:read"}, time.Now().Add(time.Hour))
	writer := mustTestJWT(t, "dev-secret", "Organizer", []string{"items:write"}, time.Now().Add(time.Hour))
	wrongAud := mustTestJWTWithAudience(t, "dev-secret", "Organizer", allScopes, "other-service", time.Now().Add(time.Hour))
	expired := mustTestJWT(t, "dev-secret", "Organizer", allScopes, time.Now().Add(-time.Minute))

	cases := []struct {
		name   string
		token  string
		method string
		path   string
		status int
	}{
		{"read scope lists", reader, http.MethodGet, "/v1/items", http.StatusOK},
		{"read scope cannot write", reader, http.MethodPost, "/v1/groups", http.StatusForbidden},
		{"write implies read", writer, http.MethodGet, "/v1/items", http.StatusOK},
		{"write cannot resync", writer, http.MethodPost, "/v1/sync/resync", http.StatusForbidden},
		{"wrong audience", wrongAud, http.MethodGet, "/v1/items", http.StatusUnauthorized},
		{"expired", expired, http.MethodGet, "/v1/items", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, f.server, request{
				method: tc.method,
				path:   tc.path,
				headers: map[string]string{
					"Authorization":    "Bearer " + tc.token,
					"X-Correlation-Id": "corr_scope",
				},
			})
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestCorrelationIDAndBodyLimit(t *testing.T) {
	f := newFixture(t, ServerConfig{MaxBodyBytes: 16})
	missing := doRequest(t, f.server, request{
		method:  http.MethodGet,
		path:    "/v1/items",
		headers: map[string]string{"Authorization": "Bearer " + f.token},
	})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", missing.Code)
	}

	large := doRawRequest(t, f.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/items",
		headers: map[string]string{
			"Authorization":    "Bearer " + f.token,
			"X-Correlation-Id": "corr_large",
		},
		body: []byte(`{"type":"folder","title":"` + strings.Repeat("x", 64) + `"}`),
	})
	if large.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%s)", large.Code, large.Body.String())
	}
}

func TestRateLimitingByAgent(t *testing.T) {
	f := newFixture(t, ServerConfig{
		JWTSecret:       "dev-secret",
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodGet, "/v1/items", nil)
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}
	denied := f.do(t, http.MethodGet, "/v1/items", nil)
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestBridgeRouteDelegates(t *testing.T) {
	called := false
	f := newFixture(t, ServerConfig{Bridge: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})})
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/bridge"})
	if !called || resp.Code != http.StatusTeapot {
		t.Fatalf("expected bridge handler to serve /v1/bridge, got %d", resp.Code)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, agentName string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, agentName, scopes, audience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, agentName string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"agent_name": agentName,
		"scopes":     scopes,
		"exp":        exp.Unix(),
		"aud":        aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
