package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"nhooyr.io/websocket"

	"github.com/rectangular-labs/workspacesync/internal/crdt"
	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/pipeline"
	"github.com/rectangular-labs/workspacesync/internal/relay"
	"github.com/rectangular-labs/workspacesync/internal/room"
	"github.com/rectangular-labs/workspacesync/internal/workspace"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *room.Registry) {
	t.Helper()
	registry := room.NewRegistry(room.Options{Store: room.NewMemoryBlobStore()})
	rl := relay.New(relay.Options{Registry: registry, Authorize: AuthorizeJoin})
	service := workspace.NewService(workspace.Options{
		Registry:  registry,
		Pipeline:  pipeline.Default(pipeline.Options{}),
		Publisher: rl,
	})
	cfg.JWTSecret = testSecret
	server, err := NewServer(service, registry, rl, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return server, registry
}

func mustToken(t *testing.T, tenant, workspaceID string, scopes ...string) string {
	t.Helper()
	token, err := IssueToken(testSecret, Claims{
		Tenant:    tenant,
		Workspace: workspaceID,
		AgentName: "Worker1",
		Scopes:    scopes,
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

type request struct {
	method string
	path   string
	token  string
	body   any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	switch body := r.body.(type) {
	case nil:
	case string:
		bodyBytes = []byte(body)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) workspace.Result {
	t.Helper()
	var result workspace.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return result
}

func TestHealthIsPublic(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestMissingSecretWarnsAndUsesDevSecret(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logging.Replace(zap.New(core))
	t.Cleanup(func() { logging.Replace(nil) })

	registry := room.NewRegistry(room.Options{})
	rl := relay.New(relay.Options{Registry: registry})
	service := workspace.NewService(workspace.Options{Registry: registry})
	server, err := NewServer(service, registry, rl, ServerConfig{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if n := logs.FilterMessageSnippet("no JWT secret").Len(); n != 1 {
		t.Fatalf("expected one warning about the missing secret, got %d", n)
	}

	token, err := IssueToken(DevSecret, Claims{Tenant: "org_1", Workspace: "proj_1", Scopes: []string{ScopeRead}}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_1/fs/tree?path=/", token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the dev secret to authenticate, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAuthFailures(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	expired, err := IssueToken(testSecret, Claims{Tenant: "org_1", Scopes: []string{ScopeRead}}, -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	forged, err := IssueToken("other-secret", Claims{Tenant: "org_1", Scopes: []string{ScopeRead}}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	cases := []struct {
		name   string
		req    request
		status int
	}{
		{"missing token", request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_1/fs/tree"}, http.StatusUnauthorized},
		{"expired token", request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_1/fs/tree", token: expired}, http.StatusUnauthorized},
		{"wrong signature", request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_1/fs/tree", token: forged}, http.StatusUnauthorized},
		{"other tenant", request{method: http.MethodGet, path: "/v1/rooms/org_2/proj_1/fs/tree", token: mustToken(t, "org_1", "", ScopeRead)}, http.StatusForbidden},
		{"other workspace", request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_2/fs/tree", token: mustToken(t, "org_1", "proj_1", ScopeRead)}, http.StatusForbidden},
		{"missing scope", request{method: http.MethodPut, path: "/v1/rooms/org_1/proj_1/fs/file", token: mustToken(t, "org_1", "", ScopeRead), body: map[string]any{"path": "/a"}}, http.StatusForbidden},
		{"admin route", request{method: http.MethodGet, path: "/v1/admin/rooms", token: mustToken(t, "org_1", "", ScopeRead, ScopeWrite)}, http.StatusForbidden},
		{"bad room segment", request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_1/fs/tree?scope=a%20b", token: mustToken(t, "org_1", "", ScopeRead)}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, server, tc.req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestWriteReadListLifecycle(t *testing.T) {
	server, registry := newTestServer(t, ServerConfig{})
	token := mustToken(t, "org_1", "proj_1", ScopeRead, ScopeWrite)

	write := doRequest(t, server, request{
		method: http.MethodPut,
		path:   "/v1/rooms/org_1/proj_1/fs/file",
		token:  token,
		body: map[string]any{
			"path":            "/business/how-to-start-a-business",
			"content":         "# Draft\nfirst line",
			"createIfMissing": true,
			"metadata":        []map[string]string{{"key": "title", "value": "How to start a business"}},
		},
	})
	if write.Code != http.StatusOK {
		t.Fatalf("expected 200 on write, got %d (%s)", write.Code, write.Body.String())
	}
	result := decodeResult(t, write)
	data, _ := result.Data.(map[string]any)
	if data["created"] != true {
		t.Fatalf("expected created write, got %+v", result.Data)
	}

	read := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/rooms/org_1/proj_1/fs/file?path=/business/how-to-start-a-business",
		token:  token,
	})
	if read.Code != http.StatusOK {
		t.Fatalf("expected 200 on read, got %d (%s)", read.Code, read.Body.String())
	}
	var file struct {
		Data workspace.File `json:"data"`
	}
	if err := json.NewDecoder(read.Body).Decode(&file); err != nil {
		t.Fatalf("decode read: %v", err)
	}
	if file.Data.Content != "# Draft\nfirst line" {
		t.Fatalf("unexpected content %q", file.Data.Content)
	}
	if file.Data.Metadata["title"] != "How to start a business" {
		t.Fatalf("unexpected metadata %+v", file.Data.Metadata)
	}

	tree := doRequest(t, server, request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_1/fs/tree?path=/business", token: token})
	if tree.Code != http.StatusOK || !strings.Contains(tree.Body.String(), "how-to-start-a-business") {
		t.Fatalf("expected listing to include the file, got %d (%s)", tree.Code, tree.Body.String())
	}

	archive := doRequest(t, server, request{
		method: http.MethodPut,
		path:   "/v1/rooms/org_1/proj_1/fs/file",
		token:  token,
		body:   map[string]any{"path": "/archive/readme", "content": "old posts", "createIfMissing": true},
	})
	if archive.Code != http.StatusOK {
		t.Fatalf("expected 200 on archive write, got %d (%s)", archive.Code, archive.Body.String())
	}
	move := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/rooms/org_1/proj_1/fs/move",
		token:  token,
		body:   map[string]string{"from": "/business/how-to-start-a-business", "to": "/archive"},
	})
	if move.Code != http.StatusOK {
		t.Fatalf("expected 200 on move, got %d (%s)", move.Code, move.Body.String())
	}
	if !strings.Contains(move.Body.String(), "/archive/how-to-start-a-business") {
		t.Fatalf("expected moved path in response, got %s", move.Body.String())
	}

	missing := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/rooms/org_1/proj_1/fs/file?path=/business/how-to-start-a-business",
		token:  token,
	})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after move, got %d", missing.Code)
	}
	if decodeResult(t, missing).Code != workspace.CodeNotFound {
		t.Fatalf("expected NotFound code")
	}

	notEmpty := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/rooms/org_1/proj_1/fs/file?path=/archive", token: token})
	if notEmpty.Code != http.StatusConflict {
		t.Fatalf("expected 409 deleting non-empty dir, got %d", notEmpty.Code)
	}
	deleted := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/rooms/org_1/proj_1/fs/file?path=/archive&recursive=true", token: token})
	if deleted.Code != http.StatusOK {
		t.Fatalf("expected 200 on recursive delete, got %d (%s)", deleted.Code, deleted.Body.String())
	}

	state := doRequest(t, server, request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_1/state", token: token})
	var view roomStateView
	if err := json.NewDecoder(state.Body).Decode(&view); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !view.Loaded || view.Dirty || view.LastSaved == nil {
		t.Fatalf("expected a loaded, checkpointed room, got %+v", view)
	}
	if _, ok := registry.Lookup(room.Key{Tenant: "org_1", Workspace: "proj_1"}); !ok {
		t.Fatalf("expected room to be loaded")
	}
}

func TestWriteRejectsInvalidBodies(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 512})
	token := mustToken(t, "org_1", "", ScopeWrite)

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed json", "{", http.StatusBadRequest},
		{"unknown field", map[string]any{"path": "/a", "bogus": true}, http.StatusBadRequest},
		{"unknown metadata key", map[string]any{"path": "/a", "metadata": []map[string]string{{"key": "colour", "value": "red"}}}, http.StatusBadRequest},
		{"bad weekday", map[string]any{"path": "/a", "context": map[string]any{"cadence": map[string]any{"period": "daily", "frequency": 1, "allowedDays": []string{"funday"}}}}, http.StatusBadRequest},
		{"body too large", map[string]any{"path": "/a", "content": strings.Repeat("x", 1024)}, http.StatusRequestEntityTooLarge},
		{"missing path", map[string]any{"path": "/missing", "content": "x"}, http.StatusNotFound},
		{"queued without cadence", map[string]any{"path": "/a", "createIfMissing": true, "metadata": []map[string]string{{"key": "status", "value": "queued"}}}, http.StatusUnprocessableEntity},
		{"cadence without days", map[string]any{
			"path":            "/a",
			"createIfMissing": true,
			"metadata":        []map[string]string{{"key": "status", "value": "queued"}},
			"context":         map[string]any{"cadence": map[string]any{"period": "weekly", "frequency": 2, "allowedDays": []string{}}},
		}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, server, request{method: http.MethodPut, path: "/v1/rooms/org_1/proj_1/fs/file", token: token, body: tc.body})
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRateLimitingByRoomAndAgent(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{RateLimitPerSecond: 0.001, RateLimitBurst: 2})
	token := mustToken(t, "org_1", "", ScopeRead)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_1/fs/tree", token: token})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, rec.Code, rec.Body.String())
		}
	}
	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_1/fs/tree", token: token})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the burst, got %d", denied.Code)
	}
	if denied.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	other := doRequest(t, server, request{method: http.MethodGet, path: "/v1/rooms/org_1/proj_2/fs/tree", token: token})
	if other.Code != http.StatusOK {
		t.Fatalf("expected a separate budget for another room, got %d", other.Code)
	}
}

func TestAdminRoomsAndFlush(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	writer := mustToken(t, "org_1", "proj_1", ScopeWrite)
	rec := doRequest(t, server, request{
		method: http.MethodPut,
		path:   "/v1/rooms/org_1/proj_1/fs/file",
		token:  writer,
		body:   map[string]any{"path": "/notes", "content": "hello", "createIfMissing": true},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("write failed: %d (%s)", rec.Code, rec.Body.String())
	}

	admin := mustToken(t, "", "", ScopeAdmin)
	rooms := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/rooms", token: admin})
	if rooms.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rooms.Code, rooms.Body.String())
	}
	var payload struct {
		Rooms []roomStateView `json:"rooms"`
	}
	if err := json.NewDecoder(rooms.Body).Decode(&payload); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(payload.Rooms) != 1 || payload.Rooms[0].Room != "org_1/proj_1" {
		t.Fatalf("unexpected rooms %+v", payload.Rooms)
	}

	flush := doRequest(t, server, request{method: http.MethodPost, path: "/v1/admin/flush", token: admin})
	if flush.Code != http.StatusOK {
		t.Fatalf("expected 200 on flush, got %d (%s)", flush.Code, flush.Body.String())
	}
}

func dialSync(t *testing.T, ctx context.Context, baseURL, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/sync?access_token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial sync: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, msg relay.Message) {
	t.Helper()
	frame, err := relay.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) relay.Message {
	t.Helper()
	_, frame, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	msg, err := relay.Decode(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func TestSyncRelaysUpdatesBetweenPeers(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	token := mustToken(t, "org_1", "proj_1", ScopeSync)

	alice := dialSync(t, ctx, httpServer.URL, token)
	writeMessage(t, ctx, alice, relay.Join{RoomID: "org_1/proj_1", CRDTType: relay.CRDTType})
	if _, ok := readMessage(t, ctx, alice).(relay.JoinResponse); !ok {
		t.Fatalf("expected join response for alice")
	}

	bob := dialSync(t, ctx, httpServer.URL, token)
	writeMessage(t, ctx, bob, relay.Join{RoomID: "org_1/proj_1", CRDTType: relay.CRDTType})
	if _, ok := readMessage(t, ctx, bob).(relay.JoinResponse); !ok {
		t.Fatalf("expected join response for bob")
	}

	doc := crdt.NewDoc(7)
	if err := doc.Set("root", "meta:title", "launch plan"); err != nil {
		t.Fatalf("set title: %v", err)
	}
	update, err := doc.TakeLocalUpdate()
	if err != nil {
		t.Fatalf("take update: %v", err)
	}
	writeMessage(t, ctx, alice, relay.Update{RoomID: "org_1/proj_1", CRDTType: relay.CRDTType, Updates: [][]byte{update}})

	got, ok := readMessage(t, ctx, bob).(relay.Update)
	if !ok {
		t.Fatalf("expected bob to receive the update")
	}
	replica := crdt.NewDoc(8)
	for _, u := range got.Updates {
		if err := replica.ApplyUpdate(u); err != nil {
			t.Fatalf("apply relayed update: %v", err)
		}
	}
	if title, _ := replica.Get("root", "meta:title"); title != "launch plan" {
		t.Fatalf("expected relayed title, got %q", title)
	}
}

func TestSyncJoinOutsideTokenIsRejected(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialSync(t, ctx, httpServer.URL, mustToken(t, "org_1", "proj_1", ScopeSync))
	writeMessage(t, ctx, conn, relay.Join{RoomID: "org_2/proj_1", CRDTType: relay.CRDTType})
	joinErr, ok := readMessage(t, ctx, conn).(relay.JoinError)
	if !ok {
		t.Fatalf("expected join error")
	}
	if !strings.Contains(joinErr.Message, "org_2/proj_1") {
		t.Fatalf("unexpected join error %q", joinErr.Message)
	}
}

func TestSyncRequiresSyncScope(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   fmt.Sprintf("/v1/sync?access_token=%s", mustToken(t, "org_1", "", ScopeRead)),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
