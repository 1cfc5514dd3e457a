package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/inspire-gateway/internal/auth"
	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/core"
	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/provider"
	"gwi.com/inspire-gateway/internal/store"
	"gwi.com/inspire-gateway/internal/stream"
)

type testEnv struct {
	srv    *httptest.Server
	db     *store.SQLStore
	signer *auth.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	demo := catalog.ToolConfig{ID: "demo", Name: "Demo", ProviderType: catalog.ProviderNone, Category: "chat"}
	require.NoError(t, db.UpsertTool(context.Background(), demo.StoreTool()))

	signer, err := auth.NewSigner("test-secret", time.Hour)
	require.NoError(t, err)

	reg := provider.NewRegistry(provider.Options{Pick: func(int) int { return 0 }}, catalog.StaticCredentials{}, nil)
	h := NewAPIHandler(Deps{
		Conversations: core.NewConversationService(db, catalog.NewStoreResolver(db)),
		Gateway:       core.NewGateway(media.NewCodec(0), core.NewRecorder(db, nil), core.DefaultHistoryLimit, nil),
		Builder:       reg,
		Signer:        signer,
		DB:            db,
	})
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, db: db, signer: signer}
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.signer.GenerateJWT(user)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) createConversation(t *testing.T, user string) store.Conversation {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/conversations", user, map[string]string{"tool_id": "demo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv store.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	return conv
}

func (e *testEnv) wsURL(convID, token string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/conversations/" + convID + "/stream"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer nope")
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
}

func TestConversationEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conv := env.createConversation(t, "alice")
	assert.Equal(t, "Conversation with Demo", conv.Title)
	assert.Equal(t, "alice", conv.UserID)

	resp := env.do(t, http.MethodPost, "/api/conversations", "alice", map[string]string{"tool_id": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/conversations", "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var details ConversationDetailsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&details))
	assert.Equal(t, conv.ID, details.ID)
	assert.Empty(t, details.Messages)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/conversations/unknown", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []store.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestStreamRefusals(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conv := env.createConversation(t, "alice")

	tests := []struct {
		name   string
		url    string
		status int
	}{
		{"anonymous", env.wsURL(conv.ID, ""), http.StatusUnauthorized},
		{"not the owner", env.wsURL(conv.ID, env.token(t, "bob")), http.StatusForbidden},
		{"unknown conversation", env.wsURL("unknown", env.token(t, "alice")), http.StatusNotFound},
	}
	for _, tt := range tests {
		_, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake, tt.name)
		assert.Equal(t, tt.status, resp.StatusCode, tt.name)
	}
}

func TestStreamTurn(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conv := env.createConversation(t, "alice")

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(conv.ID, env.token(t, "alice")), nil)
	require.NoError(t, err)
	defer conn.Close()

	// A second session on the same conversation is refused.
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(conv.ID, env.token(t, "alice")), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, conn.WriteJSON(core.Inbound{Message: "Hello"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f stream.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.True(t, f.Done)
	assert.Equal(t, stream.FrameMessage, f.Type)

	msgs, err := env.db.ListMessages(context.Background(), conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	// Closing frees the conversation for a new session.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(env.wsURL(conv.ID, env.token(t, "alice")), nil)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
}
