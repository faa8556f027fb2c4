package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duochat/duochat/internal/v1/presence"
	"github.com/duochat/duochat/internal/v1/store"
	"github.com/duochat/duochat/internal/v1/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// principalMiddleware injects a fixed principal, standing in for the
// bearer-token middleware.
func principalMiddleware(p types.Principal) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(principalKey, p)
		c.Next()
	}
}

type testAPI struct {
	store    *store.MockStore
	registry *presence.Registry
	engine   *gin.Engine
}

func newTestAPI(t *testing.T, caller types.UserID) *testAPI {
	t.Helper()
	ms := store.NewMockStore()
	registry := presence.NewRegistry(nil)
	h := NewHandler(ms, registry)

	r := gin.New()
	g := r.Group("/api/v1")
	g.Use(principalMiddleware(types.Principal{ID: caller, Username: string(caller)}))
	h.Register(g)

	return &testAPI{store: ms, registry: registry, engine: r}
}

func (a *testAPI) seedUser(t *testing.T, id types.UserID) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, a.store.CreateUser(context.Background(), &store.User{
		ID:        id,
		Username:  string(id),
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func TestCreateConversation(t *testing.T) {
	a := newTestAPI(t, "anna")
	a.seedUser(t, "anna")
	a.seedUser(t, "ben")

	w := a.do(t, http.MethodPost, "/api/v1/conversations", `{"participantId":"ben"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])
	assert.EqualValues(t, 0, resp["unreadCount"])

	// A second call returns the same conversation instead of a new one.
	w = a.do(t, http.MethodPost, "/api/v1/conversations", `{"participantId":"ben"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var second map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, resp["id"], second["id"])
}

func TestCreateConversation_SelfRejected(t *testing.T) {
	a := newTestAPI(t, "anna")
	a.seedUser(t, "anna")

	w := a.do(t, http.MethodPost, "/api/v1/conversations", `{"participantId":"anna"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateConversation_UnknownParticipant(t *testing.T) {
	a := newTestAPI(t, "anna")
	a.seedUser(t, "anna")

	w := a.do(t, http.MethodPost, "/api/v1/conversations", `{"participantId":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateConversation_MissingBody(t *testing.T) {
	a := newTestAPI(t, "anna")

	w := a.do(t, http.MethodPost, "/api/v1/conversations", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListConversations(t *testing.T) {
	a := newTestAPI(t, "anna")
	a.seedUser(t, "anna")
	a.seedUser(t, "ben")

	conv, err := a.store.CreateConversation(context.Background(), "anna", "ben")
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, "/api/v1/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Conversations []map[string]any `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, string(conv.ID), resp.Conversations[0]["id"])
}

func TestListMessages(t *testing.T) {
	a := newTestAPI(t, "anna")
	a.seedUser(t, "anna")
	a.seedUser(t, "ben")

	ctx := context.Background()
	conv, err := a.store.CreateConversation(ctx, "anna", "ben")
	require.NoError(t, err)
	require.NoError(t, a.store.CreateMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		SenderID:       "ben",
		Content:        "hello",
		MessageType:    store.MessageTypeText,
	}))

	w := a.do(t, http.MethodGet, "/api/v1/conversations/"+string(conv.ID)+"/messages", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Messages []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hello", resp.Messages[0]["content"])
	assert.Equal(t, "sent", resp.Messages[0]["status"])
}

func TestListMessages_NotParticipant(t *testing.T) {
	a := newTestAPI(t, "mallory")
	a.seedUser(t, "anna")
	a.seedUser(t, "ben")

	conv, err := a.store.CreateConversation(context.Background(), "anna", "ben")
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, "/api/v1/conversations/"+string(conv.ID)+"/messages", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListMessages_UnknownConversation(t *testing.T) {
	a := newTestAPI(t, "anna")

	w := a.do(t, http.MethodGet, "/api/v1/conversations/missing/messages", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListMessages_InvalidLimit(t *testing.T) {
	a := newTestAPI(t, "anna")
	a.seedUser(t, "anna")
	a.seedUser(t, "ben")

	conv, err := a.store.CreateConversation(context.Background(), "anna", "ben")
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, "/api/v1/conversations/"+string(conv.ID)+"/messages?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	r := gin.New()
	r.Use(AuthMiddleware(nil))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
