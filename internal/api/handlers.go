package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/auth"
	"gwi.com/inspire-gateway/internal/core"
	"gwi.com/inspire-gateway/internal/session"
	"gwi.com/inspire-gateway/internal/store"
	"gwi.com/inspire-gateway/internal/stream"
)

type ctxKey string

const userIDKey ctxKey = "userID"

// UserID returns the authenticated principal of r.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// Pinger reports whether the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Conversations *core.ConversationService
	Gateway       session.TurnHandler
	Builder       core.Builder
	Signer        *auth.Signer
	Locker        session.Locker
	Session       session.Config
	DB            Pinger
	Logger        *zap.Logger
	// SessionContext bounds every websocket session; cancelling it closes
	// them all. Hijacked connections outlive http.Server.Shutdown otherwise.
	SessionContext context.Context
}

type APIHandler struct {
	conversations *core.ConversationService
	gateway       session.TurnHandler
	builder       core.Builder
	signer        *auth.Signer
	locker        session.Locker
	sessionCfg    session.Config
	upgrader      *websocket.Upgrader
	db            Pinger
	sessionCtx    context.Context
	logger        *zap.Logger
}

func NewAPIHandler(d Deps) *APIHandler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Locker == nil {
		d.Locker = session.NewMemoryLocker()
	}
	if d.SessionContext == nil {
		d.SessionContext = context.Background()
	}
	return &APIHandler{
		conversations: d.Conversations,
		gateway:       d.Gateway,
		builder:       d.Builder,
		signer:        d.Signer,
		locker:        d.Locker,
		sessionCfg:    d.Session,
		upgrader:      session.NewUpgrader(d.Session.AllowedOrigins),
		db:            d.DB,
		sessionCtx:    d.SessionContext,
		logger:        d.Logger.Named("api"),
	}
}

// JWTAuthMiddleware accepts a bearer token, or a token query parameter for
// browser websocket clients that cannot set headers.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		userID, err := h.signer.ValidateJWT(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Warn("Health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type CreateConversationRequest struct {
	ToolID string `json:"tool_id"`
	// Title left out gets a default; an empty title is filled by the first message.
	Title *string `json:"title,omitempty"`
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.ToolID == "" {
		writeError(w, http.StatusBadRequest, "tool_id is required")
		return
	}

	conv, err := h.conversations.StartConversation(r.Context(), userID, req.ToolID, req.Title)
	if err != nil {
		if errors.Is(err, stream.ErrToolNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("Error creating conversation", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())

	convs, err := h.conversations.ListConversations(r.Context(), userID)
	if err != nil {
		h.logger.Error("Error listing conversations", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type ConversationDetailsResponse struct {
	*store.Conversation
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	conv, messages, err := h.conversations.GetConversationDetails(r.Context(), conversationID, userID)
	if !h.checkConversation(w, conv, err, conversationID) {
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, ConversationDetailsResponse{Conversation: conv, Messages: messages})
}

// StreamHandler upgrades to the conversation's websocket session. Every
// refusal is a plain HTTP status sent before the upgrade.
func (h *APIHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	conv, err := h.conversations.Authorize(r.Context(), conversationID, userID)
	if !h.checkConversation(w, conv, err, conversationID) {
		return
	}
	tool, err := h.conversations.ResolveTool(r.Context(), conv)
	if err != nil {
		if errors.Is(err, stream.ErrToolNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("Error resolving tool", zap.String("tool_id", conv.ToolID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to resolve tool")
		return
	}

	sessionID := uuid.NewString()
	if err := h.locker.Acquire(r.Context(), conv.ID, sessionID); err != nil {
		if errors.Is(err, session.ErrConversationInUse) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("Error locking conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to open session")
		return
	}
	defer func() {
		if err := h.locker.Release(context.WithoutCancel(r.Context()), conv.ID, sessionID); err != nil {
			h.logger.Warn("Failed to release conversation lock", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		h.logger.Info("WebSocket upgrade failed", zap.Error(err))
		return
	}

	d := core.NewDispatcher(h.builder, tool)
	defer func() {
		if err := d.Close(); err != nil {
			h.logger.Warn("Failed to close provider clients", zap.Error(err))
		}
	}()

	s := session.New(sessionID, conn, conv.ID, h.gateway, d, h.locker, h.sessionCfg, h.logger)
	if err := s.Run(h.sessionCtx); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("Session ended with error", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// checkConversation writes the HTTP error for a failed ownership lookup.
func (h *APIHandler) checkConversation(w http.ResponseWriter, conv *store.Conversation, err error, conversationID string) bool {
	switch {
	case errors.Is(err, core.ErrForbidden):
		writeError(w, http.StatusForbidden, "Conversation belongs to another user")
		return false
	case err != nil:
		h.logger.Error("Error loading conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load conversation")
		return false
	case conv == nil:
		writeError(w, http.StatusNotFound, "Conversation not found")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
