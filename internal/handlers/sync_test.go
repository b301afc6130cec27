package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/feed"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/presence"
	"chat-sync/internal/sync"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/transport"
	"chat-sync/internal/ws"
)

type handlerFixture struct {
	chatRepo    *mocks.ChatRepositoryMock
	messageRepo *mocks.MessageRepositoryMock
	engines     *sync.Manager
	router      *gin.Engine
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &handlerFixture{
		chatRepo:    new(mocks.ChatRepositoryMock),
		messageRepo: new(mocks.MessageRepositoryMock),
	}

	hub := ws.NewHub()
	hubFeed := transport.NewHubFeed(hub, f.messageRepo)
	repoFeed := transport.NewRepoFeed(hub, f.chatRepo, f.messageRepo, 200)
	roster := presence.NewRoster(nil)
	audit := telemetry.NewAuditEmitter(nil, "audit.chat_sync", "chat-sync", "test")

	f.engines = sync.NewManager(func(chatID, selfID string) *sync.Engine {
		return sync.NewEngine(sync.Config{
			ChatID:     chatID,
			SelfID:     selfID,
			Live:       hubFeed,
			History:    repoFeed,
			Sender:     repoFeed,
			ReadMarker: repoFeed,
			Typing:     hubFeed,
		})
	})
	t.Cleanup(f.engines.Close)

	handler := NewSyncHandler(f.chatRepo, f.messageRepo, f.engines, repoFeed, roster, audit)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("userID", id)
		}
		c.Next()
	})
	r.POST("/chats", handler.StartChat)
	r.GET("/chats/:chat_id/messages", handler.GetMessages)
	r.POST("/chats/:chat_id/messages", handler.PostMessage)
	r.POST("/chats/:chat_id/messages/:message_id/retry", handler.RetryMessage)
	r.DELETE("/chats/:chat_id/messages/:message_id", handler.DeleteMessageForMe)
	r.DELETE("/chats/:chat_id/messages/:message_id/all", handler.DeleteMessageForAll)
	r.POST("/chats/:chat_id/read", handler.MarkRead)
	r.POST("/chats/:chat_id/typing", handler.Typing)
	r.GET("/presence/:user_id", handler.GetPresence)
	f.router = r
	return f
}

func (f *handlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBuffer(nil)
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestStartChatAddsCaller(t *testing.T) {
	f := newHandlerFixture(t)

	f.chatRepo.On("CreateOrGetChat", mock.Anything, []string{"bob", "alice"}).
		Return(models.Chat{ID: "c1"}, nil).Once()

	rec := f.do(http.MethodPost, "/chats", `{"participants":["bob"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "c1", resp["chat_id"])
	f.chatRepo.AssertExpectations(t)
}

func TestStartChatRequiresUser(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/chats", bytes.NewBufferString(`{"participants":["bob"]}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetMessagesReturnsReconciledView(t *testing.T) {
	f := newHandlerFixture(t)

	window := []models.Message{
		{ID: "m1", ChatID: "c1", SenderID: "bob", Kind: models.KindText, Text: "hi", CreatedAt: 1000, Status: models.StatusSent},
	}
	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)
	f.messageRepo.On("ListWindow", mock.Anything, "c1", 200).Return(window, nil)

	rec := f.do(http.MethodGet, "/chats/c1/messages", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "m1", resp.Messages[0].ID)
}

func TestGetMessagesForbiddenForNonMember(t *testing.T) {
	f := newHandlerFixture(t)

	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(false, nil).Once()

	rec := f.do(http.MethodGet, "/chats/c1/messages", "")

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostMessageOptimisticSend(t *testing.T) {
	f := newHandlerFixture(t)

	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)
	f.messageRepo.On("ListWindow", mock.Anything, "c1", mock.Anything).Return(nil, nil)
	f.messageRepo.On("CreateMessage", mock.Anything, "c1", "alice", mock.Anything).
		Return(models.Message{ID: "m1", ChatID: "c1", SenderID: "alice", Kind: models.KindText, Text: "hi", Status: models.StatusSent}, nil).Once()
	f.chatRepo.On("TouchLastMessage", mock.Anything, "c1", "alice", "hi").Return(nil).Once()

	rec := f.do(http.MethodPost, "/chats/c1/messages", `{"kind":"text","text":"hi"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp models.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "m1", resp.ID)
	assert.Equal(t, models.StatusSent, resp.Status)
	f.messageRepo.AssertExpectations(t)
}

func TestPostMessageScalesSecondTimestampsToMillis(t *testing.T) {
	f := newHandlerFixture(t)

	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)
	f.messageRepo.On("ListWindow", mock.Anything, "c1", mock.Anything).Return(nil, nil)
	f.messageRepo.On("CreateMessage", mock.Anything, "c1", "alice", mock.MatchedBy(func(out feed.OutgoingMessage) bool {
		return out.CreatedAt == 1_700_000_000_000
	})).Return(models.Message{ID: "m1", ChatID: "c1", SenderID: "alice", Kind: models.KindText, Text: "hi", CreatedAt: 1_700_000_000_000, Status: models.StatusSent}, nil).Once()
	f.chatRepo.On("TouchLastMessage", mock.Anything, "c1", "alice", "hi").Return(nil).Once()

	// A client stamping in unix seconds still lands in epoch millis.
	rec := f.do(http.MethodPost, "/chats/c1/messages", `{"kind":"text","text":"hi","created_at":1700000000}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	f.messageRepo.AssertExpectations(t)
}

func TestPostMessageRejectsEmptyText(t *testing.T) {
	f := newHandlerFixture(t)

	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)
	f.messageRepo.On("ListWindow", mock.Anything, "c1", mock.Anything).Return(nil, nil)

	rec := f.do(http.MethodPost, "/chats/c1/messages", `{"kind":"text","text":"   "}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryUnknownMessageIs404(t *testing.T) {
	f := newHandlerFixture(t)

	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)
	f.messageRepo.On("ListWindow", mock.Anything, "c1", mock.Anything).Return(nil, nil)

	rec := f.do(http.MethodPost, "/chats/c1/messages/prov_missing/retry", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkReadDeliversReceipts(t *testing.T) {
	f := newHandlerFixture(t)

	window := []models.Message{
		{ID: "m1", ChatID: "c1", SenderID: "bob", Kind: models.KindText, Text: "hi", CreatedAt: 1000, Status: models.StatusDelivered, ReadBy: []string{"bob"}},
	}
	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)
	f.messageRepo.On("ListWindow", mock.Anything, "c1", mock.Anything).Return(window, nil)
	f.messageRepo.On("MarkRead", mock.Anything, "c1", []string{"m1"}, "alice").Return(nil).Once()
	f.chatRepo.On("ResetUnread", mock.Anything, "c1", "alice").Return(nil).Once()

	rec := f.do(http.MethodPost, "/chats/c1/read", `{"message_ids":["m1"]}`)

	require.Equal(t, http.StatusNoContent, rec.Code)
	f.messageRepo.AssertExpectations(t)
	f.chatRepo.AssertExpectations(t)
}

func TestDeleteForAllRequiresSender(t *testing.T) {
	f := newHandlerFixture(t)

	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)
	f.messageRepo.On("GetMessage", mock.Anything, "m1").
		Return(models.Message{ID: "m1", ChatID: "c1", SenderID: "bob"}, nil).Once()

	rec := f.do(http.MethodDelete, "/chats/c1/messages/m1/all", "")

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteForAllRejectsProvisionalTarget(t *testing.T) {
	f := newHandlerFixture(t)

	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)

	rec := f.do(http.MethodDelete, "/chats/c1/messages/prov_x/all", "")

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteForAllSuccess(t *testing.T) {
	f := newHandlerFixture(t)

	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)
	f.messageRepo.On("GetMessage", mock.Anything, "m1").
		Return(models.Message{ID: "m1", ChatID: "c1", SenderID: "alice"}, nil).Once()
	f.messageRepo.On("DeleteForAll", mock.Anything, "m1", "alice").Return(nil).Once()
	f.messageRepo.On("ListWindow", mock.Anything, "c1", mock.Anything).Return(nil, nil)

	rec := f.do(http.MethodDelete, "/chats/c1/messages/m1/all", "")

	require.Equal(t, http.StatusNoContent, rec.Code)
	f.messageRepo.AssertExpectations(t)
}

func TestDeleteForMeRemovesFromLocalView(t *testing.T) {
	f := newHandlerFixture(t)

	window := []models.Message{
		{ID: "m1", ChatID: "c1", SenderID: "bob", Kind: models.KindText, Text: "hi", CreatedAt: 1000, Status: models.StatusSent},
	}
	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)
	f.messageRepo.On("ListWindow", mock.Anything, "c1", mock.Anything).Return(window, nil)

	rec := f.do(http.MethodDelete, "/chats/c1/messages/m1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/chats/c1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Messages)
}

func TestTypingInputAndStop(t *testing.T) {
	f := newHandlerFixture(t)

	f.chatRepo.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil)
	f.messageRepo.On("ListWindow", mock.Anything, "c1", mock.Anything).Return(nil, nil)

	rec := f.do(http.MethodPost, "/chats/c1/typing", `{"typing":true}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodPost, "/chats/c1/typing", `{"typing":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGetPresenceUnknownUserIsOffline(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/presence/ghost", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.PresenceRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, models.PresenceOffline, resp.State)
}
