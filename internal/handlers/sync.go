package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/clock"
	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/presence"
	"chat-sync/internal/repositories"
	"chat-sync/internal/sync"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/transport"
)

// SyncHandler exposes the per-conversation sync engine over HTTP. Every
// route resolves the caller's engine through the manager, so each device
// session observes its own reconciled view.
type SyncHandler struct {
	chatRepo    repositories.ChatRepository
	messageRepo repositories.MessageRepository
	engines     *sync.Manager
	repoFeed    *transport.RepoFeed
	roster      *presence.Roster
	audit       *telemetry.AuditEmitter
}

// NewSyncHandler builds a SyncHandler.
func NewSyncHandler(chatRepo repositories.ChatRepository, messageRepo repositories.MessageRepository, engines *sync.Manager, repoFeed *transport.RepoFeed, roster *presence.Roster, audit *telemetry.AuditEmitter) *SyncHandler {
	return &SyncHandler{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		engines:     engines,
		repoFeed:    repoFeed,
		roster:      roster,
		audit:       audit,
	}
}

// StartChat creates or returns the conversation for a participant set.
func (h *SyncHandler) StartChat(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req struct {
		Participants []string `json:"participants" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	participants := req.Participants
	if !containsUser(participants, userID) {
		participants = append(participants, userID)
	}

	chat, err := h.chatRepo.CreateOrGetChat(c.Request.Context(), participants)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chat_id": chat.ID})
}

// GetChat returns the conversation with the caller's unread counter.
func (h *SyncHandler) GetChat(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}

	chat, err := h.chatRepo.GetChat(c.Request.Context(), chatID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrChatNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "chat not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chat":   chat,
		"unread": chat.UnreadCount[userID],
	})
}

// GetMessages returns the caller's reconciled message view plus the
// retry queue composition.
func (h *SyncHandler) GetMessages(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}

	engine, err := h.engines.Get(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open sync session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": engine.Messages(),
		"queue":    engine.QueueStatus(),
	})
}

// PostMessage runs the optimistic send path. The response carries the
// message as it stands after the first attempt, which may already be
// failed; transient failures are not errors here.
func (h *SyncHandler) PostMessage(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}

	var req struct {
		ProvisionalID string   `json:"provisional_id"`
		Kind          string   `json:"kind"`
		Text          string   `json:"text"`
		Attachments   []string `json:"attachments"`
		CreatedAt     int64    `json:"created_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = string(models.KindText)
	}

	engine, err := h.engines.Get(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open sync session"})
		return
	}

	out := feed.OutgoingMessage{
		ProvisionalID: req.ProvisionalID,
		Kind:          models.Kind(req.Kind),
		Text:          req.Text,
		Attachments:   req.Attachments,
		// Clients send seconds, millis, or nothing; normalize here so
		// everything downstream works in epoch millis.
		CreatedAt: clock.EpochMillis(req.CreatedAt),
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = clock.NowMillis()
	}

	msg, err := engine.Send(c.Request.Context(), out)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, feed.ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(err, feed.ErrPermission):
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	engine.TypingStop(c.Request.Context())
	h.audit.Emit(c.Request.Context(), "info", "message send attempted",
		requestIDFromContext(c), userID, chatID, msg.ProvisionalID)
	c.JSON(http.StatusAccepted, msg)
}

// GetOlderMessages pages history in beneath the live window.
func (h *SyncHandler) GetOlderMessages(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}

	before, err := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
		return
	}
	// Second-resolution cursors are scaled up to millis.
	before = clock.EpochMillis(before)
	if before == 0 {
		before = clock.NowMillis()
	}

	engine, err := h.engines.Get(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open sync session"})
		return
	}

	added, hasMore, err := engine.LoadOlder(c.Request.Context(), before)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"added":    added,
		"has_more": hasMore,
		"messages": engine.Messages(),
	})
}

// RetryMessage re-attempts a failed send by its provisional id.
func (h *SyncHandler) RetryMessage(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	provisionalID := c.Param("message_id")

	engine, err := h.engines.Get(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open sync session"})
		return
	}

	msg, err := engine.Retry(c.Request.Context(), provisionalID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, sync.ErrUnknownMessage):
			status = http.StatusNotFound
		case errors.Is(err, sync.ErrNotFailed):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.audit.Emit(c.Request.Context(), "info", "message retry requested",
		requestIDFromContext(c), userID, chatID, provisionalID)
	c.JSON(http.StatusAccepted, msg)
}

// MarkRead records read receipts for the listed messages.
func (h *SyncHandler) MarkRead(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}

	var req struct {
		MessageIDs []string `json:"message_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	engine, err := h.engines.Get(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open sync session"})
		return
	}

	if err := engine.MarkRead(c.Request.Context(), req.MessageIDs); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to deliver read receipts"})
		return
	}

	c.Status(http.StatusNoContent)
}

// EditMessage replaces the text of a confirmed message the caller sent.
func (h *SyncHandler) EditMessage(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	messageID := c.Param("message_id")

	if clock.IsProvisionalID(messageID) {
		c.JSON(http.StatusConflict, gin.H{"error": sync.ErrProvisionalTarget.Error()})
		return
	}

	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messageRepo.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrMessageNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "message not found"})
		return
	}
	if msg.ChatID != chatID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message does not belong to chat"})
		return
	}
	if msg.SenderID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only sender can edit"})
		return
	}

	if err := h.messageRepo.UpdateText(c.Request.Context(), messageID, req.Text); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not edit message"})
		return
	}

	h.audit.Emit(c.Request.Context(), "info", "message edited",
		requestIDFromContext(c), userID, chatID, "")
	c.Status(http.StatusNoContent)
}

// DeleteMessageForAll removes a message for every participant. Only the
// sender may do this, and only once the message is confirmed.
func (h *SyncHandler) DeleteMessageForAll(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	messageID := c.Param("message_id")

	if clock.IsProvisionalID(messageID) {
		c.JSON(http.StatusConflict, gin.H{"error": sync.ErrProvisionalTarget.Error()})
		return
	}

	msg, err := h.messageRepo.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrMessageNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "message not found"})
		return
	}
	if msg.ChatID != chatID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message does not belong to chat"})
		return
	}
	if msg.SenderID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only sender can delete for all"})
		return
	}

	if err := h.repoFeed.DeleteForAll(c.Request.Context(), chatID, messageID, userID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrMessageNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "could not delete message"})
		return
	}

	h.audit.Emit(c.Request.Context(), "info", "message deleted for all",
		requestIDFromContext(c), userID, chatID, "")
	c.Status(http.StatusNoContent)
}

// DeleteMessageForMe removes a confirmed message from the caller's local
// view only. Other participants keep it.
func (h *SyncHandler) DeleteMessageForMe(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	messageID := c.Param("message_id")

	engine, err := h.engines.Get(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open sync session"})
		return
	}

	if err := engine.Delete(messageID); err != nil {
		if errors.Is(err, sync.ErrProvisionalTarget) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete message"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Typing forwards a keystroke or an explicit stop.
func (h *SyncHandler) Typing(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}

	var req struct {
		Typing bool `json:"typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	engine, err := h.engines.Get(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open sync session"})
		return
	}

	if req.Typing {
		engine.TypingInput(c.Request.Context())
	} else {
		engine.TypingStop(c.Request.Context())
	}
	h.roster.Touch(userID)
	c.Status(http.StatusNoContent)
}

// StopTyping withdraws the caller's typing signal immediately.
func (h *SyncHandler) StopTyping(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}

	engine, err := h.engines.Get(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open sync session"})
		return
	}

	engine.TypingStop(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// Connectivity feeds an online/offline transition to the caller's retry
// queue. Regaining connectivity flushes pending sends immediately.
func (h *SyncHandler) Connectivity(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}

	var req struct {
		Online bool `json:"online"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	engine, err := h.engines.Get(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open sync session"})
		return
	}

	engine.SetOnline(c.Request.Context(), req.Online)
	if req.Online {
		h.roster.Touch(userID)
	}
	c.Status(http.StatusNoContent)
}

// GetPresence reports a user's presence derived from their last-seen age.
func (h *SyncHandler) GetPresence(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	c.JSON(http.StatusOK, h.roster.Get(c.Param("user_id")))
}

// CloseSession releases the caller's engine for a conversation.
func (h *SyncHandler) CloseSession(c *gin.Context) {
	userID, chatID, ok := h.requireParticipant(c)
	if !ok {
		return
	}

	h.engines.Release(chatID, userID)
	h.audit.Emit(c.Request.Context(), "info", "sync session closed",
		requestIDFromContext(c), userID, chatID, "")
	c.Status(http.StatusNoContent)
}

// requireParticipant resolves the caller and verifies chat membership.
func (h *SyncHandler) requireParticipant(c *gin.Context) (userID, chatID string, ok bool) {
	userID, ok = requireUser(c)
	if !ok {
		return "", "", false
	}
	chatID = c.Param("chat_id")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return "", "", false
	}

	member, err := h.chatRepo.IsParticipant(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return "", "", false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return "", "", false
	}
	return userID, chatID, true
}

func containsUser(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}
