package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

// Hub maintains active websocket rooms plus in-process subscribers, and
// holds the current typing roster per chat.
type Hub struct {
	rooms    map[string]map[*websocket.Conn]bool
	connInfo map[string]map[*websocket.Conn]ConnInfo

	nextSubID   int64
	subscribers map[string]map[int64]func(models.SyncEvent)

	typing map[string]map[string]models.TypingSignal

	mu sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:       make(map[string]map[*websocket.Conn]bool),
		connInfo:    make(map[string]map[*websocket.Conn]ConnInfo),
		subscribers: make(map[string]map[int64]func(models.SyncEvent)),
		typing:      make(map[string]map[string]models.TypingSignal),
	}
}

// AddClient registers a websocket connection to a chat room.
func (h *Hub) AddClient(chatID string, conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[chatID]; !ok {
		h.rooms[chatID] = make(map[*websocket.Conn]bool)
	}
	h.rooms[chatID][conn] = true
	if _, ok := h.connInfo[chatID]; !ok {
		h.connInfo[chatID] = make(map[*websocket.Conn]ConnInfo)
	}
	h.connInfo[chatID][conn] = info
}

// RemoveClient removes a chat websocket connection.
func (h *Hub) RemoveClient(chatID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[chatID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, chatID)
		}
	}
	if infos, ok := h.connInfo[chatID]; ok {
		delete(infos, conn)
		if len(infos) == 0 {
			delete(h.connInfo, chatID)
		}
	}
}

// Subscribe registers an in-process listener for a chat's events. The
// returned release function is idempotent.
func (h *Hub) Subscribe(chatID string, fn func(models.SyncEvent)) func() {
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[chatID]; !ok {
		h.subscribers[chatID] = make(map[int64]func(models.SyncEvent))
	}
	h.subscribers[chatID][id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subscribers[chatID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(h.subscribers, chatID)
				}
			}
		})
	}
}

// BroadcastWindow pushes the newest message window to every client and
// subscriber of a chat.
func (h *Hub) BroadcastWindow(chatID string, msgs []models.Message) {
	h.broadcast(chatID, models.SyncEvent{Type: "messages", ChatID: chatID, Messages: msgs})
}

// BroadcastDeletion notifies clients of a delete-for-all event.
func (h *Hub) BroadcastDeletion(chatID, messageID string) {
	h.broadcast(chatID, models.SyncEvent{Type: "delete_for_all", ChatID: chatID, MessageID: messageID})
}

// SetTyping records a typing signal and broadcasts the fresh roster.
func (h *Hub) SetTyping(chatID string, sig models.TypingSignal) {
	h.mu.Lock()
	if _, ok := h.typing[chatID]; !ok {
		h.typing[chatID] = make(map[string]models.TypingSignal)
	}
	h.typing[chatID][sig.UserID] = sig
	h.mu.Unlock()
	h.broadcastTyping(chatID)
}

// ClearTyping drops a user's typing signal and broadcasts the remainder.
func (h *Hub) ClearTyping(chatID, userID string) {
	h.mu.Lock()
	if sigs, ok := h.typing[chatID]; ok {
		delete(sigs, userID)
		if len(sigs) == 0 {
			delete(h.typing, chatID)
		}
	}
	h.mu.Unlock()
	h.broadcastTyping(chatID)
}

// TypingSignals returns the current signals for a chat, stale ones
// included. Receivers apply TTL filtering themselves.
func (h *Hub) TypingSignals(chatID string) []models.TypingSignal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.TypingSignal, 0, len(h.typing[chatID]))
	for _, sig := range h.typing[chatID] {
		out = append(out, sig)
	}
	return out
}

func (h *Hub) broadcastTyping(chatID string) {
	h.broadcast(chatID, models.SyncEvent{Type: "typing", ChatID: chatID, Typing: h.TypingSignals(chatID)})
}

func (h *Hub) broadcast(chatID string, event models.SyncEvent) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.rooms[chatID]))
	for conn := range h.rooms[chatID] {
		conns = append(conns, conn)
	}
	subs := make([]func(models.SyncEvent), 0, len(h.subscribers[chatID]))
	for _, fn := range h.subscribers[chatID] {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	payload, _ := json.Marshal(event)
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("websocket write error: %v", err)
			conn.Close()
			h.publishWSError(chatID, conn, err)
			h.RemoveClient(chatID, conn)
		}
	}
	for _, fn := range subs {
		fn(event)
	}
}

func (h *Hub) publishWSError(chatID string, conn *websocket.Conn, err error) {
	info, ok := h.getConnInfo(chatID, conn)
	if !ok {
		return
	}

	payload := map[string]any{
		"ws": map[string]any{
			"chat_id":     chatID,
			"event":       "ws_error",
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      err.Error(),
		},
		"identity": map[string]any{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	_ = observability.PublishEvent(context.Background(), "ws_events.chats", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_error",
		Payload:   payload,
	}, headers)
	observability.IncWSEvent("chat", "ws_error")
}

func (h *Hub) getConnInfo(chatID string, conn *websocket.Conn) (ConnInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if infos, ok := h.connInfo[chatID]; ok {
		info, exists := infos[conn]
		return info, exists
	}
	return ConnInfo{}, false
}
