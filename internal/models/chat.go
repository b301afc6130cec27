package models

import "time"

// Chat is the conversation context the sync engine reads but never owns.
// Participant membership is only needed to know which side is "self" when
// filtering read receipts.
type Chat struct {
	ID               string            `json:"id"`
	Participants     []string          `json:"participants"`
	ParticipantNames map[string]string `json:"participant_names,omitempty"`
	LastMessage      *LastMessage      `json:"last_message,omitempty"`
	UnreadCount      map[string]int    `json:"unread_count,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// LastMessage is the per-chat summary shown in chat lists.
type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Chat) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// PresenceState is a participant's coarse availability.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceAway    PresenceState = "away"
	PresenceOffline PresenceState = "offline"
)

// PresenceRecord is the ephemeral per-user presence entry. It is never
// persisted with message history.
type PresenceRecord struct {
	UserID     string        `json:"user_id"`
	State      PresenceState `json:"state"`
	LastSeenAt int64         `json:"last_seen_at"`
}
