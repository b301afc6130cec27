package models

// Kind discriminates the message payload variants.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

// Status is the delivery state of a message.
//
// sending -> sent -> delivered -> read, with a failed branch out of
// sending and failed -> sending on manual retry. Transitions along the
// main chain are monotonic.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s on the sending->read chain.
// failed sits outside the chain and ranks alongside sending.
func (s Status) Rank() int {
	return statusRank[s]
}

// MaxStatus picks the further-along of two statuses on the main chain,
// so a confirmed status never regresses.
func MaxStatus(a, b Status) Status {
	if a == StatusFailed && b.Rank() == 0 {
		return a
	}
	if b == StatusFailed && a.Rank() == 0 {
		return b
	}
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// Message is the canonical entity of the merged conversation view.
//
// ID is the server-assigned identifier and is empty until the message is
// confirmed. ProvisionalID is the client-assigned identifier carried while
// the message is unconfirmed; the snapshot merge clears it when the
// confirmed counterpart arrives.
type Message struct {
	ID            string   `json:"id,omitempty"`
	ProvisionalID string   `json:"provisional_id,omitempty"`
	ChatID        string   `json:"chat_id"`
	SenderID      string   `json:"sender_id"`
	Kind          Kind     `json:"kind"`
	Text          string   `json:"text,omitempty"`
	Attachments   []string `json:"attachments,omitempty"`
	// CreatedAt is normalized to epoch milliseconds before any comparison.
	CreatedAt int64    `json:"created_at"`
	Status    Status   `json:"status"`
	ReadBy    []string `json:"read_by,omitempty"`
}

// Confirmed reports whether the server has assigned an identifier.
func (m Message) Confirmed() bool {
	return m.ID != ""
}

// Provisional reports whether the message is still identified only by its
// client-assigned id.
func (m Message) Provisional() bool {
	return m.ID == "" && m.ProvisionalID != ""
}

// ReadByUser reports whether userID has acknowledged the message.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MergeReadBy unites two readBy sets. Receipts only grow.
func MergeReadBy(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, id := range set {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// SyncEvent is broadcast through websockets to live-feed subscribers.
type SyncEvent struct {
	Type      string         `json:"type"`
	ChatID    string         `json:"chat_id"`
	Messages  []Message      `json:"messages,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Typing    []TypingSignal `json:"typing,omitempty"`
}

// TypingSignal is one participant's typing indicator with its expiry data.
type TypingSignal struct {
	UserID    string `json:"user_id"`
	UpdatedAt int64  `json:"updated_at"`
	TTLMillis int64  `json:"ttl_ms"`
}
