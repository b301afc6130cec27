package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-sync/internal/models"
)

var ErrChatNotFound = errors.New("chat not found")

// ChatRepository manages conversations and their per-participant unread
// counters.
type ChatRepository interface {
	CreateOrGetChat(ctx context.Context, participants []string) (models.Chat, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	TouchLastMessage(ctx context.Context, chatID, senderID, text string) error
	ResetUnread(ctx context.Context, chatID, userID string) error
}

type ChatRepo struct {
	db *sqlx.DB
}

func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

type chatRow struct {
	ID           string         `db:"id"`
	Participants pq.StringArray `db:"participants"`
	LastMessage  sql.NullString `db:"last_message"`
	LastSender   sql.NullString `db:"last_sender"`
	CreatedAt    sql.NullTime   `db:"created_at"`
	UpdatedAt    sql.NullTime   `db:"updated_at"`
}

func (r chatRow) toModel() models.Chat {
	chat := models.Chat{
		ID:           r.ID,
		Participants: []string(r.Participants),
		UnreadCount:  make(map[string]int),
	}
	if r.LastMessage.Valid {
		chat.LastMessage = &models.LastMessage{
			Text:      r.LastMessage.String,
			SenderID:  r.LastSender.String,
			Timestamp: r.UpdatedAt.Time,
		}
	}
	if r.CreatedAt.Valid {
		chat.CreatedAt = r.CreatedAt.Time
	}
	if r.UpdatedAt.Valid {
		chat.UpdatedAt = r.UpdatedAt.Time
	}
	return chat
}

const chatColumns = `id, participants, last_message, last_sender, created_at, updated_at`

// CreateOrGetChat finds the conversation for this exact participant set,
// creating it when missing. Participants are stored sorted so the lookup
// is order-independent.
func (r *ChatRepo) CreateOrGetChat(ctx context.Context, participants []string) (models.Chat, error) {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)

	var row chatRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+chatColumns+` FROM chats WHERE participants = $1`, pq.StringArray(sorted))
	if err == nil {
		return r.withUnread(ctx, row)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, err
	}

	err = r.db.GetContext(ctx, &row,
		`INSERT INTO chats (id, participants) VALUES ($1, $2)
         RETURNING `+chatColumns,
		uuid.NewString(), pq.StringArray(sorted))
	if err != nil {
		return models.Chat{}, err
	}
	return r.withUnread(ctx, row)
}

func (r *ChatRepo) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var row chatRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+chatColumns+` FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}
	return r.withUnread(ctx, row)
}

func (r *ChatRepo) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var ok bool
	err := r.db.GetContext(ctx, &ok,
		`SELECT EXISTS (SELECT 1 FROM chats WHERE id=$1 AND participants @> ARRAY[$2])`,
		chatID, userID)
	return ok, err
}

// TouchLastMessage records the chat preview and increments unread for
// every participant except the sender.
func (r *ChatRepo) TouchLastMessage(ctx context.Context, chatID, senderID, text string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_message=$1, last_sender=$2, updated_at=NOW() WHERE id=$3`,
		text, senderID, chatID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_unread (chat_id, user_id, count)
         SELECT c.id, p.user_id, 1
         FROM chats c, unnest(c.participants) AS p(user_id)
         WHERE c.id=$1 AND p.user_id <> $2
         ON CONFLICT (chat_id, user_id) DO UPDATE SET count = chat_unread.count + 1`,
		chatID, senderID); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetUnread zeroes the unread counter for one participant, invoked when
// they mark the chat read.
func (r *ChatRepo) ResetUnread(ctx context.Context, chatID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE chat_unread SET count = 0 WHERE chat_id=$1 AND user_id=$2`, chatID, userID)
	return err
}

func (r *ChatRepo) withUnread(ctx context.Context, row chatRow) (models.Chat, error) {
	chat := row.toModel()
	var entries []struct {
		UserID string `db:"user_id"`
		Count  int    `db:"count"`
	}
	err := r.db.SelectContext(ctx, &entries,
		`SELECT user_id, count FROM chat_unread WHERE chat_id=$1`, chat.ID)
	if err != nil {
		return models.Chat{}, err
	}
	for _, e := range entries {
		chat.UnreadCount[e.UserID] = e.Count
	}
	return chat, nil
}
