package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository is the authoritative message history behind the live
// window and the paged fetch.
type MessageRepository interface {
	CreateMessage(ctx context.Context, chatID, senderID string, out feed.OutgoingMessage) (models.Message, error)
	ListWindow(ctx context.Context, chatID string, limit int) ([]models.Message, error)
	ListOlderThan(ctx context.Context, chatID string, beforeMillis int64, pageSize int) ([]models.Message, bool, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	MarkRead(ctx context.Context, chatID string, messageIDs []string, readerID string) error
	UpdateText(ctx context.Context, messageID, newText string) error
	DeleteForAll(ctx context.Context, messageID, senderID string) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

type messageRow struct {
	ID            string         `db:"id"`
	ProvisionalID sql.NullString `db:"provisional_id"`
	ChatID        string         `db:"chat_id"`
	SenderID      string         `db:"sender_id"`
	Kind          string         `db:"kind"`
	Content       string         `db:"content"`
	Attachments   pq.StringArray `db:"attachments"`
	Status        string         `db:"status"`
	ReadBy        pq.StringArray `db:"read_by"`
	Deleted       bool           `db:"deleted"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r messageRow) toModel() models.Message {
	return models.Message{
		ID:            r.ID,
		ProvisionalID: r.ProvisionalID.String,
		ChatID:        r.ChatID,
		SenderID:      r.SenderID,
		Kind:          models.Kind(r.Kind),
		Text:          r.Content,
		Attachments:   []string(r.Attachments),
		CreatedAt:     r.CreatedAt.UnixMilli(),
		Status:        models.Status(r.Status),
		ReadBy:        []string(r.ReadBy),
	}
}

const messageColumns = `id, provisional_id, chat_id, sender_id, kind, content, attachments, status, read_by, deleted, created_at`

// CreateMessage stores a confirmed message and assigns its server id. The
// provisional id is persisted so the feed can echo it back to the origin
// device.
func (r *MessageRepo) CreateMessage(ctx context.Context, chatID, senderID string, out feed.OutgoingMessage) (models.Message, error) {
	createdAt := time.UnixMilli(out.CreatedAt)
	if out.CreatedAt == 0 {
		createdAt = time.Now()
	}

	row := messageRow{}
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO messages (id, provisional_id, chat_id, sender_id, kind, content, attachments, status, read_by, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, 'sent', $8, $9)
         RETURNING `+messageColumns,
		uuid.NewString(), nullable(out.ProvisionalID), chatID, senderID, string(out.Kind), out.Text,
		pq.StringArray(out.Attachments), pq.StringArray{senderID}, createdAt,
	).StructScan(&row)
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// ListWindow returns the newest limit messages, oldest first.
func (r *MessageRepo) ListWindow(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM (
            SELECT `+messageColumns+` FROM messages
            WHERE chat_id=$1 AND deleted = FALSE
            ORDER BY created_at DESC LIMIT $2
        ) newest ORDER BY created_at ASC`, chatID, limit)
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// ListOlderThan returns one page of messages strictly older than the
// cursor, oldest first, plus whether more history remains.
func (r *MessageRepo) ListOlderThan(ctx context.Context, chatID string, beforeMillis int64, pageSize int) ([]models.Message, bool, error) {
	var rows []messageRow
	// Fetch one extra row to learn whether the page is the last one.
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages
         WHERE chat_id=$1 AND deleted = FALSE AND created_at < $2
         ORDER BY created_at DESC LIMIT $3`,
		chatID, time.UnixMilli(beforeMillis), pageSize+1)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	// Reverse into ascending order.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return toModels(rows), hasMore, nil
}

// GetMessage retrieves a single message by server id.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// MarkRead appends the reader to each message's readBy set and bumps
// status to read. Messages already read by this user are skipped; the set
// only grows.
func (r *MessageRepo) MarkRead(ctx context.Context, chatID string, messageIDs []string, readerID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages
         SET read_by = array_append(read_by, $1), status = 'read'
         WHERE chat_id=$2 AND id = ANY($3) AND NOT (read_by @> ARRAY[$1])`,
		readerID, chatID, pq.StringArray(messageIDs))
	return err
}

// UpdateText edits a confirmed message, keeping the previous text in the
// edit history.
func (r *MessageRepo) UpdateText(ctx context.Context, messageID, newText string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages
         SET edit_history = array_append(edit_history, content), content = $1, edited_at = NOW()
         WHERE id=$2 AND deleted = FALSE`,
		newText, messageID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteForAll marks a message deleted for everyone. Idempotent for the
// sender: repeating the call finds zero live rows and reports not found,
// which callers treat as already-deleted.
func (r *MessageRepo) DeleteForAll(ctx context.Context, messageID, senderID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET deleted = TRUE WHERE id=$1 AND sender_id=$2 AND deleted = FALSE`,
		messageID, senderID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func toModels(rows []messageRow) []models.Message {
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
