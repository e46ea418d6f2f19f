package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/internal/models"
)

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

const upsertConversation = `
INSERT INTO conversations (id, title, model, provider, created_at, updated_at, cached_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title,
	model = excluded.model,
	provider = excluded.provider,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	cached_at = excluded.cached_at
`

// SaveConversations upserts conversation metadata.
func (s *Store) SaveConversations(ctx context.Context, convs ...models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, c := range convs {
		_, err := tx.ExecContext(ctx, upsertConversation,
			c.ID, c.Title, c.Model, c.Provider,
			toMillis(c.CreatedAt), toMillis(c.UpdatedAt), now,
		)
		if err != nil {
			return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Conversations lists cached conversations, most recently updated first.
func (s *Store) Conversations(ctx context.Context) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, title, model, provider, created_at, updated_at
	FROM conversations
	ORDER BY MAX(updated_at, created_at) DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Conversation returns one cached conversation.
func (s *Store) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
	SELECT id, title, model, provider, created_at, updated_at
	FROM conversations WHERE id = ?
	`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("%w: conversation %s not cached", perrors.ErrNotFound, id)
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (models.Conversation, error) {
	var (
		c                models.Conversation
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.Title, &c.Model, &c.Provider, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan conversation: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

// SaveHistory replaces the cached history of a conversation. Locally
// synthesized messages are not cached.
func (s *Store) SaveHistory(ctx context.Context, conversationID string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
	INSERT INTO conversations (id, created_at, updated_at, cached_at) VALUES (?, 0, 0, ?)
	ON CONFLICT(id) DO UPDATE SET cached_at = excluded.cached_at
	`, conversationID, now)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT OR IGNORE INTO messages (id, conversation_id, position, role, content, metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	pos := 0
	for _, m := range msgs {
		if models.IsTempID(m.ID) || m.ID == "" {
			continue
		}
		var meta sql.NullString
		if m.Metadata != nil {
			raw, err := json.Marshal(m.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata of %s: %w", m.ID, err)
			}
			meta = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, conversationID, pos, string(m.Role), m.Content, meta, toMillis(m.CreatedAt),
		); err != nil {
			return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
		pos++
	}

	return tx.Commit()
}

// History returns the cached history of a conversation in order.
// ErrNotFound means nothing was ever cached for it.
func (s *Store) History(ctx context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check conversation: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: history of %s not cached", perrors.ErrNotFound, conversationID)
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, role, content, metadata, created_at
	FROM messages WHERE conversation_id = ?
	ORDER BY position
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		var (
			m       models.Message
			role    string
			meta    sql.NullString
			created int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &meta, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.ConversationID = conversationID
		m.Role = models.Role(role)
		m.CreatedAt = fromMillis(created)
		if meta.Valid {
			m.Metadata = &models.MessageMetadata{}
			if err := json.Unmarshal([]byte(meta.String), m.Metadata); err != nil {
				s.logger.Warn().Err(err).Str("message_id", m.ID).Msg("dropping unreadable metadata")
				m.Metadata = nil
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its history.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}
