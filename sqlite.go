package relay

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// ============================================================================
// SQLiteStorage
// ============================================================================

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    author_id TEXT NOT NULL,
    author_display_name TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    edited INTEGER NOT NULL DEFAULT 0,
    edited_content TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages(conversation_id, created_at);`

// SQLiteStorage is a Storage backed by a local SQLite file, for clients that
// want history to survive restarts.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at dbPath and applies the
// schema.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStorage{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// PutMessages implements Storage.
func (s *SQLiteStorage) PutMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
        INSERT INTO messages (id, conversation_id, author_id, author_display_name, content, created_at, edited, edited_content)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            content = excluded.content,
            author_display_name = excluded.author_display_name,
            edited = excluded.edited,
            edited_content = excluded.edited_content`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.Exec(m.ID, m.ConversationID, m.AuthorID, m.AuthorDisplayName,
			m.Content, m.CreatedAt, boolToInt(m.Edited), m.EditedContent); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetMessages implements Storage.
func (s *SQLiteStorage) GetMessages(conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
        SELECT id, conversation_id, author_id, author_display_name, content, created_at, edited, edited_content
        FROM (
            SELECT * FROM messages
            WHERE conversation_id = ?
            ORDER BY created_at DESC
            LIMIT ?
        )
        ORDER BY created_at ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		var edited int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.AuthorDisplayName,
			&m.Content, &m.CreatedAt, &edited, &m.EditedContent); err != nil {
			return nil, err
		}
		m.Edited = edited != 0
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteMessage implements Storage.
func (s *SQLiteStorage) DeleteMessage(id string) error {
	_, err := s.db.Exec("DELETE FROM messages WHERE id = ?", id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
