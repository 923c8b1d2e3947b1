package db

import (
	"database/sql"
	"fmt"

	"github.com/Code0Breaker/voice-app-test/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT 'New Chat',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    seq INTEGER NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_conversation_seq
    ON messages(conversation_id, seq);`

type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

// GetConversation returns nil without error when no conversation exists
// for the given id.
func (db *Database) GetConversation(id string) (*models.Conversation, error) {
	query := `
        SELECT id, title, created_at
        FROM conversations
        WHERE id = ?`

	conv := &models.Conversation{}
	err := db.db.QueryRow(query, id).Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (db *Database) CreateConversation() (*models.Conversation, error) {
	query := `
        INSERT INTO conversations (id, created_at)
        VALUES (?, CURRENT_TIMESTAMP)
        RETURNING title, created_at`

	conv := &models.Conversation{ID: uuid.NewString()}
	err := db.db.QueryRow(query, conv.ID).Scan(&conv.Title, &conv.CreatedAt)
	return conv, err
}

// AppendMessage assigns the next per-conversation sequence number inside
// the insert transaction, so message ordering stays total even when two
// writers race on the same conversation.
func (db *Database) AppendMessage(conversationID, role, content string) (*models.Message, error) {
	tx, err := db.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	msg := &models.Message{
		ID:      uuid.NewString(),
		ConvID:  conversationID,
		Role:    role,
		Content: content,
	}

	query := `
        INSERT INTO messages (id, conversation_id, role, content, created_at, seq)
        VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP,
            (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?))
        RETURNING created_at, seq`

	err = tx.QueryRow(query, msg.ID, conversationID, role, content, conversationID).
		Scan(&msg.CreatedAt, &msg.Seq)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (db *Database) SetMessageContent(messageID, content string) error {
	res, err := db.db.Exec("UPDATE messages SET content = ? WHERE id = ?", content, messageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no message with id %s", messageID)
	}
	return nil
}

func (db *Database) ListMessages(conversationID string) ([]models.Message, error) {
	query := `
        SELECT id, conversation_id, role, content, created_at, seq
        FROM messages
        WHERE conversation_id = ?
        ORDER BY seq ASC`

	rows, err := db.db.Query(query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Role, &msg.Content, &msg.CreatedAt, &msg.Seq)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (db *Database) ListConversations() ([]models.Conversation, error) {
	query := `
        SELECT id, title, created_at
        FROM conversations
        ORDER BY created_at DESC`

	rows, err := db.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (db *Database) DeleteConversation(id string) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The FK cascade covers this too; the explicit delete keeps the
	// behavior independent of the foreign_keys pragma.
	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM conversations WHERE id = ?", id); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *Database) UpdateConversationTitle(id, title string) error {
	_, err := db.db.Exec("UPDATE conversations SET title = ? WHERE id = ?", title, id)
	return err
}
