// Package models defines conversation threads and their messages.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata keys recognized by the engine.
const (
	MetaInterruptedGraphID = "interrupted_graph_id"
	MetaToolCalls          = "tool_calls"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// JSONMap is a map column stored as JSON text.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Conversation is one thread of user/assistant exchange. Exactly one exists
// per thread id; the owner is immutable.
type Conversation struct {
	ThreadID    string    `db:"thread_id" json:"thread_id"`
	OwnerUserID string    `db:"owner_user_id" json:"owner_user_id"`
	Title       string    `db:"title" json:"title"`
	Metadata    JSONMap   `db:"metadata" json:"metadata"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// InterruptedGraphID returns the interrupt marker, empty when none is set.
func (c *Conversation) InterruptedGraphID() string {
	s, _ := c.Metadata[MetaInterruptedGraphID].(string)
	return s
}

// Message is one append-only entry in a conversation. Assistant messages may
// carry tool_calls in metadata.
type Message struct {
	ID        string    `db:"id" json:"id"`
	ThreadID  string    `db:"thread_id" json:"thread_id"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	Metadata  JSONMap   `db:"metadata" json:"metadata"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
