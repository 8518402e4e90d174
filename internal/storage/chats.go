package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Chat roles.
const (
	RoleNormal = "normal"
	RoleAdmin  = "admin"
)

// Chat is a registered or observed conversation endpoint.
type Chat struct {
	ID         int64
	Channel    string
	ChatID     string
	Role       string
	Registered bool
	CreatedAt  time.Time
}

// Message is one stored conversation turn.
type Message struct {
	ID        int64
	ChatFk    int64
	Role      string
	SenderID  string
	Content   string
	CreatedAt time.Time
}

// ConversationState carries per-chat agent state that survives restarts.
type ConversationState struct {
	ChatFk        int64
	Summary       string
	EnabledSkills []string
	LastCompactAt *time.Time
}

// GetOrCreateChat returns the chat row for (channel, chatID), creating it
// with the normal role when absent.
func (s *Store) GetOrCreateChat(ctx context.Context, channel, chatID string) (*Chat, error) {
	chat, err := s.GetChat(ctx, channel, chatID)
	if err == nil {
		return chat, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chats (channel, chat_id, role, registered, created_at) VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(channel, chat_id) DO NOTHING`,
		channel, chatID, RoleNormal, ms(s.now()))
	if err != nil {
		return nil, err
	}
	return s.GetChat(ctx, channel, chatID)
}

// GetChat looks up a chat by its channel-scoped identity.
func (s *Store) GetChat(ctx context.Context, channel, chatID string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, chat_id, role, registered, created_at FROM chats WHERE channel = ? AND chat_id = ?`,
		channel, chatID)
	return scanChat(row)
}

// GetChatByID looks up a chat by primary key.
func (s *Store) GetChatByID(ctx context.Context, id int64) (*Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, chat_id, role, registered, created_at FROM chats WHERE id = ?`, id)
	return scanChat(row)
}

func scanChat(row *sql.Row) (*Chat, error) {
	var c Chat
	var registered int
	var createdAt int64
	err := row.Scan(&c.ID, &c.Channel, &c.ChatID, &c.Role, &registered, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Registered = registered != 0
	c.CreatedAt = fromMs(createdAt)
	return &c, nil
}

// RegisterChat marks a chat registered with the given role.
func (s *Store) RegisterChat(ctx context.Context, id int64, role string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET registered = 1, role = ? WHERE id = ?`, role, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAdmins returns how many chats hold the admin role.
func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chats WHERE role = ?`, RoleAdmin).Scan(&count)
	return count, err
}

// ListChats returns all chats, oldest first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, chat_id, role, registered, created_at FROM chats ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var registered int
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.Channel, &c.ChatID, &c.Role, &registered, &createdAt); err != nil {
			return nil, err
		}
		c.Registered = registered != 0
		c.CreatedAt = fromMs(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage stores one conversation turn.
func (s *Store) AppendMessage(ctx context.Context, chatFk int64, role, senderID, content string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_fk, role, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		chatFk, role, senderID, content, ms(s.now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentMessages returns the newest limit messages for a chat in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, chatFk int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_fk, role, sender_id, content, created_at FROM
		   (SELECT id, chat_fk, role, sender_id, content, created_at FROM messages
		    WHERE chat_fk = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id`,
		chatFk, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ChatFk, &m.Role, &m.SenderID, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMs(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns the number of stored messages for a chat.
func (s *Store) CountMessages(ctx context.Context, chatFk int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE chat_fk = ?`, chatFk).Scan(&count)
	return count, err
}

// PruneMessages deletes all but the newest keep messages for a chat and
// returns how many were removed.
func (s *Store) PruneMessages(ctx context.Context, chatFk int64, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_fk = ? AND id NOT IN
		   (SELECT id FROM messages WHERE chat_fk = ? ORDER BY id DESC LIMIT ?)`,
		chatFk, chatFk, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetConversationState returns the per-chat state, creating the empty row on
// first access.
func (s *Store) GetConversationState(ctx context.Context, chatFk int64) (*ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_fk, summary, enabled_skills, last_compact_at FROM conversation_state WHERE chat_fk = ?`,
		chatFk)

	var st ConversationState
	var skillsJSON string
	var lastCompactAt sql.NullInt64
	err := row.Scan(&st.ChatFk, &st.Summary, &skillsJSON, &lastCompactAt)
	if err == sql.ErrNoRows {
		return &ConversationState{ChatFk: chatFk, EnabledSkills: []string{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(skillsJSON), &st.EnabledSkills); err != nil {
		st.EnabledSkills = []string{}
	}
	st.LastCompactAt = fromMsPtr(lastCompactAt)
	return &st, nil
}

// SetConversationSummary replaces the stored summary and stamps the
// compaction time.
func (s *Store) SetConversationSummary(ctx context.Context, chatFk int64, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_state (chat_fk, summary, last_compact_at) VALUES (?, ?, ?)
		 ON CONFLICT(chat_fk) DO UPDATE SET summary = excluded.summary, last_compact_at = excluded.last_compact_at`,
		chatFk, summary, ms(s.now()))
	return err
}

// SetEnabledSkills replaces the chat's enabled skill set.
func (s *Store) SetEnabledSkills(ctx context.Context, chatFk int64, skills []string) error {
	if skills == nil {
		skills = []string{}
	}
	data, err := json.Marshal(skills)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_state (chat_fk, enabled_skills) VALUES (?, ?)
		 ON CONFLICT(chat_fk) DO UPDATE SET enabled_skills = excluded.enabled_skills`,
		chatFk, string(data))
	return err
}
