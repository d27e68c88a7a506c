package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"

	// Register the cgo-free SQLite driver
	_ "modernc.org/sqlite"
)

// SQLiteStoreParam parameters for connecting to the SQLite store
type SQLiteStoreParam struct {
	// DBFile database file path
	DBFile string `validate:"required"`
	// MaxOpenConns max number of open database connections
	MaxOpenConns int
	// BusyTimeout how long to wait on a locked database
	BusyTimeout time.Duration
}

// sqliteChatStoreImpl implements ChatStore on SQLite
type sqliteChatStoreImpl struct {
	common.Component
	db *sql.DB
}

// GetSQLiteChatStore define a ChatStore backed by SQLite. The schema is
// created on open if not already present.
func GetSQLiteChatStore(param SQLiteStoreParam) (ChatStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "sqlite-chat-store", "db": param.DBFile,
	}

	db, err := sql.Open("sqlite", param.DBFile)
	if err != nil {
		return nil, err
	}
	if param.MaxOpenConns > 0 {
		db.SetMaxOpenConns(param.MaxOpenConns)
	}

	instance := &sqliteChatStoreImpl{
		Component: common.Component{LogTags: logTags},
		db:        db,
	}
	if err := instance.initialize(param.BusyTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("SQLite chat store ready")
	return instance, nil
}

// initialize apply pragmas and create the schema
func (s *sqliteChatStoreImpl) initialize(busyTimeout time.Duration) error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return err
	}
	if busyTimeout > 0 {
		if _, err := s.db.Exec(
			fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeout.Milliseconds()),
		); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		type       TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS channel_members (
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		identity   TEXT NOT NULL,
		PRIMARY KEY (channel_id, identity)
	);
	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		identity   TEXT NOT NULL,
		content    TEXT NOT NULL,
		type       TEXT NOT NULL,
		thread_id  TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
	CREATE INDEX IF NOT EXISTS idx_members_identity ON channel_members(identity);`
	_, err := s.db.Exec(schema)
	return err
}

// Ready check whether the persistence backend is reachable
func (s *sqliteChatStoreImpl) Ready(ctxt context.Context) error {
	return s.db.PingContext(ctxt)
}

// Close release the underlying persistence handle
func (s *sqliteChatStoreImpl) Close() error {
	return s.db.Close()
}

// ----------------------------------------------------------------------------------------
// Channels and membership

// CreateChannel define a new channel with the creator as first member
func (s *sqliteChatStoreImpl) CreateChannel(
	ctxt context.Context, name, channelType, creator string,
) (Channel, error) {
	channel := Channel{
		ID:        uuid.New().String(),
		Name:      name,
		Type:      channelType,
		CreatedAt: time.Now().UTC(),
	}
	tx, err := s.db.BeginTx(ctxt, nil)
	if err != nil {
		return Channel{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(
		ctxt,
		"INSERT INTO channels (id, name, type, created_at) VALUES (?, ?, ?, ?)",
		channel.ID, channel.Name, channel.Type, channel.CreatedAt,
	); err != nil {
		return Channel{}, err
	}
	if _, err := tx.ExecContext(
		ctxt,
		"INSERT INTO channel_members (channel_id, identity) VALUES (?, ?)",
		channel.ID, creator,
	); err != nil {
		return Channel{}, err
	}
	if err := tx.Commit(); err != nil {
		return Channel{}, err
	}
	log.WithFields(s.LogTags).Infof("Created channel %s '%s'", channel.ID, name)
	return channel, nil
}

// GetChannel fetch one channel
func (s *sqliteChatStoreImpl) GetChannel(
	ctxt context.Context, channelID string,
) (Channel, error) {
	var channel Channel
	err := s.db.QueryRowContext(
		ctxt,
		"SELECT id, name, type, created_at FROM channels WHERE id = ?",
		channelID,
	).Scan(&channel.ID, &channel.Name, &channel.Type, &channel.CreatedAt)
	if err == sql.ErrNoRows {
		return Channel{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return Channel{}, err
	}
	return channel, nil
}

// AddMember record a persisted channel membership
func (s *sqliteChatStoreImpl) AddMember(
	ctxt context.Context, channelID, identity string,
) error {
	if _, err := s.GetChannel(ctxt, channelID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctxt,
		"INSERT OR IGNORE INTO channel_members (channel_id, identity) VALUES (?, ?)",
		channelID, identity,
	)
	return err
}

// RemoveMember remove a persisted channel membership
func (s *sqliteChatStoreImpl) RemoveMember(
	ctxt context.Context, channelID, identity string,
) error {
	if _, err := s.GetChannel(ctxt, channelID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctxt,
		"DELETE FROM channel_members WHERE channel_id = ? AND identity = ?",
		channelID, identity,
	)
	return err
}

// IsMember check a persisted channel membership
func (s *sqliteChatStoreImpl) IsMember(
	ctxt context.Context, channelID, identity string,
) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(
		ctxt,
		"SELECT COUNT(*) FROM channel_members WHERE channel_id = ? AND identity = ?",
		channelID, identity,
	).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListChannelsFor fetch the channels an identity is a member of
func (s *sqliteChatStoreImpl) ListChannelsFor(
	ctxt context.Context, identity string,
) ([]Channel, error) {
	rows, err := s.db.QueryContext(
		ctxt,
		`SELECT c.id, c.name, c.type, c.created_at FROM channels c
		 JOIN channel_members m ON m.channel_id = c.id
		 WHERE m.identity = ? ORDER BY c.created_at`,
		identity,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var result []Channel
	for rows.Next() {
		var channel Channel
		if err := rows.Scan(
			&channel.ID, &channel.Name, &channel.Type, &channel.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, channel)
	}
	return result, rows.Err()
}

// ----------------------------------------------------------------------------------------
// Messages and threads

// SendMessage persist a new message in a channel
func (s *sqliteChatStoreImpl) SendMessage(
	ctxt context.Context, channelID, identity, content, messageType string,
) (Message, error) {
	if _, err := s.GetChannel(ctxt, channelID); err != nil {
		return Message{}, err
	}
	member, err := s.IsMember(ctxt, channelID, identity)
	if err != nil {
		return Message{}, err
	}
	if !member {
		return Message{}, fmt.Errorf("%s in channel %s: %w", identity, channelID, ErrNotAMember)
	}
	message := Message{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		Identity:  identity,
		Content:   content,
		Type:      messageType,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(
		ctxt,
		`INSERT INTO messages (id, channel_id, identity, content, type, thread_id, created_at)
		 VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		message.ID, message.ChannelID, message.Identity, message.Content,
		message.Type, message.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	return message, nil
}

// getMessage fetch one message
func (s *sqliteChatStoreImpl) getMessage(
	ctxt context.Context, messageID string,
) (Message, error) {
	var message Message
	var threadID sql.NullString
	err := s.db.QueryRowContext(
		ctxt,
		`SELECT id, channel_id, identity, content, type, thread_id, created_at
		 FROM messages WHERE id = ?`,
		messageID,
	).Scan(
		&message.ID, &message.ChannelID, &message.Identity, &message.Content,
		&message.Type, &threadID, &message.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return Message{}, err
	}
	if threadID.Valid {
		message.ThreadID = threadID.String
	}
	return message, nil
}

// SendThreadReply persist a reply linked to a thread-start message
func (s *sqliteChatStoreImpl) SendThreadReply(
	ctxt context.Context, channelID, threadID, identity, content string,
) (Message, error) {
	if _, err := s.GetChannel(ctxt, channelID); err != nil {
		return Message{}, err
	}
	member, err := s.IsMember(ctxt, channelID, identity)
	if err != nil {
		return Message{}, err
	}
	if !member {
		return Message{}, fmt.Errorf("%s in channel %s: %w", identity, channelID, ErrNotAMember)
	}
	threadStart, err := s.getMessage(ctxt, threadID)
	if err != nil {
		return Message{}, err
	}
	if threadStart.ChannelID != channelID {
		return Message{}, fmt.Errorf("thread %s: %w", threadID, ErrChannelMismatch)
	}
	message := Message{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		Identity:  identity,
		Content:   content,
		Type:      MessageTypeThreadReply,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(
		ctxt,
		`INSERT INTO messages (id, channel_id, identity, content, type, thread_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.ID, message.ChannelID, message.Identity, message.Content,
		message.Type, message.ThreadID, message.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	return message, nil
}

// GetThreadReplies fetch the replies of a thread in creation order
func (s *sqliteChatStoreImpl) GetThreadReplies(
	ctxt context.Context, threadID string,
) ([]Message, error) {
	if _, err := s.getMessage(ctxt, threadID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(
		ctxt,
		`SELECT id, channel_id, identity, content, type, thread_id, created_at
		 FROM messages WHERE thread_id = ? ORDER BY created_at, id`,
		threadID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var result []Message
	for rows.Next() {
		var message Message
		var parent sql.NullString
		if err := rows.Scan(
			&message.ID, &message.ChannelID, &message.Identity, &message.Content,
			&message.Type, &parent, &message.CreatedAt,
		); err != nil {
			return nil, err
		}
		if parent.Valid {
			message.ThreadID = parent.String
		}
		result = append(result, message)
	}
	return result, rows.Err()
}

// DeleteMessage remove a message; only its author may do so
func (s *sqliteChatStoreImpl) DeleteMessage(
	ctxt context.Context, messageID, channelID, identity string,
) error {
	message, err := s.getMessage(ctxt, messageID)
	if err != nil {
		return err
	}
	if message.ChannelID != channelID {
		return fmt.Errorf("message %s: %w", messageID, ErrChannelMismatch)
	}
	if message.Identity != identity {
		return fmt.Errorf("message %s belongs to another author: %w", messageID, ErrNotAllowed)
	}
	_, err = s.db.ExecContext(ctxt, "DELETE FROM messages WHERE id = ?", messageID)
	return err
}
