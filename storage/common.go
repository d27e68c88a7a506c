package storage

import (
	"context"
	"errors"
	"time"
)

// Typed domain errors. The dispatcher maps these onto error events for the
// offending sender; they never close the connection.
var (
	// ErrNotFound the referenced channel, message, or thread does not exist
	ErrNotFound = errors.New("resource not found")
	// ErrNotAMember the acting identity is not a member of the channel
	ErrNotAMember = errors.New("not a channel member")
	// ErrChannelMismatch the thread does not belong to the given channel
	ErrChannelMismatch = errors.New("thread does not belong to this channel")
	// ErrNotAllowed the acting identity may not perform this operation
	ErrNotAllowed = errors.New("operation not allowed")
)

// Message content types
const (
	MessageTypeText        = "text"
	MessageTypeThreadStart = "thread_start"
	MessageTypeThreadReply = "thread_reply"
)

// Channel types
const (
	ChannelTypePublic  = "public"
	ChannelTypePrivate = "private"
)

// Channel one persisted chat channel
type Channel struct {
	// ID channel ID
	ID string `json:"id"`
	// Name human readable channel name
	Name string `json:"name"`
	// Type channel type: public or private
	Type string `json:"type"`
	// CreatedAt channel creation timestamp
	CreatedAt time.Time `json:"created_at"`
}

// Message one persisted chat message
type Message struct {
	// ID message ID
	ID string `json:"id"`
	// ChannelID owning channel
	ChannelID string `json:"channel_id"`
	// Identity the authoring principal
	Identity string `json:"identity"`
	// Content message body
	Content string `json:"content"`
	// Type message content type
	Type string `json:"type"`
	// ThreadID parent thread-start message, for thread replies only
	ThreadID string `json:"thread_id,omitempty"`
	// CreatedAt message creation timestamp
	CreatedAt time.Time `json:"created_at"`
}

// ChatStore chat domain operations backed by persistence. The session
// dispatcher depends on this capability interface, not an implementation.
type ChatStore interface {
	// CreateChannel define a new channel with the creator as first member
	CreateChannel(ctxt context.Context, name, channelType, creator string) (Channel, error)
	// GetChannel fetch one channel
	GetChannel(ctxt context.Context, channelID string) (Channel, error)
	// AddMember record a persisted channel membership. Idempotent.
	AddMember(ctxt context.Context, channelID, identity string) error
	// RemoveMember remove a persisted channel membership
	RemoveMember(ctxt context.Context, channelID, identity string) error
	// IsMember check a persisted channel membership
	IsMember(ctxt context.Context, channelID, identity string) (bool, error)
	// ListChannelsFor fetch the channels an identity is a member of
	ListChannelsFor(ctxt context.Context, identity string) ([]Channel, error)
	// SendMessage persist a new message in a channel
	SendMessage(
		ctxt context.Context, channelID, identity, content, messageType string,
	) (Message, error)
	// SendThreadReply persist a reply linked to a thread-start message
	SendThreadReply(
		ctxt context.Context, channelID, threadID, identity, content string,
	) (Message, error)
	// GetThreadReplies fetch the replies of a thread in creation order
	GetThreadReplies(ctxt context.Context, threadID string) ([]Message, error)
	// DeleteMessage remove a message; only its author may do so
	DeleteMessage(ctxt context.Context, messageID, channelID, identity string) error
	// Ready check whether the persistence backend is reachable
	Ready(ctxt context.Context) error
	// Close release the underlying persistence handle
	Close() error
}
