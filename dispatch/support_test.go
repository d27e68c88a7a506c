package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/session"
	"github.com/alwitt/chatrelay/storage"
	"github.com/google/uuid"
)

// ========================================================================================
// Connection test double

type testConnection struct {
	lock       sync.Mutex
	id         string
	identity   string
	admitted   time.Time
	lastActive time.Time
	state      session.ConnectionState
	sent       []common.OutboundEvent
	sendErr    error
}

func newTestConnection(identity string) *testConnection {
	now := time.Now()
	return &testConnection{
		id:         uuid.New().String(),
		identity:   identity,
		admitted:   now,
		lastActive: now,
		state:      session.ConnectionAdmitted,
	}
}

func (c *testConnection) ID() string            { return c.id }
func (c *testConnection) Identity() string      { return c.identity }
func (c *testConnection) AdmittedAt() time.Time { return c.admitted }
func (c *testConnection) Close() error          { return nil }

func (c *testConnection) LastActivity() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastActive
}

func (c *testConnection) RefreshActivity() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastActive = time.Now()
}

func (c *testConnection) State() session.ConnectionState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *testConnection) MarkActive() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.state = session.ConnectionActive
}

func (c *testConnection) MarkClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == session.ConnectionClosed {
		return false
	}
	c.state = session.ConnectionClosed
	return true
}

func (c *testConnection) SendEvent(event common.OutboundEvent) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, event)
	return nil
}

// eventsOfType fetch the events of one type sent to this connection
func (c *testConnection) eventsOfType(eventType string) []common.OutboundEvent {
	c.lock.Lock()
	defer c.lock.Unlock()
	var result []common.OutboundEvent
	for _, event := range c.sent {
		if event.Type == eventType {
			result = append(result, event)
		}
	}
	return result
}

// sentCount total events sent to this connection
func (c *testConnection) sentCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.sent)
}

// ========================================================================================
// ChatStore test double

type fakeChatStore struct {
	lock     sync.Mutex
	channels map[string]storage.Channel
	members  map[string]map[string]bool
	messages map[string]storage.Message
	// sendMessageErr when set, SendMessage fails with this error
	sendMessageErr error
	// addMemberEntered / addMemberRelease when set, AddMember signals entry
	// and then waits for release, letting tests overlap it with other work
	addMemberEntered chan struct{}
	addMemberRelease chan struct{}
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{
		channels: make(map[string]storage.Channel),
		members:  make(map[string]map[string]bool),
		messages: make(map[string]storage.Message),
	}
}

func (s *fakeChatStore) CreateChannel(
	_ context.Context, name, channelType, creator string,
) (storage.Channel, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	channel := storage.Channel{
		ID: uuid.New().String(), Name: name, Type: channelType, CreatedAt: time.Now(),
	}
	s.channels[channel.ID] = channel
	s.members[channel.ID] = map[string]bool{creator: true}
	return channel, nil
}

func (s *fakeChatStore) GetChannel(
	_ context.Context, channelID string,
) (storage.Channel, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	channel, present := s.channels[channelID]
	if !present {
		return storage.Channel{}, storage.ErrNotFound
	}
	return channel, nil
}

func (s *fakeChatStore) AddMember(_ context.Context, channelID, identity string) error {
	s.lock.Lock()
	entered, release := s.addMemberEntered, s.addMemberRelease
	s.lock.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, present := s.channels[channelID]; !present {
		return storage.ErrNotFound
	}
	s.members[channelID][identity] = true
	return nil
}

func (s *fakeChatStore) RemoveMember(_ context.Context, channelID, identity string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, present := s.channels[channelID]; !present {
		return storage.ErrNotFound
	}
	delete(s.members[channelID], identity)
	return nil
}

func (s *fakeChatStore) IsMember(
	_ context.Context, channelID, identity string,
) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.members[channelID][identity], nil
}

func (s *fakeChatStore) ListChannelsFor(
	_ context.Context, identity string,
) ([]storage.Channel, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var result []storage.Channel
	for channelID, members := range s.members {
		if members[identity] {
			result = append(result, s.channels[channelID])
		}
	}
	return result, nil
}

func (s *fakeChatStore) SendMessage(
	_ context.Context, channelID, identity, content, messageType string,
) (storage.Message, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sendMessageErr != nil {
		return storage.Message{}, s.sendMessageErr
	}
	if _, present := s.channels[channelID]; !present {
		return storage.Message{}, storage.ErrNotFound
	}
	if !s.members[channelID][identity] {
		return storage.Message{}, storage.ErrNotAMember
	}
	message := storage.Message{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		Identity:  identity,
		Content:   content,
		Type:      messageType,
		CreatedAt: time.Now(),
	}
	s.messages[message.ID] = message
	return message, nil
}

func (s *fakeChatStore) SendThreadReply(
	_ context.Context, channelID, threadID, identity, content string,
) (storage.Message, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	threadStart, present := s.messages[threadID]
	if !present {
		return storage.Message{}, storage.ErrNotFound
	}
	if threadStart.ChannelID != channelID {
		return storage.Message{}, storage.ErrChannelMismatch
	}
	message := storage.Message{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		Identity:  identity,
		Content:   content,
		Type:      storage.MessageTypeThreadReply,
		ThreadID:  threadID,
		CreatedAt: time.Now(),
	}
	s.messages[message.ID] = message
	return message, nil
}

func (s *fakeChatStore) GetThreadReplies(
	_ context.Context, threadID string,
) ([]storage.Message, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, present := s.messages[threadID]; !present {
		return nil, storage.ErrNotFound
	}
	var result []storage.Message
	for _, message := range s.messages {
		if message.ThreadID == threadID {
			result = append(result, message)
		}
	}
	return result, nil
}

func (s *fakeChatStore) DeleteMessage(
	_ context.Context, messageID, channelID, identity string,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	message, present := s.messages[messageID]
	if !present {
		return storage.ErrNotFound
	}
	if message.Identity != identity {
		return storage.ErrNotAllowed
	}
	delete(s.messages, messageID)
	return nil
}

func (s *fakeChatStore) Ready(_ context.Context) error { return nil }

func (s *fakeChatStore) Close() error { return nil }
