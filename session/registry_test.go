package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/chatrelay/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// fakeConnection test double for Connection
type fakeConnection struct {
	lock       sync.Mutex
	id         string
	identity   string
	admitted   time.Time
	lastActive time.Time
	state      ConnectionState
	sent       []common.OutboundEvent
	sendErr    error
}

func newFakeConnection(identity string) *fakeConnection {
	now := time.Now()
	return &fakeConnection{
		id:         uuid.New().String(),
		identity:   identity,
		admitted:   now,
		lastActive: now,
		state:      ConnectionAdmitted,
	}
}

func (c *fakeConnection) ID() string             { return c.id }
func (c *fakeConnection) Identity() string       { return c.identity }
func (c *fakeConnection) AdmittedAt() time.Time  { return c.admitted }
func (c *fakeConnection) Close() error           { return nil }

func (c *fakeConnection) LastActivity() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastActive
}

func (c *fakeConnection) RefreshActivity() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastActive = time.Now()
}

func (c *fakeConnection) State() ConnectionState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *fakeConnection) MarkActive() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.state = ConnectionActive
}

func (c *fakeConnection) MarkClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == ConnectionClosed {
		return false
	}
	c.state = ConnectionClosed
	return true
}

func (c *fakeConnection) SendEvent(event common.OutboundEvent) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, event)
	return nil
}

func (c *fakeConnection) sentEvents() []common.OutboundEvent {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]common.OutboundEvent, len(c.sent))
	copy(result, c.sent)
	return result
}

func TestConnectionRegistry(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetConnectionRegistryInstance("ut-registry")
	assert.Nil(err)

	// Case 0: empty registry
	assert.Equal(0, uut.Count())
	_, present := uut.Get(uuid.New().String())
	assert.False(present)
	uut.Deregister(uuid.New().String())

	// Case 1: register and fetch
	conn1 := newFakeConnection("user-1")
	assert.Nil(uut.Register(conn1))
	assert.Equal(1, uut.Count())
	fetched, present := uut.Get(conn1.ID())
	assert.True(present)
	assert.Equal(conn1.Identity(), fetched.Identity())

	// Case 2: duplicate registration rejected
	assert.NotNil(uut.Register(conn1))

	// Case 3: send reaches the connection
	event := common.NewOutboundEvent(
		common.EventTypePong, map[string]interface{}{"timestamp": time.Now().UnixMilli()},
	)
	assert.Nil(uut.Send(conn1.ID(), event))
	assert.Len(conn1.sentEvents(), 1)

	// Case 4: send to an absent connection fails without panic
	assert.NotNil(uut.Send(uuid.New().String(), event))

	// Case 5: send to a closed connection fails
	conn2 := newFakeConnection("user-2")
	assert.Nil(uut.Register(conn2))
	assert.True(conn2.MarkClosed())
	assert.False(conn2.MarkClosed())
	assert.NotNil(uut.Send(conn2.ID(), event))

	// Case 6: deregister is idempotent
	uut.Deregister(conn2.ID())
	uut.Deregister(conn2.ID())
	assert.Equal(1, uut.Count())
	assert.Len(uut.List(), 1)
}

func TestConnectionRegistryConcurrentUse(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetConnectionRegistryInstance("ut-registry-concurrent")
	assert.Nil(err)

	wg := sync.WaitGroup{}
	for itr := 0; itr < 16; itr++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for inner := 0; inner < 32; inner++ {
				conn := newFakeConnection(fmt.Sprintf("user-%d-%d", worker, inner))
				assert.Nil(uut.Register(conn))
				_ = uut.Send(conn.ID(), common.NewOutboundEvent(common.EventTypePong, nil))
				uut.Deregister(conn.ID())
			}
		}(itr)
	}
	wg.Wait()

	assert.Equal(0, uut.Count())
}
