package dispatch

import (
	"fmt"
	"testing"

	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/session"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBroadcastToChannel(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry, err := session.GetConnectionRegistryInstance("ut-broadcast")
	assert.Nil(err)
	subscriptions, err := session.GetSubscriptionIndexInstance("ut-broadcast")
	assert.Nil(err)
	uut, err := GetBroadcasterInstance(registry, subscriptions, nil)
	assert.Nil(err)

	channelID := uuid.New().String()
	connA := newTestConnection("user-a")
	connB := newTestConnection("user-b")
	assert.Nil(registry.Register(connA))
	assert.Nil(registry.Register(connB))
	subscriptions.Subscribe(channelID, connA.ID())
	subscriptions.Subscribe(channelID, connB.ID())

	// Case 0: both subscribers receive the event
	event := common.NewOutboundEvent(
		common.EventTypeMessage, map[string]interface{}{"content": "hi"},
	)
	uut.BroadcastToChannel(channelID, event)
	assert.Equal(1, connA.sentCount())
	assert.Equal(1, connB.sentCount())

	// Case 1: a failing subscriber never blocks delivery to the others
	connA.sendErr = fmt.Errorf("dead socket")
	uut.BroadcastToChannel(channelID, event)
	assert.Equal(1, connA.sentCount())
	assert.Equal(2, connB.sentCount())

	// Case 2: a deregistered subscriber is skipped without error
	connA.sendErr = nil
	subscriptions.UnsubscribeAll(connA.ID())
	registry.Deregister(connA.ID())
	uut.BroadcastToChannel(channelID, event)
	assert.Equal(1, connA.sentCount())
	assert.Equal(3, connB.sentCount())

	// Case 3: broadcast to an unknown channel reaches nobody
	uut.BroadcastToChannel(uuid.New().String(), event)
	assert.Equal(3, connB.sentCount())
}

func TestBroadcastToAll(t *testing.T) {
	assert := assert.New(t)

	registry, err := session.GetConnectionRegistryInstance("ut-broadcast-all")
	assert.Nil(err)
	subscriptions, err := session.GetSubscriptionIndexInstance("ut-broadcast-all")
	assert.Nil(err)
	uut, err := GetBroadcasterInstance(registry, subscriptions, nil)
	assert.Nil(err)

	connA := newTestConnection("user-a")
	connB := newTestConnection("user-b")
	assert.Nil(registry.Register(connA))
	assert.Nil(registry.Register(connB))

	event := common.NewOutboundEvent(common.EventTypePong, nil)
	uut.BroadcastToAll(event)
	assert.Equal(1, connA.sentCount())
	assert.Equal(1, connB.sentCount())

	// Direct send targets one connection only
	assert.Nil(uut.SendTo(connA.ID(), event))
	assert.Equal(2, connA.sentCount())
	assert.Equal(1, connB.sentCount())

	// Direct send to an unknown connection reports failure
	assert.NotNil(uut.SendTo(uuid.New().String(), event))
}
