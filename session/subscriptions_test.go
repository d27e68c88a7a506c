package session

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSubscriptionIndexBasic(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSubscriptionIndexInstance("ut-subscriptions")
	assert.Nil(err)

	channel1 := uuid.New().String()
	conn1 := uuid.New().String()
	conn2 := uuid.New().String()

	// Case 0: unknown channel has no subscribers
	assert.Empty(uut.SubscribersOf(channel1))
	assert.Equal(0, uut.ChannelCount())

	// Case 1: subscribe then unsubscribe leaves no trace behind
	uut.Subscribe(channel1, conn1)
	assert.ElementsMatch([]string{conn1}, uut.SubscribersOf(channel1))
	uut.Unsubscribe(channel1, conn1)
	assert.Empty(uut.SubscribersOf(channel1))
	assert.Equal(0, uut.ChannelCount())
	assert.Empty(uut.ChannelsOf(conn1))

	// Case 2: subscribe is idempotent
	uut.Subscribe(channel1, conn1)
	uut.Subscribe(channel1, conn1)
	assert.ElementsMatch([]string{conn1}, uut.SubscribersOf(channel1))

	// Case 3: channel entry survives while other subscribers remain
	uut.Subscribe(channel1, conn2)
	uut.Unsubscribe(channel1, conn1)
	assert.ElementsMatch([]string{conn2}, uut.SubscribersOf(channel1))
	assert.Equal(1, uut.ChannelCount())

	// Case 4: unsubscribing a never-subscribed pairing is a no-op
	uut.Unsubscribe(uuid.New().String(), conn2)
	uut.Unsubscribe(channel1, uuid.New().String())
	assert.ElementsMatch([]string{conn2}, uut.SubscribersOf(channel1))
}

func TestSubscriptionIndexTeardown(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSubscriptionIndexInstance("ut-subscriptions-teardown")
	assert.Nil(err)

	conn1 := uuid.New().String()
	conn2 := uuid.New().String()
	channels := []string{uuid.New().String(), uuid.New().String(), uuid.New().String()}

	for _, channelID := range channels {
		uut.Subscribe(channelID, conn1)
	}
	uut.Subscribe(channels[0], conn2)
	assert.ElementsMatch(channels, uut.ChannelsOf(conn1))

	// Purging conn1 removes it from every channel; channels with no
	// remaining subscribers vanish entirely
	uut.UnsubscribeAll(conn1)
	for _, channelID := range channels {
		assert.NotContains(uut.SubscribersOf(channelID), conn1)
	}
	assert.ElementsMatch([]string{conn2}, uut.SubscribersOf(channels[0]))
	assert.Equal(1, uut.ChannelCount())
	assert.Empty(uut.ChannelsOf(conn1))

	// Repeat purge is a no-op
	uut.UnsubscribeAll(conn1)
	assert.Equal(1, uut.ChannelCount())
}

func TestSubscriptionIndexConcurrentUse(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSubscriptionIndexInstance("ut-subscriptions-concurrent")
	assert.Nil(err)

	channelID := uuid.New().String()
	wg := sync.WaitGroup{}
	for itr := 0; itr < 16; itr++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			connID := uuid.New().String()
			for inner := 0; inner < 32; inner++ {
				uut.Subscribe(channelID, connID)
				_ = uut.SubscribersOf(channelID)
				uut.UnsubscribeAll(connID)
			}
		}()
	}
	wg.Wait()

	assert.Equal(0, uut.ChannelCount())
}
