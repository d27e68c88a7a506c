package session

import (
	"sync"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
)

// SubscriptionIndex mapping of channel ID to the set of connections currently
// joined to that channel within this process. Subscription is ephemeral and
// purely a broadcast fan-out target list; it grants no authorization and is
// distinct from persisted channel membership.
//
// A reverse index from connection to channels makes UnsubscribeAll O(k) in
// the number of that connection's subscriptions.
type SubscriptionIndex interface {
	// Subscribe join a connection to a channel. Idempotent.
	Subscribe(channelID, connID string)
	// Unsubscribe remove a connection from a channel. The channel entry is
	// dropped once its subscriber set becomes empty.
	Unsubscribe(channelID, connID string)
	// UnsubscribeAll remove a connection from every channel it had joined.
	// Called exactly once, from the connection-close path.
	UnsubscribeAll(connID string)
	// SubscribersOf snapshot of a channel's subscriber set
	SubscribersOf(channelID string) []string
	// ChannelsOf snapshot of the channels a connection is joined to
	ChannelsOf(connID string) []string
	// ChannelCount number of channels with at least one subscriber
	ChannelCount() int
}

// subscriptionIndexImpl implements SubscriptionIndex
type subscriptionIndexImpl struct {
	common.Component
	lock      sync.RWMutex
	byChannel map[string]map[string]bool
	byConn    map[string]map[string]bool
}

// GetSubscriptionIndexInstance get instance of SubscriptionIndex
func GetSubscriptionIndexInstance(instance string) (SubscriptionIndex, error) {
	logTags := log.Fields{
		"module": "session", "component": "subscription-index", "instance": instance,
	}
	return &subscriptionIndexImpl{
		Component: common.Component{LogTags: logTags},
		byChannel: make(map[string]map[string]bool),
		byConn:    make(map[string]map[string]bool),
	}, nil
}

// Subscribe join a connection to a channel
func (s *subscriptionIndexImpl) Subscribe(channelID, connID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, present := s.byChannel[channelID]; !present {
		s.byChannel[channelID] = make(map[string]bool)
	}
	s.byChannel[channelID][connID] = true
	if _, present := s.byConn[connID]; !present {
		s.byConn[connID] = make(map[string]bool)
	}
	s.byConn[connID][channelID] = true
	log.WithFields(s.LogTags).Debugf(
		"Connection %s subscribed to channel %s", connID, channelID,
	)
}

// Unsubscribe remove a connection from a channel
func (s *subscriptionIndexImpl) Unsubscribe(channelID, connID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.removeEntry(channelID, connID)
}

// removeEntry drop one channel / connection pairing. Caller holds the lock.
func (s *subscriptionIndexImpl) removeEntry(channelID, connID string) {
	if subscribers, present := s.byChannel[channelID]; present {
		delete(subscribers, connID)
		if len(subscribers) == 0 {
			delete(s.byChannel, channelID)
		}
	}
	if channels, present := s.byConn[connID]; present {
		delete(channels, channelID)
		if len(channels) == 0 {
			delete(s.byConn, connID)
		}
	}
}

// UnsubscribeAll remove a connection from every channel it had joined
func (s *subscriptionIndexImpl) UnsubscribeAll(connID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	channels, present := s.byConn[connID]
	if !present {
		return
	}
	for channelID := range channels {
		if subscribers, found := s.byChannel[channelID]; found {
			delete(subscribers, connID)
			if len(subscribers) == 0 {
				delete(s.byChannel, channelID)
			}
		}
	}
	delete(s.byConn, connID)
	log.WithFields(s.LogTags).Debugf("Purged all subscriptions of connection %s", connID)
}

// SubscribersOf snapshot of a channel's subscriber set
func (s *subscriptionIndexImpl) SubscribersOf(channelID string) []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	subscribers, present := s.byChannel[channelID]
	if !present {
		return nil
	}
	result := make([]string, 0, len(subscribers))
	for connID := range subscribers {
		result = append(result, connID)
	}
	return result
}

// ChannelsOf snapshot of the channels a connection is joined to
func (s *subscriptionIndexImpl) ChannelsOf(connID string) []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	channels, present := s.byConn[connID]
	if !present {
		return nil
	}
	result := make([]string, 0, len(channels))
	for channelID := range channels {
		result = append(result, channelID)
	}
	return result
}

// ChannelCount number of channels with at least one subscriber
func (s *subscriptionIndexImpl) ChannelCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.byChannel)
}
