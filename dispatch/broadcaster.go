package dispatch

import (
	"fmt"

	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/metrics"
	"github.com/alwitt/chatrelay/session"
	"github.com/apex/log"
)

// Broadcaster fans outbound events out to channel subscribers. One failing
// subscriber never blocks or fails delivery to the others; there is no retry.
// A dropped frame to a dead connection is acceptable because the client
// reconnects and resynchronizes with a list / history request.
type Broadcaster interface {
	// BroadcastToChannel send an event to every subscriber of a channel
	BroadcastToChannel(channelID string, event common.OutboundEvent)
	// BroadcastToAll send an event to every registered connection
	BroadcastToAll(event common.OutboundEvent)
	// SendTo send an event to one connection
	SendTo(connID string, event common.OutboundEvent) error
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	common.Component
	registry      session.ConnectionRegistry
	subscriptions session.SubscriptionIndex
	collector     *metrics.Collector
}

// GetBroadcasterInstance get instance of Broadcaster
func GetBroadcasterInstance(
	registry session.ConnectionRegistry,
	subscriptions session.SubscriptionIndex,
	collector *metrics.Collector,
) (Broadcaster, error) {
	if registry == nil || subscriptions == nil {
		return nil, fmt.Errorf("broadcaster requires a registry and a subscription index")
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "broadcaster",
	}
	return &broadcasterImpl{
		Component:     common.Component{LogTags: logTags},
		registry:      registry,
		subscriptions: subscriptions,
		collector:     collector,
	}, nil
}

// BroadcastToChannel send an event to every subscriber of a channel.
//
// The subscriber set is snapshotted before iterating, so concurrent
// subscribe / unsubscribe calls never race the fan-out loop.
func (b *broadcasterImpl) BroadcastToChannel(channelID string, event common.OutboundEvent) {
	subscribers := b.subscriptions.SubscribersOf(channelID)
	for _, connID := range subscribers {
		if err := b.registry.Send(connID, event); err != nil {
			// The subscriber may have closed between snapshot and send
			log.WithError(err).WithFields(b.LogTags).Infof(
				"Skipped %s delivery to %s on channel %s", event.Type, connID, channelID,
			)
			if b.collector != nil {
				b.collector.BroadcastFailures.Inc()
			}
			continue
		}
		if b.collector != nil {
			b.collector.BroadcastSends.Inc()
		}
	}
	log.WithFields(b.LogTags).Debugf(
		"Fanned %s out to %d subscribers of channel %s",
		event.Type, len(subscribers), channelID,
	)
}

// BroadcastToAll send an event to every registered connection. Acceptable
// only because the expected connection count per process is small; prefer
// BroadcastToChannel for anything with channel affinity.
func (b *broadcasterImpl) BroadcastToAll(event common.OutboundEvent) {
	connections := b.registry.List()
	for _, conn := range connections {
		if err := conn.SendEvent(event); err != nil {
			log.WithError(err).WithFields(b.LogTags).Infof(
				"Skipped %s delivery to %s", event.Type, conn.ID(),
			)
			if b.collector != nil {
				b.collector.BroadcastFailures.Inc()
			}
			continue
		}
		if b.collector != nil {
			b.collector.BroadcastSends.Inc()
		}
	}
}

// SendTo send an event to one connection
func (b *broadcasterImpl) SendTo(connID string, event common.OutboundEvent) error {
	if err := b.registry.Send(connID, event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Infof(
			"Failed to deliver %s to %s", event.Type, connID,
		)
		return err
	}
	return nil
}
