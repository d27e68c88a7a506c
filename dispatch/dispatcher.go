package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/metrics"
	"github.com/alwitt/chatrelay/presence"
	"github.com/alwitt/chatrelay/session"
	"github.com/alwitt/chatrelay/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// EventHandler processes one inbound event for one connection. A returned
// error becomes an error event to the sender; it never closes the connection.
type EventHandler func(conn session.Connection, event common.InboundEvent) error

// DispatcherParam parameters for defining a SessionDispatcher
type DispatcherParam struct {
	// Registry the connection registry
	Registry session.ConnectionRegistry
	// Subscriptions the channel subscription index
	Subscriptions session.SubscriptionIndex
	// Store the chat domain operations
	Store storage.ChatStore
	// Presence the presence tracker
	Presence presence.Tracker
	// Broadcaster the fan-out engine
	Broadcaster Broadcaster
	// Collector metric instruments, optional
	Collector *metrics.Collector
	// BroadcastJoin announce chat:joined / chat:left to the whole channel
	// instead of only the requesting client
	BroadcastJoin bool
	// StrictFrames reject every inbound frame without a data section
	StrictFrames bool
	// OptimisticSend use the pending / confirmed / failed flow for
	// chat:message instead of persist-then-broadcast
	OptimisticSend bool
}

// SessionDispatcher the per-connection state machine. It validates frame
// shape, resolves the acting identity, routes by event type, and turns
// handler results into outbound events. The handler table is open for
// extension through RegisterHandler.
type SessionDispatcher interface {
	// RegisterHandler add or replace the handler for an event type
	RegisterHandler(eventType string, handler EventHandler) error
	// HandleConnect complete admission of a registered connection:
	// send the connected acknowledgment and transition ADMITTED ==> ACTIVE
	HandleConnect(conn session.Connection) error
	// HandleFrame process one inbound frame. Never panics and never
	// returns an error to the read loop; protocol problems become error
	// events to the sender.
	HandleFrame(conn session.Connection, frame []byte)
	// HandleDisconnect run the one teardown path: transition to CLOSED,
	// purge subscriptions, deregister, clear presence. Idempotent.
	HandleDisconnect(conn session.Connection)
}

// sessionDispatcherImpl implements SessionDispatcher
type sessionDispatcherImpl struct {
	common.Component
	params    DispatcherParam
	opContext context.Context
	handlers  map[string]EventHandler
}

// DefineSessionDispatcher create new session dispatcher
func DefineSessionDispatcher(
	params DispatcherParam, rootCtxt context.Context,
) (SessionDispatcher, error) {
	if params.Registry == nil || params.Subscriptions == nil ||
		params.Store == nil || params.Broadcaster == nil {
		return nil, fmt.Errorf(
			"session dispatcher requires registry, subscriptions, store, and broadcaster",
		)
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "session-dispatcher",
	}
	instance := &sessionDispatcherImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		opContext: rootCtxt,
		handlers:  make(map[string]EventHandler),
	}
	// Built-in handler table
	builtin := map[string]EventHandler{
		common.EventTypePing:           instance.handlePing,
		common.EventTypeJoin:           instance.handleJoin,
		common.EventTypeLeave:          instance.handleLeave,
		common.EventTypeListChannels:   instance.handleListChannels,
		common.EventTypeMessage:        instance.handleMessage,
		common.EventTypeThreadCreate:   instance.handleThreadCreate,
		common.EventTypeThreadReply:    instance.handleThreadReply,
		common.EventTypeThreadList:     instance.handleThreadList,
		common.EventTypeTyping:         instance.handleTyping,
		common.EventTypeMessageDelete:  instance.handleMessageDelete,
		common.EventTypePresenceStatus: instance.handlePresenceStatus,
	}
	for eventType, handler := range builtin {
		if err := instance.RegisterHandler(eventType, handler); err != nil {
			return nil, err
		}
	}
	return instance, nil
}

// RegisterHandler add or replace the handler for an event type
func (d *sessionDispatcherImpl) RegisterHandler(eventType string, handler EventHandler) error {
	if len(eventType) == 0 || handler == nil {
		return fmt.Errorf("handler registration requires an event type and a handler")
	}
	d.handlers[eventType] = handler
	return nil
}

// ----------------------------------------------------------------------------------------
// Lifecycle

// HandleConnect complete admission of a registered connection
func (d *sessionDispatcherImpl) HandleConnect(conn session.Connection) error {
	// The gauge pairs with the unconditional decrement in HandleDisconnect,
	// which also runs when admission fails partway
	if d.params.Collector != nil {
		d.params.Collector.ActiveConnections.Inc()
	}
	event := common.NewOutboundEvent(common.EventTypeConnected, map[string]interface{}{
		"sessionId": conn.ID(),
		"identity":  conn.Identity(),
	})
	if err := conn.SendEvent(event); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to acknowledge connection %s", conn.ID(),
		)
		return err
	}
	conn.MarkActive()
	if d.params.Presence != nil {
		d.params.Presence.SetStatus(conn.Identity(), presence.StatusOnline)
		d.params.Broadcaster.BroadcastToAll(common.NewOutboundEvent(
			common.EventTypePresenceOnline, map[string]interface{}{
				"identity":  conn.Identity(),
				"timestamp": time.Now().UnixMilli(),
			},
		))
	}
	log.WithFields(d.LogTags).Infof(
		"Connection %s of %s is now ACTIVE", conn.ID(), conn.Identity(),
	)
	return nil
}

// HandleDisconnect run the one teardown path
func (d *sessionDispatcherImpl) HandleDisconnect(conn session.Connection) {
	if !conn.MarkClosed() {
		// Another caller already tore this connection down
		return
	}
	d.params.Subscriptions.UnsubscribeAll(conn.ID())
	d.params.Registry.Deregister(conn.ID())
	if d.params.Presence != nil {
		d.params.Presence.OnDisconnect(conn.Identity())
		d.params.Broadcaster.BroadcastToAll(common.NewOutboundEvent(
			common.EventTypePresenceOffline, map[string]interface{}{
				"identity":  conn.Identity(),
				"timestamp": time.Now().UnixMilli(),
			},
		))
	}
	if d.params.Collector != nil {
		d.params.Collector.ActiveConnections.Dec()
	}
	log.WithFields(d.LogTags).Infof(
		"Connection %s of %s is now CLOSED", conn.ID(), conn.Identity(),
	)
}

// ----------------------------------------------------------------------------------------
// Frame handling

// HandleFrame process one inbound frame
func (d *sessionDispatcherImpl) HandleFrame(conn session.Connection, frame []byte) {
	// One bad frame must never take down the read loop
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithFields(d.LogTags).Errorf(
				"Handler panic on connection %s: %v", conn.ID(), recovered,
			)
			d.sendError(conn, "unknown", "Error processing message")
		}
	}()

	conn.RefreshActivity()
	if d.params.Presence != nil {
		d.params.Presence.SetStatus(conn.Identity(), presence.StatusOnline)
	}

	event, err := common.ParseInboundEvent(frame)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Infof(
			"Malformed frame from connection %s", conn.ID(),
		)
		d.sendError(conn, "unknown", fmt.Sprintf("Error processing message: %s", err))
		return
	}
	if err := common.ValidateInboundEvent(event, d.params.StrictFrames); err != nil {
		d.sendError(conn, event.Type, fmt.Sprintf("Error processing message: %s", err))
		return
	}

	handler, known := d.handlers[event.Type]
	if !known {
		log.WithFields(d.LogTags).Infof(
			"Unknown event type '%s' from connection %s", event.Type, conn.ID(),
		)
		d.sendError(conn, event.Type, fmt.Sprintf("Unknown event type: %s", event.Type))
		return
	}

	if err := handler(conn, event); err != nil {
		log.WithError(err).WithFields(d.LogTags).Infof(
			"Handler for '%s' failed on connection %s", event.Type, conn.ID(),
		)
		d.sendError(conn, event.Type, fmt.Sprintf("Error processing message: %s", err))
		return
	}
	if d.params.Collector != nil {
		d.params.Collector.EventsProcessed.WithLabelValues(event.Type).Inc()
	}
}

// sendError report a problem to the offending sender only
func (d *sessionDispatcherImpl) sendError(conn session.Connection, eventType, message string) {
	if d.params.Collector != nil {
		d.params.Collector.EventErrors.WithLabelValues(eventType).Inc()
	}
	event := common.NewOutboundEvent(common.EventTypeError, map[string]interface{}{
		"message":   message,
		"timestamp": time.Now().UnixMilli(),
	})
	if err := conn.SendEvent(event); err != nil {
		log.WithError(err).WithFields(d.LogTags).Infof(
			"Failed to report error to connection %s", conn.ID(),
		)
	}
}

// ----------------------------------------------------------------------------------------
// Built-in handlers

// handlePing respond to a keep-alive. Sender only.
func (d *sessionDispatcherImpl) handlePing(
	conn session.Connection, _ common.InboundEvent,
) error {
	return conn.SendEvent(common.NewOutboundEvent(common.EventTypePong, map[string]interface{}{
		"timestamp": time.Now().UnixMilli(),
	}))
}

// handleJoin subscribe the connection to a channel and persist membership
func (d *sessionDispatcherImpl) handleJoin(
	conn session.Connection, event common.InboundEvent,
) error {
	channelID, err := event.GetStringField("channelId")
	if err != nil {
		return err
	}
	if conn.State() == session.ConnectionClosed {
		return fmt.Errorf("connection is closing")
	}
	if err := d.params.Store.AddMember(d.opContext, channelID, conn.Identity()); err != nil {
		return err
	}
	d.params.Subscriptions.Subscribe(channelID, conn.ID())
	if conn.State() == session.ConnectionClosed {
		// Teardown raced the membership write. The teardown purge may have
		// already run, so the subscription must be undone here; it must
		// never outlive the registry entry.
		d.params.Subscriptions.Unsubscribe(channelID, conn.ID())
		return fmt.Errorf("connection is closing")
	}

	joined := common.NewOutboundEvent(common.EventTypeJoined, map[string]interface{}{
		"channelId": channelID,
		"identity":  conn.Identity(),
		"timestamp": time.Now().UnixMilli(),
	})
	if d.params.BroadcastJoin {
		d.params.Broadcaster.BroadcastToChannel(channelID, joined)
		return nil
	}
	return conn.SendEvent(joined)
}

// handleLeave unsubscribe the connection from a channel. Persisted channel
// membership is untouched; leave only stops the live fan-out.
func (d *sessionDispatcherImpl) handleLeave(
	conn session.Connection, event common.InboundEvent,
) error {
	channelID, err := event.GetStringField("channelId")
	if err != nil {
		return err
	}
	left := common.NewOutboundEvent(common.EventTypeLeft, map[string]interface{}{
		"channelId": channelID,
		"identity":  conn.Identity(),
		"timestamp": time.Now().UnixMilli(),
	})
	if d.params.BroadcastJoin {
		// Announce before dropping the subscription so the leaver hears it too
		d.params.Broadcaster.BroadcastToChannel(channelID, left)
		d.params.Subscriptions.Unsubscribe(channelID, conn.ID())
		return nil
	}
	d.params.Subscriptions.Unsubscribe(channelID, conn.ID())
	return conn.SendEvent(left)
}

// handleListChannels report the identity's persisted channels. Sender only.
func (d *sessionDispatcherImpl) handleListChannels(
	conn session.Connection, _ common.InboundEvent,
) error {
	channels, err := d.params.Store.ListChannelsFor(d.opContext, conn.Identity())
	if err != nil {
		return err
	}
	channelList := make([]map[string]interface{}, 0, len(channels))
	for _, channel := range channels {
		channelList = append(channelList, map[string]interface{}{
			"id":   channel.ID,
			"name": channel.Name,
			"type": channel.Type,
		})
	}
	return conn.SendEvent(common.NewOutboundEvent(
		common.EventTypeChannels, map[string]interface{}{"channels": channelList},
	))
}

// handleMessage persist a channel message and fan it out. Depending on
// deployment config this is either persist-then-broadcast, or the optimistic
// pending / confirmed / failed flow correlated by a temporary message ID.
func (d *sessionDispatcherImpl) handleMessage(
	conn session.Connection, event common.InboundEvent,
) error {
	channelID, err := event.GetStringField("channelId")
	if err != nil {
		return err
	}
	content, err := event.GetStringField("content")
	if err != nil {
		return err
	}

	if !d.params.OptimisticSend {
		message, err := d.params.Store.SendMessage(
			d.opContext, channelID, conn.Identity(), content, storage.MessageTypeText,
		)
		if err != nil {
			return err
		}
		if d.params.Collector != nil {
			d.params.Collector.MessagesPersisted.Inc()
		}
		d.params.Broadcaster.BroadcastToChannel(channelID, common.NewOutboundEvent(
			common.EventTypeMessage, map[string]interface{}{
				"messageId": message.ID,
				"channelId": channelID,
				"identity":  conn.Identity(),
				"content":   content,
				"timestamp": message.CreatedAt.UnixMilli(),
			},
		))
		return nil
	}

	// Optimistic flow: subscribers render immediately off the pending event,
	// then reconcile against the confirmation or retract on the rollback.
	tempMessageID := uuid.New().String()
	d.params.Broadcaster.BroadcastToChannel(channelID, common.NewOutboundEvent(
		common.EventTypeMessagePending, map[string]interface{}{
			"messageId": tempMessageID,
			"channelId": channelID,
			"identity":  conn.Identity(),
			"content":   content,
			"timestamp": time.Now().UnixMilli(),
		},
	))

	message, err := d.params.Store.SendMessage(
		d.opContext, channelID, conn.Identity(), content, storage.MessageTypeText,
	)
	if err != nil {
		d.params.Broadcaster.BroadcastToChannel(channelID, common.NewOutboundEvent(
			common.EventTypeMessageFailed, map[string]interface{}{
				"messageId": tempMessageID,
				"channelId": channelID,
				"reason":    err.Error(),
				"timestamp": time.Now().UnixMilli(),
			},
		))
		return err
	}
	if d.params.Collector != nil {
		d.params.Collector.MessagesPersisted.Inc()
	}
	d.params.Broadcaster.BroadcastToChannel(channelID, common.NewOutboundEvent(
		common.EventTypeMessageConfirmed, map[string]interface{}{
			"tempMessageId": tempMessageID,
			"messageId":     message.ID,
			"channelId":     channelID,
			"identity":      conn.Identity(),
			"content":       content,
			"timestamp":     message.CreatedAt.UnixMilli(),
		},
	))
	return nil
}

// handleThreadCreate persist a thread-start message and fan it out
func (d *sessionDispatcherImpl) handleThreadCreate(
	conn session.Connection, event common.InboundEvent,
) error {
	channelID, err := event.GetStringField("channelId")
	if err != nil {
		return err
	}
	content, err := event.GetStringField("content")
	if err != nil {
		return err
	}
	message, err := d.params.Store.SendMessage(
		d.opContext, channelID, conn.Identity(), content, storage.MessageTypeThreadStart,
	)
	if err != nil {
		return err
	}
	if d.params.Collector != nil {
		d.params.Collector.MessagesPersisted.Inc()
	}
	d.params.Broadcaster.BroadcastToChannel(channelID, common.NewOutboundEvent(
		common.EventTypeThreadCreated, map[string]interface{}{
			"messageId": message.ID,
			"channelId": channelID,
			"identity":  conn.Identity(),
			"content":   content,
			"timestamp": message.CreatedAt.UnixMilli(),
		},
	))
	return nil
}

// handleThreadReply persist a reply linked to a thread and fan it out
func (d *sessionDispatcherImpl) handleThreadReply(
	conn session.Connection, event common.InboundEvent,
) error {
	channelID, err := event.GetStringField("channelId")
	if err != nil {
		return err
	}
	threadID, err := event.GetStringField("threadId")
	if err != nil {
		return err
	}
	content, err := event.GetStringField("content")
	if err != nil {
		return err
	}
	message, err := d.params.Store.SendThreadReply(
		d.opContext, channelID, threadID, conn.Identity(), content,
	)
	if err != nil {
		return err
	}
	if d.params.Collector != nil {
		d.params.Collector.MessagesPersisted.Inc()
	}
	d.params.Broadcaster.BroadcastToChannel(channelID, common.NewOutboundEvent(
		common.EventTypeThreadReply, map[string]interface{}{
			"messageId": message.ID,
			"threadId":  threadID,
			"channelId": channelID,
			"identity":  conn.Identity(),
			"content":   content,
			"timestamp": message.CreatedAt.UnixMilli(),
		},
	))
	return nil
}

// handleThreadList report a thread's replies. Sender only.
func (d *sessionDispatcherImpl) handleThreadList(
	conn session.Connection, event common.InboundEvent,
) error {
	threadID, err := event.GetStringField("threadId")
	if err != nil {
		return err
	}
	replies, err := d.params.Store.GetThreadReplies(d.opContext, threadID)
	if err != nil {
		return err
	}
	messageList := make([]map[string]interface{}, 0, len(replies))
	for _, message := range replies {
		messageList = append(messageList, map[string]interface{}{
			"messageId": message.ID,
			"threadId":  threadID,
			"channelId": message.ChannelID,
			"identity":  message.Identity,
			"content":   message.Content,
			"type":      message.Type,
			"timestamp": message.CreatedAt.UnixMilli(),
		})
	}
	return conn.SendEvent(common.NewOutboundEvent(
		common.EventTypeThreadMessages, map[string]interface{}{
			"threadId": threadID,
			"messages": messageList,
		},
	))
}

// handleTyping fan a typing indicator out. Ephemeral; nothing is persisted.
func (d *sessionDispatcherImpl) handleTyping(
	conn session.Connection, event common.InboundEvent,
) error {
	channelID, err := event.GetStringField("channelId")
	if err != nil {
		return err
	}
	isTyping, err := event.GetBoolField("isTyping")
	if err != nil {
		return err
	}
	d.params.Broadcaster.BroadcastToChannel(channelID, common.NewOutboundEvent(
		common.EventTypeTyping, map[string]interface{}{
			"channelId": channelID,
			"identity":  conn.Identity(),
			"isTyping":  isTyping,
		},
	))
	return nil
}

// handlePresenceStatus report presence. Sender only. With an identity field
// the reply carries that identity's status; without one it lists everyone
// currently online.
func (d *sessionDispatcherImpl) handlePresenceStatus(
	conn session.Connection, event common.InboundEvent,
) error {
	if d.params.Presence == nil {
		return fmt.Errorf("presence tracking is not enabled")
	}
	if _, present := event.Data["identity"]; present {
		identity, err := event.GetStringField("identity")
		if err != nil {
			return err
		}
		return conn.SendEvent(common.NewOutboundEvent(
			common.EventTypePresenceStatus, map[string]interface{}{
				"identity": identity,
				"status":   d.params.Presence.GetStatus(identity),
			},
		))
	}
	return conn.SendEvent(common.NewOutboundEvent(
		common.EventTypePresenceStatus, map[string]interface{}{
			"online": d.params.Presence.ListOnline(),
		},
	))
}

// handleMessageDelete remove a message and announce the deletion
func (d *sessionDispatcherImpl) handleMessageDelete(
	conn session.Connection, event common.InboundEvent,
) error {
	messageID, err := event.GetStringField("messageId")
	if err != nil {
		return err
	}
	channelID, err := event.GetStringField("channelId")
	if err != nil {
		return err
	}
	if err := d.params.Store.DeleteMessage(
		d.opContext, messageID, channelID, conn.Identity(),
	); err != nil {
		return err
	}
	d.params.Broadcaster.BroadcastToChannel(channelID, common.NewOutboundEvent(
		common.EventTypeMessageDeleted, map[string]interface{}{
			"messageId": messageID,
			"channelId": channelID,
			"timestamp": time.Now().UnixMilli(),
		},
	))
	return nil
}
