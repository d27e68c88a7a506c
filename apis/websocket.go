// Copyright 2025-2026 The chatrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/chatrelay/auth"
	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/dispatch"
	"github.com/alwitt/chatrelay/session"
	"github.com/alwitt/chatrelay/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConnection implements session.Connection over one gorilla WebSocket.
//
// Outbound events pass through a buffered queue drained by the write pump,
// so a slow or stuck client never blocks the fan-out path.
type wsConnection struct {
	common.Component
	id         string
	identity   string
	admitted   time.Time
	wsConn     *websocket.Conn
	sendQueue  chan common.OutboundEvent
	stop       chan struct{}
	lock       sync.Mutex
	lastActive time.Time
	state      session.ConnectionState
}

// defineWSConnection create a new wsConnection around an upgraded socket
func defineWSConnection(
	identity string, wsConn *websocket.Conn, queueLen int,
) *wsConnection {
	now := time.Now()
	id := uuid.New().String()
	logTags := log.Fields{
		"module":    "apis",
		"component": "ws-connection",
		"session":   id,
		"identity":  identity,
	}
	return &wsConnection{
		Component:  common.Component{LogTags: logTags},
		id:         id,
		identity:   identity,
		admitted:   now,
		wsConn:     wsConn,
		sendQueue:  make(chan common.OutboundEvent, queueLen),
		stop:       make(chan struct{}),
		lastActive: now,
		state:      session.ConnectionAdmitted,
	}
}

// ID the opaque session ID generated at admission
func (c *wsConnection) ID() string { return c.id }

// Identity the authenticated principal attached at admission
func (c *wsConnection) Identity() string { return c.identity }

// AdmittedAt when the connection was admitted
func (c *wsConnection) AdmittedAt() time.Time { return c.admitted }

// LastActivity when the last inbound frame arrived
func (c *wsConnection) LastActivity() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastActive
}

// RefreshActivity record an inbound frame arrival
func (c *wsConnection) RefreshActivity() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastActive = time.Now()
}

// State the connection's current lifecycle state
func (c *wsConnection) State() session.ConnectionState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// MarkActive transition ADMITTED ==> ACTIVE
func (c *wsConnection) MarkActive() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == session.ConnectionAdmitted {
		c.state = session.ConnectionActive
	}
}

// MarkClosed transition to CLOSED. The one caller receiving true also wakes
// the write pump so the socket gets torn down.
func (c *wsConnection) MarkClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == session.ConnectionClosed {
		return false
	}
	c.state = session.ConnectionClosed
	close(c.stop)
	return true
}

// SendEvent best-effort enqueue of an outbound event. Never blocks.
func (c *wsConnection) SendEvent(event common.OutboundEvent) error {
	if c.State() == session.ConnectionClosed {
		return fmt.Errorf("connection %s is closed", c.id)
	}
	select {
	case c.sendQueue <- event:
		return nil
	default:
		return fmt.Errorf("send queue of connection %s is full", c.id)
	}
}

// Close tear down the underlying transport
func (c *wsConnection) Close() error {
	return c.wsConn.Close()
}

// writePump drain the send queue onto the socket. Owns all writes to the
// socket, including the keep-alive pings and the final close frame.
func (c *wsConnection) writePump(
	pingInterval, writeTimeout time.Duration, wg *sync.WaitGroup,
) {
	defer wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.wsConn.Close()
	}()

	for {
		select {
		case event := <-c.sendQueue:
			_ = c.wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			frame, err := event.Serialize()
			if err != nil {
				log.WithError(err).WithFields(c.LogTags).Errorf(
					"Unable to serialize %s event", event.Type,
				)
				continue
			}
			if err := c.wsConn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithFields(c.LogTags).Info("Write pump stopping")
				return
			}
		case <-ticker.C:
			_ = c.wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(c.LogTags).Info("Write pump stopping")
				return
			}
		case <-c.stop:
			_ = c.wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.wsConn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		}
	}
}

// ========================================================================================

// APIRestChatSessionHandler REST handler for the chat WebSocket endpoint
type APIRestChatSessionHandler struct {
	APIRestHandler
	gate          auth.AuthenticationGate
	registry      session.ConnectionRegistry
	dispatcher    dispatch.SessionDispatcher
	store         storage.ChatStore
	sessionConfig common.SessionConfig
	upgrader      websocket.Upgrader
	baseContext   context.Context
	wg            *sync.WaitGroup
}

// GetAPIRestChatSessionHandler define APIRestChatSessionHandler
func GetAPIRestChatSessionHandler(
	baseContext context.Context,
	gate auth.AuthenticationGate,
	registry session.ConnectionRegistry,
	dispatcher dispatch.SessionDispatcher,
	store storage.ChatStore,
	httpConfig *common.HTTPConfig,
	sessionConfig common.SessionConfig,
	wg *sync.WaitGroup,
) (APIRestChatSessionHandler, error) {
	if gate == nil || registry == nil || dispatcher == nil || store == nil {
		return APIRestChatSessionHandler{}, fmt.Errorf(
			"chat session handler requires gate, registry, dispatcher, and store",
		)
	}
	logTags := log.Fields{
		"module":    "rest",
		"component": "chat-session",
	}
	return APIRestChatSessionHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		gate:       gate,
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Admission is token based; origin carries no signal here
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessionConfig: sessionConfig,
		baseContext:   baseContext,
		wg:            wg,
	}, nil
}

// ServeWebSocket authenticate a handshake request, upgrade it, and run the
// connection's read pump until the session ends. Rejected handshakes receive
// 401 before any upgrade and leave no session state behind.
func (h APIRestChatSessionHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/chat/ws"
	localLogTags := h.getLogTagsForContext(r.Context())

	identity, err := h.gate.Admit(r)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Rejected chat session request")
		msg := err.Error()
		h.reply(
			w, http.StatusUnauthorized, getStdRESTErrorMsg(http.StatusUnauthorized, &msg), restCall,
		)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Handshake upgrade of %s failed", identity,
		)
		return
	}

	conn := defineWSConnection(identity, wsConn, h.sessionConfig.SendQueueLen)
	if err := h.registry.Register(conn); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to register session %s", conn.ID(),
		)
		_ = wsConn.Close()
		return
	}

	h.wg.Add(1)
	pingInterval := h.pingInterval()
	go conn.writePump(pingInterval, time.Second*10, h.wg)

	if err := h.dispatcher.HandleConnect(conn); err != nil {
		h.dispatcher.HandleDisconnect(conn)
		return
	}

	h.readPump(conn)
}

// pingInterval keep-alive pings must fire well inside the inactivity window
func (h APIRestChatSessionHandler) pingInterval() time.Duration {
	window := time.Second * time.Duration(h.sessionConfig.InactivityTimeout)
	return window * 9 / 10
}

// readPump read frames off the socket and hand them to the dispatcher. Runs
// on the handshake request goroutine; returning ends the session.
func (h APIRestChatSessionHandler) readPump(conn *wsConnection) {
	defer h.dispatcher.HandleDisconnect(conn)

	readWindow := time.Second * time.Duration(h.sessionConfig.InactivityTimeout)
	conn.wsConn.SetReadLimit(h.sessionConfig.MaxFrameSize)
	_ = conn.wsConn.SetReadDeadline(time.Now().Add(readWindow))
	conn.wsConn.SetPongHandler(func(string) error {
		return conn.wsConn.SetReadDeadline(time.Now().Add(readWindow))
	})

	for {
		_, frame, err := conn.wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(conn.LogTags).Info("Read pump stopping")
			}
			return
		}
		_ = conn.wsConn.SetReadDeadline(time.Now().Add(readWindow))
		h.dispatcher.HandleFrame(conn, frame)
	}
}

// ServeWebSocketHandler Wrapper around ServeWebSocket
func (h APIRestChatSessionHandler) ServeWebSocketHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWebSocket(w, r)
	})
}

// -----------------------------------------------------------------------

// Alive liveness check
func (h APIRestChatSessionHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestChatSessionHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Ready readiness check. Ready once the persistence backend is reachable.
func (h APIRestChatSessionHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ready(r.Context()); err != nil {
		log.WithError(err).WithFields(h.getLogTagsForContext(r.Context())).Error(
			"Persistence not ready",
		)
		msg := "not ready"
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			"GET /ready",
		)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestChatSessionHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
