package session

import (
	"fmt"
	"sync"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
)

// ConnectionRegistry durable mapping of session ID to live connection handle.
// Owns no business logic. Safe for concurrent use from every connection's
// worker; no caller ever holds its lock across a blocking call.
type ConnectionRegistry interface {
	// Register add a new connection. Duplicate IDs are an invariant
	// violation given generated session IDs, and are rejected.
	Register(conn Connection) error
	// Deregister remove a connection. Idempotent; removing an absent ID
	// is a no-op.
	Deregister(id string)
	// Get fetch a live connection by session ID
	Get(id string) (Connection, bool)
	// Send best-effort enqueue of an event on one connection's outbound
	// path. Returns an error on an absent or closed connection; never
	// panics into the caller.
	Send(id string, event common.OutboundEvent) error
	// List snapshot of all live connections
	List() []Connection
	// Count number of live connections
	Count() int
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock        sync.RWMutex
	connections map[string]Connection
}

// GetConnectionRegistryInstance get instance of ConnectionRegistry
func GetConnectionRegistryInstance(instance string) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "session", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		connections: make(map[string]Connection),
	}, nil
}

// Register add a new connection
func (r *connectionRegistryImpl) Register(conn Connection) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, present := r.connections[conn.ID()]; present {
		return fmt.Errorf("connection %s already registered", conn.ID())
	}
	r.connections[conn.ID()] = conn
	log.WithFields(r.LogTags).Infof(
		"Registered connection %s for %s", conn.ID(), conn.Identity(),
	)
	return nil
}

// Deregister remove a connection
func (r *connectionRegistryImpl) Deregister(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, present := r.connections[id]; !present {
		return
	}
	delete(r.connections, id)
	log.WithFields(r.LogTags).Infof("Deregistered connection %s", id)
}

// Get fetch a live connection by session ID
func (r *connectionRegistryImpl) Get(id string) (Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, present := r.connections[id]
	return conn, present
}

// Send best-effort enqueue of an event on one connection's outbound path
func (r *connectionRegistryImpl) Send(id string, event common.OutboundEvent) error {
	conn, present := r.Get(id)
	if !present {
		return fmt.Errorf("connection %s not registered", id)
	}
	if conn.State() == ConnectionClosed {
		return fmt.Errorf("connection %s already closed", id)
	}
	return conn.SendEvent(event)
}

// List snapshot of all live connections
func (r *connectionRegistryImpl) List() []Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		result = append(result, conn)
	}
	return result
}

// Count number of live connections
func (r *connectionRegistryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.connections)
}
