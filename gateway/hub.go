// Package gateway terminates client WebSocket connections, routes inbound
// frames through admission control, and relays bus envelopes to local
// sockets.
//
// Two views of membership exist on purpose and must not be conflated: the
// cluster-wide presence registry says who is editing a document, while the
// per-instance socket index here only says how to reach a local connection.
// Local fan-out is driven by bus envelopes, never by the presence registry.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hub.evalgo.org/bus"
	"hub.evalgo.org/presence"
	"hub.evalgo.org/ratelimit"
)

// opTimeout bounds every cache-store call made on a message path so no
// inbound frame can stall its connection's read loop indefinitely.
const opTimeout = 5 * time.Second

// Hub owns this instance's sockets and bus subscriptions.
type Hub struct {
	registry *presence.Registry
	bus      *bus.Bus
	limiter  *ratelimit.Limiter
	logger   *logrus.Logger

	staleSweepInterval time.Duration
	limiterGCInterval  time.Duration

	mu      sync.RWMutex
	clients map[string]*Client           // socket id → connection
	docs    map[string]map[*Client]bool  // document id → local members
	subs    map[string]*bus.Subscription // document id → bus subscription
}

// NewHub creates a hub wired to the shared presence registry, bus, and
// limiter.
func NewHub(registry *presence.Registry, b *bus.Bus, limiter *ratelimit.Limiter, staleSweep, limiterGC time.Duration, logger *logrus.Logger) *Hub {
	return &Hub{
		registry:           registry,
		bus:                b,
		limiter:            limiter,
		logger:             logger,
		staleSweepInterval: staleSweep,
		limiterGCInterval:  limiterGC,
		clients:            make(map[string]*Client),
		docs:               make(map[string]map[*Client]bool),
		subs:               make(map[string]*bus.Subscription),
	}
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.socketID] = c
}

// unregister tears down a departed connection: presence removal, user-left
// broadcast, and unsubscribe when this was the instance's last socket in
// the document.
func (h *Hub) unregister(c *Client) {
	if documentID := c.Document(); documentID != "" {
		h.leaveDocument(c, documentID)
	}

	h.mu.Lock()
	delete(h.clients, c.socketID)
	h.mu.Unlock()

	c.close()
	h.logger.WithFields(logrus.Fields{
		"socket_id":    c.socketID,
		"principal_id": c.principalID,
	}).Debug("Client disconnected")
}

// dispatch routes one inbound frame according to the connection state
// machine. Protocol violations answer with an error frame; the connection
// stays open.
func (h *Hub) dispatch(c *Client, frame Frame) {
	switch frame.Type {
	case MsgJoinDocument:
		var payload JoinPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.DocumentID == "" {
			c.sendError("join-document requires a documentId")
			return
		}
		h.handleJoin(c, payload.DocumentID)

	case MsgLeaveDocument:
		var payload JoinPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.DocumentID == "" {
			c.sendError("leave-document requires a documentId")
			return
		}
		if c.Document() != payload.DocumentID {
			c.sendError("not joined to document")
			return
		}
		h.leaveDocument(c, payload.DocumentID)

	case MsgCRDTUpdate, MsgAwarenessUpdate:
		h.handleUpdate(c, frame)

	default:
		c.sendError("unknown message type")
	}
}

// handleJoin moves the connection into the document: presence write, bus
// subscription, user-joined broadcast, and the membership snapshot back to
// the joiner. A join while already joined elsewhere leaves that document
// first.
func (h *Hub) handleJoin(c *Client, documentID string) {
	if current := c.Document(); current != "" {
		h.leaveDocument(c, current)
	}

	ctx, cancel := opCtx()
	defer cancel()

	// Subscribe before the presence write so a document with a non-empty
	// presence map always has a subscribed instance.
	if err := h.ensureSubscribed(documentID); err != nil {
		h.logger.WithError(err).WithField("document_id", documentID).Error("Failed to subscribe to document topic")
		c.sendError("failed to join document")
		return
	}

	session := presence.Session{
		PrincipalID: c.principalID,
		DisplayName: c.displayName,
		SocketID:    c.socketID,
	}
	if err := h.registry.AddSession(ctx, documentID, session); err != nil {
		h.logger.WithError(err).WithField("document_id", documentID).Error("Failed to register session")
		h.unsubscribeIfUnused(documentID)
		c.sendError("failed to join document")
		return
	}

	h.mu.Lock()
	if h.docs[documentID] == nil {
		h.docs[documentID] = make(map[*Client]bool)
	}
	h.docs[documentID][c] = true
	h.mu.Unlock()
	c.setDocument(documentID)

	h.publish(documentID, MsgUserJoined, c.socketID, UserEventPayload{
		User: UserInfo{PrincipalID: c.principalID, DisplayName: c.displayName},
	})

	sessions, err := h.registry.ListSessions(ctx, documentID)
	if err != nil {
		h.logger.WithError(err).WithField("document_id", documentID).Warn("Failed to list sessions for joiner")
		sessions = []presence.Session{{PrincipalID: c.principalID, DisplayName: c.displayName, SocketID: c.socketID}}
	}
	users := make([]UserInfo, 0, len(sessions))
	for _, s := range sessions {
		users = append(users, UserInfo{PrincipalID: s.PrincipalID, DisplayName: s.DisplayName})
	}
	c.enqueue(mustFrame(MsgUsersInDocument, UsersPayload{Users: users}))

	h.logger.WithFields(logrus.Fields{
		"socket_id":    c.socketID,
		"principal_id": c.principalID,
		"document_id":  documentID,
	}).Info("Client joined document")
}

// leaveDocument removes the connection from the document and broadcasts
// user-left. The presence removal is a no-op when a newer session from the
// same principal already owns the hash field, and in that case no user-left
// is published: the principal is still in the document.
func (h *Hub) leaveDocument(c *Client, documentID string) {
	ctx, cancel := opCtx()
	defer cancel()

	removed, err := h.registry.RemoveSessionIfSocket(ctx, documentID, c.principalID, c.socketID)
	if err != nil {
		h.logger.WithError(err).WithField("document_id", documentID).Warn("Failed to remove session")
	}

	h.mu.Lock()
	if members, ok := h.docs[documentID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.docs, documentID)
		}
	}
	h.mu.Unlock()
	c.setDocument("")

	if removed {
		h.publish(documentID, MsgUserLeft, c.socketID, UserEventPayload{
			User: UserInfo{PrincipalID: c.principalID, DisplayName: c.displayName},
		})
	}

	h.unsubscribeIfUnused(documentID)

	h.logger.WithFields(logrus.Fields{
		"socket_id":    c.socketID,
		"principal_id": c.principalID,
		"document_id":  documentID,
	}).Info("Client left document")
}

// handleUpdate admits a crdt-update or awareness-update through the rate
// limiter and republishes it with the originator stamped into the envelope.
func (h *Hub) handleUpdate(c *Client, frame Frame) {
	var payload UpdatePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.DocumentID == "" {
		c.sendError(frame.Type + " requires a documentId")
		return
	}

	documentID := c.Document()
	if documentID == "" || documentID != payload.DocumentID {
		c.sendError("not joined to document")
		return
	}

	ctx, cancel := opCtx()
	defer cancel()

	result := h.limiter.Check(ctx, c.principalID, frame.Type)
	if !result.Admitted {
		c.sendError("rate limit exceeded for " + frame.Type)
		return
	}

	// Keep the session alive; a superseded socket refreshing the newer
	// session's activity is harmless.
	if err := h.registry.Touch(ctx, documentID, c.principalID); err != nil {
		h.logger.WithError(err).WithField("document_id", documentID).Debug("Failed to touch session")
	}

	h.publish(documentID, frame.Type, c.socketID, json.RawMessage(frame.Data))
}

// publish sends an envelope on the document topic. Data may be a payload
// struct or pre-shaped raw JSON.
func (h *Hub) publish(documentID, msgType, origin string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.WithError(err).WithField("type", msgType).Error("Failed to marshal envelope data")
		return
	}

	ctx, cancel := opCtx()
	defer cancel()

	env := bus.Envelope{Type: msgType, Origin: origin, Data: raw}
	if err := h.bus.Publish(ctx, documentID, env); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"document_id": documentID,
			"type":        msgType,
		}).Warn("Failed to publish envelope")
	}
}

// relay delivers one bus envelope to every local socket joined to the
// document except the originator. Suppression keys on socket id, not
// principal: the same principal on two devices must still see the other
// device's edits.
func (h *Hub) relay(documentID string, env bus.Envelope) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.docs[documentID]))
	for c := range h.docs[documentID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return
	}

	frame := mustFrame(env.Type, json.RawMessage(env.Data))
	for _, c := range members {
		if c.socketID == env.Origin {
			continue
		}
		c.enqueue(frame)
	}
}

// ensureSubscribed subscribes this instance to the document topic exactly
// once for as long as it holds any local session there.
func (h *Hub) ensureSubscribed(documentID string) error {
	h.mu.RLock()
	_, ok := h.subs[documentID]
	h.mu.RUnlock()
	if ok {
		return nil
	}

	ctx, cancel := opCtx()
	defer cancel()

	sub, err := h.bus.Subscribe(ctx, documentID, h.relay)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[documentID]; ok {
		// Lost the race to another join; keep the first subscription.
		go sub.Close()
		return nil
	}
	h.subs[documentID] = sub
	return nil
}

// unsubscribeIfUnused drops the topic subscription once no local socket is
// joined to the document.
func (h *Hub) unsubscribeIfUnused(documentID string) {
	h.mu.Lock()
	if len(h.docs[documentID]) > 0 {
		h.mu.Unlock()
		return
	}
	sub, ok := h.subs[documentID]
	if ok {
		delete(h.subs, documentID)
	}
	h.mu.Unlock()

	if ok {
		if err := sub.Close(); err != nil {
			h.logger.WithError(err).WithField("document_id", documentID).Warn("Failed to close topic subscription")
		}
	}
}

// StartMaintenance runs the hub's periodic duties until the context is
// cancelled: rate-limiter garbage collection and the presence stale sweep.
func (h *Hub) StartMaintenance(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(h.limiterGCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if dropped, err := h.limiter.GC(ctx); err != nil {
					h.logger.WithError(err).Warn("Rate limiter GC failed")
				} else if dropped > 0 {
					h.logger.WithField("buckets_dropped", dropped).Debug("Rate limiter GC completed")
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(h.staleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := h.registry.SweepStale(ctx); err != nil {
					h.logger.WithError(err).Warn("Presence sweep failed")
				} else if removed > 0 {
					h.logger.WithField("sessions_removed", removed).Info("Presence sweep removed stale sessions")
				}
			}
		}
	}()
}

// ClientCount returns the number of live local connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every local connection with a normal closure and drops
// all topic subscriptions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	subs := make([]*bus.Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*bus.Subscription)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	for _, sub := range subs {
		sub.Close()
	}
	h.logger.Info("Gateway shut down")
}
