// Package websocket streams committed scheduling events to connected
// clients. Clients subscribe to topics; the hub fans each event out to the
// topics it concerns.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/scheduler/internal/domain/scheduling"
	"github.com/clinic/scheduler/internal/platform/auth"
	"github.com/clinic/scheduler/internal/platform/events"
	"github.com/clinic/scheduler/internal/platform/openapi"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Topic prefixes. Slot topics carry slot changes and a reduced view of
// bookings; appointment and user topics carry full appointments.
const (
	prefixSlots        = "slots:"
	prefixAppointments = "appointments:"
	prefixUser         = "user:"
)

func SlotsTopic(therapistID string) string        { return prefixSlots + therapistID }
func AppointmentsTopic(therapistID string) string { return prefixAppointments + therapistID }
func UserTopic(userID string) string              { return prefixUser + userID }

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is a single connection. allow decides which topics it may join.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	allow  func(topic string) bool
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	closed  bool
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "stream").Logger(),
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client and subscribes it to its initial topics. It reports
// false once the hub is closed.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.all[client] = struct{}{}
	h.subscribeLocked(client, client.Topics)
	return true
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds the topics the client is allowed to join and returns the
// ones it was refused.
func (h *Hub) Subscribe(client *Client, topics []string) (refused []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return topics
	}
	var accepted []string
	for _, t := range topics {
		if client.allow != nil && !client.allow(t) {
			refused = append(refused, t)
			continue
		}
		if !contains(client.Topics, t) {
			accepted = append(accepted, t)
		}
	}
	h.subscribeLocked(client, accepted)
	client.Topics = append(client.Topics, accepted...)
	return refused
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, topics)
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if !contains(topics, t) {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
}

// ProcessMessage applies an inbound subscription change.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if refused := h.Subscribe(client, msg.Topics); len(refused) > 0 {
			h.logger.Debug().Str("client", client.ID).Strs("topics", refused).Msg("subscription refused")
		}
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver fans evt out to its topics. Each client receives an event at most
// once; a client whose buffer is full misses it.
func (h *Hub) Deliver(_ context.Context, evt scheduling.Event) error {
	full, err := events.Payload(evt)
	if err != nil {
		return err
	}
	fullTopics, slotTopics := topicsFor(evt)

	var reduced []byte
	if evt.Appointment != nil && len(slotTopics) > 0 {
		if reduced, err = events.Payload(availabilityView(evt)); err != nil {
			return err
		}
	} else {
		fullTopics = append(fullTopics, slotTopics...)
		slotTopics = nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	h.sendLocked(fullTopics, full, seen)
	h.sendLocked(slotTopics, reduced, seen)
	return nil
}

func (h *Hub) sendLocked(topics []string, data []byte, seen map[*Client]struct{}) {
	for _, topic := range topics {
		for client := range h.clients[topic] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client", client.ID).Str("topic", topic).Msg("client buffer full, event dropped")
			}
		}
	}
}

// topicsFor splits the topics concerned by evt into those that receive the
// whole event and the slot topics.
func topicsFor(evt scheduling.Event) (full, slots []string) {
	add := func(list []string, t string) []string {
		if contains(list, t) {
			return list
		}
		return append(list, t)
	}
	for _, s := range evt.Slots {
		slots = add(slots, SlotsTopic(s.TherapistID))
	}
	for _, a := range []*scheduling.Appointment{evt.Appointment, evt.Previous} {
		if a == nil {
			continue
		}
		slots = add(slots, SlotsTopic(a.TherapistID))
		full = add(full, AppointmentsTopic(a.TherapistID))
		full = add(full, UserTopic(a.SubjectID))
		if a.BookedBy != "" {
			full = add(full, UserTopic(a.BookedBy))
		}
	}
	return full, slots
}

// availabilityView strips an appointment event down to what a slot board
// needs: which slot changed and whether it is still held.
func availabilityView(evt scheduling.Event) scheduling.Event {
	strip := func(a *scheduling.Appointment) *scheduling.Appointment {
		if a == nil {
			return nil
		}
		return &scheduling.Appointment{
			ID:          a.ID,
			SlotID:      a.SlotID,
			TherapistID: a.TherapistID,
			Status:      a.Status,
			Date:        a.Date,
			Start:       a.Start,
			End:         a.End,
		}
	}
	return scheduling.Event{Type: evt.Type, At: evt.At, Appointment: strip(evt.Appointment), Previous: strip(evt.Previous)}
}

// Close disconnects every client. Later registrations are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.all {
		close(client.Send)
	}
	h.all = make(map[*Client]struct{})
	h.clients = make(map[string]map[*Client]struct{})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// allowTopic reports whether the caller on ctx may follow topic. Members may
// watch any therapist's slots; appointment and user topics are limited to
// their owner. Admins may follow anything.
func allowTopic(ctx context.Context, topic string) bool {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" {
		return false
	}
	if hasExactRole(ctx, auth.RoleAdmin) {
		return true
	}
	switch kind + ":" {
	case prefixSlots:
		return auth.HasRole(ctx, scheduling.RoleTherapist, scheduling.RoleParent, scheduling.RoleStudent)
	case prefixAppointments:
		return hasExactRole(ctx, scheduling.RoleTherapist) && id == auth.UserIDFromContext(ctx)
	case prefixUser:
		return id == auth.UserIDFromContext(ctx)
	}
	return false
}

func hasExactRole(ctx context.Context, role string) bool {
	return contains(auth.RolesFromContext(ctx), role)
}

// defaultTopics are joined on connect: the caller's own user topic, and for
// therapists their appointments and slots.
func defaultTopics(ctx context.Context) []string {
	uid := auth.UserIDFromContext(ctx)
	if uid == "" {
		return nil
	}
	topics := []string{UserTopic(uid)}
	if hasExactRole(ctx, scheduling.RoleTherapist) {
		topics = append(topics, AppointmentsTopic(uid), SlotsTopic(uid))
	}
	return topics
}

// Handler upgrades HTTP requests to event streams.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler returns a handler accepting upgrades from the given origins.
// "*" or an empty list accepts any origin.
func NewHandler(hub *Hub, origins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origins),
		},
	}
}

func checkOrigin(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || contains(origins, origin)
	}
}

// RegisterRoutes mounts the stream endpoint for members.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/stream", h.HandleConnect,
		auth.RequireRole(scheduling.RoleTherapist, scheduling.RoleParent, scheduling.RoleStudent))
}

// DescribeRoutes documents the stream endpoint.
func (h *Handler) DescribeRoutes(doc *openapi.Generator) {
	doc.Describe(http.MethodGet, "/stream", openapi.Operation{
		Summary: "Stream scheduling events over a WebSocket",
		Status:  http.StatusSwitchingProtocols,
		Query:   []openapi.Param{{Name: "topics", Description: "extra topics, comma separated"}},
	})
}

// HandleConnect upgrades the connection. Extra topics may be requested up
// front with ?topics=a,b; any the caller may not follow fail the request.
func (h *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	topics := defaultTopics(ctx)
	for _, t := range strings.Split(c.QueryParam("topics"), ",") {
		if t = strings.TrimSpace(t); t == "" || contains(topics, t) {
			continue
		}
		if !allowTopic(ctx, t) {
			return echo.NewHTTPError(http.StatusForbidden, "topic not allowed: "+t)
		}
		topics = append(topics, t)
	}

	// Subscription checks outlive the request, so capture the identity now.
	identity := auth.WithIdentity(context.Background(), auth.UserIDFromContext(ctx), auth.RolesFromContext(ctx))

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.NewString(),
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
		allow:  func(t string) bool { return allowTopic(identity, t) },
	}
	if !h.hub.Register(client) {
		_ = ws.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		return ws.Close()
	}

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
