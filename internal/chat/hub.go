package chat

import (
	"context"
	"log/slog"
	"time"

	"cookroom/internal/assistant"
	"cookroom/internal/room"
)

// Advisor answers a question about the asker's room. It must not fail:
// errors come back as an assistant.Fallback.
type Advisor interface {
	Ask(ctx context.Context, in assistant.Context) assistant.Outcome
}

type inbound struct {
	client *Client
	env    Envelope
}

type roomFrame struct {
	roomCode string
	payload  []byte
}

// answer carries an advisor outcome back onto the hub goroutine. The room
// pointer is the one captured when the question was asked.
type answer struct {
	roomCode string
	room     *room.Room
	outcome  assistant.Outcome
}

// Hub is the event loop. Run is the only goroutine that touches clients,
// store and registry, so none of them need locks.
type Hub struct {
	clients  map[string]*Client
	store    *room.Store
	registry *room.Registry
	advisor  Advisor
	relay    Relay
	log      *slog.Logger
	now      func() time.Time

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	answers    chan answer
	broadcast  chan roomFrame // room frames coming back from the relay

	ctx  context.Context
	done chan struct{}
}

type Option func(*Hub)

// WithRelay routes room broadcasts through a pub/sub relay instead of
// delivering them in-process.
func WithRelay(r Relay) Option {
	return func(h *Hub) { h.relay = r }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func NewHub(store *room.Store, registry *room.Registry, advisor Advisor, log *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		store:      store,
		registry:   registry,
		advisor:    advisor,
		log:        log,
		now:        time.Now,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		answers:    make(chan answer),
		broadcast:  make(chan roomFrame, 256),
		ctx:        context.Background(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("hub stopping", "clients", len(h.clients), "rooms", h.store.Len())
			return nil

		case client := <-h.register:
			h.clients[client.ID] = client

		case client := <-h.unregister:
			h.drop(client)

		case in := <-h.inbound:
			h.dispatch(in.client, in.env)

		case a := <-h.answers:
			h.applyAnswer(a)

		case frame := <-h.broadcast:
			h.relayed(frame)
		}
	}
}

// Attach, Detach, Submit and Deliver are how other goroutines talk to the
// loop. They give up once the hub has stopped.

func (h *Hub) Attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Submit(c *Client, env Envelope) {
	select {
	case h.inbound <- inbound{client: c, env: env}:
	case <-h.done:
	}
}

// Deliver hands a frame received from the relay to the loop for local fan-out.
func (h *Hub) Deliver(roomCode string, payload []byte) {
	select {
	case h.broadcast <- roomFrame{roomCode: roomCode, payload: payload}:
	case <-h.done:
	}
}

// drop forgets a client, closes its send channel and runs the disconnect handler.
// Dropping an unknown client is a no-op.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	close(c.Send)
	h.leave(c.ID)
}

func (h *Hub) closeAll() {
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.Send)
	}
}

// emit sends an event to every connection joined to roomCode. Recipients are
// fixed here, so a relayed frame reaches the same connections a local fan-out
// would have, however late it comes back.
func (h *Hub) emit(roomCode, event string, data any) {
	payload, err := encode(event, data)
	if err != nil {
		h.log.Error("encode failed", "event", event, "room", roomCode, "err", err)
		return
	}
	to := h.members(roomCode)
	if h.relay == nil {
		h.deliverTo(roomCode, to, payload)
		return
	}
	wire, err := wrapRelayFrame(to, payload)
	if err == nil {
		err = h.relay.Publish(h.ctx, roomCode, wire)
	}
	if err != nil {
		h.log.Warn("relay publish failed, delivering locally", "room", roomCode, "err", err)
		h.deliverTo(roomCode, to, payload)
	}
}

// relayed fans out a frame that came back from the relay.
func (h *Hub) relayed(frame roomFrame) {
	to, payload, err := unwrapRelayFrame(frame.payload)
	if err != nil {
		h.log.Warn("dropping relay frame", "room", frame.roomCode, "err", err)
		return
	}
	h.deliverTo(frame.roomCode, to, payload)
}

// send targets a single connection, bypassing the relay.
func (h *Hub) send(c *Client, event string, data any) {
	payload, err := encode(event, data)
	if err != nil {
		h.log.Error("encode failed", "event", event, "err", err)
		return
	}
	if !offer(c, payload) {
		h.drop(c)
	}
}

func (h *Hub) members(roomCode string) []string {
	var ids []string
	for id := range h.clients {
		if conn, ok := h.registry.Lookup(id); ok && conn.RoomCode == roomCode {
			ids = append(ids, id)
		}
	}
	return ids
}

// deliverTo queues payload for each listed connection still attached.
func (h *Hub) deliverTo(roomCode string, ids []string, payload []byte) {
	var slow []*Client
	for _, id := range ids {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		if !offer(c, payload) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.log.Warn("dropping slow client", "conn", c.ID, "room", roomCode)
		h.drop(c)
	}
}

// offer never blocks the loop. A full buffer means a slow consumer.
func offer(c *Client, payload []byte) bool {
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}
