package chat

import (
	"errors"
	"log/slog"

	"github.com/Tyrowin/chatrelay/internal/metric"
)

// Reason explains why a participant was removed.
type Reason string

// Departure reasons.
const (
	ReasonLeave      Reason = "leave"
	ReasonDisconnect Reason = "disconnect"
	ReasonProtocol   Reason = "protocol"
	ReasonIdle       Reason = "idle"
	ReasonShutdown   Reason = "shutdown"
)

// Hub owns the registry and performs joins, broadcasts and departures on
// behalf of every transport.
type Hub struct {
	registry *Registry
	log      *slog.Logger
	metrics  *metric.Collector
}

// NewHub creates a Hub around a fresh registry. metrics may be nil.
func NewHub(log *slog.Logger, metrics *metric.Collector) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		registry: NewRegistry(),
		log:      log,
		metrics:  metrics,
	}
}

// Registry exposes the hub's registry for read access.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Admit registers a participant without announcing it, so the transport can
// acknowledge the join before any broadcast reaches the new peer. Announce
// must follow a successful Admit.
func (h *Hub) Admit(id, name, transport string, peer Peer) error {
	if err := h.registry.Register(id, name, transport, peer); err != nil {
		h.metrics.Rejected(rejectionReason(err))
		h.log.Info("Join rejected", "session", id, "name", name, "transport", transport, "error", err)
		return err
	}
	h.metrics.Joined(transport)
	h.log.Info("Participant joined", "session", id, "name", name, "transport", transport,
		"participants", h.registry.Len())
	return nil
}

// Announce broadcasts the join of id to everyone else, once.
func (h *Hub) Announce(id string) {
	name, ok := h.registry.MarkAnnounced(id)
	if !ok {
		return
	}
	h.Broadcast(id, Joined(name))
}

// Join admits and announces a participant in one step.
func (h *Hub) Join(id, name, transport string, peer Peer) error {
	if err := h.Admit(id, name, transport, peer); err != nil {
		return err
	}
	h.Announce(id)
	return nil
}

// Relay broadcasts a chat body from id. It reports false when id is not
// registered.
func (h *Hub) Relay(id, body string) bool {
	name, ok := h.registry.Lookup(id)
	if !ok {
		return false
	}
	h.Broadcast(id, Chat(name, body))
	return true
}

// Broadcast delivers msg to every registered participant except exclude, in
// snapshot order, and returns the number of successful deliveries. The
// registry lock is not held while sending. A recipient whose delivery fails
// is removed as a disconnect; the remaining recipients are still served.
func (h *Hub) Broadcast(exclude string, msg Message) int {
	recipients := h.registry.Snapshot()
	payload := msg.Format()
	h.metrics.Broadcast(msg.Kind.String())

	var failed []Entry
	delivered := 0
	for _, e := range recipients {
		if exclude != "" && e.ID == exclude {
			continue
		}
		if err := e.Peer.Send(payload); err != nil {
			h.metrics.DeliveryFailed()
			h.log.Warn("Delivery failed", "session", e.ID, "name", e.Name, "error", err)
			failed = append(failed, e)
			continue
		}
		delivered++
	}

	h.log.Debug("Broadcast", "kind", msg.Kind.String(), "from", msg.Sender,
		"delivered", delivered, "failed", len(failed))

	for _, e := range failed {
		h.Depart(e.ID, ReasonDisconnect)
	}
	return delivered
}

// Depart unregisters id, announces its departure to the remaining
// participants if its join was announced, and closes its transport. It reports false when id was not
// registered, in which case nothing is announced or closed.
func (h *Hub) Depart(id string, reason Reason) bool {
	e, ok := h.registry.Unregister(id)
	if !ok {
		return false
	}
	h.metrics.Departed(e.Transport, string(reason))
	h.log.Info("Participant left", "session", id, "name", e.Name, "reason", string(reason),
		"participants", h.registry.Len())

	if e.Announced {
		h.Broadcast(id, Left(e.Name))
	}

	if err := e.Peer.Close(); err != nil && !IsExpectedCloseError(err) {
		h.log.Warn("Error closing participant transport", "session", id, "error", err)
	}
	return true
}

// Shutdown closes the registry to new joins, sends the shutdown sentinel to
// every participant and then removes each of them. It returns the number of
// participants drained; a second call drains nothing.
func (h *Hub) Shutdown() int {
	entries := h.registry.Close()
	if len(entries) == 0 {
		return 0
	}

	h.log.Info("Shutting down all participants", "participants", len(entries))

	notice := ShutdownNotice().Format()
	h.metrics.Broadcast(KindShutdown.String())
	for _, e := range entries {
		if err := e.Peer.Send(notice); err != nil {
			h.metrics.DeliveryFailed()
			h.log.Debug("Shutdown notice not delivered", "session", e.ID, "error", err)
		}
	}

	drained := 0
	for _, e := range entries {
		if h.Depart(e.ID, ReasonShutdown) {
			drained++
		}
	}

	h.log.Info("Drained participants", "count", drained)
	return drained
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNameTaken):
		return "name_taken"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "other"
	}
}
