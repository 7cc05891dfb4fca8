package relay

import (
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/relayhub/internal/metrics"
)

// Broadcaster delivers notices to role groups. Router implements it; the
// Reassembler only sees this interface.
type Broadcaster interface {
	// Broadcast sends v to every connection holding role and returns the
	// number of successful hand-offs.
	Broadcast(role Role, v any) int
	// BroadcastWhere sends v to every connection whose info satisfies pred.
	BroadcastWhere(pred func(ConnInfo) bool, v any) int
}

// Router dispatches decoded messages by type to the correct role groups.
type Router struct {
	registry  *Registry
	transfers *Reassembler
	metrics   *metrics.Metrics
	exclude   map[Role]bool
}

var _ Broadcaster = (*Router)(nil)

// NewRouter creates a router over registry. Pass-through messages are never
// forwarded to the roles in exclude. The transfer handler is attached by the
// Broker once the Reassembler exists.
func NewRouter(registry *Registry, m *metrics.Metrics, exclude []Role) *Router {
	ex := make(map[Role]bool, len(exclude))
	for _, role := range exclude {
		ex[role] = true
	}
	return &Router{
		registry: registry,
		metrics:  m,
		exclude:  ex,
	}
}

type registeredNotice struct {
	Type         string          `json:"type"`
	Role         Role            `json:"role"`
	ConnectionID ConnID          `json:"connectionId"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

type errorNotice struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// HandleFrame refreshes the sender's activity, decodes one text frame and
// routes it. A malformed frame is dropped and the sender is told so.
func (rt *Router) HandleFrame(sender ConnID, data []byte) error {
	rt.registry.Touch(sender)

	msg, err := Decode(data)
	if err != nil {
		rt.metrics.Malformed()
		log.Debugw("dropping malformed message", "conn", sender, "err", err)
		rt.sendTo(sender, errorNotice{Type: TypeError, Error: ErrMalformedMessage.Error()})
		return err
	}
	return rt.Route(sender, msg)
}

// Route dispatches one message. The returned error is informational: every
// failure is local to the sender or one transfer.
func (rt *Router) Route(sender ConnID, msg Message) error {
	switch m := msg.(type) {
	case Register:
		rt.metrics.MessageRouted(m.MessageType())
		return rt.register(sender, m)
	case Handshake:
		rt.metrics.MessageRouted(m.MessageType())
		return rt.handshake(sender, m)

	case BackupCommand:
		rt.metrics.MessageRouted(m.MessageType())
		return rt.transfers.OnCommand(sender, m)
	case BackupCancel:
		rt.metrics.MessageRouted(m.MessageType())
		return rt.transfers.OnCancel(m)
	case BackupStatus:
		rt.metrics.MessageRouted(m.MessageType())
		return rt.transfers.OnStatus(m)
	case BackupStart:
		rt.metrics.MessageRouted(m.MessageType())
		return rt.transfers.OnStart(m)
	case BackupChunk:
		rt.metrics.MessageRouted(m.MessageType())
		return rt.transfers.OnChunk(m)
	case BackupComplete:
		rt.metrics.MessageRouted(m.MessageType())
		return rt.transfers.OnComplete(m)
	case BackupError:
		rt.metrics.MessageRouted(m.MessageType())
		return rt.transfers.OnError(m)

	case Heartbeat:
		rt.metrics.MessageRouted(m.MessageType())
		return nil

	case Passthrough:
		// Free-form types would explode label cardinality.
		rt.metrics.MessageRouted("other")
		rt.forward(sender, m.Raw())
		return nil

	default:
		return fmt.Errorf("%w: unhandled variant %T", ErrMalformedMessage, msg)
	}
}

func (rt *Router) register(sender ConnID, m Register) error {
	if err := rt.registry.SetRole(sender, m.Role); err != nil {
		log.Debugw("registration from unknown connection", "conn", sender, "role", m.Role)
		return err
	}
	info, _ := rt.registry.Lookup(sender)
	log.Infow("client registered", "conn", sender, "role", m.Role)

	rt.Broadcast(RoleController, registeredNotice{
		Type:         TypeClientRegistered,
		Role:         m.Role,
		ConnectionID: sender,
		Metadata:     info.Metadata,
	})
	return nil
}

func (rt *Router) handshake(sender ConnID, m Handshake) error {
	var err error
	target := RoleController

	switch m.MessageType() {
	case TypeTransferReady:
		err = rt.registry.MarkReady(sender)
	case TypePathConfirmed:
		err = rt.registry.MarkPathSet(sender)
	case TypeSetPath:
		target = RoleTransferClient
	}
	if err != nil {
		return err
	}

	n := rt.Broadcast(target, m.Raw())
	log.Debugw("handshake relayed", "conn", sender, "type", m.MessageType(), "target", target, "recipients", n)
	return nil
}

// forward relays a pass-through message to every peer except the sender and
// the excluded roles.
func (rt *Router) forward(sender ConnID, raw json.RawMessage) {
	n := rt.BroadcastWhere(func(c ConnInfo) bool {
		return c.ID != sender && !rt.exclude[c.Role]
	}, raw)
	log.Debugw("message forwarded", "conn", sender, "recipients", n)
}

// Broadcast implements Broadcaster.
func (rt *Router) Broadcast(role Role, v any) int {
	return rt.deliver(rt.registry.GroupView(role), v)
}

// BroadcastWhere implements Broadcaster.
func (rt *Router) BroadcastWhere(pred func(ConnInfo) bool, v any) int {
	return rt.deliver(rt.registry.Select(pred), v)
}

func (rt *Router) sendTo(id ConnID, v any) {
	rt.deliver([]ConnID{id}, v)
}

// deliver hands v to each recipient independently. A failure for one
// recipient never stops the others.
func (rt *Router) deliver(ids []ConnID, v any) int {
	if len(ids) == 0 {
		return 0
	}
	payload, err := encode(v)
	if err != nil {
		log.Errorw("encoding outbound message", "err", err)
		return 0
	}

	delivered := 0
	for _, id := range ids {
		if err := rt.registry.SendTo(id, payload); err != nil {
			rt.metrics.DeliveryFailed()
			log.Debugw("delivery failed", "conn", id, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

func encode(v any) ([]byte, error) {
	switch p := v.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(v)
	}
}
