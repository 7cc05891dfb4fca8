package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Broker wires the Registry, Router, Reassembler and Supervisor together and
// is the single entry point for the transport layer.
type Broker struct {
	opts       Options
	registry   *Registry
	router     *Router
	transfers  *Reassembler
	supervisor *Supervisor
	startedAt  time.Time

	// lifecycle serializes registry membership changes with supervisor
	// start and stop.
	lifecycle sync.Mutex
}

// New builds a broker that materializes artifacts into store.
func New(store ArtifactStore, opts Options) *Broker {
	opts = opts.withDefaults()

	registry := NewRegistry(opts.Clock)
	router := NewRouter(registry, opts.Metrics, opts.ForwardExclude)
	transfers := NewReassembler(router, store, opts)
	router.transfers = transfers

	b := &Broker{
		opts:      opts,
		registry:  registry,
		router:    router,
		transfers: transfers,
		startedAt: opts.Clock.Now(),
	}
	b.supervisor = NewSupervisor(registry, transfers, opts, b.Disconnect)
	return b
}

// Connect registers h under a fresh id.
func (b *Broker) Connect(h Handle, metadata json.RawMessage) (ConnID, error) {
	id := ConnID(uuid.NewString())
	if err := b.Attach(id, h, metadata); err != nil {
		return "", err
	}
	return id, nil
}

// Attach registers h under id and starts the supervisor for the first
// connection.
func (b *Broker) Attach(id ConnID, h Handle, metadata json.RawMessage) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if err := b.registry.Register(id, h); err != nil {
		return err
	}
	if len(metadata) > 0 {
		if err := b.registry.SetMetadata(id, metadata); err != nil {
			return err
		}
	}
	if b.supervisor.Start() {
		log.Infow("supervisor running", "interval", b.opts.HeartbeatInterval)
		// Deadlines may have passed while nobody was connected.
		b.transfers.Sweep()
	}
	b.recordConnections()
	log.Infow("connection registered", "conn", id, "total", b.registry.Len())
	return nil
}

// Disconnect removes id and every reference to it. It is idempotent; the
// supervisor stops with the last connection after one final transfer sweep.
func (b *Broker) Disconnect(id ConnID) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if !b.registry.Unregister(id) {
		return
	}
	remaining := b.registry.Len()
	if remaining == 0 {
		b.supervisor.Stop()
		b.transfers.Sweep()
	}
	b.recordConnections()
	log.Infow("connection unregistered", "conn", id, "total", remaining)
}

// HandleFrame processes one inbound text frame from id.
func (b *Broker) HandleFrame(id ConnID, data []byte) error {
	err := b.router.HandleFrame(id, data)
	if err != nil {
		log.Debugw("message not applied", "conn", id, "err", err)
	}
	// SetRole may have moved the connection between groups.
	b.recordConnections()
	return err
}

// Alive records a liveness probe acknowledgement.
func (b *Broker) Alive(id ConnID) {
	b.registry.MarkAlive(id)
}

func (b *Broker) recordConnections() {
	if b.opts.Metrics == nil {
		return
	}
	byRole := make(map[string]int)
	for role, n := range b.registry.RoleCounts() {
		byRole[role.String()] = n
	}
	b.opts.Metrics.SetConnections(byRole)
}

// BrokerStatus is the payload of the status endpoint.
type BrokerStatus struct {
	Connections     int            `json:"connections"`
	Roles           map[string]int `json:"roles"`
	ActiveTransfers int            `json:"activeTransfers"`
	Uptime          string         `json:"uptime"`
	UptimeSeconds   float64        `json:"uptimeSeconds"`
}

// Status returns a snapshot of the broker.
func (b *Broker) Status() BrokerStatus {
	roles := make(map[string]int)
	for role, n := range b.registry.RoleCounts() {
		roles[role.String()] = n
	}
	uptime := b.opts.Clock.Since(b.startedAt)
	return BrokerStatus{
		Connections:     b.registry.Len(),
		Roles:           roles,
		ActiveTransfers: b.transfers.ActiveCount(),
		Uptime:          uptime.Truncate(time.Second).String(),
		UptimeSeconds:   uptime.Seconds(),
	}
}

// Transfers returns every tracked transfer.
func (b *Broker) Transfers() []TransferSummary {
	return b.transfers.Summaries()
}

// Transfer returns one tracked transfer.
func (b *Broker) Transfer(id string) (TransferSummary, bool) {
	return b.transfers.Summary(id)
}

// Registry exposes the connection registry.
func (b *Broker) Registry() *Registry { return b.registry }

// Router exposes the message router.
func (b *Broker) Router() *Router { return b.router }

// Reassembler exposes the transfer reassembler.
func (b *Broker) Reassembler() *Reassembler { return b.transfers }

// Supervisor exposes the liveness and deadline supervisor.
func (b *Broker) Supervisor() *Supervisor { return b.supervisor }

// Close stops the supervisor and waits for running materializations.
func (b *Broker) Close(ctx context.Context) error {
	err := multierr.Combine(
		b.supervisor.Shutdown(ctx),
		b.transfers.Wait(ctx),
	)
	if err != nil {
		return fmt.Errorf("closing broker: %w", err)
	}
	return nil
}
