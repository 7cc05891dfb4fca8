// Package server coordinates client registration, pump lifecycle, and
// connection cleanup for the relay WebSocket system via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/relayhub/internal/config"
	"github.com/Tyrowin/relayhub/internal/relay"
)

// Hub owns the goroutines of every WebSocket client and attaches clients to
// the relay broker. Routing itself happens in the broker.
type Hub struct {
	cfg        *config.Config
	broker     *relay.Broker
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub instance with all necessary channels
// and client map. The returned Hub is ready to manage WebSocket connections.
func NewHub(cfg *config.Config, broker *relay.Broker) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		broker:     broker,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// ClientCount returns the number of clients with running pumps.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// join hands a new client to the run loop. It reports false once the hub is
// shutting down.
func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// leave hands a finished client to the run loop, or cleans up directly when
// the loop has already exited.
func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		h.removeClient(client)
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. This method should be called in a separate goroutine
// as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Debugw("received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	id, err := h.broker.Connect(client, client.metadata)
	if err != nil {
		log.Errorw("attaching client to broker", "addr", client.addr, "err", err)
		client.markClosed()
		client.closeConnection()
		return
	}
	client.id = id

	h.mutex.Lock()
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()
	log.Infow("client registered", "conn", id, "addr", client.addr, "total", clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// removeClient detaches a client from the broker and closes its send channel.
// Calling it twice for the same client is harmless.
func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if !ok {
		return
	}
	h.broker.Disconnect(client.id)
	client.markClosed()
	log.Infow("client unregistered", "conn", client.id, "addr", client.addr, "total", clientCount)
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	log.Infow("shutting down all client connections")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		if err := client.Close(); err != nil && !isExpectedCloseError(err) {
			log.Debugw("closing client connection", "addr", client.addr, "err", err)
		}
	}

	log.Infow("closed client connections", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Infow("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Infow("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Warnw("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
