package media

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/harshu-panchal/healiinn-sub004/internal/bus"
)

const EventStreamAvailable = "call:streamAvailable"

// Manager owns the bookkeeping the SFU does not: which call each routing
// context and transport belongs to. The reverse tables exist because a
// transport's native back-reference goes stale once its context is torn
// down, and stream notifications still need to find the call channel.
type Manager struct {
	sfu SFU
	bus *bus.Bus

	mu               sync.Mutex
	callContext      map[string]string          // callID -> contextID
	contextCall      map[string]string          // contextID -> callID
	transportCall    map[string]string          // transportID -> callID
	transportContext map[string]string          // transportID -> contextID
	contextProducers map[string][]string        // contextID -> producerIDs
	connCalls        map[string]map[string]bool // connectionID -> joined callIDs
	closedTransports map[string]bool
	closedContexts   map[string]bool
}

func NewManager(sfu SFU, fanout *bus.Bus) *Manager {
	return &Manager{
		sfu:              sfu,
		bus:              fanout,
		callContext:      make(map[string]string),
		contextCall:      make(map[string]string),
		transportCall:    make(map[string]string),
		transportContext: make(map[string]string),
		contextProducers: make(map[string][]string),
		connCalls:        make(map[string]map[string]bool),
		closedTransports: make(map[string]bool),
		closedContexts:   make(map[string]bool),
	}
}

// JoinCall records that a realtime connection participates in a call. The
// membership is the last-resort path for resolving a producer's call.
func (m *Manager) JoinCall(connectionID, callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls, ok := m.connCalls[connectionID]
	if !ok {
		calls = make(map[string]bool)
		m.connCalls[connectionID] = calls
	}
	calls[callID] = true
}

// LeaveAll drops every call membership of a connection.
func (m *Manager) LeaveAll(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connCalls, connectionID)
}

// EnsureContext returns the call's routing context, creating it on first use.
func (m *Manager) EnsureContext(ctx context.Context, callID string) (string, error) {
	m.mu.Lock()
	if contextID, ok := m.callContext[callID]; ok && !m.closedContexts[contextID] {
		m.mu.Unlock()
		return contextID, nil
	}
	m.mu.Unlock()

	contextID, err := m.sfu.CreateRoutingContext(ctx, callID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.callContext[callID] = contextID
	m.contextCall[contextID] = callID
	m.mu.Unlock()
	return contextID, nil
}

// CreateTransport allocates a transport inside the call's routing context
// and indexes it for later call resolution.
func (m *Manager) CreateTransport(ctx context.Context, connectionID, callID string) (Transport, error) {
	contextID, err := m.EnsureContext(ctx, callID)
	if err != nil {
		return Transport{}, err
	}

	transport, err := m.sfu.CreateTransport(ctx, contextID)
	if err != nil {
		return Transport{}, err
	}

	m.mu.Lock()
	m.transportCall[transport.ID] = callID
	m.transportContext[transport.ID] = contextID
	m.mu.Unlock()

	m.JoinCall(connectionID, callID)
	return transport, nil
}

// ConnectTransport completes the client half of the transport handshake.
func (m *Manager) ConnectTransport(ctx context.Context, transportID string, clientParams json.RawMessage) error {
	if err := m.checkTransport(transportID); err != nil {
		return err
	}
	if err := m.sfu.ConnectTransport(ctx, transportID, clientParams); err != nil {
		m.healTransport(transportID, err)
		return err
	}
	return nil
}

// Produce registers a new outgoing media stream. The owning call is
// resolved through the transport table, then the routing-context reverse
// lookup, then the requesting connection's memberships; if every path
// fails the produce still succeeds but no stream notification goes out.
func (m *Manager) Produce(ctx context.Context, connectionID, transportID, kind string, params json.RawMessage) (string, error) {
	if err := m.checkTransport(transportID); err != nil {
		return "", err
	}

	producerID, err := m.sfu.Produce(ctx, transportID, kind, params)
	if err != nil {
		m.healTransport(transportID, err)
		return "", err
	}

	m.mu.Lock()
	if contextID, ok := m.transportContext[transportID]; ok {
		m.contextProducers[contextID] = append(m.contextProducers[contextID], producerID)
	}
	callID, resolved := m.resolveCallLocked(connectionID, transportID)
	m.mu.Unlock()

	if !resolved {
		log.Printf("media: no call resolvable for producer=%s transport=%s conn=%s, skipping stream notification", producerID, transportID, connectionID)
		return producerID, nil
	}

	m.bus.Publish(bus.CallChannel(callID), bus.NewEvent(EventStreamAvailable, map[string]interface{}{
		"call_id":     callID,
		"producer_id": producerID,
		"kind":        kind,
	}))
	return producerID, nil
}

// Consume subscribes a transport to an existing producer's stream.
func (m *Manager) Consume(ctx context.Context, transportID, producerID string, clientCaps json.RawMessage) (Consumer, error) {
	if err := m.checkTransport(transportID); err != nil {
		return Consumer{}, err
	}
	consumer, err := m.sfu.Consume(ctx, transportID, producerID, clientCaps)
	if err != nil {
		m.healTransport(transportID, err)
		return Consumer{}, err
	}
	return consumer, nil
}

// CleanupCall tears down everything the call holds on the SFU: producers
// first, then the routing context, which cascades to transports. Close
// failures are logged and skipped; the lookup tables are purged regardless
// so they never reference dead resources.
func (m *Manager) CleanupCall(callID string) error {
	ctx := context.Background()

	m.mu.Lock()
	contextID, ok := m.callContext[callID]
	var producers []string
	if ok {
		producers = m.contextProducers[contextID]
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	for _, producerID := range producers {
		if err := m.sfu.CloseProducer(ctx, producerID); err != nil {
			log.Printf("media: close producer=%s call=%s: %v", producerID, callID, err)
		}
	}
	if err := m.sfu.CloseContext(ctx, contextID); err != nil {
		log.Printf("media: close context=%s call=%s: %v", contextID, callID, err)
	}

	m.mu.Lock()
	delete(m.callContext, callID)
	delete(m.contextCall, contextID)
	delete(m.contextProducers, contextID)
	m.closedContexts[contextID] = true
	for transportID, tc := range m.transportContext {
		if tc == contextID {
			delete(m.transportContext, transportID)
			delete(m.transportCall, transportID)
			m.closedTransports[transportID] = true
		}
	}
	for _, calls := range m.connCalls {
		delete(calls, callID)
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) resolveCallLocked(connectionID, transportID string) (string, bool) {
	if callID, ok := m.transportCall[transportID]; ok {
		return callID, true
	}
	if contextID, ok := m.transportContext[transportID]; ok {
		if callID, ok := m.contextCall[contextID]; ok {
			return callID, true
		}
	}
	for callID := range m.connCalls[connectionID] {
		return callID, true
	}
	return "", false
}

func (m *Manager) checkTransport(transportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closedTransports[transportID] {
		return ErrResourceClosed
	}
	if contextID, ok := m.transportContext[transportID]; ok && m.closedContexts[contextID] {
		delete(m.transportContext, transportID)
		delete(m.transportCall, transportID)
		m.closedTransports[transportID] = true
		return ErrResourceClosed
	}
	return nil
}

// healTransport purges a transport whose SFU handle turned out to be dead,
// so the next operation gets a clean ErrResourceClosed instead of another
// opaque SFU failure.
func (m *Manager) healTransport(transportID string, cause error) {
	if !isClosedResource(cause) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transportContext, transportID)
	delete(m.transportCall, transportID)
	m.closedTransports[transportID] = true
}

func isClosedResource(err error) bool {
	return errors.Is(err, ErrResourceClosed)
}
