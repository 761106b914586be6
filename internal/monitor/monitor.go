// Package monitor tails both chain clients, deduplicates events, correlates
// them to sessions by hashlock, and routes them to the session manager. An
// event is never dropped silently: it either reaches a session worker or is
// recorded as a no-match.
package monitor

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/ppezzull/1balancer-sub000/internal/bus"
	"github.com/ppezzull/1balancer-sub000/internal/chain"
	"github.com/ppezzull/1balancer-sub000/internal/fault"
	"github.com/ppezzull/1balancer-sub000/internal/session"
	"github.com/ppezzull/1balancer-sub000/internal/storage"
	"github.com/ppezzull/1balancer-sub000/pkg/helpers"
	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

// KindBlockchainEvent is the bus kind for raw correlated chain events.
const KindBlockchainEvent = "blockchain_event"

// Monitor owns the chain-event ingestion pipeline.
type Monitor struct {
	clients []chain.Client
	store   *session.Store
	manager *session.Manager
	bus     *bus.Bus
	persist *storage.Store
	dedup   *dedupCache
	dlog    *storage.DedupLog
	logger  *logging.Logger

	wg sync.WaitGroup
}

// New wires the monitor. seen carries the dedup ids replayed from the
// persistent log so restarts do not re-deliver events.
func New(clients []chain.Client, store *session.Store, manager *session.Manager,
	eventBus *bus.Bus, persist *storage.Store, dlog *storage.DedupLog,
	seen []string, capacity int, logger *logging.Logger) *Monitor {

	cache := newDedupCache(capacity)
	for _, id := range seen {
		cache.add(id)
	}
	return &Monitor{
		clients: clients,
		store:   store,
		manager: manager,
		bus:     eventBus,
		persist: persist,
		dedup:   cache,
		dlog:    dlog,
		logger:  logger.Component("monitor"),
	}
}

// Start begins tailing every client. Returns after the watch streams are
// established; consumption runs until ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	for _, client := range m.clients {
		events, err := client.Watch(ctx)
		if err != nil {
			return fault.Wrap(fault.ChainUnavailable, "failed to watch "+string(client.Side())+" chain", err)
		}
		m.wg.Add(1)
		go m.consume(ctx, client, events)
	}
	return nil
}

// Wait blocks until all consumers have stopped.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Connected reports per-side chain connectivity for the health endpoint.
func (m *Monitor) Connected() map[chain.Side]bool {
	status := make(map[chain.Side]bool, len(m.clients))
	for _, client := range m.clients {
		status[client.Side()] = client.Connected()
	}
	return status
}

func (m *Monitor) consume(ctx context.Context, client chain.Client, events <-chan chain.Event) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.logger.Warn("event stream closed", "side", client.Side())
				return
			}
			if m.handle(&ev) {
				client.Commit(ev.Cursor)
			}
		}
	}
}

// handle routes one event: dedup, correlate, forward. It reports whether
// the event is fully handled, which is when its cursor may be committed.
// An event is marked in the dedup log only after the session worker has
// applied and persisted it, so a crash mid-apply replays the event.
func (m *Monitor) handle(ev *chain.Event) bool {
	id := ev.ID()
	if m.dedup.seen(id) {
		m.logger.Debug("duplicate event dropped", "event", id)
		return true
	}

	hashlock := hex.EncodeToString(ev.Hashlock[:])
	sess, err := m.store.ByHashlock(hashlock)
	if err != nil {
		m.noMatch(ev, hashlock)
		m.mark(id)
		return true
	}

	if err := m.manager.HandleEvent(sess.ID, *ev); err != nil {
		if fault.KindOf(err) != fault.StateConflict {
			// Shutdown or transient failure mid-apply: leave the event
			// unmarked so a restart replays it.
			m.logger.Warn("event not applied", "event", id, "session_id", sess.ID, "error", err)
			return false
		}
		// Terminal sessions refuse events; that still counts as handled,
		// but leave a trace for the audit trail.
		if kerr := m.persist.AppendAudit(sess.ID, storage.AuditLateEvent, id); kerr != nil {
			m.logger.Warn("audit write failed", "event", id, "error", kerr)
		}
		m.logger.Debug("event refused by session", "event", id, "session_id", sess.ID, "error", err)
		m.mark(id)
		return true
	}
	m.mark(id)

	m.bus.Publish(bus.Message{
		Topic: bus.SessionTopic(sess.ID),
		Kind:  KindBlockchainEvent,
		Payload: map[string]interface{}{
			"session_id": sess.ID,
			"event_id":   id,
			"side":       ev.Side,
			"kind":       ev.Kind,
			"tx_ref":     ev.TxRef,
			"block":      ev.BlockNumber,
		},
	})
	m.logger.Info("event forwarded",
		"event", id, "kind", ev.Kind, "session_id", sess.ID)
	return true
}

// mark records an event as consumed, in memory and in the dedup log.
func (m *Monitor) mark(id string) {
	m.dedup.add(id)
	if m.dlog != nil {
		if err := m.dlog.Append(id); err != nil {
			m.logger.Warn("dedup log append failed", "event", id, "error", err)
		}
	}
}

// noMatch records an event whose hashlock belongs to no live session. Such
// events still surface on the global firehose so operators can see them.
func (m *Monitor) noMatch(ev *chain.Event, hashlock string) {
	m.bus.Publish(bus.Message{
		Topic: bus.TopicGlobal,
		Kind:  KindBlockchainEvent,
		Payload: map[string]interface{}{
			"event_id": ev.ID(),
			"side":     ev.Side,
			"kind":     ev.Kind,
			"tx_ref":   ev.TxRef,
			"block":    ev.BlockNumber,
		},
	})

	// A session can be gone from the live index while its secret row
	// lingers; the row pins the event to the retired session instead of
	// counting it as noise.
	if sec, err := m.persist.GetSecretByHashlock(hashlock); err == nil {
		if aerr := m.persist.AppendAudit(sec.SessionID, storage.AuditLateEvent, ev.ID()); aerr != nil {
			m.logger.Warn("audit write failed", "event", ev.ID(), "error", aerr)
		}
		m.logger.Info("event for retired session",
			"event", ev.ID(), "kind", ev.Kind, "session_id", sec.SessionID)
		return
	}

	if err := m.persist.AppendAudit("", storage.AuditNoMatchEvent, ev.ID()); err != nil {
		m.logger.Warn("audit write failed", "event", ev.ID(), "error", err)
	}
	m.logger.Info("no session for event",
		"event", ev.ID(), "kind", ev.Kind, "hashlock", helpers.ShortHash(hashlock))
}
