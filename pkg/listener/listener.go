// Package listener runs log listeners: raft learners whose state machine
// forwards every committed batch to subscribed sinks (the hook an
// external full-text engine would consume).
package listener

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/raftex"
	"github.com/vergedb/verge/pkg/types"
)

// Event is one committed batch delivered to sinks.
type Event struct {
	Space     types.GraphSpaceID
	Part      types.PartitionID
	Committed types.LogID
	Batch     *kv.Batch
	At        time.Time
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans committed batches out to subscribers. A slow subscriber
// drops events rather than stalling the apply path.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
	close(sub)
}

// Publish hands an event to the distribution loop.
func (b *Broker) Publish(event *Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, skip
		}
	}
}

// partListener is the learner-side state machine of one listened
// partition: it decodes committed batches and publishes them.
type partListener struct {
	space  types.GraphSpaceID
	part   types.PartitionID
	broker *Broker
	logger zerolog.Logger
}

func (l *partListener) Apply(payloads [][]byte, committed types.LogID) error {
	for _, payload := range payloads {
		batch, err := kv.DecodeBatch(payload)
		if err != nil {
			l.logger.Error().Err(err).Msg("Corrupt batch in listener stream")
			continue
		}
		l.broker.Publish(&Event{
			Space:     l.space,
			Part:      l.part,
			Committed: committed,
			Batch:     batch,
		})
	}
	return nil
}

// Snapshot is never called on a learner that cannot lead.
func (l *partListener) Snapshot(func(rows [][]byte, done bool) error) (types.LogID, types.TermID, error) {
	return 0, 0, nil
}

// ApplySnapshot: a listener joining behind the log frontier has no state
// to restore; it simply resumes at the snapshot point.
func (l *partListener) ApplySnapshot([][]byte, types.LogID, types.TermID, bool) error {
	return nil
}

func (l *partListener) OnRoleChange(raftex.Role, types.TermID) {}

// Host runs listener bindings on one machine.
type Host struct {
	svc    *raftex.Service
	tr     raftex.Transport
	broker *Broker
	logger zerolog.Logger
}

// NewHost creates a listener host around a raft service.
func NewHost(svc *raftex.Service, tr raftex.Transport) *Host {
	h := &Host{
		svc:    svc,
		tr:     tr,
		broker: NewBroker(),
		logger: log.WithComponent("listener"),
	}
	h.broker.Start()
	return h
}

// Broker exposes the sink fan-out.
func (h *Host) Broker() *Broker { return h.broker }

// Bind attaches this host to a partition as a learner; the data-side
// leader must admit it with AddLearner.
func (h *Host) Bind(cfg raftex.Config) error {
	pl := &partListener{
		space:  cfg.Space,
		part:   cfg.Part,
		broker: h.broker,
		logger: log.WithPart(cfg.Space, cfg.Part),
	}
	part, err := raftex.NewPart(cfg, h.tr, pl, true)
	if err != nil {
		return err
	}
	return h.svc.AddPart(part)
}

// Unbind detaches a partition.
func (h *Host) Unbind(space types.GraphSpaceID, part types.PartitionID) {
	h.svc.RemovePart(space, part)
}

// Stop halts the broker; parts stop with their service.
func (h *Host) Stop() {
	h.broker.Stop()
}
