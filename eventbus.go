package main

import (
	"sync"

	"github.com/rs/zerolog"
)

// EventBus is a single MPSC queue decoupling container mutations (many
// producer goroutines, one per Session handling a command) from delivery
// (a single Publisher goroutine). This mirrors the original TioTcpServer's
// eventQueue_ + condition variable: producers never block on slow
// subscribers, because they only ever push onto the bus, never fan out
// directly.
//
// Never hold the registry or subscription table lock while publishing —
// Publish only enqueues (§5: "EventBus is never held while acquiring
// others").
type EventBus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []ContainerEvent
	closed  bool
	maxSize int
	logger  zerolog.Logger
	dropped int64
}

func NewEventBus(maxSize int, logger zerolog.Logger) *EventBus {
	b := &EventBus{maxSize: maxSize, logger: logger}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish enqueues ev for the Publisher goroutine. If the queue is at
// capacity the oldest event is dropped to apply backpressure rather than
// growing without bound — the append log, not the live bus, is the
// durability boundary (§7 Non-goals: best-effort durability only).
func (b *EventBus) Publish(ev ContainerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.queue) >= b.maxSize {
		b.queue = b.queue[1:]
		b.dropped++
		UpdateEventBusDropped(b.dropped)
	}
	b.queue = append(b.queue, ev)
	UpdateEventBusDepth(len(b.queue))
	b.cond.Signal()
}

// drain blocks until at least one event is queued (or the bus is closed)
// and returns every event currently buffered, batching delivery the way the
// original publisher thread wakes once and processes the whole queue.
func (b *EventBus) drain() ([]ContainerEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 && b.closed {
		return nil, false
	}
	batch := b.queue
	b.queue = nil
	UpdateEventBusDepth(0)
	return batch, true
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Publisher is the single goroutine draining the EventBus and dispatching
// each event to the SubscriptionTable and the append log — the Go
// equivalent of TioTcpServer's publisherThread_.
type Publisher struct {
	bus       *EventBus
	subs      *SubscriptionTable
	appendLog *AppendLog
	nats      *natsSink // optional, nil if TIO_NATS_URL is unset
	registry  *ContainerRegistry
	logger    zerolog.Logger
	done      chan struct{}
}

func NewPublisher(bus *EventBus, subs *SubscriptionTable, appendLog *AppendLog, nats *natsSink, registry *ContainerRegistry, logger zerolog.Logger) *Publisher {
	return &Publisher{bus: bus, subs: subs, appendLog: appendLog, nats: nats, registry: registry, logger: logger, done: make(chan struct{})}
}

func (p *Publisher) Run() {
	defer close(p.done)
	for {
		batch, ok := p.bus.drain()
		if !ok {
			return
		}
		UpdatePublisherBatchSize(len(batch))
		for _, ev := range batch {
			p.subs.Dispatch(ev)
			if p.appendLog != nil {
				if err := p.appendLog.Append(ev); err != nil {
					IncrementAppendLogErrors()
					p.logger.Warn().Err(err).Int64("storage_id", ev.StorageID).Msg("append log write failed")
				}
			}
			if p.nats != nil {
				var name string
				if p.registry != nil {
					_, name, _ = p.registry.LookupByID(ev.StorageID)
				}
				p.nats.Publish(ev, name)
			}
		}
	}
}

func (p *Publisher) Stop() {
	p.bus.Close()
	<-p.done
}
