package squad

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"pilgrim_sync/internal/event"
)

// Bus relays committed events between server instances sharing one
// record. Delivery is best effort; rooms repair gaps from the record.
type Bus interface {
	Publish(ctx context.Context, ev event.Event) error
	// Subscribe registers fn for events of squadID committed elsewhere.
	// fn may block; it must not be called from the publishing goroutine.
	Subscribe(squadID int64, fn func(event.Event)) (unsubscribe func(), err error)
}

// Subject returns the NATS subject carrying a squad's events.
func Subject(squadID int64) string {
	return fmt.Sprintf("squad.%d.events", squadID)
}

type envelope struct {
	Origin string      `json:"origin"`
	Event  event.Event `json:"event"`
}

// NATSBus is a Bus over core NATS.
type NATSBus struct {
	nc     *nats.Conn
	origin string
	logger *slog.Logger
}

// NewNATSBus wraps a connection. Events published with the same origin
// are not delivered back.
func NewNATSBus(nc *nats.Conn, origin string, logger *slog.Logger) *NATSBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{nc: nc, origin: origin, logger: logger}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(nats.DefaultReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

func (b *NATSBus) Publish(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.nc.Publish(Subject(ev.SquadID), data)
}

func (b *NATSBus) Subscribe(squadID int64, fn func(event.Event)) (func(), error) {
	sub, err := b.nc.Subscribe(Subject(squadID), func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("dropping malformed relay message", "subject", msg.Subject, "error", err)
			return
		}
		if env.Origin == b.origin {
			return
		}
		fn(env.Event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Subject(squadID), err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// LocalBus connects hubs within one process. Each subscriber has its own
// buffered delivery goroutine; when the buffer is full events are dropped
// and left to gap repair.
type LocalBus struct {
	mu     sync.Mutex
	next   int
	topics map[int64]map[int]*localSub
}

type localSub struct {
	ch   chan event.Event
	done chan struct{}
	once sync.Once
}

const localBuffer = 256

func NewLocalBus() *LocalBus {
	return &LocalBus{topics: make(map[int64]map[int]*localSub)}
}

// Connect returns a view of the bus that does not receive its own
// publications, as one server instance would see it.
func (b *LocalBus) Connect() Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	return &localPeer{bus: b, peer: b.next}
}

type localPeer struct {
	bus  *LocalBus
	peer int
}

func (p *localPeer) Publish(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	for peer, s := range p.bus.topics[ev.SquadID] {
		if peer == p.peer {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

// Each peer holds at most one subscription per squad.
func (p *localPeer) Subscribe(squadID int64, fn func(event.Event)) (func(), error) {
	s := &localSub{ch: make(chan event.Event, localBuffer), done: make(chan struct{})}
	p.bus.mu.Lock()
	if p.bus.topics[squadID] == nil {
		p.bus.topics[squadID] = make(map[int]*localSub)
	}
	if old, ok := p.bus.topics[squadID][p.peer]; ok {
		old.once.Do(func() { close(old.done) })
	}
	p.bus.topics[squadID][p.peer] = s
	p.bus.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-s.ch:
				fn(ev)
			case <-s.done:
				return
			}
		}
	}()

	return func() {
		p.bus.mu.Lock()
		if p.bus.topics[squadID][p.peer] == s {
			delete(p.bus.topics[squadID], p.peer)
		}
		p.bus.mu.Unlock()
		s.once.Do(func() { close(s.done) })
	}, nil
}
