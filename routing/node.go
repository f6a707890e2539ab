package routing

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler processes deliveries for one address. A handler is never called
// concurrently for the same address.
type Handler interface {
	HandleMessage(ctx context.Context, delivery Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, delivery Delivery) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, delivery Delivery) error {
	return f(ctx, delivery)
}

// Sender is the part of a Node that workers need to talk to each other.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Node routes messages between handlers. Every registered address owns one
// goroutine and a FIFO mailbox, so deliveries to an address are handled
// one at a time in the order they were sent.
type Node struct {
	name      string
	mu        sync.RWMutex
	mailboxes map[Address]*mailbox
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewNode creates an empty node.
func NewNode(name string) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		name:      name,
		mailboxes: make(map[Address]*mailbox),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Register starts serving addr with handler. A transport registers under
// its bare scheme ("nats") and then receives every "nats#..." hop.
func (n *Node) Register(addr Address, handler Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if _, exists := n.mailboxes[addr]; exists {
		return fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}

	mb := newMailbox(addr, handler)
	n.mailboxes[addr] = mb
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		mb.run(n.ctx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"node":     n.name,
		"address":  addr,
	}).Debug("Address registered")
	return nil
}

// Unregister stops serving addr. Queued deliveries are dropped. It reports
// whether addr was registered.
func (n *Node) Unregister(addr Address) bool {
	n.mu.Lock()
	mb, exists := n.mailboxes[addr]
	delete(n.mailboxes, addr)
	n.mu.Unlock()

	if !exists {
		return false
	}
	mb.stop()

	logrus.WithFields(logrus.Fields{
		"function": "Unregister",
		"node":     n.name,
		"address":  addr,
	}).Debug("Address unregistered")
	return true
}

// IsRegistered reports whether addr has a handler.
func (n *Node) IsRegistered(addr Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, exists := n.mailboxes[addr]
	return exists
}

// Send queues msg for the first hop of its onward route.
func (n *Node) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	next, onward, err := msg.OnwardRoute.Step()
	if err != nil {
		return err
	}

	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return ErrNodeClosed
	}
	mb, exists := n.mailboxes[next]
	if !exists && next.Scheme() != "" {
		mb, exists = n.mailboxes[Address(next.Scheme())]
	}
	n.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, next)
	}

	msg.OnwardRoute = onward
	mb.enqueue(Delivery{Address: next, Message: msg})
	return nil
}

// SendFrom sends payload along onward with from as the return route.
func (n *Node) SendFrom(ctx context.Context, from Address, onward Route, payload []byte) error {
	return n.Send(ctx, Message{
		OnwardRoute: onward,
		ReturnRoute: NewRoute(from),
		Payload:     payload,
	})
}

// Close stops every mailbox and waits for their goroutines.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	boxes := n.mailboxes
	n.mailboxes = make(map[Address]*mailbox)
	n.mu.Unlock()

	for _, mb := range boxes {
		mb.stop()
	}
	n.cancel()
	n.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":  "Close",
		"node":      n.name,
		"addresses": len(boxes),
	}).Info("Node closed")
	return nil
}

// mailbox is an unbounded FIFO drained by one goroutine. Enqueue never
// blocks, so handlers may send to themselves or to each other in cycles.
type mailbox struct {
	address Address
	handler Handler

	mu     sync.Mutex
	queue  []Delivery
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMailbox(addr Address, handler Handler) *mailbox {
	return &mailbox{
		address: addr,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (m *mailbox) enqueue(d Delivery) {
	m.mu.Lock()
	m.queue = append(m.queue, d)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *mailbox) next() (Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Delivery{}, false
	}
	d := m.queue[0]
	m.queue[0] = Delivery{}
	m.queue = m.queue[1:]
	return d, true
}

func (m *mailbox) run(ctx context.Context) {
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-m.signal:
		}

		for {
			select {
			case <-m.done:
				return
			default:
			}
			d, ok := m.next()
			if !ok {
				break
			}
			if err := m.handler.HandleMessage(ctx, d); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"address":  m.address,
					"error":    err.Error(),
				}).Warn("Handler failed to process message")
			}
		}
	}
}
