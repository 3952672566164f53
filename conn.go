package vbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/danderson/vbus/fragments"
	"github.com/danderson/vbus/transport"
)

// Dial connects to the bus at address, a DBus server address such as
// "unix:path=/run/dbus/system_bus_socket".
func Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	o := newConnOptions(opts)
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	t, err := transport.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return newConn(ctx, t, o)
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts ...Option) (*Conn, error) {
	o := newConnOptions(opts)
	return Dial(ctx, o.cfg.SystemBusAddress, opts...)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ...Option) (*Conn, error) {
	o := newConnOptions(opts)
	if o.cfg.SessionBusAddress == "" {
		return nil, fmt.Errorf("%w: session bus address not configured", ErrNotConnected)
	}
	return Dial(ctx, o.cfg.SessionBusAddress, opts...)
}

func newConn(ctx context.Context, t transport.Transport, o connOptions) (*Conn, error) {
	ret := &Conn{
		t:        t,
		cfg:      o.cfg,
		log:      o.log,
		ready:    make(chan struct{}, 1),
		readDone: make(chan struct{}),
		calls:    map[uint32]chan *msg{},
		inbox:    queue.New[*msg](),
		pending:  queue.New[queuedDispatch](),
	}

	go ret.readLoop()

	id, err := ret.hello(ctx)
	if err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	ret.clientID = id
	ret.log = ret.log.With("bus_name", id)
	return ret, nil
}

// Conn is a DBus connection.
//
// Method calls and signals addressed to the Conn are held until the
// owner of the Conn calls [Conn.Pump], which delivers them to the
// matching subscriptions. Replies to outbound method calls are
// delivered without waiting for Pump, so synchronous calls can be
// made from handlers.
type Conn struct {
	t        transport.Transport
	cfg      Config
	log      *slog.Logger
	clientID string

	writeMu sync.Mutex
	wbuf    []byte

	// ready receives a value when the inbox becomes non-empty.
	ready    chan struct{}
	readDone chan struct{}

	mu         sync.Mutex
	closed     bool
	dead       error
	lastSerial uint32
	calls      map[uint32]chan *msg
	inbox      *queue.Queue[*msg]
	bindings   []*binding
	lastID     SubscriptionID

	pumpMu  sync.Mutex
	pending *queue.Queue[queuedDispatch]
}

// Close closes the DBus connection.
//
// Pending synchronous calls fail, and messages not yet delivered by
// Pump are discarded.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.inbox.Clear()
	c.mu.Unlock()

	err := c.t.Close()
	c.die(net.ErrClosed)
	return err
}

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string {
	return c.clientID
}

// Config returns the Conn's configuration.
func (c *Conn) Config() Config {
	return c.cfg
}

// Ready returns a channel that receives a value when messages are
// waiting to be delivered by Pump.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Err returns the reason the connection stopped working, or nil if
// it is still usable.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aliveLocked()
}

func (c *Conn) aliveLocked() error {
	if c.closed {
		return fmt.Errorf("%w: connection closed", ErrNotConnected)
	}
	if c.dead != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, c.dead)
	}
	return nil
}

// die marks the connection as unusable, and fails all pending
// calls.
func (c *Conn) die(reason error) {
	c.mu.Lock()
	if c.dead != nil {
		c.mu.Unlock()
		return
	}
	c.dead = reason
	closed := c.closed
	calls := c.calls
	c.calls = nil
	c.mu.Unlock()

	for _, ch := range calls {
		close(ch)
	}
	if !closed {
		c.log.Error("DBus connection lost", "err", reason)
	}
}

// send writes m to the connection. If resp is non-nil, the reply to
// m is delivered to it.
func (c *Conn) send(m *Message, resp chan *msg) (serial uint32, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if err := c.aliveLocked(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial++
	}
	serial = c.lastSerial
	if resp != nil {
		c.calls[serial] = resp
	}
	c.mu.Unlock()

	defer func() {
		if err != nil && resp != nil {
			c.forgetCall(serial)
		}
	}()

	hdr := m.hdr
	hdr.Order = m.body.Order
	hdr.Serial = serial
	hdr.Length = uint32(len(m.body.Out))
	hdr.Signature, err = ParseSignature(m.sig.String())
	if err != nil {
		return 0, err
	}
	if err := hdr.Valid(); err != nil {
		return 0, err
	}

	enc := fragments.Encoder{Order: hdr.Order, Out: c.wbuf[:0]}
	if err := hdr.encode(&enc); err != nil {
		return 0, err
	}
	enc.Write(m.body.Out)
	c.wbuf = enc.Out
	if len(enc.Out) > maxMessageLen {
		return 0, fmt.Errorf("message of %d bytes exceeds maximum size %d", len(enc.Out), maxMessageLen)
	}

	if _, err := c.t.Write(enc.Out); err != nil {
		c.die(err)
		return 0, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return serial, nil
}

func (c *Conn) forgetCall(serial uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, serial)
}

// call sends a method call and waits for its reply.
func (c *Conn) call(ctx context.Context, m *Message) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	resp := make(chan *msg, 1)
	serial, err := c.send(m, resp)
	if err != nil {
		return nil, err
	}

	select {
	case r, ok := <-resp:
		if !ok {
			return nil, CallError{
				Name:   errNameDisconnected,
				Detail: "connection lost while waiting for reply",
				reason: ErrNotConnected,
			}
		}
		body, err := r.Value()
		if err != nil {
			return nil, err
		}
		if r.Type == msgTypeError {
			return nil, callErrorFromBody(r.ErrName, body)
		}
		return &Reply{r.header, body}, nil
	case <-ctx.Done():
		c.forgetCall(serial)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, CallError{
				Name:   errNameNoReply,
				Detail: fmt.Sprintf("no reply to %s.%s on %s", m.hdr.Interface, m.hdr.Member, m.hdr.Destination),
				reason: ErrTimeout,
			}
		}
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		m, err := readMsg(c.t, c.discardFiles)
		if errors.Is(err, ErrMalformed) {
			// The whole message was consumed, so the stream is
			// still in sync.
			c.log.Warn("dropping malformed message", "err", err)
			continue
		} else if err != nil {
			c.die(err)
			return
		}
		if err := m.Valid(); err != nil {
			c.log.Warn("dropping invalid message", "type", m.Type, "err", err)
			continue
		}

		switch m.Type {
		case msgTypeReturn, msgTypeError:
			c.deliverReply(m)
		case msgTypeCall, msgTypeSignal:
			c.enqueue(m)
		}
	}
}

// discardFiles closes the n file descriptors that arrived with a
// message.
func (c *Conn) discardFiles(n int) error {
	fs, err := c.t.GetFiles(n)
	if err != nil {
		return err
	}
	for _, f := range fs {
		f.Close()
	}
	return nil
}

func (c *Conn) deliverReply(m *msg) {
	c.mu.Lock()
	ch := c.calls[m.ReplySerial]
	delete(c.calls, m.ReplySerial)
	c.mu.Unlock()

	if ch == nil {
		// Response to a canceled or timed out call.
		return
	}
	ch <- m
}

// enqueue adds m to the inbox for the next Pump.
func (c *Conn) enqueue(m *msg) {
	var dropped *msg
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.inbox.Len() >= c.cfg.MaxInbox {
		dropped, _ = c.inbox.Pop()
	}
	c.inbox.Add(m)
	c.mu.Unlock()

	if dropped != nil {
		c.log.Warn("inbox full, dropping oldest message", "type", dropped.Type, "path", dropped.Path, "interface", dropped.Interface, "member", dropped.Member)
	}
	select {
	case c.ready <- struct{}{}:
	default:
	}
}
