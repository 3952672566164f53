package vbus

import (
	"fmt"
	"slices"
)

// A Handler responds to messages that match a subscription.
type Handler interface {
	// HandleMessage is called by [Conn.Pump] with the decoded body
	// of a matching message.
	//
	// call is nil for signals. For method calls, call is used to
	// send the reply, and is released when HandleMessage returns.
	HandleMessage(body Value, call *Call)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(body Value, call *Call)

func (f HandlerFunc) HandleMessage(body Value, call *Call) { f(body, call) }

// SubscriptionID identifies a subscription made with
// [Conn.Subscribe].
type SubscriptionID uint64

// binding is a subscription's filter and handler.
type binding struct {
	id      SubscriptionID
	filter  Filter
	rule    string
	handler Handler
	// removed is set, under Conn.mu, when the subscription is
	// removed. Dispatches already queued for it are skipped.
	removed bool
}

// queuedDispatch is a pending handler invocation.
type queuedDispatch struct {
	value   Value
	binding *binding
	// call is the reply handle for method calls, nil for signals.
	call *Call
}

// Pump delivers the messages received since the last Pump to the
// handlers of matching subscriptions, and reports whether any handler
// was invoked.
//
// Pump never waits for messages to arrive. Use [Conn.Ready] to find
// out when calling Pump would do something.
//
// A message that matches several subscriptions is decoded and
// delivered once per match, in subscription order. Handlers run in
// the order their messages arrived, and all handlers have returned
// by the time Pump returns.
//
// Method calls that match no subscription are answered with an
// UnknownMethod error. Malformed messages are logged and dropped, and
// malformed method calls are answered with an InvalidArgs error.
//
// Pump, Subscribe and the handlers they invoke are meant to run on a
// single goroutine that owns the Conn. Pump serializes concurrent
// callers.
func (c *Conn) Pump() bool {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()

	c.mu.Lock()
	msgs := make([]*msg, 0, c.inbox.Len())
	for {
		m, ok := c.inbox.Pop()
		if !ok {
			break
		}
		msgs = append(msgs, m)
	}
	bindings := slices.Clone(c.bindings)
	c.mu.Unlock()

	for _, m := range msgs {
		c.route(m, bindings)
	}

	dispatched := false
	for {
		qd, ok := c.pending.Pop()
		if !ok {
			break
		}
		if c.invoke(qd) {
			dispatched = true
		}
	}
	return dispatched
}

// route queues a dispatch of m for every binding it matches.
func (c *Conn) route(m *msg, bindings []*binding) {
	var guard *replyGuard
	if m.Type == msgTypeCall {
		guard = &replyGuard{}
	}
	matched := 0
	var decodeErr error
	for _, b := range bindings {
		if !b.filter.matches(m.header) {
			continue
		}
		v, err := m.Value()
		if err != nil {
			c.log.Error("dropping undecodable message", "subscription", b.id, "rule", b.rule, "path", m.Path, "interface", m.Interface, "member", m.Member, "err", err)
			decodeErr = err
			continue
		}
		qd := queuedDispatch{value: v, binding: b}
		if guard != nil {
			qd.call = newCall(c, m, guard)
		}
		c.pending.Add(qd)
		matched++
	}
	switch {
	case matched > 0:
	case decodeErr != nil:
		c.rejectUndecodable(m, decodeErr)
	default:
		c.dropUnmatched(m)
	}
}

// rejectUndecodable answers a method call whose body could not be
// decoded for any of the subscriptions that wanted it.
func (c *Conn) rejectUndecodable(m *msg, err error) {
	if !m.WantReply() {
		return
	}
	call := newCall(c, m, &replyGuard{})
	desc := fmt.Sprintf("invalid arguments to method %s on interface %q: %v", m.Member, m.Interface, err)
	if err := call.ReplyError(errNameInvalidArgs, desc); err != nil {
		c.log.Debug("replying to undecodable method call", "member", m.Member, "err", err)
	}
}

// dropUnmatched discards a message that no subscription wants.
func (c *Conn) dropUnmatched(m *msg) {
	c.log.Debug("no subscription for message", "type", m.Type, "path", m.Path, "interface", m.Interface, "member", m.Member)
	if !m.WantReply() {
		return
	}
	call := newCall(c, m, &replyGuard{})
	desc := fmt.Sprintf("no handler for method %s on interface %q at %s", m.Member, m.Interface, m.Path)
	if err := call.ReplyError(errNameUnknownMethod, desc); err != nil {
		c.log.Debug("replying to unhandled method call", "member", m.Member, "err", err)
	}
}

// invoke runs one queued dispatch, and reports whether the handler
// was called.
func (c *Conn) invoke(qd queuedDispatch) (called bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panicked", "subscription", qd.binding.id, "rule", qd.binding.rule, "panic", r)
			if qd.call != nil {
				// No-op if the handler answered before panicking.
				qd.call.ReplyError(errNameFailed, "method handler failed")
			}
		}
		if qd.call != nil {
			qd.call.Release()
		}
	}()

	c.mu.Lock()
	removed := qd.binding.removed
	c.mu.Unlock()
	if removed {
		return false
	}

	c.log.Debug("dispatching message", "subscription", qd.binding.id, "rule", qd.binding.rule, "body", qd.value)
	called = true
	qd.binding.handler.HandleMessage(qd.value, qd.call)
	return called
}
