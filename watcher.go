package vbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
)

// Subscribe asks the bus for messages that match f, and arranges for
// [Conn.Pump] to deliver them to h.
//
// Signals need a bus-side match rule to be routed to this Conn at
// all, so Subscribe installs f's [Filter.Rule] with the bus. The rule
// is removed by [Conn.Unsubscribe], which must be called for every
// successful Subscribe. [Watcher] makes that bookkeeping easier.
//
// Subscriptions are matched in the order they were created.
func (c *Conn) Subscribe(f *Filter, h Handler) (SubscriptionID, error) {
	if f == nil {
		return 0, errors.New("nil Filter given to Subscribe")
	}
	if h == nil {
		return 0, errors.New("nil Handler given to Subscribe")
	}
	if err := f.Valid(); err != nil {
		return 0, fmt.Errorf("invalid filter: %w", err)
	}
	rule := f.Rule()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	if err := c.AddMatch(ctx, rule); err != nil {
		c.log.Error("adding match rule", "rule", rule, "err", err)
		return 0, fmt.Errorf("adding match rule %s: %w", rule, err)
	}

	c.mu.Lock()
	c.lastID++
	b := &binding{
		id:      c.lastID,
		filter:  *f,
		rule:    rule,
		handler: h,
	}
	c.bindings = append(c.bindings, b)
	c.mu.Unlock()

	c.log.Debug("subscribed", "subscription", b.id, "rule", rule)
	return b.id, nil
}

// Unsubscribe removes a subscription and its bus match rule.
//
// Dispatches for the subscription that are already queued by a
// running Pump are discarded.
func (c *Conn) Unsubscribe(id SubscriptionID) error {
	c.mu.Lock()
	idx := slices.IndexFunc(c.bindings, func(b *binding) bool { return b.id == id })
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("unknown subscription %d", id)
	}
	b := c.bindings[idx]
	b.removed = true
	c.bindings = slices.Delete(c.bindings, idx, idx+1)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	if err := c.RemoveMatch(ctx, b.rule); err != nil {
		c.log.Error("removing match rule", "rule", b.rule, "err", err)
		return fmt.Errorf("removing match rule %s: %w", b.rule, err)
	}
	c.log.Debug("unsubscribed", "subscription", id, "rule", b.rule)
	return nil
}

// Watch returns a new, empty Watcher.
func (c *Conn) Watch() *Watcher {
	return &Watcher{
		conn: c,
		ids:  mapset.New[SubscriptionID](),
	}
}

// A Watcher is a group of subscriptions that are torn down together.
//
// A component that subscribes to messages should do so through its
// own Watcher, and Close it when the component goes away. Close is
// safe to defer, and to call more than once.
type Watcher struct {
	conn *Conn

	mu  sync.Mutex
	ids mapset.Set[SubscriptionID]
}

// Subscribe is like [Conn.Subscribe], and adds the subscription to
// the Watcher.
func (w *Watcher) Subscribe(f *Filter, h Handler) (SubscriptionID, error) {
	id, err := w.conn.Subscribe(f, h)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ids.Add(id)
	return id, nil
}

// Unsubscribe removes one of the Watcher's subscriptions.
func (w *Watcher) Unsubscribe(id SubscriptionID) error {
	w.mu.Lock()
	if !w.ids.Has(id) {
		w.mu.Unlock()
		return fmt.Errorf("subscription %d does not belong to this Watcher", id)
	}
	delete(w.ids, id)
	w.mu.Unlock()
	return w.conn.Unsubscribe(id)
}

// Len returns the number of subscriptions in the Watcher.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ids.Len()
}

// Close removes all of the Watcher's subscriptions.
func (w *Watcher) Close() error {
	w.mu.Lock()
	ids := slices.Sorted(maps.Keys(w.ids))
	w.ids = mapset.New[SubscriptionID]()
	w.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := w.conn.Unsubscribe(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
