// Package idle provides an interface to the Freedesktop session
// idleness management and locking API.
//
// For historical reasons, the interface for this API is called
// org.freedesktop.ScreenSaver, which is a bit of a misnomer: the API
// is primarily concerned with managing the locking of a session due
// to idleness, although it also provides a method to explicitly lock
// the session immediately as well.
//
// The API also provides a way for applications to temporarily inhibit
// idleness-based session locking, for example so that movie playback
// isn't disrupted.
package idle

import (
	"context"
	"fmt"
	"time"

	"github.com/danderson/vbus"
)

const (
	serviceName = "org.freedesktop.ScreenSaver"
	objectPath  = "/org/freedesktop/ScreenSaver"
	ifaceName   = "org.freedesktop.ScreenSaver"
)

type Idle struct{ iface vbus.Interface }

// New returns an interface to the session locking management service.
func New(conn *vbus.Conn) Idle {
	return Interface(conn.Peer(serviceName).Object(objectPath))
}

// Interface returns a session locking management interface on the
// given object.
func Interface(obj vbus.Object) Idle {
	return Idle{
		iface: obj.Interface(ifaceName),
	}
}

// Locked reports whether the session is currently locked.
func (iface Idle) Locked(ctx context.Context) (bool, error) {
	v, err := iface.iface.Call(ctx, "GetActive")
	if err != nil {
		return false, err
	}
	ret, ok := v.AsBool()
	if !ok {
		return false, fmt.Errorf("unexpected GetActive response %s", v)
	}
	return ret, nil
}

// LockedTime reports the amount of time the session has been locked,
// or 0 if the session is not locked.
func (iface Idle) LockedTime(ctx context.Context) (time.Duration, error) {
	return iface.seconds(ctx, "GetActiveTime")
}

// IdleTime reports the amount of time the session has been idle.
//
// A session may be idle with or without being locked. Idleness has no
// precise definition, but usually translates to a lack of
// keyboard/mouse inputs.
func (iface Idle) IdleTime(ctx context.Context) (time.Duration, error) {
	return iface.seconds(ctx, "GetSessionIdleTime")
}

func (iface Idle) seconds(ctx context.Context, method string) (time.Duration, error) {
	v, err := iface.iface.Call(ctx, method)
	if err != nil {
		return 0, err
	}
	secs, ok := v.AsUint64()
	if !ok {
		return 0, fmt.Errorf("unexpected %s response %s", method, v)
	}
	return time.Duration(secs) * time.Second, nil
}

// Inhibit prevents the session from locking due to being idle.
//
// application and reason are human-readable strings that should
// explain what is preventing idle session from locking, and why.
//
// The returned cancellation function should be called when the idle
// lock inhibition should be lifted.
func (iface Idle) Inhibit(ctx context.Context, application string, reason string) (cancel func(context.Context) error, err error) {
	v, err := iface.iface.Call(ctx, "Inhibit", vbus.String(application), vbus.String(reason))
	if err != nil {
		return nil, err
	}
	cookie, ok := v.AsUint64()
	if !ok {
		return nil, fmt.Errorf("unexpected Inhibit response %s", v)
	}
	cancel = func(ctx context.Context) error {
		_, err := iface.iface.Call(ctx, "UnInhibit", vbus.Uint32(uint32(cookie)))
		return err
	}
	return cancel, nil
}

// Lock asks the session to lock immediately.
func (iface Idle) Lock(ctx context.Context) error {
	_, err := iface.iface.Call(ctx, "Lock")
	return err
}

// OnLockedChanged arranges for fn to be called with the new lock
// state whenever the session becomes locked or unlocked. fn runs
// during [vbus.Conn.Pump].
//
// The subscription belongs to w, and is removed when w is closed.
func (iface Idle) OnLockedChanged(w *vbus.Watcher, fn func(locked bool)) (vbus.SubscriptionID, error) {
	f := iface.iface.SignalFilter("ActiveChanged")
	return w.Subscribe(f, vbus.HandlerFunc(func(body vbus.Value, _ *vbus.Call) {
		if locked, ok := body.AsBool(); ok {
			fn(locked)
		}
	}))
}
