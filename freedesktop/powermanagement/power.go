// Package powermanagement provides an interface to the Freedesktop
// power management API.
package powermanagement

import (
	"context"
	"fmt"

	"github.com/danderson/vbus"
)

const (
	mainIface    = "org.freedesktop.PowerManagement"
	inhibitIface = "org.freedesktop.PowerManagement.Inhibit"
)

type PowerManagement struct {
	main    vbus.Interface
	inhibit vbus.Interface
}

// New returns an interface to the power management service.
func New(conn *vbus.Conn) PowerManagement {
	return Interface(conn.Peer(mainIface).Object("/org/freedesktop/PowerManagement"))
}

// Interface returns a power management interface on the given object.
func Interface(obj vbus.Object) PowerManagement {
	return PowerManagement{
		main:    obj.Interface(mainIface),
		inhibit: obj.Interface(inhibitIface),
	}
}

func callBool(ctx context.Context, iface vbus.Interface, method string) (bool, error) {
	v, err := iface.Call(ctx, method)
	if err != nil {
		return false, err
	}
	ret, ok := v.AsBool()
	if !ok {
		return false, fmt.Errorf("unexpected %s response %s", method, v)
	}
	return ret, nil
}

// CanHibernate reports whether the system is capable of hibernating.
//
// Hibernation, also known as "suspend to disk", saves the system
// state to durable storage and powers the computer off entirely.
func (iface PowerManagement) CanHibernate(ctx context.Context) (bool, error) {
	return callBool(ctx, iface.main, "CanHibernate")
}

// CanHybridSuspend reports whether the system is capable of entering
// hybrid sleep, which saves state to disk and then suspends to RAM.
func (iface PowerManagement) CanHybridSuspend(ctx context.Context) (bool, error) {
	return callBool(ctx, iface.main, "CanHybridSuspend")
}

// CanSuspend reports whether the system is capable of suspending to
// RAM.
func (iface PowerManagement) CanSuspend(ctx context.Context) (bool, error) {
	return callBool(ctx, iface.main, "CanSuspend")
}

// ShouldSavePower reports whether the caller should try to lower its
// power consumption. This reflects power policy, not necessarily
// whether the system is on battery.
func (iface PowerManagement) ShouldSavePower(ctx context.Context) (bool, error) {
	return callBool(ctx, iface.main, "GetPowerSaveStatus")
}

// Hibernate asks the system to hibernate.
func (iface PowerManagement) Hibernate(ctx context.Context) error {
	_, err := iface.main.Call(ctx, "Hibernate")
	return err
}

// Suspend asks the system to suspend.
func (iface PowerManagement) Suspend(ctx context.Context) error {
	_, err := iface.main.Call(ctx, "Suspend")
	return err
}

// HasInhibit reports whether an application is currently preventing
// the system from sleeping.
func (iface PowerManagement) HasInhibit(ctx context.Context) (bool, error) {
	return callBool(ctx, iface.inhibit, "HasInhibit")
}

// InhibitSleep prevents the system from going to sleep.
//
// application and reason are human-readable strings that should
// explain what is preventing the system from sleeping, and why.
//
// The returned cancellation function should be called when the sleep
// inhibition should be lifted.
func (iface PowerManagement) InhibitSleep(ctx context.Context, application string, reason string) (cancel func(context.Context) error, err error) {
	v, err := iface.inhibit.Call(ctx, "Inhibit", vbus.String(application), vbus.String(reason))
	if err != nil {
		return nil, err
	}
	cookie, ok := v.AsUint64()
	if !ok {
		return nil, fmt.Errorf("unexpected Inhibit response %s", v)
	}
	cancel = func(ctx context.Context) error {
		_, err := iface.inhibit.Call(ctx, "UnInhibit", vbus.Uint32(uint32(cookie)))
		return err
	}
	return cancel, nil
}

// OnSavePowerChanged arranges for fn to be called when the power
// saving policy changes. fn runs during [vbus.Conn.Pump].
func (iface PowerManagement) OnSavePowerChanged(w *vbus.Watcher, fn func(savePower bool)) (vbus.SubscriptionID, error) {
	return onBool(w, iface.main, "PowerSaveStatusChanged", fn)
}

// OnHasInhibitChanged arranges for fn to be called when sleep
// inhibition starts or stops. fn runs during [vbus.Conn.Pump].
func (iface PowerManagement) OnHasInhibitChanged(w *vbus.Watcher, fn func(hasInhibit bool)) (vbus.SubscriptionID, error) {
	return onBool(w, iface.inhibit, "HasInhibitChanged", fn)
}

func onBool(w *vbus.Watcher, iface vbus.Interface, signal string, fn func(bool)) (vbus.SubscriptionID, error) {
	return w.Subscribe(iface.SignalFilter(signal), vbus.HandlerFunc(func(body vbus.Value, _ *vbus.Call) {
		if b, ok := body.AsBool(); ok {
			fn(b)
		}
	}))
}
