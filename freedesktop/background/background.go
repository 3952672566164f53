// Package background provides an interface to the Freedesktop Flatpak
// background applications monitor.
//
// This corresponds to the org.freedesktop.background.Monitor service
// on the session bus, which provides a way to find out what Flatpak
// applications are running with no visible GUI.
package background

import (
	"context"
	"fmt"

	"github.com/danderson/vbus"
)

const ifaceName = "org.freedesktop.background.Monitor"

type Monitor struct{ iface vbus.Interface }

// New returns an interface to the Flatpak background applications
// monitor.
func New(conn *vbus.Conn) Monitor {
	return Interface(conn.Peer(ifaceName).Object("/org/freedesktop/background/monitor"))
}

// Interface returns a Monitor on the given object.
func Interface(obj vbus.Object) Monitor {
	return Monitor{
		iface: obj.Interface(ifaceName),
	}
}

// App is a Flatpak application running in the background.
type App struct {
	// ID is the application's Flatpak ID.
	ID string
	// Instance is the application instance's ID.
	Instance string
	// Status is a status message provided by the application.
	Status string

	// Unknown collects any new application attributes that are not
	// yet understood by this package.
	Unknown map[string]vbus.Value
}

func appsFromValue(v vbus.Value) ([]App, error) {
	if v.Kind() != vbus.KindArray {
		return nil, fmt.Errorf("unexpected BackgroundApps value %s", v)
	}
	var ret []App
	for _, e := range v.Elems() {
		if e.Kind() != vbus.KindObject {
			return nil, fmt.Errorf("unexpected background app %s", e)
		}
		var app App
		for _, k := range e.Keys() {
			m, _ := e.Key(k)
			s, isStr := m.AsString()
			switch {
			case k == "app_id" && isStr:
				app.ID = s
			case k == "instance" && isStr:
				app.Instance = s
			case k == "message" && isStr:
				app.Status = s
			default:
				if app.Unknown == nil {
					app.Unknown = map[string]vbus.Value{}
				}
				app.Unknown[k] = m
			}
		}
		ret = append(ret, app)
	}
	return ret, nil
}

// BackgroundApps returns a list of Flatpak applications running in
// the background.
func (iface Monitor) BackgroundApps(ctx context.Context) ([]App, error) {
	v, err := iface.iface.GetProperty(ctx, "BackgroundApps")
	if err != nil {
		return nil, err
	}
	return appsFromValue(v)
}

// OnBackgroundAppsChanged arranges for fn to be called with the new
// list of background apps when it changes. fn runs during
// [vbus.Conn.Pump].
func (iface Monitor) OnBackgroundAppsChanged(w *vbus.Watcher, fn func([]App)) (vbus.SubscriptionID, error) {
	f := iface.iface.Object().PropertiesChangedFilter()
	return w.Subscribe(f, vbus.HandlerFunc(func(body vbus.Value, _ *vbus.Call) {
		if name, _ := body.Index(0).AsString(); name != ifaceName {
			return
		}
		v, ok := body.Index(1).Key("BackgroundApps")
		if !ok {
			return
		}
		if apps, err := appsFromValue(v); err == nil {
			fn(apps)
		}
	}))
}
