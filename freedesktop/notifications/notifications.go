// Package notifications provides an interface to the Freedesktop
// notifications API.
//
// This corresponds to the org.freedesktop.Notifications service on
// the session bus.
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/danderson/vbus"
)

const (
	serviceName = "org.freedesktop.Notifications"
	objectPath  = "/org/freedesktop/Notifications"
	ifaceName   = "org.freedesktop.Notifications"
)

type Notifications struct{ iface vbus.Interface }

// New returns an interface to the session's notification service.
func New(conn *vbus.Conn) Notifications {
	return Interface(conn.Peer(serviceName).Object(objectPath))
}

// Interface returns a Notifications on the given object.
func Interface(obj vbus.Object) Notifications {
	return Notifications{
		iface: obj.Interface(ifaceName),
	}
}

// Capabilities enumerates the optional capabilities of a notification
// service.
type Capabilities struct {
	// Actions reports whether notifications can have actions attached
	// to them. Actions trigger a signal back to the notification's
	// sender when interacted with.
	Actions bool
	// ActionIcons reports notification actions can use icons to
	// describe actions instead of text.
	ActionIcons bool
	// Body reports whether notifications can have a body, in addition
	// to a short title.
	Body bool
	// BodyLinks reports whether notification bodies can include
	// hyperlinks.
	BodyLinks bool
	// BodyImages reports whether notification bodies can include
	// images.
	BodyImages bool
	// BodyMarkup reports whether notification bodies can contain
	// notification markup, a small subset of HTML.
	BodyMarkup bool
	// Icon reports whether notifications can have an icon.
	Icon bool
	// IconAnimation reports whether the notification icon can be
	// animated.
	IconAnimation bool
	// Persistence reports whether notifications remain on screen
	// until explicitly dismissed by the user.
	Persistence bool
	// Sound reports whether notifications can play a sound.
	Sound bool
	// Inhibitions reports whether the service supports Inhibit. This
	// is a KDE extension.
	Inhibitions bool
	// InlineReply reports whether notifications can prompt for a text
	// reply. This is a KDE extension.
	InlineReply bool

	// Unknown collects the capability strings that aren't known to
	// this package.
	Unknown []string
}

// Capabilities reports the capabilities of the notification service.
func (n Notifications) Capabilities(ctx context.Context) (caps Capabilities, err error) {
	v, err := n.iface.Call(ctx, "GetCapabilities")
	if err != nil {
		return Capabilities{}, err
	}
	for _, e := range v.Elems() {
		c, _ := e.AsString()
		switch c {
		case "actions":
			caps.Actions = true
		case "action-icons":
			caps.ActionIcons = true
		case "body":
			caps.Body = true
		case "body-hyperlinks":
			caps.BodyLinks = true
		case "body-images":
			caps.BodyImages = true
		case "body-markup":
			caps.BodyMarkup = true
		case "icon-static":
			caps.Icon = true
		case "icon-multi":
			caps.Icon = true
			caps.IconAnimation = true
		case "persistence":
			caps.Persistence = true
		case "sound":
			caps.Sound = true
		case "inhibitions":
			caps.Inhibitions = true
		case "inline-reply":
			caps.InlineReply = true
		default:
			caps.Unknown = append(caps.Unknown, c)
		}
	}
	return caps, nil
}

// ServerInfo describes the notification service.
type ServerInfo struct {
	Name        string
	Vendor      string
	Version     string
	SpecVersion string
}

// ServerInfo returns information about the notification service.
func (n Notifications) ServerInfo(ctx context.Context) (ServerInfo, error) {
	v, err := n.iface.Call(ctx, "GetServerInformation")
	if err != nil {
		return ServerInfo{}, err
	}
	if v.Len() != 4 {
		return ServerInfo{}, fmt.Errorf("unexpected GetServerInformation response %s", v)
	}
	str := func(i int) string {
		s, _ := v.Index(i).AsString()
		return s
	}
	return ServerInfo{
		Name:        str(0),
		Vendor:      str(1),
		Version:     str(2),
		SpecVersion: str(3),
	}, nil
}

// Notification is a notification to display.
type Notification struct {
	AppName string
	// ReplacesID is the ID of an existing notification to replace,
	// or zero.
	ReplacesID uint32
	AppIcon    string
	Summary    string
	Body       string
	// Actions is a list of alternating action keys and labels.
	Actions []string
	// Hints are extra parameters for the notification service. Each
	// hint is sent as a variant of its [vbus.SignatureOf] type.
	Hints map[string]vbus.Value
	// Timeout is how long to display the notification. Zero uses the
	// service's default, negative values never expire.
	Timeout time.Duration
}

// Notify displays a notification and returns its ID.
func (n Notifications) Notify(ctx context.Context, req Notification) (uint32, error) {
	actions := make([]vbus.Value, 0, len(req.Actions))
	for _, a := range req.Actions {
		actions = append(actions, vbus.String(a))
	}
	timeout := int32(-1)
	switch {
	case req.Timeout > 0:
		timeout = int32(req.Timeout.Milliseconds())
	case req.Timeout < 0:
		timeout = 0
	}

	m := n.iface.NewMethodCall("Notify")
	m.Append(vbus.String(req.AppName), vbus.Uint32(req.ReplacesID), vbus.String(req.AppIcon), vbus.String(req.Summary), vbus.String(req.Body))
	m.AppendAs("as", vbus.Array(actions...))
	m.AppendAs("a{sv}", vbus.ObjectOf(req.Hints))
	m.Append(vbus.Int32(timeout))
	r, err := m.Send(ctx)
	if err != nil {
		return 0, err
	}
	id, ok := r.Value().AsUint64()
	if !ok {
		return 0, fmt.Errorf("unexpected Notify response %s", r.Value())
	}
	return uint32(id), nil
}

// Close removes a notification.
func (n Notifications) Close(ctx context.Context, id uint32) error {
	_, err := n.iface.Call(ctx, "CloseNotification", vbus.Uint32(id))
	return err
}

// CloseReason is the reason a notification was closed.
type CloseReason uint32

const (
	CloseExpired CloseReason = iota + 1
	CloseDismissed
	CloseRequested
	CloseUndefined
)

func (r CloseReason) String() string {
	switch r {
	case CloseExpired:
		return "expired"
	case CloseDismissed:
		return "dismissed"
	case CloseRequested:
		return "requested"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}

// OnClosed arranges for fn to be called when a notification is
// closed. fn runs during [vbus.Conn.Pump].
func (n Notifications) OnClosed(w *vbus.Watcher, fn func(id uint32, reason CloseReason)) (vbus.SubscriptionID, error) {
	return w.Subscribe(n.iface.SignalFilter("NotificationClosed"), vbus.HandlerFunc(func(body vbus.Value, _ *vbus.Call) {
		id, ok1 := body.Index(0).AsUint64()
		reason, ok2 := body.Index(1).AsUint64()
		if ok1 && ok2 {
			fn(uint32(id), CloseReason(reason))
		}
	}))
}

// OnAction arranges for fn to be called when the user invokes one of
// a notification's actions. fn runs during [vbus.Conn.Pump].
func (n Notifications) OnAction(w *vbus.Watcher, fn func(id uint32, action string)) (vbus.SubscriptionID, error) {
	return w.Subscribe(n.iface.SignalFilter("ActionInvoked"), vbus.HandlerFunc(func(body vbus.Value, _ *vbus.Call) {
		id, ok1 := body.Index(0).AsUint64()
		action, ok2 := body.Index(1).AsString()
		if ok1 && ok2 {
			fn(uint32(id), action)
		}
	}))
}
