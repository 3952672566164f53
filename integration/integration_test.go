// Package integration exercises vbus against a real message bus.
package integration_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/danderson/vbus"
	"github.com/danderson/vbus/dbustest"
	"github.com/google/go-cmp/cmp"
)

const (
	testName  = "org.test.Service"
	testPath  = "/org/test/Service"
	testIface = "org.test.Service"
)

// service implements testIface and the standard properties interface
// on testPath.
type service struct {
	conn  *vbus.Conn
	props map[string]vbus.Value
}

func (s *service) HandleMessage(body vbus.Value, call *vbus.Call) {
	switch call.Interface() + "." + call.Member() {
	case testIface + ".Describe":
		call.Reply(vbus.String(body.String()))
	case testIface + ".Fail":
		call.ReplyError("org.test.Error.Failed", "failed on purpose")
	case testIface + ".Ignore":
		// Released unanswered when the handler returns.
	case "org.freedesktop.DBus.Properties.Get":
		name, _ := body.Index(1).AsString()
		v, ok := s.props[name]
		if !ok {
			call.ReplyError("org.freedesktop.DBus.Error.UnknownProperty", name)
			return
		}
		sig, err := vbus.SignatureOf(v)
		if err != nil {
			call.ReplyError("org.freedesktop.DBus.Error.Failed", err.Error())
			return
		}
		m := call.NewReturn()
		m.AppendVariant(sig.String(), v)
		m.SendAsync()
	case "org.freedesktop.DBus.Properties.Set":
		name, _ := body.Index(1).AsString()
		s.props[name] = body.Index(2)
		call.Reply()
	case "org.freedesktop.DBus.Properties.GetAll":
		m := call.NewReturn()
		m.AppendAs("a{sv}", vbus.ObjectOf(s.props))
		m.SendAsync()
	default:
		call.ReplyError("org.freedesktop.DBus.Error.UnknownMethod", call.Member())
	}
}

func startService(t *testing.T, bus *dbustest.Bus) *vbus.Conn {
	t.Helper()
	conn := bus.MustConn(t)
	if _, err := conn.RequestName(context.Background(), testName, vbus.NameRequestNoQueue); err != nil {
		t.Fatalf("claiming %s: %v", testName, err)
	}
	svc := &service{
		conn: conn,
		props: map[string]vbus.Value{
			"Answer": vbus.Int32(42),
			"Name":   vbus.String("test"),
		},
	}
	if _, err := conn.Subscribe(vbus.MethodFilter().Path(testPath), svc); err != nil {
		t.Fatalf("subscribing service: %v", err)
	}
	dbustest.Serve(t, conn)
	return conn
}

func TestBusMethods(t *testing.T) {
	bus := dbustest.New(t, testing.Verbose())
	conn := bus.MustConn(t)
	ctx := context.Background()

	if !strings.HasPrefix(conn.LocalName(), ":") {
		t.Errorf("LocalName() = %q, want a unique name", conn.LocalName())
	}

	id, err := conn.GetBusID(ctx)
	if err != nil {
		t.Errorf("GetBusID() failed: %v", err)
	} else if id == "" {
		t.Error("GetBusID() is empty")
	}

	if err := conn.Peer("org.freedesktop.DBus").Ping(ctx); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}

	has, err := conn.NameHasOwner(ctx, "org.freedesktop.DBus")
	if err != nil {
		t.Errorf("NameHasOwner() failed: %v", err)
	} else if !has {
		t.Error("NameHasOwner(org.freedesktop.DBus) = false")
	}
	has, err = conn.NameHasOwner(ctx, "org.test.Nobody")
	if err != nil {
		t.Errorf("NameHasOwner() failed: %v", err)
	} else if has {
		t.Error("NameHasOwner(org.test.Nobody) = true")
	}

	names, err := conn.ListNames(ctx)
	if err != nil {
		t.Errorf("ListNames() failed: %v", err)
	} else if !slices.Contains(names, conn.LocalName()) || !slices.Contains(names, "org.freedesktop.DBus") {
		t.Errorf("ListNames() = %v, missing own name or bus name", names)
	}
}

func TestNameOwnership(t *testing.T) {
	bus := dbustest.New(t, testing.Verbose())
	ctx := context.Background()
	const name = "org.test.Bus"

	conn1 := bus.MustConn(t)
	conn2 := bus.MustConn(t)
	conn3 := bus.MustConn(t)

	if primary, err := conn1.RequestName(ctx, name, 0); err != nil || !primary {
		t.Fatalf("conn1.RequestName() = %v, %v, want true, nil", primary, err)
	}
	if primary, err := conn1.RequestName(ctx, name, 0); err != nil || !primary {
		t.Errorf("conn1.RequestName() again = %v, %v, want true, nil", primary, err)
	}
	if primary, err := conn2.RequestName(ctx, name, 0); err != nil || primary {
		t.Fatalf("conn2.RequestName() = %v, %v, want false, nil", primary, err)
	}
	if _, err := conn3.RequestName(ctx, name, vbus.NameRequestNoQueue); err == nil {
		t.Error("conn3.RequestName(NoQueue) succeeded, want error")
	}

	owner, err := conn3.GetNameOwner(ctx, name)
	if err != nil {
		t.Fatalf("GetNameOwner() failed: %v", err)
	}
	if owner != conn1.LocalName() {
		t.Errorf("GetNameOwner() = %q, want conn1 %q", owner, conn1.LocalName())
	}

	if err := conn1.ReleaseName(ctx, name); err != nil {
		t.Fatalf("ReleaseName() failed: %v", err)
	}
	owner, err = conn3.GetNameOwner(ctx, name)
	if err != nil {
		t.Fatalf("GetNameOwner() failed: %v", err)
	}
	if owner != conn2.LocalName() {
		t.Errorf("GetNameOwner() after release = %q, want conn2 %q", owner, conn2.LocalName())
	}
}

func TestCalls(t *testing.T) {
	bus := dbustest.New(t, testing.Verbose())
	startService(t, bus)
	conn := bus.MustConn(t)
	ctx := context.Background()
	iface := conn.Peer(testName).Object(testPath).Interface(testIface)

	t.Run("Describe", func(t *testing.T) {
		m := iface.NewMethodCall("Describe")
		m.AppendAs("o", vbus.String("/a/b"))
		m.AppendAs("q", vbus.Int32(7))
		m.AppendVariant("ay", vbus.Array(vbus.Byte(1), vbus.Byte(2)))
		r, err := m.Send(ctx)
		if err != nil {
			t.Fatalf("Send() failed: %v", err)
		}
		want := vbus.Array(vbus.String("/a/b"), vbus.Uint32(7), vbus.Array(vbus.Byte(1), vbus.Byte(2))).String()
		if got, _ := r.Value().AsString(); got != want {
			t.Errorf("service saw %s, want %s", got, want)
		}
		if got := r.Sender(); got == "" {
			t.Error("reply has no sender")
		}
	})

	t.Run("Error", func(t *testing.T) {
		_, err := iface.Call(ctx, "Fail")
		var ce vbus.CallError
		if !errors.As(err, &ce) {
			t.Fatalf("Call(Fail) error = %v, want CallError", err)
		}
		if ce.Name != "org.test.Error.Failed" || ce.Detail != "failed on purpose" {
			t.Errorf("CallError = %q/%q, want org.test.Error.Failed/failed on purpose", ce.Name, ce.Detail)
		}
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		_, err := iface.Call(ctx, "Nope")
		var ce vbus.CallError
		if !errors.As(err, &ce) || ce.Name != "org.freedesktop.DBus.Error.UnknownMethod" {
			t.Errorf("Call(Nope) error = %v, want UnknownMethod", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_, err := iface.Call(ctx, "Ignore")
		if !errors.Is(err, vbus.ErrTimeout) {
			t.Errorf("Call(Ignore) error = %v, want ErrTimeout", err)
		}
	})

	t.Run("Properties", func(t *testing.T) {
		v, err := iface.GetProperty(ctx, "Answer")
		if err != nil {
			t.Fatalf("GetProperty() failed: %v", err)
		}
		if diff := cmp.Diff(v, vbus.Int32(42)); diff != "" {
			t.Errorf("GetProperty(Answer) wrong (-got+want):\n%s", diff)
		}

		if err := iface.SetPropertyAs(ctx, "Answer", "t", vbus.Int32(43)); err != nil {
			t.Fatalf("SetPropertyAs() failed: %v", err)
		}
		all, err := iface.GetAllProperties(ctx)
		if err != nil {
			t.Fatalf("GetAllProperties() failed: %v", err)
		}
		want := vbus.ObjectOf(map[string]vbus.Value{
			"Answer": vbus.Uint64(43),
			"Name":   vbus.String("test"),
		})
		if diff := cmp.Diff(all, want); diff != "" {
			t.Errorf("GetAllProperties() wrong (-got+want):\n%s", diff)
		}
	})
}

func TestSharedConn(t *testing.T) {
	bus := dbustest.New(t, testing.Verbose())
	startService(t, bus)
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", bus.Address())
	ctx := context.Background()

	v, err := vbus.CallBus(ctx, vbus.BusSession, testName, testPath, testIface, "Describe", vbus.String("hi"))
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if got, _ := v.AsString(); got != vbus.String("hi").String() {
		t.Errorf("Call(Describe) = %s, want %s", got, vbus.String("hi"))
	}

	if err := vbus.Set(ctx, vbus.BusSession, testName, testPath, testIface, "Name", vbus.String("shared")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	v, err = vbus.Get(ctx, vbus.BusSession, testName, testPath, testIface, "Name")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got, _ := v.AsString(); got != "shared" {
		t.Errorf("Get(Name) = %s, want shared", v)
	}

	if err := vbus.CallBusAsync(vbus.BusSession, testName, testPath, testIface, "Describe"); err != nil {
		t.Errorf("CallBusAsync() failed: %v", err)
	}
}
