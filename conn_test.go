package vbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danderson/vbus/fragments"
	"github.com/danderson/vbus/transport"
	"github.com/google/go-cmp/cmp"
)

const (
	testLocalName = ":1.42"
	testPeer      = "org.example.Thing"
	testPath      = "/org/example/Thing"
	testIface     = "org.example.Iface"
)

// stubBus is the far end of a Conn in tests. It plays the part of
// the bus daemon and of a single peer, testPeer.
type stubBus struct {
	t    *testing.T
	conn net.Conn

	writeMu sync.Mutex
	serial  atomic.Uint32

	mu    sync.Mutex
	rules []string
	sets  []Value

	// replies receives the Conn's answers to calls made by the stub.
	replies chan *msg
	// signals receives signals emitted by the Conn.
	signals chan *msg
	// calls receives method calls to testPeer.
	calls chan *msg
}

func newTestConn(t *testing.T, opts ...Option) (*Conn, *stubBus) {
	t.Helper()
	client, server := net.Pipe()
	s := &stubBus{
		t:       t,
		conn:    server,
		replies: make(chan *msg, 16),
		signals: make(chan *msg, 16),
		calls:   make(chan *msg, 16),
	}
	go s.run()

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := newConn(ctx, transport.FromConn(client), newConnOptions(opts))
	if err != nil {
		server.Close()
		t.Fatalf("connecting to stub bus: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		server.Close()
	})
	return conn, s
}

func (s *stubBus) run() {
	for {
		m, err := readMsg(s.conn, nil)
		if err != nil {
			return
		}
		switch m.Type {
		case msgTypeReturn, msgTypeError:
			s.replies <- m
		case msgTypeSignal:
			s.signals <- m
		case msgTypeCall:
			s.handleCall(m)
		}
	}
}

func (s *stubBus) handleCall(m *msg) {
	reply := func(sig string, args ...Value) {
		s.send(header{
			Type:        msgTypeReturn,
			ReplySerial: m.Serial,
			Destination: testLocalName,
			Sender:      m.Destination,
		}, sig, args...)
	}
	fail := func(name, detail string) {
		s.send(header{
			Type:        msgTypeError,
			ErrName:     name,
			ReplySerial: m.Serial,
			Destination: testLocalName,
			Sender:      m.Destination,
		}, "s", String(detail))
	}
	body, err := m.Value()
	if err != nil {
		fail("org.freedesktop.DBus.Error.InvalidArgs", err.Error())
		return
	}

	switch m.Interface + "." + m.Member {
	case "org.freedesktop.DBus.Hello":
		reply("s", String(testLocalName))
	case "org.freedesktop.DBus.AddMatch":
		rule, _ := body.AsString()
		s.mu.Lock()
		s.rules = append(s.rules, rule)
		s.mu.Unlock()
		reply("")
	case "org.freedesktop.DBus.RemoveMatch":
		rule, _ := body.AsString()
		s.mu.Lock()
		s.rules = slices.DeleteFunc(s.rules, func(r string) bool { return r == rule })
		s.mu.Unlock()
		reply("")
	case "org.freedesktop.DBus.ListNames":
		reply("as", Array(String("org.freedesktop.DBus"), String(testLocalName), String(testPeer)))
	case "org.freedesktop.DBus.RequestName":
		reply("u", Uint32(1))
	case "org.freedesktop.DBus.Peer.Ping":
		reply("")
	case "org.freedesktop.DBus.Properties.Get":
		reply("v", Int32(42))
	case "org.freedesktop.DBus.Properties.GetAll":
		reply("a{sv}", ObjectOf(map[string]Value{
			"Answer": Int32(42),
			"Name":   String("thing"),
		}))
	case "org.freedesktop.DBus.Properties.Set":
		s.mu.Lock()
		s.sets = append(s.sets, body)
		s.mu.Unlock()
		reply("")
	case testIface + ".Echo":
		s.sendRaw(header{
			Type:        msgTypeReturn,
			ReplySerial: m.Serial,
			Destination: testLocalName,
			Sender:      m.Destination,
			Signature:   m.Signature,
		}, m.body)
	case testIface + ".Fail":
		fail("org.example.Error.Nope", "it broke")
	case testIface + ".Slow":
		// Never answered.
		s.calls <- m
	default:
		if m.WantReply() {
			fail(errNameUnknownMethod, "no such method")
		}
		s.calls <- m
	}
}

func (s *stubBus) send(hdr header, sig string, args ...Value) uint32 {
	s.t.Helper()
	hdr.Signature = mustParseSignature(sig)
	body, err := Encode(fragments.LittleEndian, hdr.Signature, args...)
	if err != nil {
		s.t.Errorf("stub bus encoding %s: %v", hdr.Type, err)
		return 0
	}
	return s.sendRaw(hdr, body)
}

func (s *stubBus) sendRaw(hdr header, body []byte) uint32 {
	hdr.Serial = s.serial.Add(1)
	hdr.Length = uint32(len(body))
	enc := fragments.Encoder{Order: fragments.LittleEndian}
	if err := hdr.encode(&enc); err != nil {
		s.t.Errorf("stub bus encoding header: %v", err)
		return 0
	}
	enc.Write(body)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// Write errors mean the Conn hung up, which tests observe from
	// the Conn's side.
	s.conn.Write(enc.Out)
	return hdr.Serial
}

// emit sends a signal from testPeer.
func (s *stubBus) emit(path, iface, member, sig string, args ...Value) {
	s.send(header{
		Type:      msgTypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Sender:    ":1.7",
	}, sig, args...)
}

// callConn sends a method call from testPeer to the Conn, and returns
// its serial.
func (s *stubBus) callConn(path, iface, member string, flags byte, sig string, args ...Value) uint32 {
	return s.send(header{
		Type:        msgTypeCall,
		Flags:       flags,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: testLocalName,
		Sender:      ":1.7",
	}, sig, args...)
}

func (s *stubBus) matchRules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rules)
}

// settle waits until every message the stub sent so far has been
// read by conn. The stub answers pings in order, so once the reply
// arrives, earlier messages are in conn's inbox.
func settle(t *testing.T, conn *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Peer(testPeer).Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func nextMsg(t *testing.T, ch chan *msg) *msg {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestConnHello(t *testing.T) {
	conn, _ := newTestConn(t)
	if got := conn.LocalName(); got != testLocalName {
		t.Errorf("LocalName() = %q, want %q", got, testLocalName)
	}
	if err := conn.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestConnCall(t *testing.T) {
	conn, _ := newTestConn(t)
	ctx := context.Background()
	iface := conn.Peer(testPeer).Object(testPath).Interface(testIface)

	got, err := iface.Call(ctx, "Echo", Int32(1), String("x"))
	if err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
	if diff := cmp.Diff(got, Array(Int32(1), String("x"))); diff != "" {
		t.Errorf("Echo wrong (-got+want):\n%s", diff)
	}

	got, err = iface.Call(ctx, "Echo", ObjectOf(map[string]Value{"k": Double(0.5)}))
	if err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
	if diff := cmp.Diff(got, ObjectOf(map[string]Value{"k": Double(0.5)})); diff != "" {
		t.Errorf("Echo wrong (-got+want):\n%s", diff)
	}

	got, err = iface.Call(ctx, "Echo")
	if err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
	if diff := cmp.Diff(got, Array()); diff != "" {
		t.Errorf("empty Echo wrong (-got+want):\n%s", diff)
	}

	names, err := conn.ListNames(ctx)
	if err != nil {
		t.Fatalf("ListNames failed: %v", err)
	}
	if diff := cmp.Diff(names, []string{"org.freedesktop.DBus", testLocalName, testPeer}); diff != "" {
		t.Errorf("ListNames wrong (-got+want):\n%s", diff)
	}

	primary, err := conn.RequestName(ctx, "org.example.Me", NameRequestNoQueue)
	if err != nil || !primary {
		t.Errorf("RequestName = %v, %v, want true, nil", primary, err)
	}
}

func TestConnMessageBuilder(t *testing.T) {
	conn, _ := newTestConn(t)
	ctx := context.Background()

	m := conn.NewMethodCall(testPeer, testPath, testIface, "Echo")
	if !m.AppendAs("o", String("/some/path")) {
		t.Fatalf("AppendAs(o) failed: %v", m.Err())
	}
	if !m.AppendAs("n", Int32(-3)) {
		t.Fatalf("AppendAs(n) failed: %v", m.Err())
	}
	if !m.AppendVariant("q", Uint32(9)) {
		t.Fatalf("AppendVariant(q) failed: %v", m.Err())
	}
	if got, want := m.Signature(), "onv"; got != want {
		t.Errorf("Signature() = %q, want %q", got, want)
	}
	r, err := m.Send(ctx)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if diff := cmp.Diff(r.Value(), Array(String("/some/path"), Int32(-3), Uint32(9))); diff != "" {
		t.Errorf("reply wrong (-got+want):\n%s", diff)
	}
	if got := r.Signature().String(); got != "onv" {
		t.Errorf("reply signature = %q, want onv", got)
	}
	if got := r.Sender(); got != testPeer {
		t.Errorf("reply sender = %q, want %q", got, testPeer)
	}

	// Terminal actions happen once.
	if _, err := m.Send(ctx); !errors.Is(err, ErrReleased) {
		t.Errorf("second Send = %v, want ErrReleased", err)
	}
	if err := m.SendAsync(); !errors.Is(err, ErrReleased) {
		t.Errorf("SendAsync after Send = %v, want ErrReleased", err)
	}
	m.Release()
	m.Release()
}

func TestConnMessageBuilderFailure(t *testing.T) {
	conn, _ := newTestConn(t)
	ctx := context.Background()

	// A failed append poisons the message, but later appends are
	// still attempted.
	m := conn.NewMethodCall(testPeer, testPath, testIface, "Echo")
	if m.Append(Int32(1), Null(), String("after")) {
		t.Fatal("Append with Null succeeded")
	}
	if got, want := m.Signature(), "is"; got != want {
		t.Errorf("Signature() = %q, want %q", got, want)
	}
	var te TypeError
	if !errors.As(m.Err(), &te) {
		t.Errorf("Err() = %v, want TypeError", m.Err())
	}
	if _, err := m.Send(ctx); !errors.As(err, &te) {
		t.Errorf("Send of failed message = %v, want TypeError", err)
	}

	m = conn.NewMethodCall(testPeer, testPath, testIface, "Echo")
	if m.AppendAs("u", Int32(-1)) {
		t.Error("AppendAs(u, -1) succeeded")
	}
	m.Release()

	m = conn.NewMethodCall(testPeer, testPath, testIface, "Echo")
	for i := range maxSignatureLen {
		if !m.Append(Byte(uint8(i))) {
			t.Fatalf("Append %d failed: %v", i, m.Err())
		}
	}
	if m.Append(Byte(0)) {
		t.Error("Append beyond signature limit succeeded")
	}
	m.Release()

	m = conn.NewMethodCall("", "not a path", "nodots", "")
	if m.Err() == nil {
		t.Error("NewMethodCall with invalid addressing succeeded")
	}
	m.Release()

	m = conn.NewMethodCall(testPeer, testPath, testIface, "Echo")
	m.Release()
	if m.Append(Int32(1)) {
		t.Error("Append after Release succeeded")
	}
	if err := m.SendAsync(); !errors.Is(err, ErrReleased) {
		t.Errorf("SendAsync after Release = %v, want ErrReleased", err)
	}
}

func TestConnCallError(t *testing.T) {
	conn, _ := newTestConn(t)
	iface := conn.Peer(testPeer).Object(testPath).Interface(testIface)

	_, err := iface.Call(context.Background(), "Fail")
	var ce CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Fail returned %v, want CallError", err)
	}
	want := CallError{Name: "org.example.Error.Nope", Detail: "it broke", Body: String("it broke")}
	if diff := cmp.Diff(ce, want, cmp.AllowUnexported(CallError{})); diff != "" {
		t.Errorf("CallError wrong (-got+want):\n%s", diff)
	}
	if ce.IsTimeout() {
		t.Error("remote error reports IsTimeout")
	}
}

func TestConnCallTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	conn, _ := newTestConn(t, WithConfig(cfg))
	iface := conn.Peer(testPeer).Object(testPath).Interface(testIface)

	_, err := iface.Call(context.Background(), "Slow")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Slow returned %v, want ErrTimeout", err)
	}
	var ce CallError
	if !errors.As(err, &ce) || ce.Name != errNameNoReply || !ce.IsTimeout() {
		t.Errorf("Slow returned %#v, want NoReply CallError", err)
	}

	// The connection is still usable afterwards.
	if _, err := iface.Call(context.Background(), "Echo"); err != nil {
		t.Errorf("Echo after timeout failed: %v", err)
	}
}

func TestConnProperties(t *testing.T) {
	conn, s := newTestConn(t)
	ctx := context.Background()
	iface := conn.Peer(testPeer).Object(testPath).Interface(testIface)

	got, err := iface.GetProperty(ctx, "Answer")
	if err != nil {
		t.Fatalf("GetProperty failed: %v", err)
	}
	if diff := cmp.Diff(got, Int32(42)); diff != "" {
		t.Errorf("GetProperty wrong (-got+want):\n%s", diff)
	}

	all, err := iface.GetAllProperties(ctx)
	if err != nil {
		t.Fatalf("GetAllProperties failed: %v", err)
	}
	wantAll := ObjectOf(map[string]Value{"Answer": Int32(42), "Name": String("thing")})
	if diff := cmp.Diff(all, wantAll); diff != "" {
		t.Errorf("GetAllProperties wrong (-got+want):\n%s", diff)
	}

	if err := iface.SetProperty(ctx, "Answer", Int32(7)); err != nil {
		t.Fatalf("SetProperty failed: %v", err)
	}
	if err := iface.SetPropertyAs(ctx, "Small", "q", Int32(3)); err != nil {
		t.Fatalf("SetPropertyAs failed: %v", err)
	}
	if err := iface.SetPropertyAs(ctx, "Small", "q", Int32(-3)); err == nil {
		t.Error("SetPropertyAs with out of range value succeeded")
	}
	s.mu.Lock()
	sets := slices.Clone(s.sets)
	s.mu.Unlock()
	wantSets := []Value{
		Array(String(testIface), String("Answer"), Int32(7)),
		Array(String(testIface), String("Small"), Uint32(3)),
	}
	if diff := cmp.Diff(sets, wantSets); diff != "" {
		t.Errorf("Set calls wrong (-got+want):\n%s", diff)
	}
}

func TestConnCallAsync(t *testing.T) {
	conn, s := newTestConn(t)
	iface := conn.Peer(testPeer).Object(testPath).Interface(testIface)

	if err := iface.CallAsync("Poke", String("hi")); err != nil {
		t.Fatalf("CallAsync failed: %v", err)
	}
	m := nextMsg(t, s.calls)
	if m.WantReply() {
		t.Error("CallAsync message asks for a reply")
	}
	if m.Member != "Poke" {
		t.Errorf("CallAsync member = %q, want Poke", m.Member)
	}
}

func TestSubscribeOrder(t *testing.T) {
	conn, s := newTestConn(t)
	w := conn.Watch()
	defer w.Close()

	var got []string
	record := func(name string) Handler {
		return HandlerFunc(func(body Value, call *Call) {
			if call != nil {
				t.Errorf("%s: signal handler got a Call", name)
			}
			got = append(got, name+":"+body.String())
		})
	}
	f1 := SignalFilter().Interface(testIface).Member("Changed")
	f2 := SignalFilter().Interface(testIface)
	if _, err := w.Subscribe(f1, record("F1")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Subscribe(f2, record("F2")); err != nil {
		t.Fatal(err)
	}
	wantRules := []string{
		"type='signal',interface='org.example.Iface',member='Changed'",
		"type='signal',interface='org.example.Iface'",
	}
	if diff := cmp.Diff(s.matchRules(), wantRules); diff != "" {
		t.Errorf("bus match rules wrong (-got+want):\n%s", diff)
	}

	s.emit(testPath, testIface, "Changed", "i", Int32(1))
	s.emit(testPath, testIface, "Other", "i", Int32(2))
	s.emit(testPath, "org.example.Unrelated", "Changed", "i", Int32(3))
	settle(t, conn)

	if !conn.Pump() {
		t.Error("Pump reported no dispatch")
	}
	want := []string{"F1:int32(1)", "F2:int32(1)", "F2:int32(2)"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("dispatch order wrong (-got+want):\n%s", diff)
	}

	if conn.Pump() {
		t.Error("second Pump dispatched again")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Watcher.Close failed: %v", err)
	}
	if rules := s.matchRules(); len(rules) != 0 {
		t.Errorf("match rules remain after Watcher.Close: %q", rules)
	}
	if w.Len() != 0 {
		t.Errorf("Watcher still has %d subscriptions", w.Len())
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Watcher.Close failed: %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	conn, s := newTestConn(t)

	calls := 0
	id, err := conn.Subscribe(SignalFilter().Member("Changed"), HandlerFunc(func(Value, *Call) { calls++ }))
	if err != nil {
		t.Fatal(err)
	}
	s.emit(testPath, testIface, "Changed", "")
	settle(t, conn)
	if err := conn.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	// The message arrived before Unsubscribe, but the subscription
	// is gone by the time Pump runs.
	if conn.Pump() {
		t.Error("Pump dispatched to a removed subscription")
	}
	if calls != 0 {
		t.Errorf("handler called %d times after Unsubscribe", calls)
	}
	if err := conn.Unsubscribe(id); err == nil {
		t.Error("second Unsubscribe succeeded")
	}

	w := conn.Watch()
	if err := w.Unsubscribe(id); err == nil {
		t.Error("Watcher.Unsubscribe of foreign id succeeded")
	}

	if _, err := conn.Subscribe(SignalFilter().Path("bad"), HandlerFunc(func(Value, *Call) {})); err == nil {
		t.Error("Subscribe with invalid filter succeeded")
	}
}

func TestMethodCallReply(t *testing.T) {
	conn, s := newTestConn(t)
	w := conn.Watch()
	defer w.Close()

	var handled *Call
	_, err := w.Subscribe(MethodFilter().Path("/calc").Interface(testIface).Member("Add"), HandlerFunc(func(body Value, call *Call) {
		handled = call
		a, _ := body.Index(0).AsInt64()
		b, _ := body.Index(1).AsInt64()
		if err := call.Reply(Int32(int32(a + b))); err != nil {
			t.Errorf("Reply failed: %v", err)
		}
	}))
	if err != nil {
		t.Fatal(err)
	}

	serial := s.callConn("/calc", testIface, "Add", 0, "ii", Int32(1), Int32(2))
	settle(t, conn)
	if !conn.Pump() {
		t.Fatal("Pump reported no dispatch")
	}

	r := nextMsg(t, s.replies)
	if r.Type != msgTypeReturn || r.ReplySerial != serial {
		t.Fatalf("got %s reply to %d, want method_return to %d", r.Type, r.ReplySerial, serial)
	}
	body, err := r.Value()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(body, Int32(3)); diff != "" {
		t.Errorf("reply body wrong (-got+want):\n%s", diff)
	}

	if handled == nil {
		t.Fatal("handler not called")
	}
	if handled.outcome != callReplied {
		t.Errorf("call outcome = %s, want %s", handled.outcome, callReplied)
	}
	if got, want := handled.Sender(), ":1.7"; got != want {
		t.Errorf("call Sender() = %q, want %q", got, want)
	}
	if err := handled.Reply(); !errors.Is(err, ErrReleased) {
		t.Errorf("Reply after dispatch = %v, want ErrReleased", err)
	}
}

func TestMethodCallOutcomes(t *testing.T) {
	conn, s := newTestConn(t)
	w := conn.Watch()
	defer w.Close()

	var calls []*Call
	var replyErrs []error
	handler := func(answer bool) Handler {
		return HandlerFunc(func(body Value, call *Call) {
			calls = append(calls, call)
			if !answer {
				return
			}
			if name, _ := body.AsString(); name == "error" {
				replyErrs = append(replyErrs, call.ReplyError("org.example.Error.Bad", "bad request"))
			} else {
				replyErrs = append(replyErrs, call.Reply(String("ok")))
			}
		})
	}
	// Both subscriptions match the same calls. Only the first answer
	// is sent.
	if _, err := w.Subscribe(MethodFilter().Member("Do"), handler(true)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Subscribe(MethodFilter().Path("/obj"), handler(true)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Subscribe(MethodFilter().Member("Ignore"), handler(false)); err != nil {
		t.Fatal(err)
	}

	s.callConn("/obj", testIface, "Do", 0, "s", String("error"))
	settle(t, conn)
	conn.Pump()

	r := nextMsg(t, s.replies)
	if r.Type != msgTypeError || r.ErrName != "org.example.Error.Bad" {
		t.Errorf("got %s %q, want error org.example.Error.Bad", r.Type, r.ErrName)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d handler calls, want 2", len(calls))
	}
	if calls[0].outcome != callErrored || calls[1].outcome != callReleased {
		t.Errorf("outcomes = %s, %s, want errored, released", calls[0].outcome, calls[1].outcome)
	}
	if replyErrs[0] != nil || !errors.Is(replyErrs[1], ErrReleased) {
		t.Errorf("reply errors = %v, want [nil, ErrReleased]", replyErrs)
	}

	// Unanswered calls are released, and no reply is sent.
	calls = nil
	s.callConn("/elsewhere", testIface, "Ignore", 0, "")
	settle(t, conn)
	if !conn.Pump() {
		t.Error("Pump reported no dispatch")
	}
	if len(calls) != 1 || calls[0].outcome != callReleased {
		t.Errorf("unanswered call not released: %v", calls)
	}

	// Calls that don't want a reply get none, even if the handler
	// answers.
	calls, replyErrs = nil, nil
	s.callConn("/elsewhere", testIface, "Do", flagNoReplyExpected, "s", String("quiet"))
	settle(t, conn)
	conn.Pump()
	if len(calls) != 1 || calls[0].WantReply() {
		t.Fatalf("unexpected calls for no-reply message: %v", calls)
	}
	if replyErrs[0] != nil {
		t.Errorf("Reply to no-reply call = %v", replyErrs[0])
	}
	select {
	case r := <-s.replies:
		t.Errorf("got unexpected %s reply to no-reply call", r.Type)
	default:
	}
}

func TestUnmatchedMethodCall(t *testing.T) {
	conn, s := newTestConn(t)

	serial := s.callConn("/nobody", testIface, "Missing", 0, "")
	settle(t, conn)
	if conn.Pump() {
		t.Error("Pump dispatched an unmatched call")
	}
	r := nextMsg(t, s.replies)
	if r.Type != msgTypeError || r.ErrName != errNameUnknownMethod || r.ReplySerial != serial {
		t.Errorf("got %s %q to %d, want UnknownMethod error to %d", r.Type, r.ErrName, r.ReplySerial, serial)
	}

	// Unmatched signals are dropped silently.
	s.emit(testPath, testIface, "Changed", "")
	settle(t, conn)
	if conn.Pump() {
		t.Error("Pump dispatched an unmatched signal")
	}
}

func TestUndecodableMethodCall(t *testing.T) {
	conn, s := newTestConn(t)
	w := conn.Watch()
	defer w.Close()

	called := false
	if _, err := w.Subscribe(MethodFilter().Path(testPath), HandlerFunc(func(Value, *Call) {
		called = true
	})); err != nil {
		t.Fatal(err)
	}

	// Body claims to be a string, but is not valid UTF-8.
	enc := fragments.Encoder{Order: fragments.LittleEndian}
	enc.String("\xff")
	serial := s.sendRaw(header{
		Type:        msgTypeCall,
		Path:        testPath,
		Interface:   testIface,
		Member:      "Take",
		Destination: testLocalName,
		Sender:      ":1.7",
		Signature:   mustParseSignature("s"),
	}, enc.Out)
	settle(t, conn)
	if conn.Pump() || called {
		t.Error("Pump dispatched an undecodable call")
	}
	r := nextMsg(t, s.replies)
	if r.Type != msgTypeError || r.ErrName != errNameInvalidArgs || r.ReplySerial != serial {
		t.Errorf("got %s %q to %d, want InvalidArgs error to %d", r.Type, r.ErrName, r.ReplySerial, serial)
	}
}

func TestSubscribeInvalid(t *testing.T) {
	conn, _ := newTestConn(t)
	h := HandlerFunc(func(Value, *Call) {})

	tests := []struct {
		name string
		f    *Filter
		h    Handler
	}{
		{"nil filter", nil, h},
		{"nil handler", SignalFilter(), nil},
	}
	for _, tc := range tests {
		if _, err := conn.Subscribe(tc.f, tc.h); err == nil {
			t.Errorf("Subscribe with %s succeeded", tc.name)
		}
	}
	w := conn.Watch()
	defer w.Close()
	if _, err := w.Subscribe(nil, h); err == nil {
		t.Error("Watcher.Subscribe with nil filter succeeded")
	}
	if n := w.Len(); n != 0 {
		t.Errorf("Watcher.Len() = %d after failed Subscribe, want 0", n)
	}
}

func TestHandlerPanic(t *testing.T) {
	conn, s := newTestConn(t)
	w := conn.Watch()
	defer w.Close()

	var got []string
	if _, err := w.Subscribe(SignalFilter().Member("Boom"), HandlerFunc(func(Value, *Call) {
		got = append(got, "boom")
		panic("kaboom")
	})); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Subscribe(SignalFilter(), HandlerFunc(func(v Value, _ *Call) {
		got = append(got, "after")
	})); err != nil {
		t.Fatal(err)
	}

	s.emit(testPath, testIface, "Boom", "")
	settle(t, conn)
	if !conn.Pump() {
		t.Error("Pump reported no dispatch")
	}
	if diff := cmp.Diff(got, []string{"boom", "after"}); diff != "" {
		t.Errorf("handlers wrong (-got+want):\n%s", diff)
	}
}

func TestMalformedSignal(t *testing.T) {
	conn, s := newTestConn(t)
	w := conn.Watch()
	defer w.Close()

	var got []Value
	if _, err := w.Subscribe(SignalFilter().Interface(testIface), HandlerFunc(func(v Value, _ *Call) {
		got = append(got, v)
	})); err != nil {
		t.Fatal(err)
	}

	// Body claims to be a string, but is not valid UTF-8.
	enc := fragments.Encoder{Order: fragments.LittleEndian}
	enc.String("\xff")
	s.sendRaw(header{
		Type:      msgTypeSignal,
		Path:      testPath,
		Interface: testIface,
		Member:    "Bad",
		Signature: mustParseSignature("s"),
	}, enc.Out)
	s.emit(testPath, testIface, "Good", "s", String("fine"))
	settle(t, conn)

	conn.Pump()
	if diff := cmp.Diff(got, []Value{String("fine")}); diff != "" {
		t.Errorf("dispatched values wrong (-got+want):\n%s", diff)
	}
}

func TestInboxOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInbox = 2
	conn, s := newTestConn(t, WithConfig(cfg))
	w := conn.Watch()
	defer w.Close()

	var got []Value
	if _, err := w.Subscribe(SignalFilter(), HandlerFunc(func(v Value, _ *Call) {
		got = append(got, v)
	})); err != nil {
		t.Fatal(err)
	}
	for i := range 4 {
		s.emit(testPath, testIface, "Tick", "u", Uint32(uint32(i)))
	}
	settle(t, conn)
	conn.Pump()
	if diff := cmp.Diff(got, []Value{Uint32(2), Uint32(3)}); diff != "" {
		t.Errorf("dispatched values wrong (-got+want):\n%s", diff)
	}
}

func TestEmitSignal(t *testing.T) {
	conn, s := newTestConn(t)

	m := conn.NewSignal("/me", testIface, "Hello")
	m.Append(String("world"))
	if err := m.SendAsync(); err != nil {
		t.Fatalf("SendAsync failed: %v", err)
	}
	sig := nextMsg(t, s.signals)
	body, err := sig.Value()
	if err != nil {
		t.Fatal(err)
	}
	if sig.Path != "/me" || sig.Interface != testIface || sig.Member != "Hello" {
		t.Errorf("signal addressed to %s %s.%s", sig.Path, sig.Interface, sig.Member)
	}
	if diff := cmp.Diff(body, String("world")); diff != "" {
		t.Errorf("signal body wrong (-got+want):\n%s", diff)
	}

	if _, err := conn.NewSignal("/me", testIface, "Hello").Send(context.Background()); err == nil {
		t.Error("Send of a signal succeeded")
	}
}

func TestConnDisconnect(t *testing.T) {
	conn, s := newTestConn(t)
	iface := conn.Peer(testPeer).Object(testPath).Interface(testIface)

	done := make(chan error, 1)
	go func() {
		_, err := iface.Call(context.Background(), "Slow")
		done <- err
	}()
	// Wait for the call to be in flight before hanging up.
	nextMsg(t, s.calls)
	s.conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("pending call returned %v, want ErrNotConnected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail after disconnect")
	}
	<-conn.readDone
	if err := conn.Err(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Err() = %v, want ErrNotConnected", err)
	}
	if _, err := iface.Call(context.Background(), "Echo"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Call after disconnect = %v, want ErrNotConnected", err)
	}
	if _, err := conn.Subscribe(SignalFilter(), HandlerFunc(func(Value, *Call) {})); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestSharedUnavailable(t *testing.T) {
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path="+t.TempDir()+"/no-such-bus")
	_, err := Get(context.Background(), BusSession, testPeer, testPath, testIface, "Answer")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Get on unavailable bus = %v, want ErrNotConnected", err)
	}
	// The failure is sticky.
	if err := CallBusAsync(BusSession, testPeer, testPath, testIface, "Poke"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CallBusAsync on unavailable bus = %v, want ErrNotConnected", err)
	}
	if _, err := Shared(BusType(9)); err == nil {
		t.Error("Shared of unknown bus type succeeded")
	}
}

func TestMethodHandlerPanic(t *testing.T) {
	conn, s := newTestConn(t)
	w := conn.Watch()
	defer w.Close()

	if _, err := w.Subscribe(MethodFilter().Member("Crash"), HandlerFunc(func(Value, *Call) {
		panic("kaboom")
	})); err != nil {
		t.Fatal(err)
	}

	serial := s.callConn("/obj", testIface, "Crash", 0, "")
	settle(t, conn)
	conn.Pump()

	r := nextMsg(t, s.replies)
	if r.Type != msgTypeError || r.ErrName != errNameFailed || r.ReplySerial != serial {
		t.Errorf("got %s %q to %d, want Failed error to %d", r.Type, r.ErrName, r.ReplySerial, serial)
	}
}

func TestEmitSignalHelper(t *testing.T) {
	conn, s := newTestConn(t)

	if err := conn.EmitSignal("/me", testIface, "Count", Uint32(1), Array(String("a"))); err != nil {
		t.Fatalf("EmitSignal failed: %v", err)
	}
	sig := nextMsg(t, s.signals)
	if got := sig.Signature.String(); got != "uas" {
		t.Errorf("signal signature = %q, want uas", got)
	}
	if err := conn.EmitSignal("bad path", testIface, "Count"); err == nil {
		t.Error("EmitSignal with invalid path succeeded")
	}
}
