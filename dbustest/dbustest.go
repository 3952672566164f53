// Package dbustest runs a private bus instance for tests.
package dbustest

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danderson/vbus"
)

//go:embed dbus.config
var busConfig string

// Available reports whether dbus-daemon is installed, which is
// required to run a test bus.
func Available() bool {
	_, err := exec.LookPath("dbus-daemon")
	return err == nil
}

// Bus is a private bus instance for a single test.
type Bus struct {
	t    *testing.T
	cmd  *exec.Cmd
	sock string

	stop    chan struct{}
	stopped chan struct{}

	mu      sync.Mutex
	exitErr error

	mon *monitor
}

// New starts a bus dedicated to the calling test, and stops it when
// the test completes.
//
// If [Available] is false, New skips the calling test.
//
// If monitor is true and dbus-monitor is installed, every message
// that crosses the bus is logged with t.Log.
func New(t *testing.T, monitor bool) *Bus {
	t.Helper()
	if !Available() {
		t.Skip("dbus-daemon not available, cannot run test bus")
	}

	tmp := t.TempDir()
	ret := &Bus{
		t:       t,
		sock:    filepath.Join(tmp, "bus.sock"),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	cfgPath := filepath.Join(tmp, "bus.config")
	cfg := strings.ReplaceAll(busConfig, "__SOCKET__", ret.sock)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatalf("writing bus config: %v", err)
	}

	ret.cmd = exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog")
	ret.cmd.Stdout = os.Stdout
	ret.cmd.Stderr = os.Stderr
	if err := ret.cmd.Start(); err != nil {
		t.Fatalf("starting dbus-daemon: %v", err)
	}
	t.Cleanup(ret.close)

	go func() {
		defer close(ret.stopped)
		err := ret.cmd.Wait()
		select {
		case <-ret.stop:
		default:
			ret.mu.Lock()
			ret.exitErr = err
			ret.mu.Unlock()
			slog.Error("test bus exited prematurely", "err", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := waitForSocket(ctx, ret.sock); err != nil {
		t.Fatalf("waiting for test bus: %v", err)
	}

	if monitor {
		if _, err := exec.LookPath("dbus-monitor"); err != nil {
			t.Log("dbus-monitor not available, not logging bus traffic")
		} else {
			ret.mon = startMonitor(ctx, t, ret.Address())
		}
	}
	return ret
}

func waitForSocket(ctx context.Context, path string) error {
	for {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *Bus) close() {
	close(b.stop)
	if b.mon != nil {
		b.mon.close()
	}
	b.cmd.Process.Kill()
	select {
	case <-b.stopped:
	case <-time.After(10 * time.Second):
		slog.Error("timed out waiting for test bus to stop")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exitErr != nil {
		b.t.Errorf("test bus exited before the test finished: %v", b.exitErr)
	}
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string { return b.sock }

// Address returns the bus's address, suitable for [vbus.Dial].
func (b *Bus) Address() string { return "unix:path=" + b.sock }

// Config returns a configuration whose system and session buses are
// both the test bus.
func (b *Bus) Config() vbus.Config {
	ret := vbus.DefaultConfig()
	ret.SystemBusAddress = b.Address()
	ret.SessionBusAddress = b.Address()
	ret.CallTimeout = 10 * time.Second
	return ret
}

// MustConn returns a new connection to the bus, which is closed when
// the test completes. It fails the test immediately if it cannot
// connect.
func (b *Bus) MustConn(t *testing.T, opts ...vbus.Option) *vbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts = append([]vbus.Option{vbus.WithConfig(b.Config())}, opts...)
	ret, err := vbus.Dial(ctx, b.Address(), opts...)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}

// monitor logs bus traffic reported by dbus-monitor.
type monitor struct {
	cmd  *exec.Cmd
	lw   *logWriter
	done chan struct{}
}

func startMonitor(ctx context.Context, t *testing.T, addr string) *monitor {
	lw := newLogWriter(t)
	ret := &monitor{
		cmd:  exec.Command("dbus-monitor", "--address", addr),
		lw:   lw,
		done: make(chan struct{}),
	}
	ret.cmd.Stdout = lw
	ret.cmd.Stderr = lw
	if err := ret.cmd.Start(); err != nil {
		t.Fatalf("starting dbus-monitor: %v", err)
	}
	go func() {
		defer close(ret.done)
		ret.cmd.Wait()
	}()
	// dbus-monitor prints nothing until traffic crosses the bus, so
	// a quiet monitor is not an error.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := lw.WaitForOutput(wctx); err != nil {
		t.Log("dbus-monitor has not reported any traffic yet")
	}
	return ret
}

func (m *monitor) close() {
	m.cmd.Process.Kill()
	<-m.done
	m.lw.Flush()
}

// logWriter splits dbus-monitor output into one log entry per
// message.
type logWriter struct {
	t      *testing.T
	first  chan struct{}
	once   sync.Once
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func newLogWriter(t *testing.T) *logWriter {
	return &logWriter{
		t:     t,
		first: make(chan struct{}),
	}
}

var messageStarts = [][]byte{
	[]byte("method "),
	[]byte("signal "),
	[]byte("error "),
}

func isMessageStart(line []byte) bool {
	for _, p := range messageStarts {
		if bytes.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func (l *logWriter) Write(bs []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return len(bs), nil
	}
	l.buf.Write(bs)
	l.once.Do(func() { close(l.first) })
	l.emitComplete()
	return len(bs), nil
}

// emitComplete logs every message in the buffer that is followed by
// the start of another message.
func (l *logWriter) emitComplete() {
	for {
		bs := l.buf.Bytes()
		end := -1
		for off := 0; ; {
			i := bytes.IndexByte(bs[off:], '\n')
			if i < 0 {
				break
			}
			next := off + i + 1
			if off+i > 0 && isMessageStart(bs[next:]) {
				end = off + i
				break
			}
			off = next
		}
		if end < 0 {
			return
		}
		l.t.Log(string(l.buf.Next(end)))
		l.buf.Next(1)
	}
}

// Flush logs any remaining buffered output. Output written after
// Flush is discarded.
func (l *logWriter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.buf.Len() > 0 {
		l.t.Log(l.buf.String())
		l.buf.Reset()
	}
}

// WaitForOutput waits until dbus-monitor has written anything, which
// means it is attached to the bus.
func (l *logWriter) WaitForOutput(ctx context.Context) error {
	select {
	case <-l.first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve calls conn.Pump on a new goroutine whenever messages are
// waiting, until the test completes. Handlers run on that goroutine.
func Serve(t *testing.T, conn *vbus.Conn) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		<-stopped
	})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-conn.Ready():
				conn.Pump()
			case <-done:
				return
			}
		}
	}()
}
