package main

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/danderson/vbus"
	"github.com/danderson/vbus/freedesktop/background"
	"github.com/danderson/vbus/freedesktop/idle"
	"github.com/kr/pretty"
)

var globalArgs struct {
	UseSessionBus bool   `flag:"session,Connect to session bus instead of system bus"`
	Config        string `flag:"config,Path to a YAML configuration file"`
	Names         string `flag:"names,Comma-separated list of bus names to claim"`
	Verbose       bool   `flag:"v,Log connection activity to stderr"`
}

var filterArgs struct {
	Path      string `flag:"path,Only match messages for this object path"`
	Interface string `flag:"interface,Only match messages for this interface"`
	Member    string `flag:"member,Only match messages with this member name"`
	Methods   bool   `flag:"methods,Match method calls instead of signals"`
}

func filter() *vbus.Filter {
	var f *vbus.Filter
	if filterArgs.Methods {
		f = vbus.MethodFilter()
	} else {
		f = vbus.SignalFilter()
	}
	if filterArgs.Path != "" {
		f.Path(filterArgs.Path)
	}
	if filterArgs.Interface != "" {
		f.Interface(filterArgs.Interface)
	}
	if filterArgs.Member != "" {
		f.Member(filterArgs.Member)
	}
	return f
}

func busConn(ctx context.Context) (*vbus.Conn, error) {
	cfg, err := vbus.LoadConfig(globalArgs.Config)
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if globalArgs.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	opts := []vbus.Option{vbus.WithConfig(cfg), vbus.WithLogger(logger)}

	var conn *vbus.Conn
	if globalArgs.UseSessionBus {
		conn, err = vbus.SessionBus(ctx, opts...)
	} else {
		conn, err = vbus.SystemBus(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}

	if globalArgs.Names == "" {
		return conn, nil
	}
	for _, n := range strings.Split(globalArgs.Names, ",") {
		primary, err := conn.RequestName(ctx, n, 0)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		if primary {
			fmt.Printf("acquired name %s\n", n)
		} else {
			fmt.Printf("queued for name %s\n", n)
		}
	}
	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "vbus",
		Usage:    "command args...",
		Help:     "Inspect and poke at a message bus.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "list [regexp]",
				Help: `List names on the bus.

Well-known names are shown with the unique name of their owner. If a
regexp is given, only names that match it are listed.`,
				Run: runList,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "id",
				Usage: "id",
				Help:  "Print the bus's unique ID.",
				Run:   command.Adapt(runID),
			},
			{
				Name:  "call",
				Usage: "call peer path interface method [args...]",
				Help: `Call a method and print the response.

Arguments are sent as strings unless written as KIND:VALUE, where
KIND is one of bool, byte, int32, uint32, int64, uint64, double,
string or yaml. @SIG:VALUE sends a YAML or JSON literal as the wire
type SIG, for example @as:[a,b] or @o:/org/example.`,
				Run: runCall,
			},
			{
				Name:  "get",
				Usage: "get peer path interface property",
				Help:  "Print the value of a property.",
				Run:   command.Adapt(runGet),
			},
			{
				Name:  "set",
				Usage: "set peer path interface property value",
				Help:  "Set a property. The value is parsed like call arguments.",
				Run:   command.Adapt(runSet),
			},
			{
				Name:  "getall",
				Usage: "getall peer path interface",
				Help:  "Print all properties of an interface.",
				Run:   command.Adapt(runGetAll),
			},
			{
				Name:  "emit",
				Usage: "emit path interface signal [args...]",
				Help:  "Emit a signal. Arguments are parsed like call arguments.",
				Run:   runEmit,
			},
			{
				Name:     "listen",
				Usage:    "listen",
				Help:     "Print the bodies of matching messages as they arrive.",
				SetFlags: command.Flags(flax.MustBind, &filterArgs),
				Run:      command.Adapt(runListen),
			},
			{
				Name:     "rule",
				Usage:    "rule",
				Help:     "Print the match rule for the given filter flags.",
				SetFlags: command.Flags(flax.MustBind, &filterArgs),
				Run:      command.Adapt(runRule),
			},
			{
				Name:  "serve-peer",
				Usage: "serve-peer",
				Help: `Serve the org.freedesktop.DBus.Peer interface.

The interface is implemented on all objects.

For best results, combine with --names to register a service name on the bus that other tools can target.`,
				Run: command.Adapt(runServePeer),
			},
			{
				Name:  "freedesktop",
				Usage: "freedesktop args...",
				Commands: []*command.C{
					{
						Name:  "background",
						Usage: "background",
						Help:  "List flatpak apps that are running in the background.",
						Run:   command.Adapt(runFdoBackgroundList),
					},
					{
						Name:  "idle",
						Usage: "idle",
						Help:  "Show the session's lock and idle state.",
						Run:   command.Adapt(runFdoIdle),
					},
				},
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func printValue(v vbus.Value) {
	fmt.Printf("%# v\n", pretty.Formatter(v.Native()))
}

// serve runs conn's Pump whenever messages arrive, until ctx is done
// or the connection fails.
func serve(ctx context.Context, conn *vbus.Conn) error {
	check := time.NewTicker(time.Second)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Ready():
			conn.Pump()
		case <-check.C:
			if err := conn.Err(); err != nil {
				return err
			}
		}
	}
}

func runList(env *command.Env) error {
	if len(env.Args) > 1 {
		return env.Usagef("too many arguments")
	}
	re := regexp.MustCompile("")
	if len(env.Args) == 1 {
		var err error
		if re, err = regexp.Compile(env.Args[0]); err != nil {
			return err
		}
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	names = slices.Collect(slice.Select(names, re.MatchString))
	slices.SortFunc(names, func(a, b string) int {
		// Well-known names first.
		ua, ub := strings.HasPrefix(a, ":"), strings.HasPrefix(b, ":")
		if ua != ub {
			if ua {
				return 1
			}
			return -1
		}
		return cmp.Compare(a, b)
	})

	var out indenter
	for _, n := range names {
		if strings.HasPrefix(n, ":") {
			out.v(n)
			continue
		}
		owner, err := conn.GetNameOwner(ctx, n)
		if err != nil {
			out.f("%s (getting owner: %v)", n, err)
			continue
		}
		out.f("%s (%s)", n, owner)
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("%s: pong in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runID(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	id, err := conn.GetBusID(env.Context())
	if err != nil {
		return fmt.Errorf("getting bus ID: %w", err)
	}
	fmt.Println(id)
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call requires at least 4 arguments")
	}
	args, err := parseArgs(env.Args[4:])
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	iface := conn.Peer(env.Args[0]).Object(env.Args[1]).Interface(env.Args[2])
	m := iface.NewMethodCall(env.Args[3])
	for _, a := range args {
		a.appendTo(m)
	}
	r, err := m.Send(env.Context())
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", iface, env.Args[3], err)
	}
	printValue(r.Value())
	return nil
}

func runGet(env *command.Env, peer, path, iface, prop string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	v, err := conn.Peer(peer).Object(path).Interface(iface).GetProperty(env.Context(), prop)
	if err != nil {
		return fmt.Errorf("getting %s: %w", prop, err)
	}
	printValue(v)
	return nil
}

func runSet(env *command.Env, peer, path, iface, prop, value string) error {
	a, err := parseArg(value)
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	f := conn.Peer(peer).Object(path).Interface(iface)
	if a.sig == "" {
		err = f.SetProperty(env.Context(), prop, a.v)
	} else {
		err = f.SetPropertyAs(env.Context(), prop, a.sig, a.v)
	}
	if err != nil {
		return fmt.Errorf("setting %s: %w", prop, err)
	}
	return nil
}

func runGetAll(env *command.Env, peer, path, iface string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	f := conn.Peer(peer).Object(path).Interface(iface)
	props, err := f.GetAllProperties(env.Context())
	if err != nil {
		return fmt.Errorf("listing properties: %w", err)
	}
	var out indenter
	out.v(f)
	out.indent(1)
	for _, k := range props.Keys() {
		v, _ := props.Key(k)
		out.f("%s: %s", k, v)
	}
	return nil
}

func runEmit(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("emit requires at least 3 arguments")
	}
	args, err := parseArgs(env.Args[3:])
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	m := conn.NewSignal(env.Args[0], env.Args[1], env.Args[2])
	for _, a := range args {
		a.appendTo(m)
	}
	if err := m.SendAsync(); err != nil {
		return fmt.Errorf("emitting signal: %w", err)
	}
	return nil
}

func runListen(env *command.Env) error {
	f := filter()
	if err := f.Valid(); err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	w := conn.Watch()
	defer w.Close()
	_, err = w.Subscribe(f, vbus.HandlerFunc(func(body vbus.Value, call *vbus.Call) {
		if call != nil {
			fmt.Printf("Call %s.%s on %s from %s:\n", call.Interface(), call.Member(), call.Path(), call.Sender())
			// Leave the call for its real destination to answer.
			call.Release()
		} else {
			fmt.Println("Signal:")
		}
		printValue(body)
	}))
	if err != nil {
		return err
	}
	fmt.Printf("Listening for %s...\n", f)
	return serve(env.Context(), conn)
}

func runRule(env *command.Env) error {
	f := filter()
	if err := f.Valid(); err != nil {
		return err
	}
	fmt.Println(f.Rule())
	return nil
}

func runServePeer(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	f := vbus.MethodFilter().Interface("org.freedesktop.DBus.Peer")
	_, err = conn.Subscribe(f, vbus.HandlerFunc(func(_ vbus.Value, call *vbus.Call) {
		switch call.Member() {
		case "Ping":
			fmt.Printf("Got ping on %s from %s\n", call.Path(), call.Sender())
			call.Reply()
		case "GetMachineId":
			bs, err := os.ReadFile("/etc/machine-id")
			if err != nil {
				call.ReplyError("org.freedesktop.DBus.Error.Failed", err.Error())
				return
			}
			call.Reply(vbus.String(strings.TrimSpace(string(bs))))
		default:
			call.ReplyError("org.freedesktop.DBus.Error.UnknownMethod", "unknown method "+call.Member())
		}
	}))
	if err != nil {
		return err
	}

	err = serve(env.Context(), conn)
	fmt.Println("shutdown")
	return err
}

func runFdoBackgroundList(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 5*time.Second)
	defer cancel()

	apps, err := background.New(conn).BackgroundApps(ctx)
	if err != nil {
		return fmt.Errorf("listing background apps: %w", err)
	}
	slices.SortFunc(apps, func(a, b background.App) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for _, app := range apps {
		fmt.Println(app.ID, app.Instance, app.Status)
	}
	return nil
}

func runFdoIdle(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 5*time.Second)
	defer cancel()

	i := idle.New(conn)
	locked, err := i.Locked(ctx)
	if err != nil {
		return fmt.Errorf("getting lock state: %w", err)
	}
	idleFor, err := i.IdleTime(ctx)
	if err != nil {
		return fmt.Errorf("getting idle time: %w", err)
	}
	fmt.Printf("locked: %v\nidle for: %v\n", locked, idleFor)
	return nil
}
