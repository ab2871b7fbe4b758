package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/golang/glog"
	"golang.org/x/term"

	"bringyour.com/statesync/config"
	"bringyour.com/statesync/connect"
	"bringyour.com/statesync/state"
)

const StateSyncCtlVersion = "0.1.0"

const DefaultUrl = "ws://127.0.0.1:9100/"

const DefaultTimeout = 10 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`State sync control.

The default url is:
    url: %s

Usage:
    statesyncctl host --config=<path> [--addr=<addr>] [--verbosity=<level>]
    statesyncctl watch [--url=<url>] [--token=<token>] [--count=<n>] [--verbosity=<level>]
    statesyncctl set [--url=<url>] [--token=<token>] --name=<name> <value> [--verbosity=<level>]
    statesyncctl invoke [--url=<url>] [--token=<token>] --signal=<name> [<arg>...] [--verbosity=<level>]
    statesyncctl schema --config=<path>
    statesyncctl token --secret=<secret> [--subject=<subject>] [--ttl=<ttl>]
    statesyncctl claims <token> [--secret=<secret>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<path>        Host yaml config.
    --addr=<addr>          Listen address. Overrides the config.
    --url=<url>            Host websocket url.
    --token=<token>        Handshake auth token.
    --count=<n>            Print this many changes then exit.
    --name=<name>          State name.
    --signal=<name>        Signal name.
    --secret=<secret>      Host auth secret. Claims are verified when given.
    --subject=<subject>    Token subject [default: statesyncctl].
    --ttl=<ttl>            Token lifetime [default: 24h].
    --verbosity=<level>    Log verbosity [default: 0].`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StateSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if host_, _ := opts.Bool("host"); host_ {
		err = host(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		err = set(opts)
	} else if invoke_, _ := opts.Bool("invoke"); invoke_ {
		err = invoke(opts)
	} else if schema_, _ := opts.Bool("schema"); schema_ {
		err = schema(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		err = token(opts)
	} else if claims_, _ := opts.Bool("claims"); claims_ {
		err = claims(opts)
	}
	glog.Flush()
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(1)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if level, err := opts.String("--verbosity"); err == nil {
		flag.Set("v", level)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func optionalString(opts docopt.Opts, key string, defaultValue string) string {
	if valueAny := opts[key]; valueAny != nil {
		return valueAny.(string)
	}
	return defaultValue
}

func loadRegistry(path string) (*config.Config, *state.Registry, *connect.Dispatcher, error) {
	hostConfig, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	registry := state.NewRegistry()
	dispatcher := connect.NewDispatcher()
	if err := hostConfig.Build(registry, dispatcher); err != nil {
		return nil, nil, nil, err
	}
	return hostConfig, registry, dispatcher, nil
}

// echo returns its first argument. every atomic state gets an `increment:<name>` signal
func bindDemoHandlers(registry *state.Registry, dispatcher *connect.Dispatcher) error {
	if _, ok := dispatcher.Declaration("echo"); ok {
		_, err := dispatcher.Bind("echo", func(ctx context.Context, args []state.Value) (state.Value, error) {
			if len(args) == 0 {
				return state.String(""), nil
			}
			return args[0], nil
		})
		if err != nil {
			return err
		}
	}

	for _, entry := range registry.Schema() {
		if entry.Type.Kind != state.KindAtomic || entry.Name == "" {
			continue
		}
		stateId := entry.Id
		name := fmt.Sprintf("increment:%s", entry.Name)
		if err := dispatcher.Declare(name, connect.AritySingle, true); err != nil {
			return err
		}
		_, err := dispatcher.Bind(name, func(ctx context.Context, args []state.Value) (state.Value, error) {
			delta := int64(1)
			if 0 < len(args) {
				switch v := args[0].(type) {
				case state.Int:
					delta = int64(v)
				case state.Atomic:
					delta = int64(v)
				default:
					return nil, fmt.Errorf("%w: delta is %s", state.ErrTypeMismatch, v.Kind())
				}
			}
			next, _, err := registry.Increment(stateId, delta)
			if err != nil {
				return nil, err
			}
			return state.Atomic(next), nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func host(opts docopt.Opts) error {
	path, _ := opts.String("--config")
	hostConfig, registry, dispatcher, err := loadRegistry(path)
	if err != nil {
		return err
	}
	if err := bindDemoHandlers(registry, dispatcher); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	server := connect.NewServer(ctx, registry, dispatcher, hostConfig.ServerSettings())
	defer server.Close()

	registry.AddChangeCallback(func(id state.StateId, value state.Value, version uint64, remote bool) {
		if remote {
			glog.V(1).Infof("[h]%d v%d = %s (remote)\n", id, version, value)
		}
	})

	mux := http.NewServeMux()
	mux.Handle(hostConfig.HttpPath(), server)
	addr := optionalString(opts, "--addr", hostConfig.ListenAddr())
	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		defer cancel()
		serveErr <- httpServer.ListenAndServe()
	}()

	Out.Printf("statesync %s hosting %d states on ws://%s%s\n", StateSyncCtlVersion, registry.Len(), addr, hostConfig.HttpPath())
	Out.Printf("schema hash %016x\n", registry.SchemaHash())

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	return nil
}

func newClient(ctx context.Context, opts docopt.Opts) *connect.Client {
	url := optionalString(opts, "--url", DefaultUrl)
	settings := connect.DefaultClientSettings()
	settings.AuthToken = optionalString(opts, "--token", "")
	return connect.NewWebsocketClient(ctx, url, settings)
}

// connects and waits for the first snapshot. The caller closes the client.
func connectClient(ctx context.Context, opts docopt.Opts) (*connect.Client, error) {
	client := newClient(ctx, opts)
	if err := client.Connect(); err != nil {
		client.Close()
		return nil, err
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, DefaultTimeout)
	defer waitCancel()
	if err := client.WaitConnected(waitCtx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

var (
	nameColor        = color.New(color.FgCyan)
	versionColor     = color.New(color.Faint)
	speculativeColor = color.New(color.FgYellow)
	stateColor       = color.New(color.FgGreen)
	errorColor       = color.New(color.FgRed, color.Bold)
)

func formatEntry(entry connect.MirrorEntry) string {
	name := entry.Name
	if name == "" {
		name = fmt.Sprintf("#%d", entry.Id)
	}
	value := fmt.Sprintf("%v", state.ToGo(entry.Type, entry.Value))
	if entry.Type.Kind == state.KindBlob {
		value = entry.Value.String()
	}
	line := fmt.Sprintf(
		"%s %s = %s",
		nameColor.Sprint(name),
		versionColor.Sprintf("v%d", entry.Version),
		value,
	)
	if entry.Speculative {
		line += speculativeColor.Sprint(" (speculative)")
	}
	return line
}

func watch(opts docopt.Opts) error {
	count := -1
	if count_, err := opts.Int("--count"); err == nil {
		count = count_
	}
	color.NoColor = !term.IsTerminal(int(os.Stdout.Fd()))

	ctx, cancel := signalContext()
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	changes := make(chan connect.MirrorEntry, 1024)
	client.AddChangeCallback(func(entry connect.MirrorEntry) {
		select {
		case changes <- entry:
		default:
			glog.Infof("[w]drop change %d\n", entry.Id)
		}
	})
	client.AddConnectionStateCallback(func(from connect.ConnectionState, to connect.ConnectionState) {
		Out.Printf("%s\n", stateColor.Sprintf("[%s]", to))
	})
	client.AddRejectCallback(func(stateId state.StateId, err error) {
		Out.Printf("%s\n", errorColor.Sprintf("reject %d = %s", stateId, err))
	})

	if err := client.Connect(); err != nil {
		return err
	}
	for i := 0; count < 0 || i < count; i += 1 {
		select {
		case <-ctx.Done():
			return nil
		case entry := <-changes:
			Out.Printf("%s\n", formatEntry(entry))
		}
	}
	return nil
}

func set(opts docopt.Opts) error {
	name, _ := opts.String("--name")
	text, _ := opts.String("<value>")

	ctx, cancel := signalContext()
	defer cancel()

	client, err := connectClient(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	entry, err := client.Lookup(name)
	if err != nil {
		return err
	}
	value, err := state.Parse(entry.Type, text)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	client.AddChangeCallback(func(change connect.MirrorEntry) {
		if change.Id == entry.Id && !change.Speculative && entry.Version < change.Version {
			select {
			case done <- nil:
			default:
			}
		}
	})
	client.AddRejectCallback(func(stateId state.StateId, err error) {
		if stateId == entry.Id {
			select {
			case done <- err:
			default:
			}
		}
	})

	if err := client.Mutate(entry.Id, value); err != nil {
		return err
	}
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(DefaultTimeout):
		return fmt.Errorf("No confirmation from the host after %s", DefaultTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	confirmed, err := client.Get(entry.Id)
	if err != nil {
		return err
	}
	Out.Printf("%s\n", formatEntry(confirmed))
	return nil
}

// signal arguments have no declared types. ints, floats and bools are recognized, everything else is a string
func parseArg(text string) state.Value {
	if i, err := strconv.ParseInt(text, 0, 64); err == nil {
		return state.Int(i)
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return state.Float(f)
	}
	if b, err := strconv.ParseBool(text); err == nil {
		return state.Bool(b)
	}
	return state.String(text)
}

func invoke(opts docopt.Opts) error {
	name, _ := opts.String("--signal")
	var args []state.Value
	if argTexts, ok := opts["<arg>"].([]string); ok {
		for _, argText := range argTexts {
			args = append(args, parseArg(argText))
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := connectClient(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	invokeCtx, invokeCancel := context.WithTimeout(ctx, DefaultTimeout)
	defer invokeCancel()
	results, err := client.Invoke(invokeCtx, name, args)
	if err != nil {
		return err
	}
	for _, result := range results {
		Out.Printf("%s\n", result)
	}
	return nil
}

func schema(opts docopt.Opts) error {
	path, _ := opts.String("--config")
	_, registry, dispatcher, err := loadRegistry(path)
	if err != nil {
		return err
	}
	if err := bindDemoHandlers(registry, dispatcher); err != nil {
		return err
	}

	type signalSchema struct {
		Name    string `json:"name"`
		Arity   string `json:"arity"`
		Returns bool   `json:"returns"`
	}
	signals := []signalSchema{}
	for _, declaration := range dispatcher.Declarations() {
		signals = append(signals, signalSchema{
			Name:    declaration.Name,
			Arity:   declaration.Arity.String(),
			Returns: declaration.Returns,
		})
	}

	out := map[string]any{
		"hash":    fmt.Sprintf("%016x", registry.SchemaHash()),
		"states":  registry.Schema(),
		"signals": signals,
	}
	b, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return err
	}
	Out.Printf("%s\n", b)
	return nil
}

func token(opts docopt.Opts) error {
	secret, _ := opts.String("--secret")
	subject, _ := opts.String("--subject")
	ttlText, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlText)
	if err != nil {
		return err
	}
	authToken, err := connect.NewAuthToken([]byte(secret), subject, ttl)
	if err != nil {
		return err
	}
	Out.Printf("%s\n", authToken)
	return nil
}

func claims(opts docopt.Opts) error {
	authToken, _ := opts.String("<token>")
	var authClaims *connect.AuthClaims
	var err error
	if secret := optionalString(opts, "--secret", ""); secret != "" {
		authClaims, err = connect.VerifyAuthToken([]byte(secret), authToken)
	} else {
		authClaims, err = connect.ParseAuthTokenUnverified(authToken)
	}
	if err != nil {
		return err
	}
	Out.Printf("subject: %s\n", authClaims.Subject)
	if authClaims.ExpiresAt.IsZero() {
		Out.Printf("expires: never\n")
	} else {
		Out.Printf("expires: %s (%s)\n", authClaims.ExpiresAt.Format(time.RFC3339), time.Until(authClaims.ExpiresAt).Round(time.Second))
	}
	return nil
}
