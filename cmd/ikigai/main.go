// Command ikigai is the entry point for the Ikigai multi-agent
// terminal: it wires every core package (EventStore, Replayer,
// AgentRegistry, Mailbox, CoordinationBus, WaitEngine, AgentLifecycle,
// HttpMultiEngine, ProviderAdapter, AgentDriver, ReplDriver) together
// and runs the single cooperative event loop, dispatching flags and
// subcommands from a small fixed table.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/ikigai/internal/agentdriver"
	"github.com/nugget/ikigai/internal/buildinfo"
	"github.com/nugget/ikigai/internal/config"
	"github.com/nugget/ikigai/internal/httpkit"
	"github.com/nugget/ikigai/internal/httpmulti"
	"github.com/nugget/ikigai/internal/lifecycle"
	"github.com/nugget/ikigai/internal/logging"
	"github.com/nugget/ikigai/internal/mailbox"
	"github.com/nugget/ikigai/internal/model"
	"github.com/nugget/ikigai/internal/provider"
	"github.com/nugget/ikigai/internal/registry"
	"github.com/nugget/ikigai/internal/replay"
	"github.com/nugget/ikigai/internal/repl"
	"github.com/nugget/ikigai/internal/store"
	"github.com/nugget/ikigai/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := logging.Setup(os.Stderr)

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "version":
			fmt.Println(buildinfo.String())
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	cfg := loadConfig(*configPath, logger)
	if cfg.LogLevel != "" {
		if lvl, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
			logging.SetLevel(lvl)
		}
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(explicit string, logger *slog.Logger) *config.Config {
	path, err := config.FindConfig(explicit)
	if err != nil {
		logger.Warn("no config file found, using built-in defaults", "error", err)
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

// run opens the database, boots the agent tree, wires every component,
// and drives the single cooperative event loop until stdin closes or
// the process is signaled.
func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	sessionID, err := store.EnsureSession(db, cfg.SessionName)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	es := store.Open(db, sessionID)
	defer es.Close()

	reg := registry.New()
	gate := &lifecycle.ForkGate{}
	life := lifecycle.New(es, reg)
	life.SetForkGate(gate, time.Duration(cfg.ForkPendingPollIntervalMS)*time.Millisecond)

	root, err := bootstrap(es, reg, life, cfg, logger)
	if err != nil {
		return fmt.Errorf("bootstrap agents: %w", err)
	}

	mail := mailbox.New(es.DB(), sessionID, es)

	httpClient := httpkit.NewClient(httpkit.WithUserAgent(buildinfo.UserAgent()))
	engine := httpmulti.New(httpClient)
	adapter := provider.New(engine)
	registerProviders(adapter, cfg)

	sb := newStdoutScrollback()

	newDriver := func(agentUUID, providerName, modelName string) *agentdriver.Driver {
		return agentdriver.New(agentUUID, agentdriver.Config{
			EventStore:     es,
			Provider:       adapter,
			Mail:           mail,
			RecipientCheck: reg,
			Forker:         life,
			Tools:          nil,
			Scrollback:     sb,
			Logger:         logger,
		}, providerName, modelName)
	}

	dispatcher := repl.New(repl.Config{
		EventStore:     es,
		Registry:       reg,
		Lifecycle:      life,
		Mail:           mail,
		RecipientCheck: reg,
		WaitBackend:    es,
		MailSource:     mail,
		Tools:          nil,
		Scrollback:     sb,
		NewDriver:      newDriver,
	})
	dispatcher.EnsureDriver(root.UUID, root.Provider, root.Model)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer adapter.Cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// /wait blocks inside Handle on the event loop's own goroutine, so
	// SIGINT is also forwarded from here to reach a /wait in progress.
	intCh := make(chan os.Signal, 1)
	signal.Notify(intCh, os.Interrupt)
	defer signal.Stop(intCh)
	go func() {
		for range intCh {
			dispatcher.Interrupt()
		}
	}()

	inputCh := make(chan string)
	go readStdin(inputCh)

	logger.Info("ikigai ready", "session", cfg.SessionName, "agent", root.UUID)
	fmt.Printf("Ikigai ready. Current agent %s. Type /help-free commands or plain text.\n", root.UUID)

	return eventLoop(ctx, dispatcher, adapter, es, sigCh, inputCh, logger)
}

// eventLoop is the single cooperative select: one iteration drains
// terminal input, advances in-flight provider completions, and drains
// EventStore notifications, blocking only on this one select between
// iterations.
func eventLoop(
	ctx context.Context,
	dispatcher *repl.Dispatcher,
	adapter *provider.Adapter,
	es *store.Store,
	sigCh <-chan os.Signal,
	inputCh <-chan string,
	logger *slog.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case sig, ok := <-sigCh:
			if !ok {
				continue
			}
			if sig == syscall.SIGTERM {
				return nil
			}
			// SIGINT: set the interrupt flag rather than exiting; a /wait
			// already in progress is reached by the forwarder in run.
			dispatcher.Interrupt()

		case line, ok := <-inputCh:
			if !ok {
				return nil
			}
			dispatcher.Handle(ctx, line)

		case c, ok := <-adapter.Completions():
			if !ok {
				continue
			}
			adapter.Deliver(c)

		case n := <-es.Notifications():
			// Notifications not addressed to an active WaitEngine/
			// CoordinationBus subscriber are simply drained here; the
			// mail/agent-status polling fallback is what actually
			// recovers them for any waiter.
			logger.Debug("coordination notification", "channel", n.Channel, "payload", n.Payload)
		}
	}
}

// readStdin feeds each line of standard input to ch, closing it on EOF
// or read error so the event loop can shut down cleanly.
func readStdin(ch chan<- string) {
	defer close(ch)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ch <- scanner.Text()
	}
}

// bootstrap locates the session's root agent, creating Agent 0 (via the
// same Lifecycle.Fork path as any other child) if none exists yet,
// then replays every known agent's durable event history into its
// in-memory state and populates the registry.
func bootstrap(es *store.Store, reg *registry.Registry, life *lifecycle.Lifecycle, cfg *config.Config, logger *slog.Logger) (*model.Agent, error) {
	agents, err := es.ListAgents()
	if err != nil {
		return nil, err
	}

	var root *model.Agent
	for _, a := range agents {
		if a.ParentUUID == "" {
			root = a
		}
	}

	providerName, modelName, level := defaultModelParts(cfg)

	if root == nil {
		created, err := life.Fork("", lifecycle.ForkOptions{
			Provider:      providerName,
			Model:         modelName,
			ThinkingLevel: level,
		})
		if err != nil {
			return nil, err
		}
		if err := es.AdoptOrphans(created.UUID); err != nil {
			return nil, err
		}
		root = created
		agents = append(agents, root)
	}

	events, err := es.QueryEvents()
	if err != nil {
		return nil, err
	}

	byAgent := make(map[string][]model.Event, len(agents))
	for _, e := range events {
		byAgent[e.AgentUUID] = append(byAgent[e.AgentUUID], e)
	}

	replayLog := slogPrintf{logger}
	for _, a := range agents {
		agentEvents := byAgent[a.UUID]
		rc := replay.Build(agentEvents, replayLog)
		a.Context = rc.Context
		a.MarkStack = rc.MarkStack
		replay.ApplyEffects(a, agentEvents, replayLog)
		replay.ReplayPins(a, agentEvents)

		if a.Provider == "" || a.Model == "" {
			a.Provider, a.Model, a.ThinkingLevel = providerName, modelName, level
		}
		reg.Add(a, a.ParentUUID == "")
	}

	return root, nil
}

// defaultModelParts splits config's "model" or "model/level" default
// into provider/model/level, the same split /model's command handler
// applies, via internal/usage.ResolveProvider's claude- prefix heuristic.
func defaultModelParts(cfg *config.Config) (providerName, modelName, level string) {
	modelName, level, _ = strings.Cut(cfg.DefaultModel, "/")
	if modelName == "" {
		modelName = "claude-sonnet-4-20250514"
	}
	providerName = usage.ResolveProvider(modelName)
	return providerName, modelName, level
}

// registerProviders attaches a provider.wireAdapter for every provider
// named in cfg.Providers that this build knows how to serialize for.
func registerProviders(adapter *provider.Adapter, cfg *config.Config) {
	for name, pc := range cfg.Providers {
		switch name {
		case "anthropic":
			adapter.Register(name, provider.NewAnthropic(os.Getenv(pc.APIKeyEnv)))
		case "ollama":
			baseURL := pc.BaseURL
			if baseURL == "" {
				baseURL = "http://localhost:11434"
			}
			adapter.Register(name, provider.NewOllama(baseURL))
		}
	}
}

// slogPrintf adapts *slog.Logger to internal/replay.Logger's minimal
// Printf contract, so replay's malformed-event skip messages land in
// the same structured log as everything else.
type slogPrintf struct {
	logger *slog.Logger
}

func (s slogPrintf) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}

// stdoutScrollback is the minimal concrete Scrollback this binary
// drives AgentDriver/ReplDriver through. Full scrollback rendering
// (wrapping, ANSI, pane layout) is out of core scope here; this is
// plain line-oriented output, enough to use the program from a
// terminal.
type stdoutScrollback struct{}

func newStdoutScrollback() *stdoutScrollback {
	return &stdoutScrollback{}
}

func (s *stdoutScrollback) Append(agentUUID, text string) {
	fmt.Printf("[%s] %s\n", shortUUID(agentUUID), text)
}

func (s *stdoutScrollback) Warn(agentUUID, message string) {
	fmt.Printf("[%s] warning: %s\n", shortUUID(agentUUID), message)
}

func shortUUID(uuid string) string {
	if len(uuid) <= 8 {
		return uuid
	}
	return uuid[:8]
}
