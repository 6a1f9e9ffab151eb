package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	apiPkg "github.com/weft-io/weft/internal/api"
	"github.com/weft-io/weft/internal/capability"
	"github.com/weft-io/weft/internal/config"
	"github.com/weft-io/weft/internal/conversation"
	"github.com/weft-io/weft/internal/delivery"
	"github.com/weft-io/weft/internal/engine"
	"github.com/weft-io/weft/internal/logbuf"
	"github.com/weft-io/weft/internal/router"
	"github.com/weft-io/weft/pkg/acl"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (file or env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("weftd starting", "node", cfg.Node.ID)

	// 1. Conversation archive + dead-letter store
	os.MkdirAll(cfg.Node.DataDir, 0o755)
	dbPath := cfg.Node.DataDir + "/weft.db"
	store, err := conversation.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Error("failed to open conversation store", "path", dbPath, "error", err)
		os.Exit(1)
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Capability registry + conversation manager + engines
	caps := capability.New(logger.With("component", "capability"))
	convs := conversation.NewManager(store, conversation.Settings{
		RequestTTL:     cfg.RequestTTLDuration(),
		ContractNetTTL: cfg.ContractNetTTLDuration(),
		MaxViolations:  cfg.Protocols.MaxViolations,
	}, logger.With("component", "conversation"))
	convs.RegisterEngine(engine.Request{})
	convs.RegisterEngine(engine.ContractNet{
		BiddingWindow:    cfg.BiddingWindowDuration(),
		ExecutionTimeout: cfg.ExecutionTimeoutDuration(),
	})

	// 3. Delivery courier + router + websocket hub
	courier := delivery.NewCourier(store, cfg.Delivery.MaxAttempts,
		cfg.RetryInterval(), cfg.MaxRetryInterval(), logger.With("component", "courier"))

	// The hub observes the router and the router publishes into the hub,
	// so the core adapter is bound after both exist.
	core := &coreAdapter{caps: caps, convs: convs, store: store}
	hub := apiPkg.NewHub(core, logger.With("component", "ws"))
	rt := router.New(ctx, caps, convs, courier, store, hub, logger.With("component", "router"))
	core.router = rt

	// 4. Pre-register configured capabilities
	for _, agent := range cfg.Agents {
		for _, spec := range agent.Capabilities {
			caps.Register(agent.ID, spec.Name, spec.Score)
		}
		logger.Info("agent pre-registered", "agent", agent.ID, "capabilities", len(agent.Capabilities))
	}

	// 5. Expiry sweeper
	sweeper, err := conversation.NewSweeper(cfg.Protocols.SweepSchedule, rt.ExpireConversations,
		logger.With("component", "sweeper"))
	if err != nil {
		logger.Error("failed to create sweeper", "schedule", cfg.Protocols.SweepSchedule, "error", err)
		os.Exit(1)
	}
	go safeGo(logger, "sweeper", func() { sweeper.Start(ctx) })

	// 6. API server
	apiSrv := apiPkg.NewServer(core, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf, hub)

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 7. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	rt.Stop()
	store.DB().Close()
	logger.Info("weftd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// coreAdapter exposes the router, registry and store to the API layer.
type coreAdapter struct {
	router *router.Router
	caps   *capability.Registry
	convs  *conversation.Manager
	store  *conversation.SQLiteStore
}

func (c *coreAdapter) Submit(msg acl.Message) (string, error) {
	return c.router.Route(msg)
}

func (c *coreAdapter) Bind(agentID string, ep delivery.Endpoint) {
	c.router.Bind(agentID, ep)
}

func (c *coreAdapter) Unbind(agentID string) {
	c.router.Unbind(agentID)
}

func (c *coreAdapter) Agents() []string {
	return c.caps.Agents()
}

func (c *coreAdapter) SetAgentHealth(agentID string, healthy bool) {
	if healthy {
		c.caps.MarkHealthy(agentID)
	} else {
		c.caps.MarkUnhealthy(agentID)
	}
}

func (c *coreAdapter) Capabilities() []capability.Registration {
	return c.caps.Snapshot()
}

func (c *coreAdapter) RegisterCapability(agentID, name string, score float64) {
	c.caps.Register(agentID, name, score)
}

func (c *coreAdapter) DeregisterCapability(agentID, name string) error {
	return c.caps.Deregister(agentID, name)
}

func (c *coreAdapter) ListConversations(f conversation.Filter) ([]*conversation.Record, error) {
	return c.store.ListConversations(f)
}

func (c *coreAdapter) GetConversation(id string) (*conversation.Record, error) {
	return c.store.GetConversation(id)
}

func (c *coreAdapter) ConversationMessages(id string) ([]acl.Message, error) {
	return c.store.Messages(id)
}

func (c *coreAdapter) DeadLetters(limit int) ([]conversation.DeadLetter, error) {
	return c.store.DeadLetters(limit)
}

func (c *coreAdapter) LiveConversations() int {
	return c.convs.LiveCount()
}
