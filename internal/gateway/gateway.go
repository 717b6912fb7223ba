package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/pawnmind/internal/bus"
	"github.com/stellarlinkco/pawnmind/internal/channel"
	"github.com/stellarlinkco/pawnmind/internal/config"
	"github.com/stellarlinkco/pawnmind/internal/cron"
	"github.com/stellarlinkco/pawnmind/internal/knowledge"
	"github.com/stellarlinkco/pawnmind/internal/memory"
	"github.com/stellarlinkco/pawnmind/internal/observability"
)

const (
	autosaveJobName    = "autosave"
	deepArchiveJobName = "deep-archive"
	summarizeJobName   = "summarize"

	jobTimeout      = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// ErrStopped is returned by Do once the host loop has exited.
var ErrStopped = errors.New("host loop stopped")

// Options for creating a Gateway
type Options struct {
	SignalChan  chan os.Signal // for testing signal handling
	Persister   memory.Persister
	Completer   memory.Completer
	SharedCache memory.SharedCache
	Metrics     *observability.Metrics
	// SaveConfig persists settings changed over HTTP. Defaults to
	// config.SaveConfig.
	SaveConfig func(cfg *config.Config) error
}

// Gateway owns the host loop. Every memory mutation, whether it comes from
// the feed, an HTTP handler or a cron job, runs on that loop.
type Gateway struct {
	cfg      *config.Live
	bus      *bus.MessageBus
	channels *channel.ChannelManager
	feed     *channel.FeedChannel
	cron     *cron.Service
	store    memory.Persister
	cache    memory.SharedCache
	pipeline *memory.Pipeline
	manager  *memory.Manager
	clock    *memory.ManualClock
	metrics  *observability.Metrics

	tickInterval time.Duration
	tasks        chan func()
	loopDone     chan struct{}
	stopLoop     context.CancelFunc

	router     http.Handler
	server     *http.Server
	saveConfig func(cfg *config.Config) error
	signalChan chan os.Signal // for testing

	loaded       bool
	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	config.Normalize(cfg)

	interval, err := time.ParseDuration(cfg.Clock.TickInterval)
	if err != nil {
		return nil, fmt.Errorf("parse clock.tickInterval: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("clock.tickInterval must be positive, got %s", cfg.Clock.TickInterval)
	}

	g := &Gateway{
		cfg:          config.NewLive(cfg),
		clock:        memory.NewManualClock(0),
		tickInterval: interval,
		tasks:        make(chan func()),
		loopDone:     make(chan struct{}),
		saveConfig:   opts.SaveConfig,
		signalChan:   opts.SignalChan,
	}
	if g.saveConfig == nil {
		g.saveConfig = config.SaveConfig
	}

	g.metrics = opts.Metrics
	if g.metrics == nil {
		g.metrics = observability.NewMetrics("pawnmind")
	}

	// Storage
	g.store = opts.Persister
	if g.store == nil {
		g.store, err = memory.NewPersister(context.Background(), cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
		}
	}

	// Summarization pipeline, with the shared cache when one is configured
	g.cache = opts.SharedCache
	if g.cache == nil && cfg.Summarizer.CacheURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		g.cache, err = memory.NewRedisCache(ctx, cfg.Summarizer.CacheURL)
		cancel()
		if err != nil {
			log.Printf("[summarizer] shared cache unavailable, continuing without it: %v", err)
			g.cache = nil
		}
	}
	ai := config.SelectAIConfigProvider(g.cfg)
	log.Printf("[summarizer] using %s provider config", ai.Name())
	pipelineOpts := []memory.PipelineOption{memory.WithPipelineMetrics(g.metrics)}
	if opts.Completer != nil {
		pipelineOpts = append(pipelineOpts, memory.WithCompleter(opts.Completer))
	}
	if g.cache != nil {
		pipelineOpts = append(pipelineOpts, memory.WithSharedCache(g.cache))
	}
	g.pipeline = memory.NewPipeline(ai, pipelineOpts...)

	// Event bus
	g.bus = bus.NewMessageBus(cfg.Clock.EventBufferSize)

	g.manager = memory.NewManager(g.cfg, g.clock,
		memory.WithPipeline(g.pipeline),
		memory.WithManagerMetrics(g.metrics),
		memory.WithMaxCallbacksPerTick(cfg.Clock.MaxCallbacksPerTick),
		memory.WithEventSink(g.publish),
	)

	// Channels
	g.channels = channel.NewChannelManager(g.bus)
	g.feed = channel.NewFeedChannel(g.bus, nil)
	if err := g.channels.Register(g.feed); err != nil {
		return nil, fmt.Errorf("register feed channel: %w", err)
	}

	// Cron
	cronStorePath := filepath.Join(filepath.Dir(cfg.Storage.DBPath), "cron", "jobs.json")
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnJob = g.runJob

	g.router = g.routes()
	return g, nil
}

// Handler returns the HTTP API.
func (g *Gateway) Handler() http.Handler { return g.router }

// Manager exposes the memory manager. Callers outside the host loop must go
// through Do.
func (g *Gateway) Manager() *memory.Manager { return g.manager }

func (g *Gateway) publish(ev memory.MemoryEvent) {
	g.bus.PublishOutbound(bus.OutboundEvent{MemoryEvent: ev, Tick: g.clock.Ticks()})
}

// Start restores state and starts the host loop, channels and cron. It does
// not listen for HTTP; Run does.
func (g *Gateway) Start(ctx context.Context) error {
	var err error
	g.startOnce.Do(func() {
		err = g.start(ctx)
	})
	return err
}

func (g *Gateway) start(ctx context.Context) error {
	if err := g.load(ctx); err != nil {
		return err
	}

	loopCtx, stop := context.WithCancel(context.Background())
	g.stopLoop = stop
	go g.hostLoop(loopCtx)

	go g.bus.DispatchOutbound(loopCtx)

	if err := g.channels.StartAll(loopCtx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(loopCtx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureJobs(); err != nil {
		log.Printf("[gateway] ensure scheduled jobs warning: %v", err)
	}
	return nil
}

func (g *Gateway) load(ctx context.Context) error {
	snap, err := g.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	g.manager.Restore(snap)
	g.loaded = true
	log.Printf("[storage] restored %d pawns, %d knowledge entries at tick %d",
		len(snap.Pawns), len(snap.Knowledge), g.clock.Ticks())

	// Packs seed an empty library only, so restarts do not duplicate them.
	if g.manager.Knowledge().Len() == 0 {
		n, err := knowledge.LoadInto(g.cfg.Get().Knowledge.PacksDir, g.manager.Knowledge())
		if err != nil {
			log.Printf("[knowledge] pack load warning: %v", err)
		} else if n > 0 {
			log.Printf("[knowledge] seeded library with %d entries", n)
		}
	}
	return nil
}

func (g *Gateway) ensureJobs() error {
	sched := g.cfg.Get().Schedule

	if _, err := g.cron.EnsureJob(autosaveJobName, sched.AutosaveCron, cron.Payload{Task: cron.TaskAutosave}); err != nil {
		return fmt.Errorf("autosave job: %w", err)
	}
	if err := g.ensureOptionalJob(deepArchiveJobName, sched.DeepArchiveCron, cron.TaskDeepArchive); err != nil {
		return err
	}
	return g.ensureOptionalJob(summarizeJobName, sched.SummarizeCron, cron.TaskSummarize)
}

// ensureOptionalJob schedules name when expr is set and removes any
// persisted job of that name when it is not.
func (g *Gateway) ensureOptionalJob(name, expr string, task cron.Task) error {
	if expr == "" {
		for _, job := range g.cron.ListJobs() {
			if job.Name == name {
				g.cron.RemoveJob(job.ID)
			}
		}
		return nil
	}
	if _, err := g.cron.EnsureJob(name, expr, cron.Payload{Task: task}); err != nil {
		return fmt.Errorf("%s job: %w", name, err)
	}
	return nil
}

// runJob is called from cron goroutines, so it only posts work.
func (g *Gateway) runJob(job cron.CronJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	switch job.Payload.Task {
	case cron.TaskAutosave:
		return g.Save(ctx)
	case cron.TaskDeepArchive:
		var archived int
		if err := g.Do(ctx, func() { archived = g.manager.ManualArchiveAll() }); err != nil {
			return err
		}
		log.Printf("[cron] deep archive created %d entries", archived)
		return nil
	case cron.TaskSummarize:
		var created int
		if err := g.Do(ctx, func() { created = g.manager.SummarizeAll() }); err != nil {
			return err
		}
		log.Printf("[cron] summarization created %d entries", created)
		return nil
	default:
		return fmt.Errorf("unknown task %q", job.Payload.Task)
	}
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		_ = g.Shutdown()
		return err
	}

	gw := g.cfg.Get().Gateway
	addr := net.JoinHostPort(gw.Host, strconv.Itoa(gw.Port))
	g.server = &http.Server{
		Addr:              addr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Printf("[gateway] running on %s", addr)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-serveErr:
		log.Printf("[gateway] http server error: %v", err)
		_ = g.Shutdown()
		return fmt.Errorf("serve %s: %w", addr, err)
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) hostLoop(ctx context.Context) {
	defer close(g.loopDone)

	ticker := time.NewTicker(g.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.clock.Advance(int64(g.cfg.Get().Clock.TicksPerStep))
			g.manager.Tick()
		case ev := <-g.bus.Inbound:
			g.ingest(ev)
		case task := <-g.tasks:
			task()
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) ingest(ev bus.InboundEvent) {
	added, err := g.manager.Ingest(ev.Event)
	if err != nil {
		log.Printf("[gateway] rejected ingest from %s/%s: %v", ev.Source, ev.SenderID, err)
		return
	}
	if !added {
		return
	}
	log.Printf("[gateway] %s memory for %s: %s", ev.Event.Type, ev.Event.PawnID, truncate(ev.Event.Content, 80))
}

// Do runs fn on the host loop and waits for it to finish. Once the task is
// accepted it always runs to completion, even if ctx ends meanwhile.
func (g *Gateway) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case g.tasks <- task:
	case <-g.loopDone:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Save snapshots state on the host loop and writes it to storage.
func (g *Gateway) Save(ctx context.Context) error {
	var snap *memory.Snapshot
	if err := g.Do(ctx, func() { snap = g.manager.Snapshot() }); err != nil {
		return err
	}
	if err := g.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown()
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	g.cron.Stop()
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("[gateway] http shutdown warning: %v", err)
		}
	}
	_ = g.channels.StopAll()

	if g.stopLoop != nil {
		g.stopLoop()
		<-g.loopDone
	}

	// The loop has exited, so the manager can be read directly. A gateway
	// that never loaded must not overwrite what is stored.
	var saveErr error
	if g.loaded {
		if err := g.store.SaveSnapshot(ctx, g.manager.Snapshot()); err != nil {
			saveErr = fmt.Errorf("save snapshot: %w", err)
			log.Printf("[gateway] final save failed: %v", err)
		}
	}

	// The pipeline closes the shared cache it was given.
	if err := g.pipeline.Close(); err != nil {
		log.Printf("[gateway] close pipeline warning: %v", err)
	}
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close storage warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return saveErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
