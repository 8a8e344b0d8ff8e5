package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/blobstore"
	"github.com/Mindburn-Labs/helm-signer/pkg/bridge"
	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
	"github.com/Mindburn-Labs/helm-signer/pkg/config"
	"github.com/Mindburn-Labs/helm-signer/pkg/database"
	"github.com/Mindburn-Labs/helm-signer/pkg/handshake"
	"github.com/Mindburn-Labs/helm-signer/pkg/hardening"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/keyprovider"
	"github.com/Mindburn-Labs/helm-signer/pkg/observability"
	"github.com/Mindburn-Labs/helm-signer/pkg/policy"
	"github.com/Mindburn-Labs/helm-signer/pkg/secretstore"
	"github.com/Mindburn-Labs/helm-signer/pkg/signer"
	"github.com/Mindburn-Labs/helm-signer/pkg/store"
	"github.com/Mindburn-Labs/helm-signer/pkg/transport"
)

func runServer(stdout, stderr io.Writer) int {
	_, _ = fmt.Fprintf(stdout, "%sHELM Signer starting...%s\n", ColorBold+ColorBlue, ColorReset)
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDaemon(ctx, cfg)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer d.Close()

	_, _ = fmt.Fprintf(stdout, "Signer identity: %s%x%s\n", ColorBold+ColorGreen, d.identity.Public, ColorReset)
	if err := d.Run(ctx); err != nil {
		return fail(stderr, "%v", err)
	}
	log.Println("[helm-signer] shutdown complete")
	return 0
}

// daemon owns every long-lived component of a running signer.
type daemon struct {
	cfg          *config.Config
	secrets      *secretstore.LocalStore
	identity     *handshake.Identity
	db           *database.DB
	emitter      *audit.Emitter
	telemetry    *observability.Provider
	policies     *policy.Store
	redis        *policy.RedisLedger
	service      *signer.Service
	server       *bridge.Server
	checkpointer *audit.Checkpointer
	logger       *slog.Logger
}

// openDaemon builds the component graph. Anything already opened is closed
// again when a later step fails.
func openDaemon(ctx context.Context, cfg *config.Config) (d *daemon, err error) {
	d = &daemon{cfg: cfg, logger: slog.Default().With("component", "daemon")}
	defer func() {
		if err != nil {
			d.Close()
			d = nil
		}
	}()

	if _, err = hardening.SelfCheck(cfg.StrictHardening); err != nil {
		return d, err
	}

	if d.secrets, err = secretstore.OpenLocal(cfg.SecretsDir()); err != nil {
		return d, err
	}
	log.Println("[helm-signer] secret store: ready")

	var created bool
	if d.identity, created, err = handshake.LoadOrCreateIdentity(cfg.DataDir); err != nil {
		return d, err
	}
	if created {
		log.Println("[helm-signer] identity: generated new signer key")
	}

	if d.db, err = database.Open(ctx, cfg.DatabaseURL); err != nil {
		return d, err
	}
	log.Printf("[helm-signer] database: %s connected", d.db.Dialect)
	intents, err := store.NewSQLStore(ctx, d.db)
	if err != nil {
		return d, err
	}

	if d.emitter, err = openAudit(ctx, cfg, d.db); err != nil {
		return d, err
	}
	head, seq := d.emitter.Log().Head()
	log.Printf("[helm-signer] audit: chain at %d (%s)", seq, head)

	otel := observability.DefaultConfig()
	otel.ServiceName = "helm-signer"
	otel.ServiceVersion = version
	if cfg.OTLPEndpoint != "" {
		otel.Enabled = true
		otel.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if d.telemetry, err = observability.New(ctx, otel); err != nil {
		return d, err
	}
	d.emitter.OnEvent(d.telemetry.ObserveAuditEvent)

	snap, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return d, err
	}
	d.policies = policy.NewStore(snap)
	log.Printf("[helm-signer] policy: %s", snap.Hash())

	var ledger policy.SpendLedger = policy.NewMemoryLedger()
	if cfg.RedisAddr != "" {
		d.redis = policy.NewRedisLedgerFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		ledger = d.redis
		log.Printf("[helm-signer] spend ledger: redis %s", cfg.RedisAddr)
	}

	keys := keyprovider.NewSealedProvider(d.secrets)
	if _, err = keys.Init(ctx); err != nil {
		return d, err
	}
	approvals, err := signer.LoadApprovals(ctx, d.secrets)
	if err != nil {
		return d, err
	}
	normalizer, err := intent.NewNormalizer()
	if err != nil {
		return d, err
	}
	d.service, err = signer.New(signer.Deps{
		Normalizer: normalizer.WithTTL(cfg.DefaultTTL, cfg.MaxTTL),
		Engine:     policy.NewEngine(d.policies, ledger),
		Recorder:   d.emitter,
		Store:      intents,
		Keys:       keys,
		Approvals:  approvals,
		Executor:   signer.NewLocalExecutor(),
	})
	if err != nil {
		return d, err
	}

	caps := make([]bridge.Capability, 0, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps = append(caps, bridge.Capability(c))
	}
	fw, err := bridge.NewFirewall(d.service, d.emitter, caps...)
	if err != nil {
		return d, err
	}
	hs := handshake.NewServer(d.identity, channel.DefaultLimits())
	d.server = bridge.NewServer(hs, fw.WithTracker(d.telemetry), d.emitter)

	blobs, err := checkpointStore(ctx, cfg)
	if err != nil {
		return d, err
	}
	d.checkpointer = audit.NewCheckpointer(d.emitter, blobs, d.secrets)
	return d, nil
}

func checkpointStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	opts := blobstore.Options{
		Kind:    blobstore.Kind(cfg.CheckpointBackend),
		DataDir: cfg.DataDir,
		S3: blobstore.S3Config{
			Bucket:   cfg.CheckpointBucket,
			Region:   cfg.CheckpointRegion,
			Endpoint: cfg.CheckpointEndpoint,
			Prefix:   cfg.CheckpointPrefix,
		},
	}
	opts.GCS.Bucket, opts.GCS.Prefix = cfg.CheckpointBucket, cfg.CheckpointPrefix
	return blobstore.New(ctx, opts)
}

// openAudit restores the persisted chain so new events continue it.
func openAudit(ctx context.Context, cfg *config.Config, db *database.DB) (*audit.Emitter, error) {
	chain := audit.NewLog()
	var sinks []audit.Sink
	switch cfg.AuditSink {
	case "sql":
		sink, err := audit.NewSQLSink(ctx, db)
		if err != nil {
			return nil, err
		}
		events, err := sink.Load(ctx, 0)
		if err != nil {
			return nil, err
		}
		if err := chain.Restore(events); err != nil {
			return nil, fmt.Errorf("audit: stored chain rejected: %w", err)
		}
		sinks = append(sinks, sink)
	case "stdout":
		sinks = append(sinks, audit.NewWriterSink(os.Stdout))
	}
	return audit.NewEmitter(chain, audit.DefaultEmitterConfig(), sinks...), nil
}

func loadPolicy(path string) (*policy.Snapshot, error) {
	cfg := policy.Defaults()
	if path != "" {
		var err error
		if cfg, err = policy.LoadFile(path); err != nil {
			return nil, err
		}
	}
	return policy.Compile(cfg)
}

// Run serves the socket until ctx is cancelled.
func (d *daemon) Run(ctx context.Context) error {
	tc := transport.DefaultConfig(d.cfg.SocketPath)
	tc.IdleTimeout = d.cfg.IdleTimeout
	ln, err := transport.Listen(tc, transport.NewUIDAuthorizer(d.cfg.AllowedUIDs, d.cfg.AllowedGIDs), d.emitter)
	if err != nil {
		return err
	}
	log.Printf("[helm-signer] listening on %s", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ln.Serve(ctx, d.server.Handle) })
	g.Go(func() error { return d.sweep(ctx) })
	g.Go(func() error { return d.checkpoints(ctx) })
	g.Go(func() error { return d.reloadOnHangup(ctx) })
	return g.Wait()
}

func (d *daemon) sweep(ctx context.Context) error {
	t := time.NewTicker(d.cfg.ExpirySweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := d.service.ExpireDue(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.WarnContext(ctx, "expiry sweep failed", "error", err)
			}
			if n > 0 {
				d.logger.InfoContext(ctx, "expired intents", "count", n)
			}
		}
	}
}

func (d *daemon) checkpoints(ctx context.Context) error {
	t := time.NewTicker(d.cfg.CheckpointInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := d.checkpointer.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				d.logger.ErrorContext(ctx, "audit checkpoint failed", "error", err)
			}
		}
	}
}

// reloadOnHangup swaps the policy snapshot on SIGHUP. A file that fails to
// load or compile leaves the current snapshot in place.
func (d *daemon) reloadOnHangup(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			d.reloadPolicy(ctx)
		}
	}
}

func (d *daemon) reloadPolicy(ctx context.Context) {
	snap, err := loadPolicy(d.cfg.PolicyFile)
	if err != nil {
		d.logger.ErrorContext(ctx, "policy reload rejected", "error", err)
		return
	}
	prev := d.policies.Swap(snap)
	d.logger.InfoContext(ctx, "policy reloaded", "previous", prev.Hash(), "current", snap.Hash())
}

// Close releases everything openDaemon acquired, in reverse order.
func (d *daemon) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if d.emitter != nil {
		errs = append(errs, d.emitter.Close(ctx))
	}
	if d.telemetry != nil {
		errs = append(errs, d.telemetry.Shutdown(ctx))
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	d.identity.Destroy()
	if d.secrets != nil {
		errs = append(errs, d.secrets.Close())
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn("shutdown incomplete", "error", err)
	}
}
