// Package bootstrap wires the process together: logger construction,
// Kubernetes client setup, component assembly, and the top-level signal
// handling and shutdown sequence from spec section 4.6/7.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"k8s.io/client-go/kubernetes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mochipool/cardano-forge-manager/internal/clockid"
	"github.com/mochipool/cardano-forge-manager/internal/config"
	"github.com/mochipool/cardano-forge-manager/internal/coordinator"
	"github.com/mochipool/cardano-forge-manager/internal/credentials"
	"github.com/mochipool/cardano-forge-manager/internal/health"
	"github.com/mochipool/cardano-forge-manager/internal/leasemgr"
	"github.com/mochipool/cardano-forge-manager/internal/liaison"
	"github.com/mochipool/cardano-forge-manager/internal/objectstore"
	"github.com/mochipool/cardano-forge-manager/internal/observability"
	"github.com/mochipool/cardano-forge-manager/internal/policy"
	"github.com/mochipool/cardano-forge-manager/internal/tenancy"
)

// version is reported via the info metric (spec section 6); overridden at
// build time with -ldflags "-X .../internal/bootstrap.version=v1.2.3".
var version = "dev"

// NewLogger builds the process logr.Logger fronting zap, per the pack's
// logr-over-zap convention: structured, leveled, and passed by interface
// through every component so tests can inject logr.Discard().
func NewLogger(level string) (logr.Logger, error) {
	zapLevel := zapcore.InfoLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return logr.Discard(), fmt.Errorf("parsing LOG_LEVEL %q: %w", level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapLogger, err := zapCfg.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("building zap logger: %w", err)
	}
	return zapr.NewLogger(zapLogger), nil
}

// App is the fully-wired process, ready to Run.
type App struct {
	cfg        *config.Config
	log        logr.Logger
	loop       *coordinator.Loop
	policyCtrl *policy.Controller
	prober     *health.Prober
	httpSrv    *observability.Server
	recon      *credentials.Reconciler
}

// signalFor maps the PRODUCER_SIGNAL config string to a syscall.Signal,
// defaulting to SIGHUP the way original_source/src/forgemanager.py hardcoded it.
func signalFor(name string) syscall.Signal {
	switch name {
	case "SIGHUP", "":
		return syscall.SIGHUP
	case "SIGUSR1":
		return syscall.SIGUSR1
	case "SIGUSR2":
		return syscall.SIGUSR2
	default:
		return syscall.SIGHUP
	}
}

// Build assembles every component from configuration. It does not start
// any background task — call Run for that.
func Build(cfg *config.Config, log logr.Logger) (*App, error) {
	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	watchClient, err := client.NewWithWatch(restCfg, client.Options{})
	if err != nil {
		return nil, fmt.Errorf("building controller-runtime watch client: %w", err)
	}

	key := tenancy.Key{Network: cfg.CardanoNetwork, PoolID: cfg.PoolID, Region: cfg.Region}
	leaseName := cfg.LeaseName
	if leaseName == "" {
		leaseName = key.LeaseName()
	}
	policyName := key.PolicyName()

	identity := clockid.Replica{Namespace: cfg.Namespace, Name: cfg.ReplicaName, PID: os.Getpid()}.String()

	realClock := clockwork.NewRealClock()
	jitter := clockid.New()

	leaseStore := objectstore.NewKubeLeaseStore(clientset)
	policyStore := objectstore.NewKubePolicyStore(watchClient)

	leaseMgr := leasemgr.New(leaseStore, cfg.Namespace, leaseName, identity,
		time.Duration(cfg.LeaseDurationSeconds)*time.Second, realClock, jitter,
		leasemgr.WithLogger(log))

	var prober *health.Prober
	policyOpts := []policy.Option{policy.WithLogger(log), policy.WithRestartBackoff(cfg.WatchRestartBackoff)}
	if !cfg.EnableClusterManagement {
		// Per spec section 6: a single-cluster operator who never deployed
		// the policy CRD gets an inert controller, not a permanently
		// missing-object error on every gate check. The health prober has
		// nothing to patch into in that mode, so it is not started either.
		log.Info("cluster management disabled; policy controller inert")
		policyOpts = append(policyOpts, policy.WithClusterManagementDisabled())
	} else if cfg.HealthCheckEnabled() {
		prober = health.New(policyStore, policyName, cfg.HealthCheckEndpoint,
			cfg.HealthCheckInterval, cfg.HealthCheckTimeout, realClock, health.WithLogger(log))
		policyOpts = append(policyOpts, policy.WithHealth(prober))
	}

	policyCtrl := policy.New(policyStore, policyName, identity, realClock, policyOpts...)

	pairs := credentialPairs(cfg)
	recon := credentials.New(pairs...)

	var liaisonOpts []liaison.Option
	if cfg.DisableSocketCheck {
		liaisonOpts = append(liaisonOpts, liaison.WithSocketCheckDisabled())
	}
	li := liaison.New(cfg.SocketPath, cfg.ProducerProcessName, signalFor(cfg.ProducerSignal), liaisonOpts...)

	recorder := observability.NewRecorder(observability.Labels{
		Replica:     identity,
		Network:     cfg.CardanoNetwork,
		Pool:        cfg.PoolID,
		Application: cfg.ApplicationType,
	}, cfg.Namespace, cfg.Region)

	loopOpts := []coordinator.Option{coordinator.WithLogger(log), coordinator.WithMetrics(recorder)}
	if prober != nil {
		loopOpts = append(loopOpts, coordinator.WithHealth(prober))
	}
	loop := coordinator.New(leaseMgr, policyCtrl, recon, li, realClock, jitter,
		cfg.SleepInterval, identity, loopOpts...)

	registry := observability.NewRegistry()
	httpSrv := observability.NewServer(registry, recon, log)

	recorder.PublishInfo(version)

	return &App{
		cfg:        cfg,
		log:        log,
		loop:       loop,
		policyCtrl: policyCtrl,
		prober:     prober,
		httpSrv:    httpSrv,
		recon:      recon,
	}, nil
}

func credentialPairs(cfg *config.Config) []credentials.Pair {
	var pairs []credentials.Pair
	add := func(name, source, target string) {
		if source == "" || target == "" {
			return
		}
		pairs = append(pairs, credentials.Pair{Name: name, Source: source, Target: target})
	}
	add("kes", cfg.SourceA, cfg.TargetA)
	add("vrf", cfg.SourceB, cfg.TargetB)
	add("cert", cfg.SourceC, cfg.TargetC)
	return pairs
}

// Run starts every background task, blocks until a termination signal
// arrives, then performs the mandated shutdown sequence from spec
// section 4.6: drain background tasks (bounded), retract credentials,
// exit.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.policyCtrl.EnsureExists(ctx); err != nil {
		a.log.Error(err, "failed to ensure policy object exists")
	}
	a.policyCtrl.Start(ctx)

	bg, bgCtx := errgroup.WithContext(ctx)

	if a.prober != nil {
		bg.Go(func() error {
			a.prober.Run(bgCtx)
			return nil
		})
	}

	srv := &http.Server{Addr: a.cfg.MetricsListenAddr(), Handler: a.httpSrv}
	bg.Go(func() error {
		<-bgCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownDrain)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	bg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	a.loop.Run(ctx)

	a.policyCtrl.Stop()

	drained := make(chan struct{})
	go func() {
		bg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(a.cfg.ShutdownDrain):
		a.log.Info("shutdown drain timed out, proceeding to credential cleanup")
	}

	a.loop.Shutdown(context.Background())
	return nil
}
