package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/middleware"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/otelgrid/otelgrid/pkg/config"
	"github.com/otelgrid/otelgrid/pkg/domain/agent"
	"github.com/otelgrid/otelgrid/pkg/keyring"
	"github.com/otelgrid/otelgrid/pkg/logutil"
	"github.com/otelgrid/otelgrid/pkg/services/bootstrap"
	"github.com/otelgrid/otelgrid/pkg/services/fleetapi"
	"github.com/otelgrid/otelgrid/pkg/services/opamp"
	"github.com/otelgrid/otelgrid/pkg/services/otlp"
	"github.com/otelgrid/otelgrid/pkg/services/rollout"
	storagesvc "github.com/otelgrid/otelgrid/pkg/services/storage"
	"github.com/otelgrid/otelgrid/pkg/store"
)

func initLogger(logFormat string, logLevel dslog.Level) *logger {
	w := logutil.NewAsyncWriter(os.Stderr, // Flush after:
		256<<10, 20, // 256KiB buffer is full (keep 20 buffers).
		1<<10, // 1K writes or 100ms.
		100*time.Millisecond,
	)

	// Use UTC timestamps and skip 5 stack frames.
	l := dslog.NewGoKitWithWriter(logFormat, w)
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))

	// Must put the level filter last for efficiency.
	l = level.NewFilter(l, logLevel.Option)

	return &logger{w: w, Logger: l}
}

type logger struct {
	w io.WriteCloser
	log.Logger
}

// The modules that make up the otelgrid control plane.
const (
	All           = "all"
	Storage       = "storage"
	ServerService = "server"
	OpAmp         = "opamp"
	Rollout       = "rollout"
	Bootstrap     = "bootstrap"
	FleetAPI      = "fleet-api"
	OTLP          = "otlp"
)

type OtelGrid struct {
	logger *slog.Logger
	cfg    config.Config

	mm   *modules.Manager
	deps map[string][]string

	keys *keyring.Keyring

	storageSvc *storagesvc.StorageService
	db         *store.Store
	snapshots  *agent.Snapshots

	opampSrv   *opamp.Server
	controller *rollout.Controller

	serviceMap map[string]services.Service
	server     *server.Server
	serverConf server.Config
}

func New(cfg config.Config) (*OtelGrid, error) {
	keys, err := keyring.New([]byte(cfg.MasterSecret))
	if err != nil {
		return nil, err
	}

	o := &OtelGrid{
		logger: slog.Default(),
		cfg:    cfg,
		keys:   keys,
	}

	conf := server.Config{
		HTTPListenAddress:             cfg.HTTPListenAddress,
		HTTPListenPort:                cfg.HTTPListenPort,
		DoNotAddDefaultHTTPMiddleware: true,
		LogFormat:                     dslog.LogfmtFormat,
		LogLevel: dslog.Level{
			Option: level.AllowInfo(),
		},
	}

	conf.Log = initLogger(conf.LogFormat, conf.LogLevel)

	srv, err := server.New(conf)
	if err != nil {
		return nil, err
	}
	o.server = srv
	o.serverConf = conf

	if err := o.setupModuleManager(); err != nil {
		return nil, err
	}
	return o, nil
}

// opampEndpoint is the URL registration responses point agents at.
func (o *OtelGrid) opampEndpoint() string {
	if o.cfg.AdvertisedOpAMPEndpoint != "" {
		return o.cfg.AdvertisedOpAMPEndpoint
	}
	return fmt.Sprintf("ws://%s:%d/v1/opamp", o.cfg.HTTPListenAddress, o.cfg.HTTPListenPort)
}

func (o *OtelGrid) setupModuleManager() error {
	mm := modules.NewManager(o.serverConf.Log)
	mm.RegisterModule(All, nil)

	mm.RegisterModule(Storage, func() (services.Service, error) {
		storeSvc, err := storagesvc.NewStorageService(
			o.logger.With("service", Storage),
			o.cfg.DataDir,
			o.cfg.SQLitePath,
		)
		if err != nil {
			return nil, err
		}
		o.storageSvc = storeSvc
		o.db = storeSvc.Store()
		o.snapshots = agent.NewSnapshots(o.logger.With("store", "snapshots"), storeSvc)
		return storeSvc, nil
	}, modules.UserInvisibleModule)

	mm.RegisterModule(OpAmp, func() (services.Service, error) {
		srv := opamp.NewServer(
			o.logger.With("service", OpAmp),
			o.cfg.OpAMP,
			o.cfg.Tracker,
			o.db,
			o.snapshots,
		)
		o.opampSrv = srv

		// Trace the protocol endpoint; it carries all agent traffic.
		sub := o.server.HTTP.NewRoute().Subrouter()
		sub.Use(otelhttp.NewMiddleware("opamp"))
		srv.ConfigureHTTP(sub)
		return srv, nil
	})

	mm.RegisterModule(Rollout, func() (services.Service, error) {
		controller := rollout.NewController(
			o.logger.With("service", Rollout),
			o.cfg.Rollout,
			o.db,
			o.opampSrv.Registry(),
		)
		o.controller = controller
		// Acknowledgments settle through the engine; the controller reacts.
		o.opampSrv.Engine().SetNotifier(controller)
		return controller, nil
	})

	mm.RegisterModule(Bootstrap, func() (services.Service, error) {
		srv := bootstrap.NewServer(
			o.logger.With("service", Bootstrap),
			o.db,
			o.keys,
			o.cfg.RegistrationTokenTTL,
			o.opampEndpoint(),
		)
		srv.ConfigureHTTP(o.server.HTTP)
		return srv, nil
	})

	mm.RegisterModule(FleetAPI, func() (services.Service, error) {
		repo := agent.NewRepository(o.logger.With("service", FleetAPI), o.db, o.snapshots)
		srv := fleetapi.NewServer(
			o.logger.With("service", FleetAPI),
			o.db,
			repo,
			o.controller,
			o.opampSrv.Tracker(),
			o.opampSrv.Registry(),
		)
		srv.ConfigureHTTP(o.server.HTTP)
		return srv, nil
	})

	mm.RegisterModule(OTLP, func() (services.Service, error) {
		srv := otlp.NewServer(o.logger.With("service", OTLP))
		srv.ConfigureHTTP(o.server.HTTP)
		return srv, nil
	})

	mm.RegisterModule(ServerService, func() (services.Service, error) {
		servicesToWaitFor := func() []services.Service {
			svs := []services.Service(nil)
			for m, s := range o.serviceMap {
				// Server should not wait for itself.
				if m != ServerService {
					svs = append(svs, s)
				}
			}
			return svs
		}

		o.server.HTTP.Handle("/metrics", promhttp.Handler())

		defaultHTTPMiddleware := []middleware.Interface{}
		o.server.HTTPServer.Handler = middleware.Merge(defaultHTTPMiddleware...).Wrap(o.server.HTTP)
		s := o.newServerService(servicesToWaitFor)

		handler := o.server.HTTPServer.Handler
		if len(o.cfg.CORSAllowedOrigins) > 0 {
			handler = cors.New(cors.Options{
				AllowedOrigins:   o.cfg.CORSAllowedOrigins,
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"*"},
				AllowCredentials: true,
			}).Handler(handler)
		}
		o.server.HTTPServer.Handler = h2c.NewHandler(handler, &http2.Server{})

		return s, nil
	}, modules.UserInvisibleModule)

	deps := map[string][]string{
		All: {
			ServerService,
		},
		ServerService: {OpAmp, Rollout, Bootstrap, FleetAPI, OTLP},
		OpAmp:         {Storage},
		Rollout:       {OpAmp},
		Bootstrap:     {Storage},
		FleetAPI:      {Rollout},
		OTLP:          {Storage},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	o.mm = mm
	o.deps = deps
	allDeps := o.mm.DependenciesForModule(All)
	for _, m := range o.mm.UserVisibleModuleNames() {
		ix := sort.SearchStrings(allDeps, m)
		included := ix < len(allDeps) && allDeps[ix] == m

		if included {
			fmt.Fprintln(os.Stdout, m, "*")
		} else {
			fmt.Fprintln(os.Stdout, m)
		}
	}

	fmt.Fprintln(os.Stdout)
	fmt.Fprintln(os.Stdout, "Modules marked with * are included in target All.")
	return nil
}

func (o *OtelGrid) Run(ctx context.Context) error {
	svcMap, err := o.mm.InitModuleServices(All)
	if err != nil {
		return err
	}
	o.serviceMap = svcMap

	mgr, err := services.NewManager(slices.Collect(maps.Values(svcMap))...)
	if err != nil {
		o.logger.With("err", err).Error("failed to start service manager")
		return err
	}

	servicesFailed := func(service services.Service) {
		mgr.StopAsync()

		for m, s := range svcMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					o.logger.With(
						"module", m,
					).With(
						"error", service.FailureCase(),
					).Info("received stop signal via return error")
				} else {
					o.logger.With(
						"module", m,
					).With(
						"error", service.FailureCase(),
					).Error("module failed")
				}
				return
			}
		}
		o.logger.With("module", "unknown").With("error", service.FailureCase()).Error("module failed")
	}

	mgr.AddListener(services.NewManagerListener(
		func() {},
		func() {},
		servicesFailed,
	))

	handler := signals.NewHandler(o.serverConf.Log)
	go func() {
		handler.Loop()
		mgr.StopAsync()
	}()
	printRoutes(o.server.HTTP, o.logger)
	var stopErr error
	if err := mgr.StartAsync(ctx); err == nil {
		stopErr = mgr.AwaitStopped(ctx)
	}

	if stopErr != nil {
		return stopErr
	}

	if failed := mgr.ServicesByState()[services.Failed]; len(failed) > 0 {
		for _, f := range failed {
			if f.FailureCase() != modules.ErrStopProcess {
				// Details were reported via failure listener before
				return fmt.Errorf("services failed")
			}
		}
	}
	return nil
}

// newServerService constructs service from Server component.
// servicesToWaitFor is called when server is stopping, and should return all
// services that need to terminate before server actually stops.
// Passed server should not react on signals. Early return from Run function is considered to be an error.
func (o *OtelGrid) newServerService(servicesToWaitFor func() []services.Service) services.Service {
	l := o.logger.With("service", "server")
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			rl := l
			if o.serverConf.GRPCListenAddress != "" {
				rl = rl.With("grpc-addr", fmt.Sprintf("%s:%d", o.serverConf.GRPCListenAddress, o.serverConf.GRPCListenPort))
			}
			if o.serverConf.HTTPListenAddress != "" {
				rl = rl.With("http-addr", fmt.Sprintf("%s:%d", o.serverConf.HTTPListenAddress, o.serverConf.HTTPListenPort))
			}
			rl.Info("running")
			serverDone <- o.server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return fmt.Errorf("server stopped unexpectedly: %w", err)
			}
			return nil
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		o.server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		l.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}
