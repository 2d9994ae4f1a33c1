package main

import (
	"context"
	"sync/atomic"

	"calsync/internal/auth"
	"calsync/internal/dispatch"
	"calsync/internal/netwatch"
	"calsync/internal/obs"
	"calsync/internal/ops"
	"calsync/internal/realtime"
	"calsync/internal/selection"
	"calsync/pkg/conn"
	"calsync/pkg/websocket"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the notification client until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := ops.Load(configPath)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go func() {
			select {
			case <-sys.Shutdown():
				logs.Infof("calsync: shutdown signal received")
				cancel()
			case <-ctx.Done():
			}
		}()

		return run(ctx, loaded)
	},
}

func run(ctx context.Context, loaded ops.Loaded) error {
	if loaded.Profiling.Enabled {
		profiler, err := startProfiler(loaded.Profiling)
		if err != nil {
			return err
		}
		defer func() { _ = profiler.Stop() }()
	}

	if loaded.Credentials == nil {
		return errors.Errorf("no token, set token or tokenFile in the config or %s", ops.EnvToken)
	}
	creds, err := loaded.Credentials.Credentials(ctx)
	if err != nil {
		return errors.Wrap(err, "read token")
	}
	sess := &session{}
	sess.token.Store(creds.Token)
	renewer, err := auth.NewRenewer(loaded.Credentials, sess, auth.RenewerOption{})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	g, gctx := errgroup.WithContext(ctx)

	store := selection.NewStore()
	if err := wireSelection(gctx, g, loaded, store); err != nil {
		return err
	}

	dispatcher, wait, err := newDispatcher(gctx, loaded, sess.Token)
	if err != nil {
		return err
	}
	defer wait()

	opts := loaded.Options()
	opts.Dialer = websocket.NewDialer(websocket.DialerOption{})
	opts.Desired = store
	opts.Index = store
	opts.Dispatcher = dispatcher
	opts.Metrics = metrics
	opts.OnStateChange = func(state realtime.ConnectionState) {
		logs.Debugf("calsync: connection %s", state)
	}
	opts.OnExhausted = func(attempts int) {
		logs.Errorf("calsync: gave up reconnecting after %d attempts, waiting for network or re-authentication", attempts)
	}
	opts.OnCredentialsExpired = func() {
		logs.Warnf("calsync: token expired, reading credentials again")
		renewer.Request()
	}

	coord, err := realtime.New(opts)
	if err != nil {
		return err
	}
	sess.coord = coord
	if err := coord.SetCredentials(creds); err != nil {
		return err
	}

	g.Go(func() error {
		if err := coord.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return renewer.Run(gctx)
	})

	if loaded.Probe != nil {
		prober, err := netwatch.NewProber(*loaded.Probe)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return prober.Run(gctx, coord)
		})
	}

	srv := obs.NewServer(obs.ServerOption{
		Addr:     loaded.OpsListen,
		Gatherer: reg,
		Status: func(ctx context.Context) (any, error) {
			return coord.Status(ctx)
		},
		Health: coord.Healthy,
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	logs.Infof("calsync: session %s running, %d calendars selected", coord.SessionID(), store.Desired().Len())
	return g.Wait()
}

// session hands renewed credentials to the coordinator and keeps the latest
// token for calendar fetches.
type session struct {
	coord *realtime.Coordinator
	token atomic.Value
}

func (s *session) SetCredentials(creds auth.Credentials) error {
	if err := s.coord.SetCredentials(creds); err != nil {
		return err
	}
	s.token.Store(creds.Token)
	return nil
}

func (s *session) Token() string {
	token, _ := s.token.Load().(string)
	return token
}

// wireSelection seeds the store and starts the configured file and database sources.
func wireSelection(ctx context.Context, g *errgroup.Group, loaded ops.Loaded, store *selection.Store) error {
	if len(loaded.Calendars) != 0 {
		if _, err := store.Replace(loaded.Calendars); err != nil {
			return err
		}
	}

	if loaded.SelectionFile != "" {
		src, err := selection.NewFileSource(loaded.SelectionFile, store)
		if err != nil {
			return err
		}
		if err := src.Load(); err != nil {
			return err
		}
		g.Go(func() error {
			return src.Watch(ctx)
		})
	}

	if loaded.Postgres != nil {
		db, err := conn.OpenPostgres(ctx, *loaded.Postgres)
		if err != nil {
			return err
		}
		if loaded.Migrate {
			if err := selection.Migrate(db); err != nil {
				_ = conn.ClosePostgres(db)
				return err
			}
		}
		src, err := selection.NewDBSource(selection.GormQuery(db), store, selection.DBSourceOption{Interval: loaded.PollInterval})
		if err != nil {
			_ = conn.ClosePostgres(db)
			return err
		}
		g.Go(func() error {
			defer func() { _ = conn.ClosePostgres(db) }()
			return src.Poll(ctx)
		})
	}
	return nil
}

// newDispatcher logs every refresh and, when configured, fetches the calendar.
// The returned wait blocks until in-flight fetches finished.
func newDispatcher(ctx context.Context, loaded ops.Loaded, token func() string) (realtime.Dispatcher, func(), error) {
	if loaded.Fetch == nil {
		return dispatch.Log{}, func() {}, nil
	}

	opt := *loaded.Fetch
	opt.Token = token
	opt.Sink = dispatch.SinkFunc(func(_ context.Context, refresh dispatch.Refresh) {
		if refresh.NotModified {
			logs.Debugf("calsync: calendar %s not modified", refresh.ID)
			return
		}
		logs.Infof("calsync: calendar %s refreshed, status: %d, bytes: %d", refresh.ID, refresh.Status, len(refresh.Body))
	})
	fetcher, err := dispatch.NewFetcher(ctx, opt)
	if err != nil {
		return nil, nil, err
	}
	return dispatch.Multi{dispatch.Log{}, fetcher}, fetcher.Wait, nil
}

func startProfiler(cfg ops.ProfilingConfig) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.AppName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	return profiler, nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Debugf("pyroscope: "+format, args...) }
func (profilerLogger) Debugf(format string, args ...interface{}) { logs.Debugf("pyroscope: "+format, args...) }
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Warnf("pyroscope: "+format, args...) }
