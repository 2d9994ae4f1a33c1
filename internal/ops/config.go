package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"calsync/internal/auth"
	"calsync/internal/dispatch"
	"calsync/internal/netwatch"
	"calsync/internal/obs"
	"calsync/internal/realtime"
	"calsync/internal/selection"
	"calsync/pkg/conn"
	"calsync/pkg/exception"
	"calsync/pkg/websocket"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file.
const (
	EnvEndpoint    = "CALSYNC_ENDPOINT"
	EnvToken       = "CALSYNC_TOKEN"
	EnvDatabaseDSN = "CALSYNC_DATABASE_DSN"
)

// FileConfig mirrors the YAML/JSON config layout.
type FileConfig struct {
	Endpoint     string             `json:"endpoint" yaml:"endpoint"`
	Token        string             `json:"token" yaml:"token"`
	TokenFile    string             `json:"tokenFile" yaml:"tokenFile"`
	Reconnect    ReconnectConfig    `json:"reconnect" yaml:"reconnect"`
	Heartbeat    HeartbeatConfig    `json:"heartbeat" yaml:"heartbeat"`
	Router       RouterConfig       `json:"router" yaml:"router"`
	Registration RegistrationConfig `json:"registration" yaml:"registration"`
	Selection    SelectionConfig    `json:"selection" yaml:"selection"`
	Dispatch     DispatchConfig     `json:"dispatch" yaml:"dispatch"`
	Reachability ReachabilityConfig `json:"reachability" yaml:"reachability"`
	Ops          OpsConfig          `json:"ops" yaml:"ops"`
	Profiling    ProfilingConfig    `json:"profiling" yaml:"profiling"`

	// tokenEnv names the environment variable holding the token, when set.
	tokenEnv string
}

type ReconnectConfig struct {
	InitialDelay Duration `json:"initialDelay" yaml:"initialDelay"`
	MaxDelay     Duration `json:"maxDelay" yaml:"maxDelay"`
	MaxAttempts  int      `json:"maxAttempts" yaml:"maxAttempts"`
}

type HeartbeatConfig struct {
	Period  Duration `json:"period" yaml:"period"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// RouterConfig.Debounce is a pointer so that an explicit 0 disables coalescing.
type RouterConfig struct {
	Debounce *Duration `json:"debounce" yaml:"debounce"`
}

type RegistrationConfig struct {
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// SelectionConfig names where the desired calendars come from. Inline
// calendars, a watched YAML file and a polled database table may be combined;
// each feeds its own store layer and the desired set is their union.
type SelectionConfig struct {
	Calendars []selection.Calendar `json:"calendars" yaml:"calendars"`
	File      string               `json:"file" yaml:"file"`
	Database  DatabaseConfig       `json:"database" yaml:"database"`
}

type DatabaseConfig struct {
	DSN          string   `json:"dsn" yaml:"dsn"`
	Host         string   `json:"host" yaml:"host"`
	Port         int      `json:"port" yaml:"port"`
	User         string   `json:"user" yaml:"user"`
	Password     string   `json:"password" yaml:"password"`
	Name         string   `json:"name" yaml:"name"`
	SSLMode      string   `json:"sslMode" yaml:"sslMode"`
	PollInterval Duration `json:"pollInterval" yaml:"pollInterval"`
	Migrate      bool     `json:"migrate" yaml:"migrate"`
}

func (c DatabaseConfig) enabled() bool {
	return c.DSN != "" || c.Host != ""
}

// DispatchConfig selects the dispatch target. Without a fetch base URL
// refreshes are only logged.
type DispatchConfig struct {
	FetchBaseURL string   `json:"fetchBaseUrl" yaml:"fetchBaseUrl"`
	Concurrency  int64    `json:"concurrency" yaml:"concurrency"`
	RetryMax     int      `json:"retryMax" yaml:"retryMax"`
	Timeout      Duration `json:"timeout" yaml:"timeout"`
}

type ReachabilityConfig struct {
	Disabled bool     `json:"disabled" yaml:"disabled"`
	Address  string   `json:"address" yaml:"address"`
	Interval Duration `json:"interval" yaml:"interval"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

type OpsConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

type ProfilingConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	ServerAddress string `json:"serverAddress" yaml:"serverAddress"`
	AppName       string `json:"appName" yaml:"appName"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Endpoint string
	// Credentials is nil when no token is configured. It is read again on every renewal.
	Credentials auth.Source

	Backoff             websocket.Backoff
	MaxAttempts         int
	HeartbeatPeriod     time.Duration
	HeartbeatTimeout    time.Duration
	Debounce            time.Duration
	RegistrationTimeout time.Duration

	Calendars     []selection.Calendar
	SelectionFile string

	// Postgres is nil when no database source is configured.
	Postgres     *conn.PostgresOption
	PollInterval time.Duration
	Migrate      bool

	// Fetch is nil when refreshes are only logged.
	Fetch *dispatch.FetcherOption

	// Probe is nil when reachability probing is disabled.
	Probe *netwatch.ProberOption

	OpsListen string
	Profiling ProfilingConfig
}

// Options returns the coordinator options described by l. Runtime
// collaborators (dialer, desired source, dispatcher) are left to the caller.
func (l Loaded) Options() realtime.Options {
	opts := realtime.DefaultOptions()
	opts.Endpoint = l.Endpoint
	opts.Backoff = l.Backoff
	opts.MaxAttempts = l.MaxAttempts
	opts.HeartbeatPeriod = l.HeartbeatPeriod
	opts.HeartbeatTimeout = l.HeartbeatTimeout
	opts.Debounce = l.Debounce
	opts.RegistrationTimeout = l.RegistrationTimeout
	return opts
}

// Load reads a YAML or JSON config file, chosen by extension, applies
// environment overrides and resolves it.
func Load(path string) (Loaded, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	applyEnv(&cfg, os.Getenv)
	return Resolve(cfg)
}

// ReadFile decodes the config file without resolving it.
func ReadFile(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, errors.Wrapf(err, "read config %s", path)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		return FileConfig{}, errors.Wrapf(exception.ErrConfigUnsupportedFormat, "config %s", path)
	}
	if err != nil {
		return FileConfig{}, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig, getenv func(string) string) {
	if v := getenv(EnvEndpoint); v != "" {
		cfg.Endpoint = v
	}
	if v := getenv(EnvToken); v != "" {
		cfg.tokenEnv = EnvToken
	}
	if v := getenv(EnvDatabaseDSN); v != "" {
		cfg.Selection.Database.DSN = v
	}
}

// Resolve fills defaults and validates cfg.
func Resolve(cfg FileConfig) (Loaded, error) {
	endpoint, err := resolveEndpoint(cfg.Endpoint)
	if err != nil {
		return Loaded{}, err
	}

	out := Loaded{
		Endpoint:    endpoint,
		Credentials: resolveCredentials(cfg),
		OpsListen:   cfg.Ops.Listen,
		Profiling:   resolveProfiling(cfg.Profiling),
	}
	if out.OpsListen == "" {
		out.OpsListen = obs.DefaultListenAddr
	}

	if out.Backoff, out.MaxAttempts, err = resolveReconnect(cfg.Reconnect); err != nil {
		return Loaded{}, err
	}
	if out.HeartbeatPeriod, out.HeartbeatTimeout, err = resolveHeartbeat(cfg.Heartbeat); err != nil {
		return Loaded{}, err
	}

	out.Debounce = realtime.DefaultDebounce
	if cfg.Router.Debounce != nil {
		if *cfg.Router.Debounce < 0 {
			return Loaded{}, errors.Wrap(exception.ErrConfigInvalidDuration, "router.debounce must be >= 0")
		}
		out.Debounce = cfg.Router.Debounce.Std()
	}

	out.RegistrationTimeout = orDefault(cfg.Registration.Timeout, realtime.DefaultRegistrationTimeout)
	if cfg.Registration.Timeout < 0 {
		return Loaded{}, errors.Wrap(exception.ErrConfigInvalidDuration, "registration.timeout must be >= 0")
	}

	if err := resolveSelection(cfg.Selection, &out); err != nil {
		return Loaded{}, err
	}
	if out.Fetch, err = resolveDispatch(cfg.Dispatch); err != nil {
		return Loaded{}, err
	}
	if out.Probe, err = resolveReachability(cfg.Reachability, endpoint); err != nil {
		return Loaded{}, err
	}
	return out, nil
}

func resolveEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", exception.ErrEmptyEndpoint
	}
	if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
		return "", errors.Wrapf(exception.ErrConfigInvalidValue, "endpoint %q must use ws:// or wss://", endpoint)
	}
	return endpoint, nil
}

// resolveCredentials picks the token source: the environment first, then a
// token file, then the inline token.
func resolveCredentials(cfg FileConfig) auth.Source {
	switch {
	case cfg.tokenEnv != "":
		return auth.EnvSource{Key: cfg.tokenEnv}
	case cfg.TokenFile != "":
		return auth.FileTokenSource{Path: cfg.TokenFile}
	case strings.TrimSpace(cfg.Token) != "":
		return auth.StaticSource(strings.TrimSpace(cfg.Token))
	default:
		return nil
	}
}

func resolveReconnect(cfg ReconnectConfig) (websocket.Backoff, int, error) {
	if cfg.InitialDelay < 0 || cfg.MaxDelay < 0 {
		return websocket.Backoff{}, 0, errors.Wrap(exception.ErrConfigInvalidDuration, "reconnect delays must be >= 0")
	}
	if cfg.MaxAttempts < 0 {
		return websocket.Backoff{}, 0, errors.Wrap(exception.ErrConfigInvalidValue, "reconnect.maxAttempts must be >= 0")
	}
	backoff := websocket.DefaultBackoff()
	backoff.Initial = orDefault(cfg.InitialDelay, websocket.DefaultBackoffInitial)
	backoff.Max = orDefault(cfg.MaxDelay, websocket.DefaultBackoffMax)
	if backoff.Max < backoff.Initial {
		return websocket.Backoff{}, 0, errors.Errorf("reconnect.maxDelay %s is below initialDelay %s", backoff.Max, backoff.Initial)
	}

	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = realtime.DefaultMaxAttempts
	}
	return backoff, attempts, nil
}

func resolveHeartbeat(cfg HeartbeatConfig) (time.Duration, time.Duration, error) {
	if cfg.Period < 0 || cfg.Timeout < 0 {
		return 0, 0, errors.Wrap(exception.ErrConfigInvalidDuration, "heartbeat durations must be >= 0")
	}
	period := orDefault(cfg.Period, realtime.DefaultHeartbeatPeriod)
	timeout := orDefault(cfg.Timeout, realtime.DefaultHeartbeatTimeout)
	if timeout <= period {
		return 0, 0, errors.Errorf("heartbeat.timeout %s must exceed heartbeat.period %s", timeout, period)
	}
	return period, timeout, nil
}

func resolveSelection(cfg SelectionConfig, out *Loaded) error {
	out.Calendars = cfg.Calendars
	out.SelectionFile = cfg.File

	db := cfg.Database
	if !db.enabled() {
		if len(cfg.Calendars) == 0 && cfg.File == "" {
			return errors.Wrap(exception.ErrConfigInvalidValue, "selection needs calendars, a file or a database")
		}
		return nil
	}
	if db.PollInterval < 0 {
		return errors.Wrap(exception.ErrConfigInvalidDuration, "selection.database.pollInterval must be >= 0")
	}
	out.Postgres = &conn.PostgresOption{
		DSN:      db.DSN,
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		Database: db.Name,
		SSLMode:  db.SSLMode,
	}
	out.PollInterval = db.PollInterval.Std()
	out.Migrate = db.Migrate
	return nil
}

func resolveDispatch(cfg DispatchConfig) (*dispatch.FetcherOption, error) {
	if cfg.FetchBaseURL == "" {
		return nil, nil
	}
	if !strings.HasPrefix(cfg.FetchBaseURL, "http://") && !strings.HasPrefix(cfg.FetchBaseURL, "https://") {
		return nil, errors.Wrapf(exception.ErrConfigInvalidValue, "dispatch.fetchBaseUrl %q must use http:// or https://", cfg.FetchBaseURL)
	}
	if cfg.Concurrency < 0 || cfg.RetryMax < 0 || cfg.Timeout < 0 {
		return nil, errors.Wrap(exception.ErrConfigInvalidValue, "dispatch settings must be >= 0")
	}
	return &dispatch.FetcherOption{
		BaseURL:     cfg.FetchBaseURL,
		Concurrency: cfg.Concurrency,
		RetryMax:    cfg.RetryMax,
		Timeout:     cfg.Timeout.Std(),
	}, nil
}

func resolveReachability(cfg ReachabilityConfig, endpoint string) (*netwatch.ProberOption, error) {
	if cfg.Disabled {
		return nil, nil
	}
	if cfg.Interval < 0 || cfg.Timeout < 0 {
		return nil, errors.Wrap(exception.ErrConfigInvalidDuration, "reachability durations must be >= 0")
	}
	address := cfg.Address
	if address == "" {
		var err error
		if address, err = netwatch.AddressFromEndpoint(endpoint); err != nil {
			return nil, err
		}
	}
	return &netwatch.ProberOption{
		Address:  address,
		Interval: orDefault(cfg.Interval, netwatch.DefaultInterval),
		Timeout:  orDefault(cfg.Timeout, netwatch.DefaultTimeout),
	}, nil
}

func resolveProfiling(cfg ProfilingConfig) ProfilingConfig {
	if !cfg.Enabled {
		return ProfilingConfig{}
	}
	if cfg.ServerAddress == "" {
		cfg.ServerAddress = "http://localhost:4040"
	}
	if cfg.AppName == "" {
		cfg.AppName = "calsync"
	}
	return cfg
}

func orDefault(d Duration, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d.Std()
}
