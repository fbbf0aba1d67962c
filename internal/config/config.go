// Package config binds the command line, the environment and an optional
// config file into one Config.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrgroup/discovery"
	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
	"github.com/ryandielhenn/zephyrgroup/pkg/member"
	"github.com/ryandielhenn/zephyrgroup/pkg/node"
	"github.com/ryandielhenn/zephyrgroup/pkg/registry"
)

// EnvPrefix is the prefix of the inspected environment variables.
const EnvPrefix = "ZGROUP"

const (
	ParamBackend           = "backend"
	ParamEndpointHost      = "endpoint-host"
	ParamBasePort          = "base-port"
	ParamEndpoints         = "endpoints"
	ParamRoot              = "root"
	ParamNamespace         = "namespace"
	ParamSessionTTL        = "session-ttl"
	ParamDialTimeout       = "dial-timeout"
	ParamOpTimeout         = "op-timeout"
	ParamInitialWait       = "initial-wait"
	ParamRetryAttempts     = "retry-attempts"
	ParamRetryInitialDelay = "retry-initial-delay"
	ParamRetryMaxDelay     = "retry-max-delay"
	ParamConcurrency       = "concurrency"
	ParamSessionPerMember  = "session-per-member"
	ParamCacheGroupNames   = "cache-group-names"
	ParamHTTPAddr          = "http-addr"
	ParamVerbose           = "verbose"
	ParamJSON              = "json"
	ParamConfigPath        = "config-path"
)

const (
	DefaultBackend      = discovery.BackendEtcd
	DefaultEndpointHost = "localhost"
	DefaultBasePort     = 2181
	DefaultSessionTTL   = 10 * time.Second
	DefaultDialTimeout  = 5 * time.Second
	DefaultOpTimeout    = 30 * time.Second
	DefaultConcurrency  = 8
	DefaultHTTPAddr     = ":8080"
)

// Config holds every setting the binaries read.
type Config struct {
	Backend      string
	EndpointHost string
	BasePort     int
	// Endpoints overrides the host/base-port layout when set.
	Endpoints   []string
	Root        string
	Namespace   string
	SessionTTL  time.Duration
	DialTimeout time.Duration
	OpTimeout   time.Duration
	InitialWait time.Duration
	Retry       coord.RetryPolicy

	Concurrency      int
	SessionPerMember bool
	CacheGroupNames  bool
	HTTPAddr         string

	Verbose bool
	JSON    bool
}

// AddFlags registers every setting on fs with its default.
func AddFlags(fs *pflag.FlagSet) {
	retry := coord.DefaultRetryPolicy()
	fs.String(ParamBackend, DefaultBackend, "Coordination backend: etcd or consul")
	fs.String(ParamEndpointHost, DefaultEndpointHost, "Host of the local ensemble")
	fs.Int(ParamBasePort, DefaultBasePort, "Port of the first endpoint; the rest follow consecutively")
	fs.StringSlice(ParamEndpoints, nil, "Explicit endpoint list, overrides endpoint-host and base-port")
	fs.String(ParamRoot, registry.DefaultRoot, "Parent path of every group")
	fs.String(ParamNamespace, "", "Key prefix isolating this deployment in the store")
	fs.Duration(ParamSessionTTL, DefaultSessionTTL, "Session lifetime without heartbeats")
	fs.Duration(ParamDialTimeout, DefaultDialTimeout, "Timeout for establishing a session")
	fs.Duration(ParamOpTimeout, DefaultOpTimeout, "Timeout for a whole command")
	fs.Duration(ParamInitialWait, member.DefaultInitialWait, "How long joining waits for a registration to be confirmed")
	fs.Int(ParamRetryAttempts, retry.MaxAttempts, "Attempts for an operation failing on connectivity")
	fs.Duration(ParamRetryInitialDelay, retry.InitialDelay, "First retry backoff")
	fs.Duration(ParamRetryMaxDelay, retry.MaxDelay, "Retry backoff cap")
	fs.Int(ParamConcurrency, DefaultConcurrency, "Records joined or groups created at once")
	fs.Bool(ParamSessionPerMember, true, "Give every member its own session")
	fs.Bool(ParamCacheGroupNames, false, "Cache group name lookups")
	fs.String(ParamHTTPAddr, DefaultHTTPAddr, "Listen address of the HTTP front-end; empty disables it")
	fs.Bool(ParamVerbose, false, "Verbose")
	fs.Bool(ParamJSON, false, "Log in JSON format")
	fs.String(ParamConfigPath, "", "Path to the configuration file")
}

// InitViper sets up env var handling for v.
func InitViper(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.SetTypeByDefaultValue(true)
	v.AutomaticEnv()
}

// Load parses args into a viper bound to the flags, then reads the config
// file when one is named. It returns the positional arguments.
func Load(name string, args []string) (*viper.Viper, []string, error) {
	v := viper.New()
	InitViper(v)

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	AddFlags(fs)
	fs.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err) // flag names are static
		}
	})
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if path := v.GetString(ParamConfigPath); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return v, fs.Args(), nil
}

// FromViper reads a Config out of v, sanitized but not validated.
func FromViper(v *viper.Viper) *Config {
	c := &Config{
		Backend:      v.GetString(ParamBackend),
		EndpointHost: v.GetString(ParamEndpointHost),
		BasePort:     v.GetInt(ParamBasePort),
		Endpoints:    v.GetStringSlice(ParamEndpoints),
		Root:         v.GetString(ParamRoot),
		Namespace:    v.GetString(ParamNamespace),
		SessionTTL:   v.GetDuration(ParamSessionTTL),
		DialTimeout:  v.GetDuration(ParamDialTimeout),
		OpTimeout:    v.GetDuration(ParamOpTimeout),
		InitialWait:  v.GetDuration(ParamInitialWait),
		Retry: coord.RetryPolicy{
			MaxAttempts:  v.GetInt(ParamRetryAttempts),
			InitialDelay: v.GetDuration(ParamRetryInitialDelay),
			MaxDelay:     v.GetDuration(ParamRetryMaxDelay),
		},
		Concurrency:      v.GetInt(ParamConcurrency),
		SessionPerMember: v.GetBool(ParamSessionPerMember),
		CacheGroupNames:  v.GetBool(ParamCacheGroupNames),
		HTTPAddr:         v.GetString(ParamHTTPAddr),
		Verbose:          v.GetBool(ParamVerbose),
		JSON:             v.GetBool(ParamJSON),
	}
	c.Sanitize()
	return c
}

// Sanitize trims values and fills zero values with defaults.
func (c *Config) Sanitize() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	c.EndpointHost = strings.TrimSpace(c.EndpointHost)
	if c.EndpointHost == "" {
		c.EndpointHost = DefaultEndpointHost
	}
	if c.BasePort == 0 {
		c.BasePort = DefaultBasePort
	}
	endpoints := c.Endpoints[:0:0]
	for _, e := range c.Endpoints {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	c.Endpoints = endpoints
	if c.Root == "" {
		c.Root = registry.DefaultRoot
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.InitialWait <= 0 {
		c.InitialWait = member.DefaultInitialWait
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Backend {
	case discovery.BackendEtcd, discovery.BackendConsul:
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	if c.BasePort < 1 || c.BasePort > 65535 {
		return errors.Errorf("base port %d out of range", c.BasePort)
	}
	if err := coord.ValidatePath(c.Root); err != nil {
		return errors.Wrap(err, "root")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry attempts must be at least 1")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.InitialDelay {
		return errors.New("retry max delay is below the initial delay")
	}
	return nil
}

// EndpointList returns the explicit endpoints when set, or count endpoints
// on EndpointHost from BasePort upward. Every address is normalized.
func (c *Config) EndpointList(count int) ([]string, error) {
	raw := c.Endpoints
	if len(raw) == 0 {
		if count < 1 {
			return nil, errors.Errorf("endpoint count must be at least 1, got %d", count)
		}
		if c.BasePort+count-1 > 65535 {
			return nil, errors.Errorf("%d endpoints from port %d run past 65535", count, c.BasePort)
		}
		raw = node.Endpoints(c.EndpointHost, c.BasePort, count)
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		out = append(out, node.NormalizeHostPort(e, discovery.DefaultPort(c.Backend)))
	}
	return out, nil
}

// DialOptions turns the session settings into discovery dial options.
func (c *Config) DialOptions(logger *zap.Logger) []discovery.DialOption {
	return []discovery.DialOption{
		discovery.WithDialTimeout(c.DialTimeout),
		discovery.WithSessionTTL(c.SessionTTL),
		discovery.WithNamespace(c.Namespace),
		discovery.WithLogger(logger),
	}
}

// MemberOptions turns the member settings into member options.
func (c *Config) MemberOptions(logger *zap.Logger) []member.Option {
	return []member.Option{
		member.WithLogger(logger),
		member.WithRetryPolicy(c.Retry),
		member.WithInitialWait(c.InitialWait),
	}
}

// RegistryOptions turns the registry settings into registry options.
func (c *Config) RegistryOptions(logger *zap.Logger) []registry.Option {
	return []registry.Option{
		registry.WithRoot(c.Root),
		registry.WithLogger(logger),
		registry.WithRetryPolicy(c.Retry),
		registry.WithNameCache(c.CacheGroupNames),
	}
}

// Logger builds the process logger: development output when verbose,
// JSON when asked for, console otherwise.
func (c *Config) Logger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Verbose {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if c.JSON {
		zc.Encoding = "json"
	}
	return zc.Build()
}
