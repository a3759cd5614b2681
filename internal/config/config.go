package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr     string   // e.g. nsqd:4150
	LookupHTTPAddrs []string // e.g. http://nsqlookupd:4161; consumers use nsqd directly when empty
	NsqdHTTPAddr    string   // e.g. http://nsqd:4151, polled for topic depth
	MaxInFlight     int
	StatsInterval   time.Duration
}

type Node struct {
	Namespace              string
	ServiceID              string
	ConcurrencyLimit       int
	RequestsPerInterval    int
	Interval               time.Duration // scheduler tick
	RequestCallbackTimeout time.Duration
	StatusUpdateInterval   time.Duration // load republish period
}

type Registry struct {
	Backend string // memory or postgres
}

type Auth struct {
	PrivateKeyFile string // signs outbound requests when set
	PublicKeyFile  string // authorizes inbound requests when set
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	LogLevel     string
	OTelEndpoint string // OTLP/HTTP collector; tracing is off when empty
	Node         Node
	NSQ          NSQ
	DB           DB
	Registry     Registry
	Auth         Auth
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "harbormesh"),
		HTTPPort:     getenv("HTTP_PORT", ":8080"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		OTelEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Node: Node{
			Namespace:              getenv("MESH_NAMESPACE", "harbormesh"),
			ServiceID:              getenv("MESH_SERVICE_ID", ""),
			ConcurrencyLimit:       getenvInt("MESH_CONCURRENCY_LIMIT", 100),
			RequestsPerInterval:    getenvInt("MESH_REQUESTS_PER_INTERVAL", 100),
			Interval:               getenvDuration("MESH_INTERVAL", time.Second),
			RequestCallbackTimeout: getenvDuration("MESH_REQUEST_TIMEOUT", 30*time.Second),
			StatusUpdateInterval:   getenvDuration("MESH_STATUS_UPDATE_INTERVAL", 2*time.Minute),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddrs: getenvList("NSQ_LOOKUP_HTTP_ADDR", nil),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "http://nsqd:4151"),
			MaxInFlight:     getenvInt("NSQ_MAX_IN_FLIGHT", 200),
			StatsInterval:   getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
		},
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harbormesh"),
		},
		Registry: Registry{
			Backend: getenv("REGISTRY_BACKEND", BackendPostgres),
		},
		Auth: Auth{
			PrivateKeyFile: getenv("AUTH_PRIVATE_KEY_FILE", ""),
			PublicKeyFile:  getenv("AUTH_PUBLIC_KEY_FILE", ""),
			Issuer:         getenv("AUTH_ISSUER", "harbormesh"),
			Audience:       getenv("AUTH_AUDIENCE", "harbormesh"),
			TokenTTL:       getenvDuration("AUTH_TOKEN_TTL", 15*time.Minute),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Validate reports every problem with the configuration at once
func (c Config) Validate() error {
	var errs error
	if c.Node.Namespace == "" || strings.Contains(c.Node.Namespace, ":") {
		errs = multierr.Append(errs, fmt.Errorf("namespace %q must be non-empty and contain no ':'", c.Node.Namespace))
	}
	if c.Node.ServiceID == "" || strings.Contains(c.Node.ServiceID, ":") {
		errs = multierr.Append(errs, fmt.Errorf("service id %q must be non-empty and contain no ':'", c.Node.ServiceID))
	}
	if c.Node.ConcurrencyLimit <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("concurrency limit must be positive, got %d", c.Node.ConcurrencyLimit))
	}
	if c.Node.Interval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("interval must be positive, got %s", c.Node.Interval))
	}
	if c.Node.RequestCallbackTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("request timeout must be positive, got %s", c.Node.RequestCallbackTimeout))
	}
	if c.Node.StatusUpdateInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("status update interval must be positive, got %s", c.Node.StatusUpdateInterval))
	}
	switch c.Registry.Backend {
	case BackendMemory, BackendPostgres:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown registry backend %q", c.Registry.Backend))
	}
	if c.NSQ.NsqdTCPAddr == "" {
		errs = multierr.Append(errs, errors.New("nsqd address is required"))
	}
	if c.Auth.PrivateKeyFile != "" && c.Auth.TokenTTL <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("token ttl must be positive, got %s", c.Auth.TokenTTL))
	}
	return errs
}
