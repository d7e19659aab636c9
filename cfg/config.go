package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Codec names accepted for socket frames
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Resource kinds accepted in watch entries
const (
	KindScalar  = "scalar"
	KindMapping = "mapping"
	KindList    = "list"
)

// ServerConfiguration points at the orchestration server
type ServerConfiguration struct {
	APIURL       string `toml:"api_url"`       // Base URL for HTTP resource fetches
	SocketURL    string `toml:"socket_url"`    // Websocket endpoint (derived from api_url when empty)
	Token        string `toml:"token"`         // Optional bearer token for both HTTP and socket
	CursorParam  string `toml:"cursor_param"`  // Query parameter carrying the page cursor
	PageCacheLen int    `toml:"page_cache"`    // ETag page cache entries (0 disables)
	FetchTimeout int    `toml:"fetch_timeout"` // HTTP request timeout in milliseconds
}

// SocketConfiguration controls the shared socket channel
type SocketConfiguration struct {
	Codec               string  `toml:"codec"`                // "json" or "msgpack"
	HandshakeTimeoutMS  int     `toml:"handshake_timeout_ms"` // Websocket dial timeout
	WriteTimeoutMS      int     `toml:"write_timeout_ms"`     // Per-frame write deadline
	ReadTimeoutMS       int     `toml:"read_timeout_ms"`      // Read deadline, extended on pong
	PingIntervalMS      int     `toml:"ping_interval_ms"`     // Keepalive ping interval
	ReconnectInitialMS  int     `toml:"reconnect_initial_ms"` // First reconnect delay
	ReconnectMaxMS      int     `toml:"reconnect_max_ms"`     // Reconnect delay cap
	ReconnectMultiplier float64 `toml:"reconnect_multiplier"` // Backoff multiplier
	DispatchQueueSize   int     `toml:"dispatch_queue_size"`  // Buffered frames between I/O and dispatch
}

// WatchConfiguration declares one resource the daemon keeps synchronized
type WatchConfiguration struct {
	Name      string            `toml:"name"`
	Path      string            `toml:"path"`
	Kind      string            `toml:"kind"`      // scalar, mapping or list
	RowKey    string            `toml:"row_key"`   // Stable row key for list resources
	Query     map[string]string `toml:"query"`     // Extra HTTP query parameters
	Filter    []string          `toml:"filter"`    // Search tokens, e.g. "status:running"
	Subscribe bool              `toml:"subscribe"` // Subscribe to live events
	FetchAll  bool              `toml:"fetch_all"` // Follow page cursors until exhausted
}

// SinkConfiguration configures a change mirror sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"` // "kafka" or "nats"
	Format          string   `toml:"format"`
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterResources []string `toml:"filter_resources"`
	FilterNames     []string `toml:"filter_names"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration controls change mirroring
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sink"`
}

// AdminConfiguration controls the admin HTTP surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Optional shared secret for admin endpoints
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ClientID string `toml:"client_id"`
	DataDir  string `toml:"data_dir"`

	Server     ServerConfiguration     `toml:"server"`
	Socket     SocketConfiguration     `toml:"socket"`
	Watches    []WatchConfiguration    `toml:"watch"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "livesync.toml", "Path to configuration file")
	ServerFlag     = flag.String("server", "", "Server API URL (overrides config)")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging")
)

// Default configuration
var Config = &Configuration{
	ClientID: "", // Auto-generate
	DataDir:  "./livesync-data",

	Server: ServerConfiguration{
		APIURL:       "http://localhost:8080/api",
		CursorParam:  "cursor",
		PageCacheLen: 256,
		FetchTimeout: 10000,
	},

	Socket: SocketConfiguration{
		Codec:               CodecJSON,
		HandshakeTimeoutMS:  5000,
		WriteTimeoutMS:      5000,
		ReadTimeoutMS:       60000,
		PingIntervalMS:      20000,
		ReconnectInitialMS:  250,
		ReconnectMaxMS:      30000,
		ReconnectMultiplier: 2.0,
		DispatchQueueSize:   256,
	},

	Publisher: PublisherConfiguration{
		Enabled: false,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        9191,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *ServerFlag != "" {
		Config.Server.APIURL = *ServerFlag
	}
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	if Config.ClientID == "" {
		id, err := generateClientID()
		if err != nil {
			return fmt.Errorf("failed to generate client ID: %w", err)
		}
		Config.ClientID = id
		log.Info().Str("client_id", Config.ClientID).Msg("Auto-generated client ID")
	}

	if Config.Server.SocketURL == "" {
		socketURL, err := DeriveSocketURL(Config.Server.APIURL)
		if err != nil {
			return err
		}
		Config.Server.SocketURL = socketURL
	}

	if Config.Publisher.Enabled {
		if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return nil
}

// generateClientID derives a stable, app-scoped client id from the machine id
func generateClientID() (string, error) {
	id, err := machineid.ProtectedID("livesync")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return strconv.FormatUint(h.Sum64(), 36), nil
}

// DeriveSocketURL maps an http(s) API URL onto the ws(s) socket endpoint
// served next to it, e.g. https://host/api -> wss://host/api/socket
func DeriveSocketURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url %q: %w", apiURL, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}

	u.Path = trimTrailingSlash(u.Path) + "/socket"
	return u.String(), nil
}

func trimTrailingSlash(p string) string {
	for len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Server.APIURL == "" {
		return fmt.Errorf("server api_url is required")
	}

	if Config.Socket.Codec != CodecJSON && Config.Socket.Codec != CodecMsgpack {
		return fmt.Errorf("invalid socket codec: %s", Config.Socket.Codec)
	}

	if Config.Socket.ReconnectInitialMS < 1 {
		return fmt.Errorf("socket reconnect initial delay must be >= 1ms")
	}

	if Config.Socket.ReconnectMaxMS < Config.Socket.ReconnectInitialMS {
		return fmt.Errorf("socket reconnect max delay must be >= initial delay")
	}

	if Config.Socket.ReconnectMultiplier < 1 {
		return fmt.Errorf("socket reconnect multiplier must be >= 1")
	}

	if Config.Socket.DispatchQueueSize < 1 {
		return fmt.Errorf("socket dispatch queue size must be >= 1")
	}

	if Config.Server.PageCacheLen < 0 {
		return fmt.Errorf("page cache size must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	names := make(map[string]bool, len(Config.Watches))
	for i, w := range Config.Watches {
		if w.Name == "" {
			return fmt.Errorf("watch %d: name is required", i)
		}
		if names[w.Name] {
			return fmt.Errorf("watch %q: duplicate name", w.Name)
		}
		names[w.Name] = true

		if w.Path == "" {
			return fmt.Errorf("watch %q: path is required", w.Name)
		}

		switch w.Kind {
		case KindScalar, KindMapping, KindList:
		case "":
			Config.Watches[i].Kind = KindScalar
		default:
			return fmt.Errorf("watch %q: invalid kind %q", w.Name, w.Kind)
		}
	}

	if Config.Publisher.Enabled {
		for _, s := range Config.Publisher.Sinks {
			if s.Name == "" {
				return fmt.Errorf("sink name is required")
			}
			if s.Type == "" {
				return fmt.Errorf("sink %q: type is required", s.Name)
			}
		}
	}

	return nil
}
