package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "DASHSYNC"

	StoreDriverSQLite   = "sqlite"
	StoreDriverDynamoDB = "dynamodb"

	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultDatabasePath          = "dashsync.db"
	defaultLogLevel              = "info"
	defaultStoreDriver           = StoreDriverSQLite
	defaultDynamoTable           = "dashsync-sections"
	defaultHistoryLimit          = 50
	defaultPresenceTimeout       = 5 * time.Minute
	defaultPresenceSweepInterval = time.Minute
	defaultRealtimeSendBuffer    = 16
	defaultRealtimeWriteTimeout  = 5 * time.Second
	defaultAuthIssuer            = "dashsync-auth"

	defaultServerURL     = "http://127.0.0.1:8080"
	defaultQueuePath     = "dashsync-queue.db"
	defaultSaveDebounce  = 2 * time.Second
	defaultRetryBase     = time.Second
	defaultRetryMax      = 30 * time.Second
	defaultPollInterval  = 7 * time.Second
	defaultPushReconnect = 10 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress           string
	DatabasePath          string
	LogLevel              string
	StoreDriver           string
	DynamoTable           string
	DynamoRegion          string
	HistoryLimit          int
	PresenceTimeout       time.Duration
	PresenceSweepInterval time.Duration
	RealtimeSendBuffer    int
	RealtimeWriteTimeout  time.Duration
	AuthSigningSecret     string
	AuthIssuer            string
}

// AuthEnabled reports whether bearer tokens are required.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthSigningSecret) != ""
}

// AgentConfig captures runtime configuration for the sync agent.
type AgentConfig struct {
	ServerURL     string
	OwnerID       string
	QueuePath     string
	SaveDebounce  time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
	PollInterval  time.Duration
	PushReconnect time.Duration
	LogLevel      string
	AuthToken     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("dynamodb.table", defaultDynamoTable)
	configViper.SetDefault("dynamodb.region", "")
	configViper.SetDefault("history.limit", defaultHistoryLimit)
	configViper.SetDefault("presence.timeout", defaultPresenceTimeout)
	configViper.SetDefault("presence.sweep_interval", defaultPresenceSweepInterval)
	configViper.SetDefault("realtime.send_buffer", defaultRealtimeSendBuffer)
	configViper.SetDefault("realtime.write_timeout", defaultRealtimeWriteTimeout)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("owner.id", "")
	configViper.SetDefault("queue.path", defaultQueuePath)
	configViper.SetDefault("save.debounce", defaultSaveDebounce)
	configViper.SetDefault("retry.base", defaultRetryBase)
	configViper.SetDefault("retry.max", defaultRetryMax)
	configViper.SetDefault("poll.interval", defaultPollInterval)
	configViper.SetDefault("push.reconnect", defaultPushReconnect)
	configViper.SetDefault("auth.token", "")
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		StoreDriver:           strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		DynamoTable:           configViper.GetString("dynamodb.table"),
		DynamoRegion:          configViper.GetString("dynamodb.region"),
		HistoryLimit:          configViper.GetInt("history.limit"),
		PresenceTimeout:       configViper.GetDuration("presence.timeout"),
		PresenceSweepInterval: configViper.GetDuration("presence.sweep_interval"),
		RealtimeSendBuffer:    configViper.GetInt("realtime.send_buffer"),
		RealtimeWriteTimeout:  configViper.GetDuration("realtime.write_timeout"),
		AuthSigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:            configViper.GetString("auth.issuer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.StoreDriver {
	case StoreDriverSQLite:
	case StoreDriverDynamoDB:
		if strings.TrimSpace(c.DynamoTable) == "" {
			return fmt.Errorf("dynamodb.table is required for the dynamodb store")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", StoreDriverSQLite, StoreDriverDynamoDB, c.StoreDriver)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history.limit must be positive")
	}
	if c.PresenceTimeout <= 0 || c.PresenceSweepInterval <= 0 {
		return fmt.Errorf("presence.timeout and presence.sweep_interval must be positive")
	}
	if c.RealtimeSendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	return nil
}

// LoadAgent parses sync agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:     strings.TrimRight(strings.TrimSpace(configViper.GetString("server.url")), "/"),
		OwnerID:       strings.TrimSpace(configViper.GetString("owner.id")),
		QueuePath:     configViper.GetString("queue.path"),
		SaveDebounce:  configViper.GetDuration("save.debounce"),
		RetryBase:     configViper.GetDuration("retry.base"),
		RetryMax:      configViper.GetDuration("retry.max"),
		PollInterval:  configViper.GetDuration("poll.interval"),
		PushReconnect: configViper.GetDuration("push.reconnect"),
		LogLevel:      configViper.GetString("log.level"),
		AuthToken:     configViper.GetString("auth.token"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

func (c AgentConfig) validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute http(s) url")
	}
	if c.OwnerID == "" {
		return fmt.Errorf("owner.id is required")
	}
	if strings.TrimSpace(c.QueuePath) == "" {
		return fmt.Errorf("queue.path is required")
	}
	if c.SaveDebounce <= 0 || c.PollInterval <= 0 || c.PushReconnect <= 0 {
		return fmt.Errorf("save.debounce, poll.interval and push.reconnect must be positive")
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("retry.base must be positive and not exceed retry.max")
	}
	return nil
}
