// Package config loads the broker's configuration from file, environment,
// and flags, in that order of precedence (flags win).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ConfigOption struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

const (
	KeyServerAddress        = "server.address"
	KeyServerAllowedOrigins = "server.allowed_origins"
	KeyServerPingInterval   = "server.ping_interval"
	KeyServerShutdownGrace  = "server.shutdown_grace"
)

const (
	KeySessionMaxPerUser     = "session.max_per_user"
	KeySessionDetachReap     = "session.detach_reap"
	KeySessionDetachedTTL    = "session.detached_ttl"
	KeySessionDeadTTL        = "session.dead_ttl"
	KeySessionReapInterval   = "session.reap_interval"
	KeySessionAuditInterval  = "session.audit_interval"
	KeySessionStaleThreshold = "session.stale_client_threshold"
	KeySessionCwdDelay       = "session.cwd_delay"
	KeySessionPtyGrace       = "session.pty_grace"
	KeySessionShell          = "session.shell"
)

const (
	KeyBufferMaxChunks    = "buffer.max_chunks"
	KeyBufferMaxBytes     = "buffer.max_bytes"
	KeyBufferReplayChunks = "buffer.replay_chunks"
)

const (
	KeyAuthSecret   = "auth.secret"
	KeyAuthTokenTTL = "auth.token_ttl"
)

const (
	KeyContainerEnabled    = "container.enabled"
	KeyContainerImage      = "container.image"
	KeyContainerUser       = "container.user"
	KeyContainerWorkingDir = "container.working_dir"
	KeyContainerNamePrefix = "container.name_prefix"
)

const (
	KeyLogLevel = "log.level"
	KeyLogJSON  = "log.json"
)

var Options = []ConfigOption{
	{Key: KeyServerAddress, Flag: flag(KeyServerAddress), Default: ":8080", Description: "Server listen address"},
	{Key: KeyServerAllowedOrigins, Flag: flag(KeyServerAllowedOrigins), Default: []string{}, Description: "Allowed websocket origins"},
	{Key: KeyServerPingInterval, Flag: flag(KeyServerPingInterval), Default: 30 * time.Second, Description: "Websocket ping interval"},
	{Key: KeyServerShutdownGrace, Flag: flag(KeyServerShutdownGrace), Default: 5 * time.Second, Description: "Shutdown grace period"},

	{Key: KeySessionMaxPerUser, Flag: flag(KeySessionMaxPerUser), Default: 50, Description: "Max live sessions per user"},
	{Key: KeySessionDetachReap, Flag: flag(KeySessionDetachReap), Default: 10 * time.Minute, Description: "Delay before a detached session is reaped"},
	{Key: KeySessionDetachedTTL, Flag: flag(KeySessionDetachedTTL), Default: 2 * time.Hour, Description: "Max idle lifetime of a detached session"},
	{Key: KeySessionDeadTTL, Flag: flag(KeySessionDeadTTL), Default: 24 * time.Hour, Description: "Retention of dead session tombstones"},
	{Key: KeySessionReapInterval, Flag: flag(KeySessionReapInterval), Default: 60 * time.Second, Description: "Background reaper interval"},
	{Key: KeySessionAuditInterval, Flag: flag(KeySessionAuditInterval), Default: 30 * time.Second, Description: "Stale-client audit interval"},
	{Key: KeySessionStaleThreshold, Flag: flag(KeySessionStaleThreshold), Default: 5 * time.Minute, Description: "Idle time before attached clients are presumed gone"},
	{Key: KeySessionCwdDelay, Flag: flag(KeySessionCwdDelay), Default: time.Second, Description: "Delay before refreshing the working directory after a command"},
	{Key: KeySessionPtyGrace, Flag: flag(KeySessionPtyGrace), Default: 5 * time.Second, Description: "Grace between SIGTERM and SIGKILL when killing a shell"},
	{Key: KeySessionShell, Flag: flag(KeySessionShell), Default: "", Description: "Shell binary for local sessions (default $SHELL)"},

	{Key: KeyBufferMaxChunks, Flag: flag(KeyBufferMaxChunks), Default: 5000, Description: "Max output chunks buffered per session"},
	{Key: KeyBufferMaxBytes, Flag: flag(KeyBufferMaxBytes), Default: 5 * 1024 * 1024, Description: "Max output bytes buffered per session"},
	{Key: KeyBufferReplayChunks, Flag: flag(KeyBufferReplayChunks), Default: 500, Description: "Output chunks replayed on reconnect"},

	{Key: KeyAuthSecret, Flag: flag(KeyAuthSecret), Default: "", Description: "HMAC secret for bearer tokens"},
	{Key: KeyAuthTokenTTL, Flag: flag(KeyAuthTokenTTL), Default: 24 * time.Hour, Description: "Lifetime of issued tokens"},

	{Key: KeyContainerEnabled, Flag: flag(KeyContainerEnabled), Default: false, Description: "Run sessions in per-user containers"},
	{Key: KeyContainerImage, Flag: flag(KeyContainerImage), Default: "ubuntu:24.04", Description: "Workspace container image"},
	{Key: KeyContainerUser, Flag: flag(KeyContainerUser), Default: "developer", Description: "Unix user inside the container"},
	{Key: KeyContainerWorkingDir, Flag: flag(KeyContainerWorkingDir), Default: "/home/developer", Description: "Default working directory inside the container"},
	{Key: KeyContainerNamePrefix, Flag: flag(KeyContainerNamePrefix), Default: "terminal-broker-user-", Description: "Container name prefix"},

	{Key: KeyLogLevel, Flag: flag(KeyLogLevel), Default: "info", Description: "Log level (debug, info, warn, error)"},
	{Key: KeyLogJSON, Flag: flag(KeyLogJSON), Default: false, Description: "Log in JSON format"},
}

type Config struct {
	v *viper.Viper
}

func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/terminal-broker/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("TERMINAL_BROKER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet, options []ConfigOption) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) ServerAddress() string {
	return c.v.GetString(KeyServerAddress) // TERMINAL_BROKER_SERVER_ADDRESS
}

func (c *Config) ServerAllowedOrigins() []string {
	return c.v.GetStringSlice(KeyServerAllowedOrigins) // TERMINAL_BROKER_SERVER_ALLOWED_ORIGINS
}

func (c *Config) ServerPingInterval() time.Duration {
	return c.v.GetDuration(KeyServerPingInterval) // TERMINAL_BROKER_SERVER_PING_INTERVAL
}

func (c *Config) ServerShutdownGrace() time.Duration {
	return c.v.GetDuration(KeyServerShutdownGrace) // TERMINAL_BROKER_SERVER_SHUTDOWN_GRACE
}

func (c *Config) SessionMaxPerUser() int {
	return c.v.GetInt(KeySessionMaxPerUser) // TERMINAL_BROKER_SESSION_MAX_PER_USER
}

func (c *Config) SessionDetachReap() time.Duration {
	return c.v.GetDuration(KeySessionDetachReap) // TERMINAL_BROKER_SESSION_DETACH_REAP
}

func (c *Config) SessionDetachedTTL() time.Duration {
	return c.v.GetDuration(KeySessionDetachedTTL) // TERMINAL_BROKER_SESSION_DETACHED_TTL
}

func (c *Config) SessionDeadTTL() time.Duration {
	return c.v.GetDuration(KeySessionDeadTTL) // TERMINAL_BROKER_SESSION_DEAD_TTL
}

func (c *Config) SessionReapInterval() time.Duration {
	return c.v.GetDuration(KeySessionReapInterval) // TERMINAL_BROKER_SESSION_REAP_INTERVAL
}

func (c *Config) SessionAuditInterval() time.Duration {
	return c.v.GetDuration(KeySessionAuditInterval) // TERMINAL_BROKER_SESSION_AUDIT_INTERVAL
}

func (c *Config) SessionStaleClientThreshold() time.Duration {
	return c.v.GetDuration(KeySessionStaleThreshold) // TERMINAL_BROKER_SESSION_STALE_CLIENT_THRESHOLD
}

func (c *Config) SessionCwdDelay() time.Duration {
	return c.v.GetDuration(KeySessionCwdDelay) // TERMINAL_BROKER_SESSION_CWD_DELAY
}

func (c *Config) SessionPtyGrace() time.Duration {
	return c.v.GetDuration(KeySessionPtyGrace) // TERMINAL_BROKER_SESSION_PTY_GRACE
}

func (c *Config) SessionShell() string {
	return c.v.GetString(KeySessionShell) // TERMINAL_BROKER_SESSION_SHELL
}

func (c *Config) BufferMaxChunks() int {
	return c.v.GetInt(KeyBufferMaxChunks) // TERMINAL_BROKER_BUFFER_MAX_CHUNKS
}

func (c *Config) BufferMaxBytes() int {
	return c.v.GetInt(KeyBufferMaxBytes) // TERMINAL_BROKER_BUFFER_MAX_BYTES
}

func (c *Config) BufferReplayChunks() int {
	return c.v.GetInt(KeyBufferReplayChunks) // TERMINAL_BROKER_BUFFER_REPLAY_CHUNKS
}

func (c *Config) AuthSecret() string {
	return c.v.GetString(KeyAuthSecret) // TERMINAL_BROKER_AUTH_SECRET
}

func (c *Config) AuthTokenTTL() time.Duration {
	return c.v.GetDuration(KeyAuthTokenTTL) // TERMINAL_BROKER_AUTH_TOKEN_TTL
}

func (c *Config) ContainerEnabled() bool {
	return c.v.GetBool(KeyContainerEnabled) // TERMINAL_BROKER_CONTAINER_ENABLED
}

func (c *Config) ContainerImage() string {
	return c.v.GetString(KeyContainerImage) // TERMINAL_BROKER_CONTAINER_IMAGE
}

func (c *Config) ContainerUser() string {
	return c.v.GetString(KeyContainerUser) // TERMINAL_BROKER_CONTAINER_USER
}

func (c *Config) ContainerWorkingDir() string {
	return c.v.GetString(KeyContainerWorkingDir) // TERMINAL_BROKER_CONTAINER_WORKING_DIR
}

func (c *Config) ContainerNamePrefix() string {
	return c.v.GetString(KeyContainerNamePrefix) // TERMINAL_BROKER_CONTAINER_NAME_PREFIX
}

func (c *Config) LogLevel() string {
	return c.v.GetString(KeyLogLevel) // TERMINAL_BROKER_LOG_LEVEL
}

func (c *Config) LogJSON() bool {
	return c.v.GetBool(KeyLogJSON) // TERMINAL_BROKER_LOG_JSON
}

func flag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	return flag
}
