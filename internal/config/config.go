// Package config loads notesync settings from an optional config file and the
// environment. The database and PostgREST variables keep the names used by
// the Joplin deployment (DB_HOST, POSTGREST_TOKEN, ...); everything else is
// read from NOTESYNC_* variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Database   DatabaseConfig
	PostgREST  PostgRESTConfig
	Listener   ListenerConfig
	Links      LinksConfig
	DeadLetter DeadLetterConfig
	Log        LogConfig
}

type DatabaseConfig struct {
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type PostgRESTConfig struct {
	Host       string
	Token      string
	Timeout    time.Duration
	MaxRetries int
}

type ListenerConfig struct {
	Channel        string
	ReconnectDelay time.Duration
}

type LinksConfig struct {
	Enabled       bool
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	MaxBodyBytes  int64
	UserAgent     string
}

// DeadLetterConfig enables the dropped-event journal when File is set.
type DeadLetterConfig struct {
	File     string
	Capacity int
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// envBindings maps config keys to environment variables, first match wins.
var envBindings = map[string][]string{
	"database.dsn":             {"NOTESYNC_DATABASE_DSN", "DB_DSN"},
	"database.host":            {"NOTESYNC_DATABASE_HOST", "DB_HOST"},
	"database.port":            {"NOTESYNC_DATABASE_PORT", "DB_PORT"},
	"database.user":            {"NOTESYNC_DATABASE_USER", "DB_USER"},
	"database.password":        {"NOTESYNC_DATABASE_PASSWORD", "DB_PASSWORD"},
	"database.name":            {"NOTESYNC_DATABASE_NAME", "DB_DATABASE"},
	"database.sslmode":         {"NOTESYNC_DATABASE_SSLMODE", "DB_SSLMODE"},
	"postgrest.host":           {"NOTESYNC_POSTGREST_HOST", "POSTGREST_HOST"},
	"postgrest.token":          {"NOTESYNC_POSTGREST_TOKEN", "POSTGREST_TOKEN"},
	"postgrest.timeout":        {"NOTESYNC_POSTGREST_TIMEOUT"},
	"postgrest.max_retries":    {"NOTESYNC_POSTGREST_MAX_RETRIES"},
	"listener.channel":         {"NOTESYNC_CHANNEL"},
	"listener.reconnect_delay": {"NOTESYNC_RECONNECT_DELAY"},
	"links.enabled":            {"NOTESYNC_LINKS_ENABLED"},
	"links.timeout":            {"NOTESYNC_LINKS_TIMEOUT"},
	"links.rate_per_second":    {"NOTESYNC_LINKS_RATE_PER_SECOND"},
	"links.burst":              {"NOTESYNC_LINKS_BURST"},
	"links.max_body_bytes":     {"NOTESYNC_LINKS_MAX_BODY_BYTES"},
	"links.user_agent":         {"NOTESYNC_LINKS_USER_AGENT"},
	"deadletter.file":          {"NOTESYNC_DEADLETTER_FILE"},
	"deadletter.capacity":      {"NOTESYNC_DEADLETTER_CAPACITY"},
	"log.level":                {"NOTESYNC_LOG_LEVEL"},
	"log.file":                 {"NOTESYNC_LOG_FILE"},
	"log.max_size_mb":          {"NOTESYNC_LOG_MAX_SIZE_MB"},
	"log.max_backups":          {"NOTESYNC_LOG_MAX_BACKUPS"},
	"log.max_age_days":         {"NOTESYNC_LOG_MAX_AGE_DAYS"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("postgrest.timeout", 15*time.Second)
	v.SetDefault("postgrest.max_retries", 2)
	v.SetDefault("listener.channel", "items_changes")
	v.SetDefault("listener.reconnect_delay", 5*time.Second)
	v.SetDefault("links.enabled", true)
	v.SetDefault("links.timeout", 10*time.Second)
	v.SetDefault("links.rate_per_second", 1.0)
	v.SetDefault("links.burst", 1)
	v.SetDefault("links.max_body_bytes", 5<<20)
	v.SetDefault("links.user_agent", "notesync/1.0")
	v.SetDefault("deadletter.capacity", 1000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads configFile when it is non-empty, then applies environment
// overrides on top of the defaults.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, names := range envBindings {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, err
		}
	}
	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	return Config{
		Database: DatabaseConfig{
			DSN:      strings.TrimSpace(v.GetString("database.dsn")),
			Host:     strings.TrimSpace(v.GetString("database.host")),
			Port:     v.GetInt("database.port"),
			User:     strings.TrimSpace(v.GetString("database.user")),
			Password: v.GetString("database.password"),
			Name:     strings.TrimSpace(v.GetString("database.name")),
			SSLMode:  strings.TrimSpace(v.GetString("database.sslmode")),
		},
		PostgREST: PostgRESTConfig{
			Host:       strings.TrimSpace(v.GetString("postgrest.host")),
			Token:      strings.TrimSpace(v.GetString("postgrest.token")),
			Timeout:    v.GetDuration("postgrest.timeout"),
			MaxRetries: v.GetInt("postgrest.max_retries"),
		},
		Listener: ListenerConfig{
			Channel:        strings.TrimSpace(v.GetString("listener.channel")),
			ReconnectDelay: v.GetDuration("listener.reconnect_delay"),
		},
		Links: LinksConfig{
			Enabled:       v.GetBool("links.enabled"),
			Timeout:       v.GetDuration("links.timeout"),
			RatePerSecond: v.GetFloat64("links.rate_per_second"),
			Burst:         v.GetInt("links.burst"),
			MaxBodyBytes:  v.GetInt64("links.max_body_bytes"),
			UserAgent:     strings.TrimSpace(v.GetString("links.user_agent")),
		},
		DeadLetter: DeadLetterConfig{
			File:     strings.TrimSpace(v.GetString("deadletter.file")),
			Capacity: v.GetInt("deadletter.capacity"),
		},
		Log: LogConfig{
			Level:      strings.TrimSpace(v.GetString("log.level")),
			File:       strings.TrimSpace(v.GetString("log.file")),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
	}, nil
}

// Validate reports every missing required setting at once.
func (c Config) Validate() error {
	var problems []string
	if c.Database.DSN == "" {
		if c.Database.Host == "" {
			problems = append(problems, "DB_HOST is required (or DB_DSN)")
		}
		if c.Database.User == "" {
			problems = append(problems, "DB_USER is required (or DB_DSN)")
		}
		if c.Database.Name == "" {
			problems = append(problems, "DB_DATABASE is required (or DB_DSN)")
		}
	}
	if c.PostgREST.Host == "" {
		problems = append(problems, "POSTGREST_HOST is required")
	} else if _, err := url.ParseRequestURI(c.PostgREST.Host); err != nil {
		problems = append(problems, fmt.Sprintf("POSTGREST_HOST is not a valid URL: %v", err))
	}
	if c.Listener.Channel == "" {
		problems = append(problems, "listener channel must not be empty")
	}
	if c.Listener.ReconnectDelay <= 0 {
		problems = append(problems, "listener reconnect delay must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ConnString returns the DSN when set, otherwise a postgres:// URL built from
// the discrete fields.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	port := d.Port
	if port <= 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:   "/" + d.Name,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}
