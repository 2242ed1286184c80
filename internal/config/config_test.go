package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, names := range envBindings {
		for _, name := range names {
			t.Setenv(name, "")
			require.NoError(t, os.Unsetenv(name))
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, "items_changes", cfg.Listener.Channel)
	assert.Equal(t, 5*time.Second, cfg.Listener.ReconnectDelay)
	assert.Equal(t, 2, cfg.PostgREST.MaxRetries)
	assert.True(t, cfg.Links.Enabled)
	assert.Equal(t, int64(5<<20), cfg.Links.MaxBodyBytes)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Log.File)
	assert.Empty(t, cfg.DeadLetter.File)
	assert.Equal(t, 1000, cfg.DeadLetter.Capacity)
}

func TestLoadReadsDeploymentEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_USER", "joplin")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("DB_DATABASE", "joplin")
	t.Setenv("POSTGREST_HOST", "http://postgrest:3000")
	t.Setenv("POSTGREST_TOKEN", "tok")
	t.Setenv("NOTESYNC_RECONNECT_DELAY", "250ms")
	t.Setenv("NOTESYNC_LINKS_ENABLED", "false")
	t.Setenv("NOTESYNC_DEADLETTER_FILE", "/var/lib/notesync/dropped.json")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "joplin", cfg.Database.User)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "joplin", cfg.Database.Name)
	assert.Equal(t, "http://postgrest:3000", cfg.PostgREST.Host)
	assert.Equal(t, "tok", cfg.PostgREST.Token)
	assert.Equal(t, 250*time.Millisecond, cfg.Listener.ReconnectDelay)
	assert.False(t, cfg.Links.Enabled)
	assert.Equal(t, "/var/lib/notesync/dropped.json", cfg.DeadLetter.File)
	require.NoError(t, cfg.Validate())
}

func TestLoadPrefixedEnvWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_HOST", "legacy")
	t.Setenv("NOTESYNC_DATABASE_HOST", "preferred")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "preferred", cfg.Database.Host)
}

func TestLoadConfigFileWithEnvOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "notesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: postgres://file@localhost/joplin
postgrest:
  host: http://file:3000
listener:
  channel: custom_changes
log:
  level: debug
  file: /var/log/notesync.log
`), 0o600))
	t.Setenv("POSTGREST_HOST", "http://env:3000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file@localhost/joplin", cfg.Database.ConnString())
	assert.Equal(t, "http://env:3000", cfg.PostgREST.Host)
	assert.Equal(t, "custom_changes", cfg.Listener.Channel)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/notesync.log", cfg.Log.File)
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidateCollectsProblems(t *testing.T) {
	err := Config{}.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"DB_HOST", "DB_USER", "DB_DATABASE", "POSTGREST_HOST", "channel", "reconnect delay"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateAcceptsDSN(t *testing.T) {
	cfg := Config{
		Database:  DatabaseConfig{DSN: "postgres://localhost/joplin"},
		PostgREST: PostgRESTConfig{Host: "http://postgrest:3000"},
		Listener:  ListenerConfig{Channel: "items_changes", ReconnectDelay: time.Second},
	}
	assert.NoError(t, cfg.Validate())

	cfg.PostgREST.Host = "not a url"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestConnString(t *testing.T) {
	tests := []struct {
		name string
		db   DatabaseConfig
		want string
	}{
		{
			name: "full",
			db:   DatabaseConfig{Host: "db", Port: 5433, User: "joplin", Password: "p@ss word", Name: "joplin", SSLMode: "require"},
			want: "postgres://joplin:p%40ss%20word@db:5433/joplin?sslmode=require",
		},
		{
			name: "default port no password",
			db:   DatabaseConfig{Host: "db", User: "joplin", Name: "notes"},
			want: "postgres://joplin@db:5432/notes",
		},
		{
			name: "dsn override",
			db:   DatabaseConfig{DSN: "host=db user=x", Host: "ignored"},
			want: "host=db user=x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.db.ConnString())
		})
	}
}
