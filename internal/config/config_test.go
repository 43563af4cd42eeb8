package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/saintparish4/holechat/pkg/stun"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1000, cfg.PunchAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.PunchInterval())
	assert.Equal(t, 3*time.Second, cfg.TestTimeout())
	assert.Equal(t, stun.DefaultServer, cfg.STUNServer)
	assert.Nil(t, cfg.HelperCommands())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holechat.yaml")
	data := []byte(`
port: 9001
stunServer: stun.example.org:3478
punchAttempts: 200
punchIntervalMs: 25
testTimeoutSeconds: 1.5
stunHelper: auto
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "stun.example.org:3478", cfg.STUNServer)
	assert.Equal(t, 200, cfg.PunchAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.PunchInterval())
	assert.Equal(t, 1500*time.Millisecond, cfg.TestTimeout())
	assert.Equal(t, stun.DefaultHelperCommands, cfg.HelperCommands())
	// Untouched keys keep their defaults
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [nope"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"STUN_SERVER":                   "stun.ekiga.net:3478",
		"HOLECHAT_PORT":                 "9100",
		"HOLECHAT_PUNCH_INTERVAL_MS":    "5",
		"HOLECHAT_TEST_TIMEOUT_SECONDS": "0.5",
	}))
	require.NoError(t, err)

	assert.Equal(t, "stun.ekiga.net:3478", cfg.STUNServer)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 5*time.Millisecond, cfg.PunchInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.TestTimeout())
}

func TestApplyEnvPrefixedWins(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		"STUN_SERVER":          "a.example:3478",
		"HOLECHAT_STUN_SERVER": "b.example:3478",
	})))
	assert.Equal(t, "b.example:3478", cfg.STUNServer)
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"HOLECHAT_PORT":                 "ninety",
		"HOLECHAT_TEST_TIMEOUT_SECONDS": "soon",
	}))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"empty stun server", func(c *Config) { c.STUNServer = "" }},
		{"zero attempts", func(c *Config) { c.PunchAttempts = 0 }},
		{"zero interval", func(c *Config) { c.PunchIntervalMs = 0 }},
		{"negative test timeout", func(c *Config) { c.TestTimeoutSeconds = -1 }},
		{"negative keepalive", func(c *Config) { c.KeepaliveSeconds = -1 }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"http signaling", func(c *Config) { c.Signaling = "http://example.org/ws" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	cfg := Default()
	cfg.PunchAttempts = 0
	cfg.PunchIntervalMs = 0
	assert.Len(t, multierr.Errors(cfg.Validate()), 2)
}

func TestFlagsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9001\nroom: from-file\n"), 0o600))

	fs := flag.NewFlagSet("holechat", flag.ContinueOnError)
	flags := BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-config", path, "-port", "9002", "-stun-helper", "pystun3 -v"}))

	cfg, err := flags.Resolve(env(map[string]string{"HOLECHAT_ROOM": "from-env"}))
	require.NoError(t, err)

	assert.Equal(t, 9002, cfg.Port)
	assert.Equal(t, "from-env", cfg.Room)
	assert.Equal(t, [][]string{{"pystun3", "-v"}}, cfg.HelperCommands())
	// Unset flags do not clobber lower layers with their defaults
	assert.Equal(t, stun.DefaultServer, cfg.STUNServer)
}

func TestFlagsResolveInvalid(t *testing.T) {
	fs := flag.NewFlagSet("holechat", flag.ContinueOnError)
	flags := BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-port", "-1"}))

	_, err := flags.Resolve(env(nil))
	assert.Error(t, err)
}

func TestSessionConfig(t *testing.T) {
	cfg := Default()
	cfg.Port = 9001
	cfg.KeepaliveSeconds = 20

	sc := cfg.Session()
	assert.Equal(t, 9001, sc.Port)
	assert.Equal(t, 1000, sc.Engine.PunchAttempts)
	assert.Equal(t, 10*time.Millisecond, sc.Engine.PunchInterval)
	assert.Equal(t, 3*time.Second, sc.Engine.TestTimeout)
	assert.Equal(t, 20*time.Second, sc.Chat.KeepaliveInterval)
	assert.Equal(t, 3*time.Second, sc.STUNTimeout)
}
