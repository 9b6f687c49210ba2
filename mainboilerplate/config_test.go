package mainboilerplate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigPaths(t *testing.T) {
	t.Setenv("KEEPSAKE_CONFIG", "/etc/keepsake.ini")
	t.Setenv("HOME", "/home/ops")
	t.Setenv("UserProfile", "")

	require.Equal(t, []string{
		"/etc/keepsake.ini",
		"keepsake.ini",
		"/home/ops/.config/keepsake/keepsake.ini",
	}, ConfigPaths("keepsake.ini"))
}

func TestParseINI(t *testing.T) {
	var cfg struct {
		Log LogConfig `group:"Logging" namespace:"log"`
	}
	var parser = flags.NewParser(&cfg, flags.Default)

	var dir = t.TempDir()
	var path = filepath.Join(dir, "keepsake.ini")
	require.NoError(t, os.WriteFile(path, []byte("[Logging]\nlevel = debug\nunknown = 1\n"), 0600))

	var parsed, err = ParseINI(parser, []string{filepath.Join(dir, "missing.ini"), path})
	require.NoError(t, err)
	require.Equal(t, path, parsed)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, flags.Default, parser.Options)

	parsed, err = ParseINI(parser, []string{filepath.Join(dir, "missing.ini")})
	require.NoError(t, err)
	require.Empty(t, parsed)
}

func TestInitLog(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	InitLog(LogConfig{Level: "debug", Format: "json"})
	require.Equal(t, log.DebugLevel, log.GetLevel())
	require.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	InitLog(LogConfig{Level: "warn", Format: "text"})
	require.Equal(t, log.WarnLevel, log.GetLevel())
	require.IsType(t, &log.TextFormatter{}, log.StandardLogger().Formatter)
}

func TestMust(t *testing.T) {
	require.NotPanics(t, func() { Must(nil, "fine") })
	require.Panics(t, func() { Must(os.ErrNotExist, "whoops", "key", "value") })
}

func TestIdentity(t *testing.T) {
	require.Equal(t, "bot@host", ServiceConfig{ID: "bot", Host: "host"}.Identity())
	require.Regexp(t, `^[a-z]+-[a-z]+@host$`, ServiceConfig{Host: "host"}.Identity())
}
