package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
)

func TestStoreDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", appName+configFileExt)
	require.False(t, exists(path))

	cfg, err := loadOrCreate(path)
	require.NoError(t, err)
	require.True(t, exists(path))
	require.Equal(t, model.DefaultConfig(), cfg)

	// the stored file passes the schema
	loaded, err := loadOrCreate(path)
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig(), loaded)
}

func TestDiscoverConfig(t *testing.T) {
	dir := t.TempDir()
	oldUser, oldFlag := userConfigPath, flagConfigFilePath
	t.Cleanup(func() {
		userConfigPath, flagConfigFilePath = oldUser, oldFlag
	})
	userConfigPath = dir
	flagConfigFilePath = ""
	t.Setenv(configEnv, "")

	path, err := discoverConfig()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "wallrelay.yaml"), path)

	flagConfigFilePath = "flag.yaml"
	path, err = discoverConfig()
	require.NoError(t, err)
	require.Equal(t, "flag.yaml", path)

	t.Setenv(configEnv, "env.yaml")
	path, err = discoverConfig()
	require.NoError(t, err)
	require.Equal(t, "env.yaml", path)
}

func TestServerURL(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		":3001":          "http://localhost:3001",
		"0.0.0.0:8080":   "http://localhost:8080",
		"[::]:8080":      "http://localhost:8080",
		"127.0.0.1:3001": "http://127.0.0.1:3001",
		"example:80":     "http://example:80",
	}
	for listen, want := range cases {
		require.Equal(t, want, serverURL(listen), listen)
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	require.NotEmpty(t, out.String())
}
