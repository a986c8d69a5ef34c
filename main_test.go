package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ops-broadcaster/pkg/config"
	"github.com/ops-broadcaster/pkg/metrics"
	"github.com/ops-broadcaster/pkg/registry"
	"github.com/ops-broadcaster/pkg/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestStartRefresh_OneShotCompletesBeforeReturn(t *testing.T) {
	serversFile := writeFile(t, "servers.yaml", "servers: [\"10.0.0.3:9003\"]\n")
	cfg, err := config.LoadConfig(writeFile(t, "config.yaml",
		"broadcaster:\n  servers: [\"10.0.0.1:9001\"]\nautoupdate:\n  enabled: true\n  refresh: 0\n  file: "+serversFile+"\n"))
	require.NoError(t, err)

	servers, err := cfg.ParsedServers()
	require.NoError(t, err)
	reg := registry.New()
	for _, s := range servers {
		reg.Add(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	watcher, closer, err := startRefresh(ctx, &wg, cfg, reg, servers, metrics.NewCollector(reg.Len))
	require.NoError(t, err)
	assert.Nil(t, watcher)
	assert.Nil(t, closer)

	// no waiting: the listeners open right after startRefresh returns
	assert.Equal(t, []routing.Endpoint{
		{Host: "10.0.0.1", Port: 9001},
		{Host: "10.0.0.3", Port: 9003},
	}, reg.Snapshot())
	wg.Wait()
}

func TestStartRefresh_Disabled(t *testing.T) {
	cfg, err := config.LoadConfig(writeFile(t, "config.yaml", "broadcaster:\n  servers: [\"10.0.0.1:9001\"]\n"))
	require.NoError(t, err)

	reg := registry.New()
	var wg sync.WaitGroup
	watcher, closer, err := startRefresh(context.Background(), &wg, cfg, reg, nil, metrics.NewCollector(reg.Len))
	require.NoError(t, err)
	assert.Nil(t, watcher)
	assert.Nil(t, closer)
	assert.Zero(t, reg.Len())
}
