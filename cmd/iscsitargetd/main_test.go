// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iscsikit/pkg/api"
	"iscsikit/pkg/config"
	"iscsikit/pkg/scsi"
)

const testConfig = `
portals: ["127.0.0.1:0"]
nop:
  interval: 0s
targets:
  - name: iqn.2018-01.com.example:first
    alias: first
    luns:
      - path: ":memory:"
        size: 1MiB
      - path: ":memory:"
        size: 4MiB
        block_size: 4096
  - name: iqn.2018-01.com.example:second
`

func loadConfig(t *testing.T, text string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iscsikit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0600))
	settings, err := config.Load(path)
	require.NoError(t, err)
	return settings
}

func TestNewDriverCreatesConfiguredTargets(t *testing.T) {
	driver, err := newDriver(loadConfig(t, testConfig))
	require.NoError(t, err)

	targets := driver.List()
	require.Len(t, targets, 2)
	first := targets["iqn.2018-01.com.example:first"]
	require.Len(t, first.LogicalUnits, 2)
	assert.Equal(t, scsi.MemoryPath, first.LogicalUnits[0].FilePath)
	assert.Equal(t, uint64(4<<20), first.LogicalUnits[1].Size)
	assert.Empty(t, targets["iqn.2018-01.com.example:second"].LogicalUnits)
}

func TestNewDriverRejectsBadLun(t *testing.T) {
	settings := loadConfig(t, testConfig)
	settings.Targets[1].LUNs = []config.LUNConfig{{Path: filepath.Join(t.TempDir(), "missing", "disk.img")}}
	_, err := newDriver(settings)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	settings := loadConfig(t, testConfig)
	directory, err := os.MkdirTemp("", "iscsikit")
	require.NoError(t, err)
	defer os.RemoveAll(directory)
	settings.API.Socket = filepath.Join(directory, "api.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, settings)
	}()

	require.Eventually(t, func() bool {
		connection, err := net.Dial("unix", settings.API.Socket)
		if err != nil {
			return false
		}
		_ = connection.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
	list, err := api.NewApiRequester(settings.API.Socket).PerformList()
	require.NoError(t, err)
	assert.Len(t, *list, 2)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
