// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iscsikit/pkg/api"
	"iscsikit/pkg/iscsi_target"
	"iscsikit/pkg/scsi"
)

const testTargetName = "iqn.2018-01.com.example:cli"

type testDaemon struct {
	socket string
	portal string
}

func startDaemon(t *testing.T) *testDaemon {
	t.Helper()
	directory, err := os.MkdirTemp("", "iscsikit")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(directory) })
	socket := filepath.Join(directory, "api.sock")

	options := iscsi_target.DefaultOptions()
	options.NopInterval = 0
	driver := iscsi_target.NewISCSITargetDriver(scsi.NewTargetService(), options)
	server := api.NewApiServer(driver, socket)
	apiListener, err := server.Listen()
	require.NoError(t, err)
	portalListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = server.Serve(ctx, apiListener)
	}()
	go func() {
		defer wg.Done()
		_ = driver.Serve(ctx, portalListener)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return &testDaemon{socket: socket, portal: portalListener.Addr().String()}
}

// run parses and performs one command line, returning what it printed.
func run(t *testing.T, daemon *testDaemon, args ...string) (string, error) {
	t.Helper()
	output := &bytes.Buffer{}
	client := NewClient(daemon.socket, output)
	require.NoError(t, client.Commands().Parse(append([]string{"iscsiadm"}, args...)))
	err := client.PerformCommand()
	return output.String(), err
}

func TestAdministration(t *testing.T) {
	daemon := startDaemon(t)

	_, err := run(t, daemon, CommandAddTarget, "-t", testTargetName, "-a", "cli")
	require.NoError(t, err)

	output, err := run(t, daemon, CommandAttach, "-d", scsi.MemoryPath, "-t", testTargetName, "-s", "2MiB")
	require.NoError(t, err)
	assert.Equal(t, "Successfully attached 2.0 MiB disk at lun 0\n", output)

	_, err = run(t, daemon, CommandAttach, "-d", scsi.MemoryPath, "-t", testTargetName, "-s", "two")
	assert.Error(t, err)
	_, err = run(t, daemon, CommandAttach, "-d", scsi.MemoryPath, "-t", testTargetName, "-s", "1MiB", "-b", "x")
	assert.Error(t, err)

	output, err = run(t, daemon, CommandListTargets)
	require.NoError(t, err)
	assert.Contains(t, output, "Target: "+testTargetName)
	assert.Contains(t, output, "Lun size: 2.0 MiB")

	output, err = run(t, daemon, CommandSessions)
	require.NoError(t, err)
	assert.Equal(t, "No sessions\n", output)

	output, err = run(t, daemon, CommandDiscover, "-p", daemon.portal)
	require.NoError(t, err)
	assert.Equal(t, daemon.portal+",1 "+testTargetName+"\n", output)

	output, err = run(t, daemon, CommandProbe, "-p", daemon.portal, "-t", testTargetName)
	require.NoError(t, err)
	assert.Contains(t, output, "Logged in to "+testTargetName)
	assert.Contains(t, output, "Lun 0: 2.0 MiB, 4096 blocks of 512 bytes")

	_, err = run(t, daemon, CommandDetachLun, "-t", testTargetName, "-l", "zero")
	assert.Error(t, err)
	output, err = run(t, daemon, CommandDetachLun, "-t", testTargetName, "-l", "0")
	require.NoError(t, err)
	assert.Contains(t, output, scsi.MemoryPath)

	output, err = run(t, daemon, CommandClearTarget, "-t", testTargetName)
	require.NoError(t, err)
	assert.Contains(t, output, "freed disks")

	_, err = run(t, daemon, CommandDeleteTarget, "-t", testTargetName)
	require.NoError(t, err)
	_, err = run(t, daemon, CommandDeleteTarget, "-t", testTargetName)
	assert.Error(t, err)
}

func TestProbeMissingTarget(t *testing.T) {
	daemon := startDaemon(t)
	_, err := run(t, daemon, CommandProbe, "-p", daemon.portal, "-t", "iqn.2018-01.com.example:missing")
	assert.Error(t, err)
}
