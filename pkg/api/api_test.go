// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iscsikit/pkg/initiator"
	"iscsikit/pkg/iscsi_target"
	"iscsikit/pkg/scsi"
)

const testTargetName = "iqn.2018-01.com.example:api"

type testDaemon struct {
	driver *iscsi_target.ISCSITargetDriver
	client ClientRequester
	socket string
}

func startDaemon(t *testing.T) *testDaemon {
	t.Helper()
	// Unix socket paths are short, keep it out of the test name.
	directory, err := os.MkdirTemp("", "iscsikit")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(directory) })
	socket := filepath.Join(directory, "api.sock")

	options := iscsi_target.DefaultOptions()
	options.NopInterval = 0
	driver := iscsi_target.NewISCSITargetDriver(scsi.NewTargetService(), options)
	server := NewApiServer(driver, socket)
	listener, err := server.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, server.Serve(ctx, listener))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return &testDaemon{driver: driver, client: NewApiRequester(socket), socket: socket}
}

func rawRequest(t *testing.T, socket string, line string) Response {
	t.Helper()
	connection, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer connection.Close()
	require.NoError(t, connection.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = connection.Write([]byte(line + "\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(connection).ReadBytes('\n')
	require.NoError(t, err)
	response := Response{}
	require.NoError(t, json.Unmarshal(reply, &response))
	return response
}

func TestTargetLifecycle(t *testing.T) {
	daemon := startDaemon(t)
	client := daemon.client

	require.NoError(t, client.PerformAddTarget(testTargetName, "api"))
	assert.Error(t, client.PerformAddTarget(testTargetName, ""))

	attached, err := client.PerformAttach(scsi.MemoryPath, testTargetName, 1<<20, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), attached.LogicalUnitId)
	assert.Equal(t, uint64(1<<20), attached.Size)
	assert.Equal(t, "Successfully attached 1.0 MiB disk at lun 0", attached.ToCmdlineOutput())

	second, err := client.PerformAttach(scsi.MemoryPath, testTargetName, 1<<20, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), second.LogicalUnitId)

	list, err := client.PerformList()
	require.NoError(t, err)
	require.Contains(t, *list, testTargetName)
	target := (*list)[testTargetName]
	require.Len(t, target.LogicalUnits, 2)
	assert.Equal(t, scsi.MemoryPath, target.LogicalUnits[0].FilePath)
	assert.False(t, target.HasConnections)
	assert.Contains(t, list.ToCmdlineOutput(), "Lun size: 1.0 MiB")

	// A target with logical units cannot be deleted.
	assert.Error(t, client.PerformDeleteTarget(testTargetName))

	detached, err := client.PerformDetachLun(testTargetName, 1)
	require.NoError(t, err)
	assert.Equal(t, scsi.MemoryPath, detached.FilePath)
	_, err = client.PerformDetachLun(testTargetName, 1)
	assert.Error(t, err)
	_, err = client.PerformDetachLun(testTargetName, 1<<15)
	assert.Error(t, err)

	cleared, err := client.PerformClearTarget(testTargetName)
	require.NoError(t, err)
	assert.Equal(t, []string{scsi.MemoryPath}, cleared.FreedLogicalUnitPaths)

	require.NoError(t, client.PerformDeleteTarget(testTargetName))
	list, err = client.PerformList()
	require.NoError(t, err)
	assert.Empty(t, *list)
}

func TestRequestErrors(t *testing.T) {
	daemon := startDaemon(t)
	client := daemon.client

	_, err := client.PerformAttach(scsi.MemoryPath, "iqn.2018-01.com.example:missing", 1<<20, 0)
	var failed *ErrApiRequestFailed
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Error(), "does not exist")

	assert.ErrorAs(t, client.PerformAddTarget("", ""), &failed)

	response := rawRequest(t, daemon.socket, `{"type":"RESIZE","command":{}}`)
	assert.Equal(t, TypeEmptyResponse, response.Type)
	assert.Equal(t, "unknown request type RESIZE", response.Error)

	response = rawRequest(t, daemon.socket, `{"type":`)
	assert.NotEmpty(t, response.Error)

	response = rawRequest(t, daemon.socket, `{"type":"ATTACH","command":{"disk_path":1}}`)
	assert.NotEmpty(t, response.Error)
}

func TestSessions(t *testing.T) {
	daemon := startDaemon(t)
	require.NoError(t, daemon.client.PerformAddTarget(testTargetName, ""))
	_, err := daemon.client.PerformAttach(scsi.MemoryPath, testTargetName, 1<<20, 0)
	require.NoError(t, err)

	sessions, err := daemon.client.PerformSessions()
	require.NoError(t, err)
	assert.Empty(t, *sessions)
	assert.Equal(t, "No sessions", sessions.ToCmdlineOutput())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = daemon.driver.Serve(ctx, listener)
	}()
	defer wg.Wait()
	defer cancel()

	config := initiator.DefaultConfig("iqn.2018-01.com.example:client", testTargetName)
	session, err := initiator.Dial(ctx, listener.Addr().String(), config)
	require.NoError(t, err)
	defer session.Close()

	sessions, err = daemon.client.PerformSessions()
	require.NoError(t, err)
	require.Len(t, *sessions, 1)
	described := (*sessions)[0]
	assert.Equal(t, session.TSIH(), described.TSIH)
	assert.Equal(t, "iqn.2018-01.com.example:client", described.InitiatorName)
	assert.Equal(t, testTargetName, described.TargetName)
	assert.Len(t, described.Connections, 1)
	assert.True(t, strings.Contains(sessions.ToCmdlineOutput(), testTargetName))

	list, err := daemon.client.PerformList()
	require.NoError(t, err)
	assert.True(t, (*list)[testTargetName].HasConnections)

	require.NoError(t, session.Logout(ctx))
}
