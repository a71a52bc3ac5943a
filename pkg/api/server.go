// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package api is the control plane of the target daemon: one JSON request
// per line over a unix socket, answered by one JSON response line.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strings"
	"sync"

	"iscsikit/pkg/iscsi_target"
	"iscsikit/pkg/logger"
)

const DefaultSocketPath = "/tmp/iscsikit.sock"

const delimiter = byte('\n')

type DemonApiServer struct {
	handler       *DemonApiHandler
	socketAddress string
	log           *logger.Logger
}

func NewApiServer(iscsiTargetDriver *iscsi_target.ISCSITargetDriver, socketAddress string) *DemonApiServer {
	if socketAddress == "" {
		socketAddress = DefaultSocketPath
	}
	return &DemonApiServer{
		handler:       &DemonApiHandler{iscsiTargetDriver: iscsiTargetDriver},
		socketAddress: socketAddress,
		log:           logger.GetLogger().WithField("socket", socketAddress),
	}
}

func (server *DemonApiServer) HandleConnection(connection net.Conn) {
	defer func() {
		err := connection.Close()
		if err != nil {
			server.log.Warning(err)
		}
	}()
	reader := bufio.NewReader(connection)
	requestBytes, err := reader.ReadBytes(delimiter)
	if err != nil {
		server.log.Warningf("reading request: %v", err)
		return
	}
	request, err := ParseRequest(requestBytes[:len(requestBytes)-1])
	if err != nil {
		server.log.Warningf("malformed request: %v", err)
		server.sendResponse(connection, ErrorResponse(err))
		return
	}
	server.log.Debugf("handling %s", request.Type)
	response := server.handler.HandleRequest(request)
	if response.Error != "" {
		server.log.Infof("%s failed: %s", request.Type, response.Error)
	}
	server.sendResponse(connection, response)
}

func (server *DemonApiServer) sendResponse(connection net.Conn, response Response) {
	response.Error = strings.Replace(response.Error, "\n", `\n`, -1)
	result, err := json.Marshal(response)
	if err != nil {
		server.log.Error(err)
		return
	}
	_, err = connection.Write(append(result, delimiter))
	if err != nil {
		server.log.Warningf("sending response: %v", err)
	}
}

// Listen replaces a stale socket file and starts listening on it.
func (server *DemonApiServer) Listen() (net.Listener, error) {
	if err := os.RemoveAll(server.socketAddress); err != nil {
		return nil, err
	}
	return net.Listen("unix", server.socketAddress)
}

// Serve answers requests on listener until ctx is done.
func (server *DemonApiServer) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()
	var connections sync.WaitGroup
	defer connections.Wait()
	for {
		connection, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		connections.Add(1)
		go func() {
			defer connections.Done()
			server.HandleConnection(connection)
		}()
	}
}

// Run listens on the socket and serves until ctx is done.
func (server *DemonApiServer) Run(ctx context.Context) error {
	listener, err := server.Listen()
	if err != nil {
		return err
	}
	server.log.Infof("api listening")
	defer func() {
		_ = os.Remove(server.socketAddress)
	}()
	return server.Serve(ctx, listener)
}
