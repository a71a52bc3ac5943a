// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"iscsikit/pkg/logger"
)

const (
	keepAlivePeriod   = 60 * time.Second
	keepAliveInterval = 5
	keepAliveCount    = 2
)

func setKeepaliveParameters(
	connection *net.TCPConn,
	keepAlivePeriod time.Duration,
	keepAliveInterval int,
	keepAliveCount int,
) error {
	// keepAlivePeriod - idle time before the first probe
	// keepAliveInterval - seconds between unanswered probes
	// keepAliveCount - probes sent before the connection is dropped
	if err := connection.SetKeepAlive(true); err != nil {
		return err
	}
	if err := connection.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
		return err
	}
	rawConn, err := connection.SyscallConn()
	if err != nil {
		return err
	}
	var connectionErr error
	err = rawConn.Control(
		func(fdPtr uintptr) {
			fd := int(fdPtr)
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepAliveCount); err != nil {
				connectionErr = err
				return
			}
			connectionErr = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepAliveInterval)
		})
	if err != nil {
		return err
	}
	return connectionErr
}

func prepareConnection(connection net.Conn) error {
	tcpConnection, ok := connection.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := setKeepaliveParameters(tcpConnection, keepAlivePeriod, keepAliveInterval, keepAliveCount); err != nil {
		return err
	}
	return tcpConnection.SetNoDelay(true)
}

// serveListener accepts connections until ctx is done and hands each one
// to handler, which must not block.
func serveListener(ctx context.Context, listener net.Listener, handler func(connection net.Conn)) error {
	log := logger.GetLogger()
	log.Infof("iSCSI service listening on: %v", listener.Addr())
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()
	for {
		connection, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error(err)
			continue
		}
		if err := prepareConnection(connection); err != nil {
			log.Error(err)
			if err := connection.Close(); err != nil {
				log.Error(err)
			}
			continue
		}
		log.Info("connection establishing at: ", connection.LocalAddr().String())
		handler(connection)
	}
}
