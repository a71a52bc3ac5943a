// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package initiator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"iscsikit/pkg/logger"
)

// Dial connects to a portal and logs in. The returned session is in the
// full feature phase.
func Dial(ctx context.Context, address string, config Config) (*Session, error) {
	dialer := net.Dialer{Timeout: config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	session := newSession(conn, config)
	if err := session.login(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("login to %s: %w", address, err)
	}
	go session.readLoop()
	return session, nil
}

// DialWithRetry repeats Dial until it succeeds, policy gives up or ctx
// ends. Logins the target refuses for initiator errors are not retried.
// A nil policy retries with exponential backoff for 30 seconds.
func DialWithRetry(ctx context.Context, address string, config Config, policy backoff.BackOff) (*Session, error) {
	if policy == nil {
		exponentialBackoff := backoff.NewExponentialBackOff()
		exponentialBackoff.InitialInterval = 100 * time.Millisecond
		exponentialBackoff.MaxElapsedTime = 30 * time.Second
		policy = exponentialBackoff
	}
	log := logger.GetLogger().WithField("target", address)
	attempt := 0
	return backoff.RetryWithData(
		func() (*Session, error) {
			attempt++
			session, err := Dial(ctx, address, config)
			if err == nil {
				return session, nil
			}
			var refused *LoginError
			if errors.As(err, &refused) && !refused.Retryable() {
				return nil, backoff.Permanent(err)
			}
			log.Debugf("attempt %d failed: %v", attempt, err)
			return nil, err
		},
		backoff.WithContext(policy, ctx))
}
