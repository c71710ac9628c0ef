// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudsqlconn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	telv2 "cloud.google.com/go/cloudsqlconn/internal/tel/v2"
)

// metricShutdownTimeout bounds the final metric export when a cache closes.
const metricShutdownTimeout = 5 * time.Second

// monitoredCache is a wrapper around a connectionInfoCache that tracks the
// number of open connections to the associated instance and, when the
// instance was configured with a domain name, watches the domain name for
// changes to the underlying instance.
type monitoredCache struct {
	// openConnsCount tracks the number of open connections for the instance.
	openConnsCount *uint64

	cn instance.ConnName
	// useIAMAuthNDial records the IAM AuthN setting the cache was created
	// with. Ephemeral certificates embed a login token when it is true, so
	// the same instance cannot be dialed with a different setting without
	// recreating the cache.
	useIAMAuthNDial bool
	resolver        connectionNameResolver
	logger          debug.ContextLogger
	failoverPeriod  time.Duration
	metricRecorder  telv2.MetricRecorder

	// closed is closed once when the cache is closed.
	closed chan struct{}

	mu        sync.Mutex
	openConns []*instrumentedConn

	connectionInfoCache
}

func newMonitoredCache(
	cache connectionInfoCache,
	cn instance.ConnName,
	useIAMAuthNDial bool,
	failoverPeriod time.Duration,
	resolver connectionNameResolver,
	logger debug.ContextLogger,
	mr telv2.MetricRecorder,
) *monitoredCache {
	c := &monitoredCache{
		openConnsCount:      new(uint64),
		cn:                  cn,
		useIAMAuthNDial:     useIAMAuthNDial,
		resolver:            resolver,
		logger:              logger,
		failoverPeriod:      failoverPeriod,
		metricRecorder:      mr,
		closed:              make(chan struct{}),
		connectionInfoCache: cache,
	}
	if cn.HasDomainName() && failoverPeriod > 0 {
		go c.pollDomainName()
	}
	return c
}

// pollDomainName periodically re-resolves the domain name that produced the
// instance connection name. When the domain name resolves to a different
// instance, the cache closes itself and force-closes all open connections so
// that callers reconnect to the new instance. Closed connections are purged
// from the registry on the same schedule. Transient resolution failures are
// logged and otherwise ignored.
func (c *monitoredCache) pollDomainName() {
	ticker := time.NewTicker(c.failoverPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.purgeClosedConns()

			ctx, cancel := context.WithTimeout(
				context.Background(), c.failoverPeriod,
			)
			cn, err := c.resolver.Resolve(ctx, c.cn.DomainName())
			if err != nil {
				c.logger.Debugf(ctx,
					"domain name %v did not resolve: %v",
					c.cn.DomainName(), err,
				)
				cancel()
				continue
			}
			if cn != c.cn {
				c.logger.Debugf(ctx,
					"domain name %v changed from %v to %v, closing all connections",
					c.cn.DomainName(), c.cn.String(), cn.String(),
				)
				cancel()
				_ = c.Close()
				return
			}
			cancel()
		}
	}
}

// purgeClosedConns removes closed connections from the registry of open
// connections.
func (c *monitoredCache) purgeClosedConns() {
	c.mu.Lock()
	defer c.mu.Unlock()
	open := make([]*instrumentedConn, 0, len(c.openConns))
	for _, conn := range c.openConns {
		if !conn.isClosed() {
			open = append(open, conn)
		}
	}
	c.openConns = open
}

// trackConn registers the connection with the cache so that it may be
// force-closed when the cache closes.
func (c *monitoredCache) trackConn(conn *instrumentedConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openConns = append(c.openConns, conn)
}

func (c *monitoredCache) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ConnectionInfo returns the cached connection info, failing fast when the
// cache has been closed.
func (c *monitoredCache) ConnectionInfo(ctx context.Context) (cloudsql.ConnectionInfo, error) {
	if c.isClosed() {
		return cloudsql.ConnectionInfo{}, errtype.NewDialError(
			"cache is closed", c.cn.String(), nil,
		)
	}
	return c.connectionInfoCache.ConnectionInfo(ctx)
}

// ForceRefresh invalidates the cached connection info. It is a no-op after
// the cache has closed.
func (c *monitoredCache) ForceRefresh() {
	if c.isClosed() {
		return
	}
	c.connectionInfoCache.ForceRefresh()
}

// Close closes the wrapped cache, force-closes any connections still open
// for the instance, and shuts down the metric recorder. It is safe to call
// multiple times.
func (c *monitoredCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return nil
	}
	close(c.closed)

	err := c.connectionInfoCache.Close()

	if atomic.LoadUint64(c.openConnsCount) > 0 {
		for _, conn := range c.openConns {
			if !conn.isClosed() {
				_ = conn.Close() // force close the connection
			}
		}
	}

	// Shut down the metric recorder off the calling goroutine to avoid
	// blocking the caller on the final metric export.
	go func() {
		sCtx, cancel := context.WithTimeout(
			context.Background(), metricShutdownTimeout,
		)
		defer cancel()
		if sErr := c.metricRecorder.Shutdown(sCtx); sErr != nil {
			c.logger.Debugf(sCtx,
				"[%v] failed to shut down metric recorder: %v",
				c.cn.String(), sErr,
			)
		}
	}()
	return err
}
