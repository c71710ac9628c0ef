// Copyright 2020 Google LLC
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
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	telv2 "cloud.google.com/go/cloudsqlconn/internal/tel/v2"
	"cloud.google.com/go/cloudsqlconn/internal/trace"
	"github.com/google/uuid"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

const (
	// defaultTCPKeepAlive is the default keep alive value used on connections
	// to a Cloud SQL instance.
	defaultTCPKeepAlive = 30 * time.Second
	// serverProxyPort is the port the server-side proxy receives connections
	// on.
	serverProxyPort = "3307"
	// iamLoginScope is the OAuth2 scope used for tokens embedded in the
	// ephemeral certificate.
	iamLoginScope = "https://www.googleapis.com/auth/sqlservice.login"
	// defaultFailoverPeriod is the frequency with which the dialer checks if
	// the domain name for an instance has changed.
	defaultFailoverPeriod = 30 * time.Second
	// defaultDialTimeout bounds a single Dial invocation end to end,
	// including name resolution, a blocking refresh when no valid certificate
	// is cached, and the TLS handshake.
	defaultDialTimeout = 30 * time.Second
)

var (
	// ErrDialerClosed is used when a caller invokes Dial after closing the
	// Dialer.
	ErrDialerClosed = errors.New("cloudsqlconn: dialer is closed")
	// versionString indicates the version of this library.
	//go:embed version.txt
	versionString string
	userAgent     = "cloud-sql-go-connector/" + strings.TrimSpace(versionString)
)

type nullLogger struct{}

func (nullLogger) Debugf(context.Context, string, ...interface{}) {}

// keyGenerator encapsulates the details of RSA key generation to provide
// lazy generation, a static key, or generation as part of the Dialer
// initialization.
type keyGenerator struct {
	once    sync.Once
	key     *rsa.PrivateKey
	err     error
	genFunc func() (*rsa.PrivateKey, error)
}

// newKeyGenerator initializes a keyGenerator that will (in order of
// preference):
//
// 1. Use the RSA key provided, or
// 2. Generate an RSA key lazily on the first connection, or
// 3. Generate an RSA key before returning.
func newKeyGenerator(
	k *rsa.PrivateKey, lazy bool, genFunc func() (*rsa.PrivateKey, error),
) (*keyGenerator, error) {
	g := &keyGenerator{genFunc: genFunc}
	switch {
	case k != nil:
		// If the caller has provided a key, initialize the key and consume
		// the sync.Once now.
		g.once.Do(func() { g.key, g.err = k, nil })
	case lazy:
		// If lazy refresh is enabled, do nothing and wait for the call to
		// rsaKey.
	default:
		// Otherwise, generate the key and consume the sync.Once now.
		g.once.Do(func() { g.key, g.err = g.genFunc() })
	}
	return g, g.err
}

// rsaKey will generate an RSA key if one is not yet available.
func (g *keyGenerator) rsaKey() (*rsa.PrivateKey, error) {
	g.once.Do(func() { g.key, g.err = g.genFunc() })
	return g.key, g.err
}

type connectionInfoCache interface {
	ConnectionInfo(context.Context) (cloudsql.ConnectionInfo, error)
	ForceRefresh()
	io.Closer
}

// A Dialer is used to create connections to Cloud SQL instances.
//
// Use NewDialer to initialize a Dialer.
type Dialer struct {
	lock sync.RWMutex
	// cache maps instance connection names to *monitoredCache types.
	cache          map[instance.ConnName]*monitoredCache
	keyGenerator   *keyGenerator
	refreshTimeout time.Duration
	// closed reports if the dialer has been closed.
	closed chan struct{}

	sqladmin *sqladmin.Service
	logger   debug.ContextLogger

	// lazyRefresh determines what kind of caching is used for ephemeral
	// certificates. When lazyRefresh is true, the dialer will use a lazy
	// cache, refresh certificates only when a connection attempt needs a
	// fresh certificate. Otherwise, a refresh ahead cache will be used. The
	// refresh ahead cache assumes a background goroutine may run
	// consistently.
	lazyRefresh bool

	// defaultDialCfg holds the constructor level DialOptions, so that it can
	// be copied and mutated by the Dial function.
	defaultDialCfg dialCfg

	// dialerID uniquely identifies a Dialer. Used for monitoring purposes,
	// *only* when a client has configured OpenCensus exporters.
	dialerID string

	// dialFunc is the function used to connect to the address on the named
	// network. By default it is golang.org/x/net/proxy#Dial.
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	// iamTokenProvider supplies the OAuth2 token used for IAM database
	// authentication.
	iamTokenProvider auth.TokenProvider

	// resolver converts instance names into instance connection names.
	resolver connectionNameResolver

	// failoverPeriod is the frequency with which the dialer will check
	// if the domain name of the instance has changed.
	failoverPeriod time.Duration

	// disableBuiltInTelemetry opts the dialer out of the built-in metric
	// recorder.
	disableBuiltInTelemetry bool

	userAgent string
}

// NewDialer creates a new Dialer.
//
// Initial calls to NewDialer make take longer than normal because generation
// of an RSA keypair is performed. Calls with a WithRSAKey DialOption or after
// a default RSA keypair is generated will be faster.
func NewDialer(ctx context.Context, opts ...Option) (*Dialer, error) {
	cfg, err := newDialerConfig(opts...)
	if err != nil {
		return nil, err
	}

	g, err := newKeyGenerator(cfg.rsaKey, cfg.lazyRefresh,
		func() (*rsa.PrivateKey, error) {
			return rsa.GenerateKey(rand.Reader, 2048)
		})
	if err != nil {
		return nil, err
	}

	clientOpts := append(cfg.clientOpts, cfg.sqladminOpts...)
	client, err := sqladmin.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqladmin client: %v", err)
	}

	dialCfg := dialCfg{
		ipType:       cloudsql.PublicIP,
		tcpKeepAlive: defaultTCPKeepAlive,
		dialTimeout:  defaultDialTimeout,
		useIAMAuthN:  cfg.useIAMAuthN,
	}
	for _, opt := range cfg.dialOpts {
		opt(&dialCfg)
	}

	if err := trace.InitMetrics(); err != nil {
		return nil, err
	}
	d := &Dialer{
		closed:                  make(chan struct{}),
		cache:                   make(map[instance.ConnName]*monitoredCache),
		lazyRefresh:             cfg.lazyRefresh,
		keyGenerator:            g,
		refreshTimeout:          cfg.refreshTimeout,
		sqladmin:                client,
		logger:                  cfg.logger,
		defaultDialCfg:          dialCfg,
		dialerID:                uuid.New().String(),
		iamTokenProvider:        cfg.iamAuthNTokenProvider,
		dialFunc:                cfg.dialFunc,
		resolver:                cfg.resolver,
		failoverPeriod:          cfg.failoverPeriod,
		disableBuiltInTelemetry: cfg.disableBuiltInTelemetry,
		userAgent:               cfg.userAgent,
	}
	return d, nil
}

// Dial returns a net.Conn connected to the specified Cloud SQL instance. The
// icn argument must be the instance's connection name, which is in the
// format "project-name:region:instance-name", or a domain name that resolves
// to the connection name when the dialer is configured with a DNSResolver.
func (d *Dialer) Dial(ctx context.Context, icn string, opts ...DialOption) (conn net.Conn, err error) {
	select {
	case <-d.closed:
		return nil, ErrDialerClosed
	default:
	}
	startTime := time.Now()
	var endDial trace.EndSpanFunc
	ctx, endDial = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn.Dial",
		trace.AddInstanceName(icn),
		trace.AddDialerID(d.dialerID),
	)
	defer func() {
		go trace.RecordDialError(context.Background(), icn, d.dialerID, err)
		endDial(err)
	}()

	cfg := d.defaultDialCfg
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.dialTimeout)
		defer cancel()
	}

	cn, err := d.resolver.Resolve(ctx, icn)
	if err != nil {
		return nil, err
	}

	var endInfo trace.EndSpanFunc
	ctx, endInfo = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn/internal.InstanceInfo")
	cache, hit, err := d.connectionInfoCache(ctx, cn, &cfg.useIAMAuthN)
	if err != nil {
		endInfo(err)
		return nil, err
	}
	attrs := telv2.Attributes{
		IAMAuthN:  cfg.useIAMAuthN,
		UserAgent: d.userAgent,
		CacheHit:  hit,
	}
	status := telv2.DialSuccess
	defer func() {
		a := attrs
		a.DialStatus = status
		latency := time.Since(startTime).Milliseconds()
		go func() {
			cache.metricRecorder.RecordDialCount(context.Background(), a)
			if a.DialStatus == telv2.DialSuccess {
				cache.metricRecorder.RecordDialLatency(context.Background(), latency, a)
			}
		}()
	}()
	ci, err := cache.ConnectionInfo(ctx)
	if err != nil {
		status = telv2.DialCacheError
		d.removeCached(ctx, cn, cache, err)
		endInfo(err)
		return nil, err
	}
	endInfo(err)

	// If the client certificate has expired (as when the computer goes to
	// sleep, and the refresh cycle cannot run), force a refresh immediately.
	// The TLS handshake will not fail on an expired client certificate. It's
	// not until the first read where the client cert error will be surfaced.
	// So check that the certificate is valid before proceeding.
	if !validClientCert(ctx, cn, d.logger, ci.Expiration) {
		d.logger.Debugf(ctx, "[%v] Refreshing certificate now", cn.String())
		cache.ForceRefresh()
		// Block on refreshed connection info
		ci, err = cache.ConnectionInfo(ctx)
		if err != nil {
			status = telv2.DialCacheError
			d.removeCached(ctx, cn, cache, err)
			return nil, err
		}
	}

	addr, err := ci.Addr(cfg.ipType)
	if err != nil {
		status = telv2.DialUserError
		d.removeCached(ctx, cn, cache, err)
		return nil, err
	}

	var connectEnd trace.EndSpanFunc
	ctx, connectEnd = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn/internal.Connect")
	defer func() { connectEnd(err) }()
	hostPort := net.JoinHostPort(addr, serverProxyPort)
	f := d.dialFunc
	if cfg.dialFunc != nil {
		f = cfg.dialFunc
	}
	d.logger.Debugf(ctx, "[%v] Dialing %v", cn.String(), hostPort)
	conn, err = f(ctx, "tcp", hostPort)
	if err != nil {
		status = telv2.DialTCPError
		d.logger.Debugf(ctx, "[%v] Dialing %v failed: %v", cn.String(), hostPort, err)
		// refresh the instance info in case it caused the connection failure
		cache.ForceRefresh()
		return nil, errtype.NewDialError("failed to dial", cn.String(), err)
	}
	if c, ok := conn.(*net.TCPConn); ok {
		if err := c.SetKeepAlive(true); err != nil {
			status = telv2.DialTCPError
			return nil, errtype.NewDialError("failed to set keep-alive", cn.String(), err)
		}
		if err := c.SetKeepAlivePeriod(cfg.tcpKeepAlive); err != nil {
			status = telv2.DialTCPError
			return nil, errtype.NewDialError("failed to set keep-alive period", cn.String(), err)
		}
	}

	tlsConn := tls.Client(conn, ci.TLSConfig())
	err = tlsConn.HandshakeContext(ctx)
	if err != nil {
		status = telv2.DialTLSError
		d.logger.Debugf(ctx, "[%v] TLS handshake failed: %v", cn.String(), err)
		// refresh the instance info in case it caused the handshake failure
		cache.ForceRefresh()
		_ = tlsConn.Close() // best effort close attempt
		return nil, errtype.NewDialError("handshake failed", cn.String(), err)
	}

	latency := time.Since(startTime).Milliseconds()
	n := atomic.AddUint64(cache.openConnsCount, 1)
	go func() {
		trace.RecordOpenConnections(context.Background(), int64(n), d.dialerID, cn.String())
		trace.RecordDialLatency(context.Background(), icn, d.dialerID, latency)
		cache.metricRecorder.RecordOpenConnection(context.Background(), attrs)
	}()

	iConn := newInstrumentedConn(tlsConn, func() {
		n := atomic.AddUint64(cache.openConnsCount, ^uint64(0))
		trace.RecordOpenConnections(context.Background(), int64(n), d.dialerID, cn.String())
		cache.metricRecorder.RecordClosedConnection(context.Background(), attrs)
	}, d.dialerID, cn.String(), cache.metricRecorder, attrs)
	cache.trackConn(iConn)
	return iConn, nil
}

// removeCached stops all background refreshes and deletes the connection
// info cache from the map of caches.
func (d *Dialer) removeCached(
	ctx context.Context, i instance.ConnName, c connectionInfoCache, err error,
) {
	d.logger.Debugf(ctx,
		"[%v] Removing connection info from cache: %v",
		i.String(), err,
	)
	d.lock.Lock()
	defer d.lock.Unlock()
	c.Close()
	delete(d.cache, i)
}

// validClientCert reports whether the ephemeral client certificate in the
// cache is valid.
func validClientCert(
	ctx context.Context, cn instance.ConnName,
	l debug.ContextLogger, expiration time.Time,
) bool {
	// Use UTC() to strip monotonic clock value to guard against inaccurate
	// comparisons, e.g. after the machine wakes from sleep.
	now := time.Now().UTC()
	notAfter := expiration.UTC()
	valid := !now.After(notAfter)
	l.Debugf(ctx,
		"[%v] Now = %v, Current cert expiration = %v",
		cn.String(),
		now.Format(time.RFC3339),
		notAfter.Format(time.RFC3339),
	)
	l.Debugf(ctx, "[%v] Cert is valid = %v", cn.String(), valid)
	return valid
}

// EngineVersion returns the engine type and version for the instance
// connection name. The value will correspond to one of the following types
// for the instance:
// https://cloud.google.com/sql/docs/mysql/admin-api/rest/v1beta4/SqlDatabaseVersion
func (d *Dialer) EngineVersion(ctx context.Context, icn string) (string, error) {
	cn, err := d.resolver.Resolve(ctx, icn)
	if err != nil {
		return "", err
	}
	cfg := d.defaultDialCfg
	cache, _, err := d.connectionInfoCache(ctx, cn, &cfg.useIAMAuthN)
	if err != nil {
		return "", err
	}
	ci, err := cache.ConnectionInfo(ctx)
	if err != nil {
		d.removeCached(ctx, cn, cache, err)
		return "", err
	}
	return ci.DBVersion, nil
}

// Warmup starts the background refresh necessary to connect to the instance.
// Use Warmup to start the refresh process early if you don't know when you'll
// need to call Dial.
func (d *Dialer) Warmup(ctx context.Context, icn string, opts ...DialOption) error {
	cn, err := d.resolver.Resolve(ctx, icn)
	if err != nil {
		return err
	}
	cfg := d.defaultDialCfg
	for _, opt := range opts {
		opt(&cfg)
	}
	_, _, err = d.connectionInfoCache(ctx, cn, &cfg.useIAMAuthN)
	return err
}

// newInstrumentedConn initializes an instrumentedConn that on closing will
// decrement the number of open connects and record the result.
func newInstrumentedConn(
	conn net.Conn,
	closeFunc func(),
	dialerID, connName string,
	mr telv2.MetricRecorder,
	attrs telv2.Attributes,
) *instrumentedConn {
	return &instrumentedConn{
		Conn:           conn,
		closeFunc:      closeFunc,
		dialerID:       dialerID,
		connName:       connName,
		metricRecorder: mr,
		attrs:          attrs,
	}
}

// instrumentedConn wraps a net.Conn and invokes closeFunc when the connection
// is closed.
type instrumentedConn struct {
	net.Conn
	closeFunc      func()
	dialerID       string
	connName       string
	metricRecorder telv2.MetricRecorder
	attrs          telv2.Attributes

	mu     sync.Mutex
	closed bool
}

// Read delegates to the underlying net.Conn interface and records the number
// of bytes read.
func (i *instrumentedConn) Read(b []byte) (int, error) {
	bytesRead, err := i.Conn.Read(b)
	if err == nil {
		go func() {
			trace.RecordBytesReceived(context.Background(), int64(bytesRead), i.connName, i.dialerID)
			i.metricRecorder.RecordBytesRxCount(context.Background(), int64(bytesRead), i.attrs)
		}()
	}
	return bytesRead, err
}

// Write delegates to the underlying net.Conn interface and records the number
// of bytes written.
func (i *instrumentedConn) Write(b []byte) (int, error) {
	bytesWritten, err := i.Conn.Write(b)
	if err == nil {
		go func() {
			trace.RecordBytesSent(context.Background(), int64(bytesWritten), i.connName, i.dialerID)
			i.metricRecorder.RecordBytesTxCount(context.Background(), int64(bytesWritten), i.attrs)
		}()
	}
	return bytesWritten, err
}

// isClosed reports whether the connection has been closed.
func (i *instrumentedConn) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Close delegates to the underlying net.Conn interface and reports the close
// to the provided closeFunc only when Close returns no error.
func (i *instrumentedConn) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	err := i.Conn.Close()
	if err != nil {
		return err
	}
	go i.closeFunc()
	return nil
}

// Close closes the Dialer; it prevents the Dialer from refreshing the
// information needed to connect and closes all open connections.
func (d *Dialer) Close() error {
	// Check if Close has already been called.
	select {
	case <-d.closed:
		return nil
	default:
	}
	close(d.closed)

	d.lock.Lock()
	defer d.lock.Unlock()
	for _, i := range d.cache {
		_ = i.Close()
	}
	return nil
}

// connectionInfoCache is a helper function for returning the appropriate
// connection info cache in a threadsafe way. It will create a new cache,
// replace one that has been closed, or return an existing one. The boolean
// return value reports whether the cache was already present.
func (d *Dialer) connectionInfoCache(
	ctx context.Context, cn instance.ConnName, useIAMAuthN *bool,
) (*monitoredCache, bool, error) {
	d.lock.RLock()
	c, ok := d.cache[cn]
	d.lock.RUnlock()
	if !ok || c.isClosed() {
		d.lock.Lock()
		defer d.lock.Unlock()
		// Recheck to ensure the cache wasn't created or replaced between the
		// locks.
		c, ok = d.cache[cn]
		if !ok || c.isClosed() {
			var useIAMAuthNDial bool
			if useIAMAuthN != nil {
				useIAMAuthNDial = *useIAMAuthN
			}

			key, err := d.keyGenerator.rsaKey()
			if err != nil {
				return nil, false, err
			}

			mr := telv2.NewMetricRecorder(ctx, d.logger, telv2.Config{
				Enabled:   !d.disableBuiltInTelemetry,
				Version:   strings.TrimSpace(versionString),
				ClientID:  d.dialerID,
				ProjectID: cn.Project(),
				Location:  cn.Region(),
				Instance:  cn.Name(),
			})

			d.logger.Debugf(ctx, "[%v] Connection info added to cache", cn.String())
			var cache connectionInfoCache
			if d.lazyRefresh {
				cache = cloudsql.NewLazyRefreshCache(
					cn,
					d.logger,
					d.sqladmin, key,
					d.refreshTimeout, d.iamTokenProvider,
					d.dialerID, useIAMAuthNDial,
					d.userAgent, mr,
				)
			} else {
				cache = cloudsql.NewRefreshAheadCache(
					cn,
					d.logger,
					d.sqladmin, key,
					d.refreshTimeout, d.iamTokenProvider,
					d.dialerID, useIAMAuthNDial,
					d.userAgent, mr,
				)
			}
			c = newMonitoredCache(
				cache, cn, useIAMAuthNDial,
				d.failoverPeriod, d.resolver, d.logger, mr,
			)
			d.cache[cn] = c
			return c, false, nil
		}
	}

	if useIAMAuthN != nil && c.useIAMAuthNDial != *useIAMAuthN {
		return nil, true, errtype.NewConfigError(
			fmt.Sprintf(
				"IAM Authentication setting (%t) does not match the setting used when the connection info cache was created (%t)",
				*useIAMAuthN, c.useIAMAuthNDial,
			),
			cn.String(),
		)
	}
	return c, true, nil
}
