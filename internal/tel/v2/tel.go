// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tel provides telemetry into the connector's internal operations.
package tel

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/api/option"

	"cloud.google.com/go/cloudsqlconn/debug"
	cmexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// DefaultExportInterval is the interval at which accumulated metrics are
// sent to Cloud Monitoring.
var DefaultExportInterval = 60 * time.Second

const (
	meterName         = "cloudsql.googleapis.com/client/connector"
	monitoredResource = "cloudsql.googleapis.com/InstanceClient"
	dialCount         = "dial_count"
	dialLatency       = "dial_latencies"
	openConnections   = "open_connections"
	bytesSent         = "bytes_sent_count"
	bytesReceived     = "bytes_received_count"
	refreshCount      = "refresh_count"
	// ProjectID specifies the instance's parent project.
	ProjectID = "project_id"
	// Location specifies the instance's region (aka location).
	Location = "location"
	// Instance specifies the instance name.
	Instance = "instance_id"
	// ClientID is a unique ID specifying the instance of the
	// cloudsqlconn.Dialer.
	ClientID = "client_uid"
	// connectorType is one of go or auth_proxy
	connectorType = "connector_type"
	// authType is one of iam or built_in
	authType = "auth_type"
	// isCacheHit reports whether connection info was available in the cache
	isCacheHit = "is_cache_hit"
	// status indicates whether the dial attempt succeeded or not.
	status = "status"
	// refreshType indicates whether the cache is a refresh ahead cache or a
	// lazy cache.
	refreshType = "refresh_type"
	// DialSuccess indicates the dial attempt succeeded.
	DialSuccess = "success"
	// DialUserError indicates the dial attempt failed due to a user mistake.
	DialUserError = "user_error"
	// DialCacheError indicates the dialer failed to retrieve the cached
	// connection info.
	DialCacheError = "cache_error"
	// DialTCPError indicates a TCP-level error.
	DialTCPError = "tcp_error"
	// DialTLSError indicates an error with the TLS connection.
	DialTLSError = "tls_error"
	// RefreshSuccess indicates the refresh operation to retrieve new
	// connection info succeeded.
	RefreshSuccess = "success"
	// RefreshFailure indicates the refresh operation failed.
	RefreshFailure = "failure"
	// RefreshAheadType indicates the dialer is using a refresh ahead cache.
	RefreshAheadType = "refresh_ahead"
	// RefreshLazyType indicates the dialer is using a lazy cache.
	RefreshLazyType = "lazy"
)

// MetricRecorder holds the various counters that track internal operations.
type MetricRecorder interface {
	// RecordBytesRxCount records the number of bytes received for a
	// particular instance.
	RecordBytesRxCount(ctx context.Context, bytes int64, a Attributes)
	// RecordBytesTxCount records the number of bytes sent for a particular
	// instance.
	RecordBytesTxCount(ctx context.Context, bytes int64, a Attributes)
	// RecordDialCount increments the number of dial attempts.
	RecordDialCount(ctx context.Context, a Attributes)
	// RecordDialLatency records a latency measurement for a particular dial
	// attempt.
	RecordDialLatency(ctx context.Context, latencyMS int64, a Attributes)
	// RecordOpenConnection increments the number of open connections.
	RecordOpenConnection(ctx context.Context, a Attributes)
	// RecordClosedConnection decrements the number of open connections.
	RecordClosedConnection(ctx context.Context, a Attributes)
	// RecordRefreshCount records the result of a refresh operation.
	RecordRefreshCount(ctx context.Context, a Attributes)
	// Shutdown flushes and stops the export pipeline.
	Shutdown(ctx context.Context) error
}

// Config holds all the necessary information to configure a MetricRecorder.
type Config struct {
	Enabled   bool
	Version   string
	ClientID  string
	ProjectID string
	Location  string
	Instance  string
}

// Attributes holds all the various pieces of metadata to attach to a metric.
type Attributes struct {
	IAMAuthN      bool
	UserAgent     string
	CacheHit      bool
	DialStatus    string
	RefreshStatus string
	RefreshType   string
}

// NullMetricRecorder implements MetricRecorder and does nothing.
type NullMetricRecorder struct{}

// RecordBytesRxCount does nothing.
func (NullMetricRecorder) RecordBytesRxCount(context.Context, int64, Attributes) {}

// RecordBytesTxCount does nothing.
func (NullMetricRecorder) RecordBytesTxCount(context.Context, int64, Attributes) {}

// RecordDialCount does nothing.
func (NullMetricRecorder) RecordDialCount(context.Context, Attributes) {}

// RecordDialLatency does nothing.
func (NullMetricRecorder) RecordDialLatency(context.Context, int64, Attributes) {}

// RecordOpenConnection does nothing.
func (NullMetricRecorder) RecordOpenConnection(context.Context, Attributes) {}

// RecordClosedConnection does nothing.
func (NullMetricRecorder) RecordClosedConnection(context.Context, Attributes) {}

// RecordRefreshCount does nothing.
func (NullMetricRecorder) RecordRefreshCount(context.Context, Attributes) {}

// Shutdown does nothing.
func (NullMetricRecorder) Shutdown(context.Context) error { return nil }

// NewMetricRecorder creates a MetricRecorder for a single instance
// connection name. When the config disables telemetry, or when any part of
// the export pipeline fails to initialize, the returned recorder silently
// does nothing. Telemetry problems never block connecting.
func NewMetricRecorder(ctx context.Context, l debug.ContextLogger, cfg Config, opts ...option.ClientOption) MetricRecorder {
	if !cfg.Enabled {
		return NullMetricRecorder{}
	}
	expOpts := []cmexporter.Option{
		cmexporter.WithCreateServiceTimeSeries(),
		cmexporter.WithProjectID(cfg.ProjectID),
		cmexporter.WithMonitoringClientOptions(opts...),
		cmexporter.WithMetricDescriptorTypeFormatter(func(m metricdata.Metrics) string {
			return meterName + "/" + m.Name
		}),
		cmexporter.WithMonitoredResourceDescription(monitoredResource, []string{
			ProjectID, Location, Instance, ClientID,
		}),
	}
	exp, err := cmexporter.New(expOpts...)
	if err != nil {
		l.Debugf(ctx, "failed to initialize metric exporter: %v", err)
		return NullMetricRecorder{}
	}

	res := resource.NewWithAttributes(monitoredResource,
		attribute.String("gcp.resource_type", monitoredResource),
		attribute.String(ProjectID, cfg.ProjectID),
		attribute.String(Location, cfg.Location),
		attribute.String(Instance, cfg.Instance),
		attribute.String(ClientID, cfg.ClientID),
	)
	p := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exp,
			sdkmetric.WithInterval(DefaultExportInterval),
		)),
		sdkmetric.WithResource(res),
	)
	m := p.Meter(meterName, metric.WithInstrumentationVersion(cfg.Version))

	shutdown := func() {
		if sErr := exp.Shutdown(context.Background()); sErr != nil {
			l.Debugf(ctx, "failed to shut down metric exporter: %v", sErr)
		}
	}
	mDialCount, err := m.Int64Counter(dialCount)
	if err != nil {
		l.Debugf(ctx, "failed to initialize metric %v: %v", dialCount, err)
		shutdown()
		return NullMetricRecorder{}
	}
	mDialLatency, err := m.Float64Histogram(dialLatency)
	if err != nil {
		l.Debugf(ctx, "failed to initialize metric %v: %v", dialLatency, err)
		shutdown()
		return NullMetricRecorder{}
	}
	mOpenConns, err := m.Int64UpDownCounter(openConnections)
	if err != nil {
		l.Debugf(ctx, "failed to initialize metric %v: %v", openConnections, err)
		shutdown()
		return NullMetricRecorder{}
	}
	mBytesTx, err := m.Int64Counter(bytesSent)
	if err != nil {
		l.Debugf(ctx, "failed to initialize metric %v: %v", bytesSent, err)
		shutdown()
		return NullMetricRecorder{}
	}
	mBytesRx, err := m.Int64Counter(bytesReceived)
	if err != nil {
		l.Debugf(ctx, "failed to initialize metric %v: %v", bytesReceived, err)
		shutdown()
		return NullMetricRecorder{}
	}
	mRefreshCount, err := m.Int64Counter(refreshCount)
	if err != nil {
		l.Debugf(ctx, "failed to initialize metric %v: %v", refreshCount, err)
		shutdown()
		return NullMetricRecorder{}
	}
	return &metricRecorder{
		exporter:      exp,
		provider:      p,
		clientID:      cfg.ClientID,
		mDialCount:    mDialCount,
		mDialLatency:  mDialLatency,
		mOpenConns:    mOpenConns,
		mBytesTx:      mBytesTx,
		mBytesRx:      mBytesRx,
		mRefreshCount: mRefreshCount,
	}
}

// metricRecorder exports metrics to Cloud Monitoring.
type metricRecorder struct {
	exporter      sdkmetric.Exporter
	provider      *sdkmetric.MeterProvider
	clientID      string
	mDialCount    metric.Int64Counter
	mDialLatency  metric.Float64Histogram
	mOpenConns    metric.Int64UpDownCounter
	mBytesTx      metric.Int64Counter
	mBytesRx      metric.Int64Counter
	mRefreshCount metric.Int64Counter
}

// Shutdown should be called when the MetricRecorder is no longer needed.
func (m *metricRecorder) Shutdown(ctx context.Context) error {
	// The provider owns the exporter and shuts it down, flushing any
	// accumulated metrics first.
	return m.provider.Shutdown(ctx)
}

func connectorTypeValue(userAgent string) string {
	if strings.Contains(userAgent, "auth-proxy") {
		return "auth_proxy"
	}
	return "go"
}

func authTypeValue(iamAuthN bool) string {
	if iamAuthN {
		return "iam"
	}
	return "built_in"
}

// RecordBytesRxCount records the number of bytes received for a particular
// instance.
func (m *metricRecorder) RecordBytesRxCount(ctx context.Context, bytes int64, a Attributes) {
	m.mBytesRx.Add(ctx, bytes,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, connectorTypeValue(a.UserAgent)),
		)),
	)
}

// RecordBytesTxCount records the number of bytes sent for a particular
// instance.
func (m *metricRecorder) RecordBytesTxCount(ctx context.Context, bytes int64, a Attributes) {
	m.mBytesTx.Add(ctx, bytes,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, connectorTypeValue(a.UserAgent)),
		)),
	)
}

// RecordDialCount increments the number of dial attempts.
func (m *metricRecorder) RecordDialCount(ctx context.Context, a Attributes) {
	m.mDialCount.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, connectorTypeValue(a.UserAgent)),
			attribute.String(authType, authTypeValue(a.IAMAuthN)),
			attribute.Bool(isCacheHit, a.CacheHit),
			attribute.String(status, a.DialStatus)),
		))
}

// RecordDialLatency records a latency measurement for a particular dial
// attempt.
func (m *metricRecorder) RecordDialLatency(ctx context.Context, latencyMS int64, a Attributes) {
	m.mDialLatency.Record(ctx, float64(latencyMS),
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, connectorTypeValue(a.UserAgent)),
		)),
	)
}

// RecordOpenConnection increments the number of open connections.
func (m *metricRecorder) RecordOpenConnection(ctx context.Context, a Attributes) {
	m.mOpenConns.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, connectorTypeValue(a.UserAgent)),
			attribute.String(authType, authTypeValue(a.IAMAuthN)),
		)),
	)
}

// RecordClosedConnection decrements the number of open connections.
func (m *metricRecorder) RecordClosedConnection(ctx context.Context, a Attributes) {
	m.mOpenConns.Add(ctx, -1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, connectorTypeValue(a.UserAgent)),
			attribute.String(authType, authTypeValue(a.IAMAuthN)),
		)),
	)
}

// RecordRefreshCount records the result of a refresh operation.
func (m *metricRecorder) RecordRefreshCount(ctx context.Context, a Attributes) {
	m.mRefreshCount.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, connectorTypeValue(a.UserAgent)),
			attribute.String(status, a.RefreshStatus),
			attribute.String(refreshType, a.RefreshType),
		)),
	)
}
