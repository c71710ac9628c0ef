// Copyright 2021 Google LLC
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

package trace

import (
	"context"
	"fmt"
	"sync"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keyInstance = tag.MustNewKey("cloudsql_instance")
	keyDialerID = tag.MustNewKey("cloudsql_dialer_id")

	mLatencyMS = stats.Int64(
		"cloudsqlconn/dial_latency",
		"The latency in milliseconds per Dial",
		stats.UnitMilliseconds,
	)
	mConnections = stats.Int64(
		"cloudsqlconn/open_connections",
		"A running total of open connections",
		stats.UnitDimensionless,
	)
	mDialError = stats.Int64(
		"cloudsqlconn/dial_failure",
		"A count of failed dial attempts",
		stats.UnitDimensionless,
	)
	mSuccessfulRefresh = stats.Int64(
		"cloudsqlconn/refresh_success",
		"A count of successful certificate refresh operations",
		stats.UnitDimensionless,
	)
	mFailedRefresh = stats.Int64(
		"cloudsqlconn/refresh_failure",
		"A count of failed certificate refresh operations",
		stats.UnitDimensionless,
	)
	mBytesSent = stats.Int64(
		"cloudsqlconn/bytes_sent",
		"A running total of bytes sent to an instance",
		stats.UnitBytes,
	)
	mBytesReceived = stats.Int64(
		"cloudsqlconn/bytes_received",
		"A running total of bytes received from an instance",
		stats.UnitBytes,
	)

	latencyView = &view.View{
		Name:        "cloudsqlconn/dial_latency",
		Measure:     mLatencyMS,
		Description: "The distribution of dialer latencies (ms)",
		Aggregation: view.Distribution(25, 50, 100, 200, 400, 800, 1600, 3200, 6400, 12800, 25600),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}
	connectionsView = &view.View{
		Name:        "cloudsqlconn/open_connections",
		Measure:     mConnections,
		Description: "The current number of open connections",
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}
	dialFailureView = &view.View{
		Name:        "cloudsqlconn/dial_failure_count",
		Measure:     mDialError,
		Description: "The number of failed dial attempts",
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}
	successfulRefreshView = &view.View{
		Name:        "cloudsqlconn/refresh_success_count",
		Measure:     mSuccessfulRefresh,
		Description: "The number of successful certificate refresh operations",
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}
	failedRefreshView = &view.View{
		Name:        "cloudsqlconn/refresh_failure_count",
		Measure:     mFailedRefresh,
		Description: "The number of failed certificate refresh operations",
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}
	bytesSentView = &view.View{
		Name:        "cloudsqlconn/bytes_sent",
		Measure:     mBytesSent,
		Description: "The number of bytes sent to an instance",
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}
	bytesReceivedView = &view.View{
		Name:        "cloudsqlconn/bytes_received",
		Measure:     mBytesReceived,
		Description: "The number of bytes received from an instance",
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}

	registerOnce sync.Once
	registerErr  error
)

// InitMetrics registers all views once. Without registering views, metrics
// will not be reported. If any names of the registered views conflict, this
// function returns an error to indicate an internal configuration problem.
func InitMetrics() error {
	registerOnce.Do(func() {
		if rErr := view.Register(
			latencyView,
			connectionsView,
			dialFailureView,
			successfulRefreshView,
			failedRefreshView,
			bytesSentView,
			bytesReceivedView,
		); rErr != nil {
			registerErr = fmt.Errorf("failed to initialize metrics: %v", rErr)
		}
	})
	return registerErr
}

// RecordDialLatency records a latency value for a call to dial.
func RecordDialLatency(ctx context.Context, instance, dialerID string, latency int64) {
	// tag.New creates a new context and errors only if the new tag already
	// exists in the provided context. Since we're adding tags within this
	// package only, we can be confident that there will be no duplicate tags
	// and so can ignore the error.
	ctx, _ = tag.New(ctx, tag.Insert(keyInstance, instance), tag.Insert(keyDialerID, dialerID))
	stats.Record(ctx, mLatencyMS.M(latency))
}

// RecordOpenConnections records the current number of open connections.
func RecordOpenConnections(ctx context.Context, num int64, dialerID, instance string) {
	// Why are we ignoring this error? See comment in RecordDialLatency.
	ctx, _ = tag.New(ctx, tag.Insert(keyInstance, instance), tag.Insert(keyDialerID, dialerID))
	stats.Record(ctx, mConnections.M(num))
}

// RecordDialError reports a failed dial attempt. If err is nil, RecordDialError
// is a no-op.
func RecordDialError(ctx context.Context, instance, dialerID string, err error) {
	if err == nil {
		return
	}
	// Why are we ignoring this error? See comment in RecordDialLatency.
	ctx, _ = tag.New(ctx, tag.Insert(keyInstance, instance), tag.Insert(keyDialerID, dialerID))
	stats.Record(ctx, mDialError.M(1))
}

// RecordRefreshResult reports the result of a refresh operation, either
// successful or failed.
func RecordRefreshResult(ctx context.Context, instance, dialerID string, err error) {
	// Why are we ignoring this error? See comment in RecordDialLatency.
	ctx, _ = tag.New(ctx, tag.Insert(keyInstance, instance), tag.Insert(keyDialerID, dialerID))
	if err != nil {
		stats.Record(ctx, mFailedRefresh.M(1))
		return
	}
	stats.Record(ctx, mSuccessfulRefresh.M(1))
}

// RecordBytesSent records the number of bytes sent to an instance.
func RecordBytesSent(ctx context.Context, num int64, instance, dialerID string) {
	// Why are we ignoring this error? See comment in RecordDialLatency.
	ctx, _ = tag.New(ctx, tag.Insert(keyInstance, instance), tag.Insert(keyDialerID, dialerID))
	stats.Record(ctx, mBytesSent.M(num))
}

// RecordBytesReceived records the number of bytes received from an instance.
func RecordBytesReceived(ctx context.Context, num int64, instance, dialerID string) {
	// Why are we ignoring this error? See comment in RecordDialLatency.
	ctx, _ = tag.New(ctx, tag.Insert(keyInstance, instance), tag.Insert(keyDialerID, dialerID))
	stats.Record(ctx, mBytesReceived.M(num))
}
