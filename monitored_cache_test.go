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
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	telv2 "cloud.google.com/go/cloudsqlconn/internal/tel/v2"
)

type connectionInfoResp struct {
	info cloudsql.ConnectionInfo
	err  error
}

// spyConnectionInfoCache stands in for a refresh ahead or lazy cache and
// records how callers use it. ConnectionInfo returns the configured
// responses in order, repeating the last response once the others are
// consumed.
type spyConnectionInfoCache struct {
	mu               sync.Mutex
	connectInfoIndex int
	connectInfoCalls []connectionInfoResp

	closeWasCalled        bool
	forceRefreshWasCalled bool
}

func (s *spyConnectionInfoCache) ConnectionInfo(context.Context) (cloudsql.ConnectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.connectInfoCalls[s.connectInfoIndex]
	if s.connectInfoIndex < len(s.connectInfoCalls)-1 {
		s.connectInfoIndex++
	}
	return res.info, res.err
}

func (s *spyConnectionInfoCache) ForceRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceRefreshWasCalled = true
}

func (s *spyConnectionInfoCache) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeWasCalled = true
	return nil
}

func (s *spyConnectionInfoCache) CloseWasCalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWasCalled
}

func (s *spyConnectionInfoCache) ForceRefreshWasCalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceRefreshWasCalled
}

func testInstrumentedConn(c net.Conn) *instrumentedConn {
	return newInstrumentedConn(
		c, func() {}, "dialer-id", "proj:region:inst",
		telv2.NullMetricRecorder{}, telv2.Attributes{},
	)
}

func TestMonitoredCacheClose(t *testing.T) {
	cn, err := instance.ParseConnName("my-project:my-region:my-instance")
	if err != nil {
		t.Fatal(err)
	}
	spy := &spyConnectionInfoCache{
		connectInfoCalls: []connectionInfoResp{{}},
	}
	c := newMonitoredCache(
		spy, cn, false, 0, nil, nullLogger{}, telv2.NullMetricRecorder{},
	)

	c1, _ := net.Pipe()
	c2, _ := net.Pipe()
	conns := []*instrumentedConn{
		testInstrumentedConn(c1), testInstrumentedConn(c2),
	}
	atomic.AddUint64(c.openConnsCount, uint64(len(conns)))
	for _, conn := range conns {
		c.trackConn(conn)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("expected Close to succeed, got = %v", err)
	}
	if !c.isClosed() {
		t.Fatal("cache was not marked closed")
	}
	if !spy.CloseWasCalled() {
		t.Fatal("cache did not close the inner cache")
	}
	for _, conn := range conns {
		if !conn.isClosed() {
			t.Fatal("cache did not close open connections")
		}
	}

	// A second close should be a no-op.
	if err := c.Close(); err != nil {
		t.Fatalf("expected second Close to succeed, got = %v", err)
	}
}

func TestMonitoredCacheClosedReportsErrors(t *testing.T) {
	cn, err := instance.ParseConnName("my-project:my-region:my-instance")
	if err != nil {
		t.Fatal(err)
	}
	spy := &spyConnectionInfoCache{
		connectInfoCalls: []connectionInfoResp{{}},
	}
	c := newMonitoredCache(
		spy, cn, false, 0, nil, nullLogger{}, telv2.NullMetricRecorder{},
	)
	if err := c.Close(); err != nil {
		t.Fatalf("expected Close to succeed, got = %v", err)
	}

	_, err = c.ConnectionInfo(context.Background())
	var wantErr *errtype.DialError
	if !errors.As(err, &wantErr) {
		t.Fatalf("when cache is closed, want = %T, got = %v", wantErr, err)
	}

	// ForceRefresh should not reach the inner cache once closed.
	c.ForceRefresh()
	if spy.ForceRefreshWasCalled() {
		t.Fatal("closed cache forwarded ForceRefresh to the inner cache")
	}
}

func TestMonitoredCachePurgesClosedConnections(t *testing.T) {
	cn, err := instance.ParseConnName("my-project:my-region:my-instance")
	if err != nil {
		t.Fatal(err)
	}
	spy := &spyConnectionInfoCache{
		connectInfoCalls: []connectionInfoResp{{}},
	}
	c := newMonitoredCache(
		spy, cn, false, 0, nil, nullLogger{}, telv2.NullMetricRecorder{},
	)
	defer c.Close()

	c1, _ := net.Pipe()
	c2, _ := net.Pipe()
	open := testInstrumentedConn(c1)
	closed := testInstrumentedConn(c2)
	c.trackConn(open)
	c.trackConn(closed)
	if err := closed.Close(); err != nil {
		t.Fatal(err)
	}

	c.purgeClosedConns()

	c.mu.Lock()
	defer c.mu.Unlock()
	if got, want := len(c.openConns), 1; got != want {
		t.Fatalf("open connections, want = %v, got = %v", want, got)
	}
	if c.openConns[0] != open {
		t.Fatal("purge removed the wrong connection")
	}
}

func TestMonitoredCacheClosesOnDomainNameChange(t *testing.T) {
	cn, err := instance.ParseConnNameWithDomainName(
		"my-project:my-region:my-instance", "db.example.com",
	)
	if err != nil {
		t.Fatal(err)
	}
	updated, err := instance.ParseConnNameWithDomainName(
		"my-project:my-region:new-instance", "db.example.com",
	)
	if err != nil {
		t.Fatal(err)
	}
	r := &fakeResolver{entries: map[string]instance.ConnName{
		"db.example.com": updated,
	}}
	spy := &spyConnectionInfoCache{
		connectInfoCalls: []connectionInfoResp{{}},
	}
	c := newMonitoredCache(
		spy, cn, false, 10*time.Millisecond, r,
		nullLogger{}, telv2.NullMetricRecorder{},
	)
	defer c.Close()

	for i := 0; i < 100; i++ {
		if c.isClosed() && spy.CloseWasCalled() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cache was not closed after domain name changed")
}

func TestMonitoredCacheStaysOpenWhenDomainNameResolves(t *testing.T) {
	cn, err := instance.ParseConnNameWithDomainName(
		"my-project:my-region:my-instance", "db.example.com",
	)
	if err != nil {
		t.Fatal(err)
	}
	tcs := []struct {
		desc     string
		resolver *fakeResolver
	}{
		{
			desc: "when the domain name is unchanged",
			resolver: &fakeResolver{entries: map[string]instance.ConnName{
				"db.example.com": cn,
			}},
		},
		{
			// Resolution failures might be transient. Keep serving cached
			// info until the domain resolves to a different instance.
			desc:     "when the domain name fails to resolve",
			resolver: &fakeResolver{},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			spy := &spyConnectionInfoCache{
				connectInfoCalls: []connectionInfoResp{{}},
			}
			c := newMonitoredCache(
				spy, cn, false, 10*time.Millisecond, tc.resolver,
				nullLogger{}, telv2.NullMetricRecorder{},
			)
			defer c.Close()

			time.Sleep(100 * time.Millisecond)
			if c.isClosed() {
				t.Fatal("cache was closed unexpectedly")
			}
		})
	}
}
