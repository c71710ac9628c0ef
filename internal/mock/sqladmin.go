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

package mock

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// Request represents an HTTP request for a test server to mock responses
// for.
//
// Use NewSQLAdminService to serve a set of Requests.
type Request struct {
	sync.Mutex

	reqMethod string
	reqPath   string
	reqCt     int

	handle func(resp http.ResponseWriter, req *http.Request)
}

// matches returns true if a given http.Request should be handled by this
// Request. Each match consumes one expected call.
func (r *Request) matches(hR *http.Request) bool {
	r.Lock()
	defer r.Unlock()
	if r.reqMethod != "" && r.reqMethod != hR.Method {
		return false
	}
	if r.reqPath != "" && r.reqPath != hR.URL.Path {
		return false
	}
	if r.reqCt <= 0 {
		return false
	}
	r.reqCt--
	return true
}

// InstanceGetSuccess returns a Request that responds to the
// connectSettings endpoint with the instance's metadata. The request will be
// valid for the provided count of calls.
func InstanceGetSuccess(i FakeCSQLInstance, ct int) *Request {
	var ips []*sqladmin.IpMapping
	for ipType, addr := range i.ipAddrs {
		if ipType == "PUBLIC" {
			ips = append(ips, &sqladmin.IpMapping{IpAddress: addr, Type: "PRIMARY"})
			continue
		}
		if ipType == "PRIVATE" {
			ips = append(ips, &sqladmin.IpMapping{IpAddress: addr, Type: "PRIVATE"})
		}
	}
	certPEM := &bytes.Buffer{}
	pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: i.caCert.Raw})

	db := &sqladmin.ConnectSettings{
		BackendType:     i.backendType,
		DatabaseVersion: i.dbVersion,
		DnsName:         i.DNSName,
		IpAddresses:     ips,
		Region:          i.region,
		ServerCaCert:    &sqladmin.SslCert{Cert: certPEM.String()},
	}

	return &Request{
		reqMethod: http.MethodGet,
		reqPath: fmt.Sprintf(
			"/sql/v1beta4/projects/%s/instances/%s/connectSettings",
			i.project, i.name),
		reqCt: ct,
		handle: func(resp http.ResponseWriter, _ *http.Request) {
			b, err := db.MarshalJSON()
			if err != nil {
				http.Error(resp, err.Error(), http.StatusInternalServerError)
				return
			}
			resp.WriteHeader(http.StatusOK)
			resp.Write(b)
		},
	}
}

// InstanceGetForbidden returns a Request that responds to the
// connectSettings endpoint with HTTP 403 in the Admin API's error envelope.
func InstanceGetForbidden(i FakeCSQLInstance, ct int) *Request {
	return &Request{
		reqMethod: http.MethodGet,
		reqPath: fmt.Sprintf(
			"/sql/v1beta4/projects/%s/instances/%s/connectSettings",
			i.project, i.name),
		reqCt: ct,
		handle: func(resp http.ResponseWriter, _ *http.Request) {
			resp.WriteHeader(http.StatusForbidden)
			resp.Write([]byte(`{"error":{"code":403,"message":"Cloud SQL Admin API has not been used in this project"}}`))
		},
	}
}

// CreateEphemeralSuccess returns a Request that responds to the
// generateEphemeralCert endpoint by signing the caller's public key with the
// instance CA. The request will be valid for the provided count of calls.
func CreateEphemeralSuccess(i FakeCSQLInstance, ct int) *Request {
	return &Request{
		reqMethod: http.MethodPost,
		reqPath: fmt.Sprintf(
			"/sql/v1beta4/projects/%s/instances/%s:generateEphemeralCert",
			i.project, i.name),
		reqCt: ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			b, err := io.ReadAll(req.Body)
			defer req.Body.Close()
			if err != nil {
				http.Error(resp,
					fmt.Errorf("unable to read body: %w", err).Error(),
					http.StatusBadRequest,
				)
				return
			}
			var eR sqladmin.GenerateEphemeralCertRequest
			if err := json.Unmarshal(b, &eR); err != nil {
				http.Error(resp,
					fmt.Errorf("invalid or unexpected json: %w", err).Error(),
					http.StatusBadRequest,
				)
				return
			}
			bl, _ := pem.Decode([]byte(eR.PublicKey))
			if bl == nil {
				http.Error(resp,
					"unable to decode PEM encoded public key",
					http.StatusBadRequest,
				)
				return
			}
			pubKey, err := x509.ParsePKIXPublicKey(bl.Bytes)
			if err != nil {
				http.Error(resp,
					fmt.Errorf("unable to parse public key: %w", err).Error(),
					http.StatusBadRequest,
				)
				return
			}
			certDER, err := i.clientCert(pubKey.(*rsa.PublicKey), i.certExpiry)
			if err != nil {
				http.Error(resp,
					fmt.Errorf("failed to sign client certificate: %w", err).Error(),
					http.StatusInternalServerError,
				)
				return
			}
			certPEM := &bytes.Buffer{}
			pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: certDER})

			certResp := sqladmin.GenerateEphemeralCertResponse{
				EphemeralCert: &sqladmin.SslCert{Cert: certPEM.String()},
			}
			b, err = certResp.MarshalJSON()
			if err != nil {
				http.Error(resp, err.Error(), http.StatusInternalServerError)
				return
			}
			resp.WriteHeader(http.StatusOK)
			resp.Write(b)
		},
	}
}

// HTTPClient returns an *http.Client, URL, and cleanup function. The
// http.Client is configured to connect to a test SSL server at the returned
// URL. This server will respond to HTTP requests defined, or return a 501
// for unexpected ones. The cleanup function will close the server and return
// an error if any expected calls weren't received.
func HTTPClient(requests ...*Request) (*http.Client, string, func() error) {
	// Create a TLS server that responds to the defined requests.
	s := httptest.NewTLSServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			for _, r := range requests {
				if r.matches(req) {
					r.handle(resp, req)
					return
				}
			}

			// Unexpected requests should throw an error.
			resp.WriteHeader(http.StatusNotImplemented)
			resp.Write([]byte(fmt.Sprintf("unexpected request sent to mock client: %v", req)))
		},
	))
	// Return a client configured to send requests to this server.
	client := s.Client()
	client.Timeout = 30 * time.Second
	url := s.URL
	cleanup := func() error {
		var missedReqs []string
		for _, r := range requests {
			if r.reqCt > 0 {
				missedReqs = append(missedReqs,
					fmt.Sprintf("%d calls to %s %s", r.reqCt, r.reqMethod, r.reqPath))
			}
		}
		s.Close()
		if len(missedReqs) > 0 {
			return fmt.Errorf("client missed expected requests: %s", strings.Join(missedReqs, ", "))
		}
		return nil
	}
	return client, url, cleanup
}

// NewSQLAdminService creates a SQL Admin API service backed by a mock HTTP
// backend. Callers should use the cleanup function to close down the server.
// If the cleanup function returns an error, a test case has failed to issue
// an expected request.
func NewSQLAdminService(ctx context.Context, reqs ...*Request) (*sqladmin.Service, func() error, error) {
	mc, url, cleanup := HTTPClient(reqs...)
	client, err := sqladmin.NewService(
		ctx,
		option.WithHTTPClient(mc),
		option.WithEndpoint(url),
	)
	return client, cleanup, err
}
