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

// Package mock provides a fake Cloud SQL Admin API and a fake server-side
// proxy for testing the connector without any GCP resources.
package mock

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"
)

var (
	// caKey signs both the server certificate and all ephemeral client
	// certificates.
	caKey = mustGenerateKey()
	// serverKey is the key the fake server proxy uses for its TLS identity.
	serverKey = mustGenerateKey()
)

// mustGenerateKey generates an RSA key. Keys are generated once at package
// load and shared between all fake instances because generation is expensive.
func mustGenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

// FakeCSQLInstance represents the server side of a Cloud SQL instance: the
// settings the Admin API reports for it and the TLS identity its server
// proxy presents.
type FakeCSQLInstance struct {
	project     string
	region      string
	name        string
	dbVersion   string
	backendType string
	// ipAddrs maps IP type (PUBLIC, PRIVATE) to the address the Admin API
	// reports.
	ipAddrs    map[string]string
	certExpiry time.Time

	// DNSName is reported in connect settings and surfaces as a PSC address.
	DNSName string
	// Key is the server proxy's private key.
	Key *rsa.PrivateKey
	// Cert is the server proxy's certificate, signed by the instance CA.
	Cert *x509.Certificate

	caCert *x509.Certificate
}

func (f FakeCSQLInstance) String() string {
	return fmt.Sprintf("%v:%v:%v", f.project, f.region, f.name)
}

// FakeCSQLInstanceOption configures a FakeCSQLInstance.
type FakeCSQLInstanceOption func(*FakeCSQLInstance)

// WithPublicIP sets the public IP address to addr.
func WithPublicIP(addr string) FakeCSQLInstanceOption {
	return func(f *FakeCSQLInstance) {
		f.ipAddrs["PUBLIC"] = addr
	}
}

// WithPrivateIP sets the private IP address to addr.
func WithPrivateIP(addr string) FakeCSQLInstanceOption {
	return func(f *FakeCSQLInstance) {
		f.ipAddrs["PRIVATE"] = addr
	}
}

// WithPSC reports the provided DNS name in the instance's connect settings,
// which the connector surfaces as a PSC address.
func WithPSC(dns string) FakeCSQLInstanceOption {
	return func(f *FakeCSQLInstance) {
		f.DNSName = dns
	}
}

// WithNoIPAddrs configures a fake instance without any IP addresses.
func WithNoIPAddrs() FakeCSQLInstanceOption {
	return func(f *FakeCSQLInstance) {
		f.ipAddrs = map[string]string{}
	}
}

// WithCertExpiry sets the expiration of all ephemeral client certificates.
func WithCertExpiry(expiry time.Time) FakeCSQLInstanceOption {
	return func(f *FakeCSQLInstance) {
		f.certExpiry = expiry
	}
}

// WithRegion sets the region the Admin API reports, which may differ from
// the region in the instance connection name.
func WithRegion(region string) FakeCSQLInstanceOption {
	return func(f *FakeCSQLInstance) {
		f.region = region
	}
}

// WithEngineVersion sets the database engine version.
func WithEngineVersion(v string) FakeCSQLInstanceOption {
	return func(f *FakeCSQLInstance) {
		f.dbVersion = v
	}
}

// WithFirstGenBackend configures the fake instance as a legacy first
// generation backend.
func WithFirstGenBackend() FakeCSQLInstanceOption {
	return func(f *FakeCSQLInstance) {
		f.backendType = "FIRST_GEN"
	}
}

// NewFakeCSQLInstance returns a fake Cloud SQL instance with a
// freshly-generated CA and server certificate.
func NewFakeCSQLInstance(project, region, name string, opts ...FakeCSQLInstanceOption) FakeCSQLInstance {
	f := FakeCSQLInstance{
		project:     project,
		region:      region,
		name:        name,
		dbVersion:   "POSTGRES_14", // default of no particular importance
		backendType: "SECOND_GEN",
		ipAddrs:     map[string]string{"PUBLIC": "0.0.0.0"},
		certExpiry:  time.Now().Add(24 * time.Hour),
		Key:         serverKey,
	}
	for _, o := range opts {
		o(&f)
	}

	ca, server, err := generateCerts(f.project, f.name)
	if err != nil {
		panic(err)
	}
	f.caCert = ca
	f.Cert = server
	return f
}

// generateCerts creates the instance's self-signed CA and the server
// certificate it signs. The server certificate's common name is
// "project:instance", which is what the connector verifies.
func generateCerts(project, name string) (*x509.Certificate, *x509.Certificate, error) {
	caTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: fmt.Sprintf("Google Cloud SQL Server CA (%v)", project),
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, nil, err
	}

	serverTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			CommonName: fmt.Sprintf("%v:%v", project, name),
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().AddDate(0, 0, 1),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, serverTmpl, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	serverCert, err := x509.ParseCertificate(serverDER)
	if err != nil {
		return nil, nil, err
	}
	return caCert, serverCert, nil
}

// clientCert signs the provided public key with the instance CA, producing
// the ephemeral certificate the Admin API hands back.
func (f FakeCSQLInstance) clientCert(pubKey *rsa.PublicKey, notAfter time.Time) ([]byte, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject: pkix.Name{
			CommonName: "Google Cloud SQL Client",
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return x509.CreateCertificate(rand.Reader, tmpl, f.caCert, pubKey, caKey)
}

// StartServerProxy starts a fake server proxy that requires a valid
// ephemeral client certificate, writes the instance name to any connection
// that completes a handshake, and then closes it. Callers should invoke the
// returned function to clean up all resources.
func StartServerProxy(t *testing.T, i FakeCSQLInstance) func() {
	pool := x509.NewCertPool()
	pool.AddCert(i.caCert)

	ln := tryTLSListen(t, "tcp", ":3307", &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{i.Cert.Raw},
				PrivateKey:  i.Key,
				Leaf:        i.Cert,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pool,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				conn.Write([]byte(i.name))
				conn.Close()
			}
		}
	}()
	return func() {
		cancel()
		ln.Close()
	}
}

// tryTLSListen retries the listen call a handful of times to reduce flakes
// from the previous test's listener not yet releasing the port.
func tryTLSListen(t *testing.T, network, laddr string, conf *tls.Config) net.Listener {
	attempts := 10
	for i := 0; i < attempts; i++ {
		ln, err := tls.Listen(network, laddr, conf)
		if err == nil {
			return ln
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("failed to start listener on %v after %v attempts", laddr, attempts)
	return nil
}
