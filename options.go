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

package cloudsqlconn

import (
	"context"
	"crypto/rsa"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/auth/oauth2adapt"
	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

var (
	errUseTokenSource    = errors.New("use WithTokenSource when IAM AuthN is not enabled")
	errUseIAMTokenSource = errors.New("use WithIAMAuthNTokenSource instead of WithTokenSource when IAM AuthN is enabled")
)

// An Option is an option for configuring a Dialer.
type Option func(d *dialerConfig)

func newDialerConfig(opts ...Option) (*dialerConfig, error) {
	d := &dialerConfig{
		refreshTimeout: cloudsql.RefreshTimeout,
		dialFunc:       proxy.Dial,
		logger:         nullLogger{},
		userAgents:     []string{userAgent},
		resolver:       &DefaultResolver{},
		failoverPeriod: defaultFailoverPeriod,
	}
	for _, opt := range opts {
		opt(d)
	}

	badPairs := map[bool]string{
		d.credentialsFile != "" && d.credentialsJSON != nil: "incompatible options: WithCredentialsFile cannot be used with WithCredentialsJSON",
		d.credentialsFile != "" && d.tokenProvider != nil:   "incompatible options: WithCredentialsFile cannot be used with WithTokenSource",
		d.credentialsJSON != nil && d.tokenProvider != nil:  "incompatible options: WithCredentialsJSON cannot be used with WithTokenSource",
		d.credentials != nil && d.credentialsFile != "":     "incompatible options: WithCredentials cannot be used with WithCredentialsFile",
		d.credentials != nil && d.credentialsJSON != nil:    "incompatible options: WithCredentials cannot be used with WithCredentialsJSON",
		d.credentials != nil && d.tokenProvider != nil:      "incompatible options: WithCredentials cannot be used with WithTokenSource",
		d.adminAPIEndpoint != "" && d.universeDomain != "":  "incompatible options: WithAdminAPIEndpoint cannot be used with WithUniverseDomain",
	}
	for bad, msg := range badPairs {
		if bad {
			return nil, errors.New(msg)
		}
	}

	if d.useIAMAuthN && d.setTokenSource && !d.setIAMAuthNTokenSource {
		return nil, errUseIAMTokenSource
	}
	if d.setIAMAuthNTokenSource && !d.useIAMAuthN {
		return nil, errUseTokenSource
	}

	switch {
	case d.credentialsFile != "":
		b, err := os.ReadFile(d.credentialsFile)
		if err != nil {
			return nil, errtype.NewConfigError(err.Error(), "n/a")
		}
		c, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{sqladmin.SqlserviceAdminScope},
			CredentialsJSON: b,
		})
		if err != nil {
			return nil, errtype.NewConfigError(err.Error(), "n/a")
		}
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(c))

		// Now rebuild the credentials with the IAM login scope for tokens
		// embedded in the ephemeral certificate.
		c, err = credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{iamLoginScope},
			CredentialsJSON: b,
		})
		if err != nil {
			return nil, errtype.NewConfigError(err.Error(), "n/a")
		}
		d.iamAuthNTokenProvider = c.TokenProvider
	case d.credentialsJSON != nil:
		c, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{sqladmin.SqlserviceAdminScope},
			CredentialsJSON: d.credentialsJSON,
		})
		if err != nil {
			return nil, errtype.NewConfigError(err.Error(), "n/a")
		}
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(c))

		// Now rebuild the credentials with the IAM login scope for tokens
		// embedded in the ephemeral certificate.
		c, err = credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{iamLoginScope},
			CredentialsJSON: d.credentialsJSON,
		})
		if err != nil {
			return nil, errtype.NewConfigError(err.Error(), "n/a")
		}
		d.iamAuthNTokenProvider = c.TokenProvider
	case d.tokenProvider != nil:
		c := auth.NewCredentials(&auth.CredentialsOptions{
			TokenProvider: d.tokenProvider,
		})
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(c))
		d.iamAuthNTokenProvider = d.tokenProvider
	case d.credentials != nil:
		d.iamAuthNTokenProvider = d.credentials.TokenProvider
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(d.credentials))
	default:
		// If a credentials file, credentials JSON, or a token source was not
		// provided, default to Application Default Credentials.
		c, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{sqladmin.SqlserviceAdminScope},
		})
		if err != nil {
			return nil, err
		}
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(c))

		c, err = credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{iamLoginScope},
		})
		if err != nil {
			return nil, err
		}
		d.iamAuthNTokenProvider = c.TokenProvider
	}

	if d.iamAuthNTokenProviderOverride != nil {
		d.iamAuthNTokenProvider = d.iamAuthNTokenProviderOverride
	}

	if d.httpClient != nil {
		d.clientOpts = append(d.clientOpts, option.WithHTTPClient(d.httpClient))
	}

	if d.adminAPIEndpoint != "" {
		d.sqladminOpts = append(d.sqladminOpts, option.WithEndpoint(d.adminAPIEndpoint))
	}
	if d.universeDomain != "" {
		d.sqladminOpts = append(d.sqladminOpts, option.WithUniverseDomain(d.universeDomain))
	}
	if d.quotaProject != "" {
		d.sqladminOpts = append(d.sqladminOpts, option.WithQuotaProject(d.quotaProject))
	}

	d.userAgent = strings.Join(d.userAgents, " ")
	// Add the user agent to the end to make sure it's not overridden.
	d.clientOpts = append(d.clientOpts, option.WithUserAgent(d.userAgent))

	return d, nil
}

type dialerConfig struct {
	rsaKey *rsa.PrivateKey
	// sqladminOpts are options to configure only the Cloud SQL Admin API
	// client. Configuration that should apply to all Google Cloud API clients
	// should be included in clientOpts.
	sqladminOpts []option.ClientOption
	// clientOpts are options to configure any Google Cloud API client. They
	// should not include any Cloud SQL specific configuration.
	clientOpts       []option.ClientOption
	dialOpts         []DialOption
	dialFunc         func(ctx context.Context, network, addr string) (net.Conn, error)
	refreshTimeout   time.Duration
	userAgents       []string
	userAgent        string
	useIAMAuthN      bool
	logger           debug.ContextLogger
	lazyRefresh      bool
	adminAPIEndpoint string
	universeDomain   string
	quotaProject     string
	resolver         connectionNameResolver
	failoverPeriod   time.Duration

	credentials           *auth.Credentials
	tokenProvider         auth.TokenProvider
	iamAuthNTokenProvider auth.TokenProvider
	credentialsFile       string
	credentialsJSON       []byte
	httpClient            *http.Client

	// iamAuthNTokenProviderOverride if set replaces the iamAuthNTokenProvider
	// above.
	iamAuthNTokenProviderOverride auth.TokenProvider

	setTokenSource         bool
	setIAMAuthNTokenSource bool

	// disableBuiltInTelemetry disables the internal metric exporter.
	disableBuiltInTelemetry bool
}

// WithOptions turns a list of Option's into a single Option.
func WithOptions(opts ...Option) Option {
	return func(d *dialerConfig) {
		for _, opt := range opts {
			opt(d)
		}
	}
}

// WithCredentials returns an Option that specifies an auth.Credentials
// object to use for all Cloud SQL Admin API interactions.
func WithCredentials(c *auth.Credentials) Option {
	return func(d *dialerConfig) {
		d.credentials = c
	}
}

// WithIAMAuthNCredentials configures the credentials used for IAM
// authentication. When this option isn't set, the connector will use the
// credentials configured with other options or Application Default
// Credentials for IAM authentication.
func WithIAMAuthNCredentials(c *auth.Credentials) Option {
	return func(d *dialerConfig) {
		d.setIAMAuthNTokenSource = true
		d.iamAuthNTokenProviderOverride = c.TokenProvider
	}
}

// WithCredentialsFile returns an Option that specifies a service account
// or refresh token JSON credentials file to be used as the basis for
// authentication.
func WithCredentialsFile(filename string) Option {
	return func(d *dialerConfig) {
		d.credentialsFile = filename
	}
}

// WithCredentialsJSON returns an Option that specifies a service account or
// refresh token JSON credentials to be used as the basis for authentication.
func WithCredentialsJSON(b []byte) Option {
	return func(d *dialerConfig) {
		d.credentialsJSON = b
	}
}

// WithUserAgent returns an Option that sets the User-Agent.
func WithUserAgent(ua string) Option {
	return func(d *dialerConfig) {
		d.userAgents = append(d.userAgents, ua)
	}
}

// WithDefaultDialOptions returns an Option that specifies the default
// DialOptions used.
func WithDefaultDialOptions(opts ...DialOption) Option {
	return func(d *dialerConfig) {
		d.dialOpts = append(d.dialOpts, opts...)
	}
}

// WithTokenSource returns an Option that specifies an OAuth2 token source to
// be used as the basis for authentication.
//
// When IAM AuthN is enabled, use WithIAMAuthNTokenSource or
// WithIAMAuthNCredentials to set the token source for login tokens
// separately from the API client token source.
//
// You may only use one of the following options:
// WithIAMAuthNCredentials, WithIAMAuthNTokenSource, WithCredentials,
// WithTokenSource.
func WithTokenSource(s oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.setTokenSource = true
		tp := oauth2adapt.TokenProviderFromTokenSource(s)
		d.tokenProvider = tp
	}
}

// WithIAMAuthNTokenSource sets the token source used for IAM Authentication.
// Cloud SQL Admin API interactions will not use this token source.
//
// The IAM AuthN token source should only have the scope:
//
//   - https://www.googleapis.com/auth/sqlservice.login
func WithIAMAuthNTokenSource(s oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.setIAMAuthNTokenSource = true
		tp := oauth2adapt.TokenProviderFromTokenSource(s)
		d.iamAuthNTokenProviderOverride = tp
	}
}

// WithRSAKey returns an Option that specifies a rsa.PrivateKey used to
// represent the client.
func WithRSAKey(k *rsa.PrivateKey) Option {
	return func(d *dialerConfig) {
		d.rsaKey = k
	}
}

// WithRefreshTimeout returns an Option that sets a timeout on refresh
// operations. Defaults to 60s.
func WithRefreshTimeout(t time.Duration) Option {
	return func(d *dialerConfig) {
		d.refreshTimeout = t
	}
}

// WithHTTPClient configures the underlying Cloud SQL Admin API client with
// the provided HTTP client. This option is generally unnecessary except for
// advanced use-cases.
func WithHTTPClient(client *http.Client) Option {
	return func(d *dialerConfig) {
		d.httpClient = client
	}
}

// WithAdminAPIEndpoint configures the underlying Cloud SQL Admin API client
// to use the provided URL.
func WithAdminAPIEndpoint(url string) Option {
	return func(d *dialerConfig) {
		d.adminAPIEndpoint = url
	}
}

// WithUniverseDomain returns an Option that sets the universe domain of the
// Cloud SQL Admin API service. Use this option when connecting to instances
// in a universe other than the googleapis.com default.
//
// WithUniverseDomain cannot be used with WithAdminAPIEndpoint; the endpoint
// already carries the universe domain.
func WithUniverseDomain(ud string) Option {
	return func(d *dialerConfig) {
		d.universeDomain = ud
	}
}

// WithQuotaProject returns an Option that specifies the project used for
// quota and billing for all requests made to the Cloud SQL Admin API.
func WithQuotaProject(p string) Option {
	return func(d *dialerConfig) {
		d.quotaProject = p
	}
}

// WithDialFunc configures the function used to connect to the address on the
// named network. This option is generally unnecessary except for advanced
// use-cases. The function is used for all invocations of Dial. To configure
// a dial function per individual calls to dial, use WithOneOffDialFunc.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(d *dialerConfig) {
		d.dialFunc = dial
	}
}

// WithIAMAuthN enables automatic IAM Authentication. If no token source has
// been configured (such as with WithTokenSource, WithCredentialsFile, etc),
// the dialer will use the default token source as defined by
// https://pkg.go.dev/golang.org/x/oauth2/google#FindDefaultCredentialsWithParams.
//
// For documentation on automatic IAM Authentication, see
// https://cloud.google.com/sql/docs/postgres/authentication.
func WithIAMAuthN() Option {
	return func(d *dialerConfig) {
		d.useIAMAuthN = true
	}
}

type debugLoggerWithoutContext struct {
	logger debug.Logger
}

// Debugf implements debug.ContextLogger.
func (d *debugLoggerWithoutContext) Debugf(_ context.Context, format string, args ...any) {
	d.logger.Debugf(format, args...)
}

var _ debug.ContextLogger = new(debugLoggerWithoutContext)

// WithDebugLogger configures a debug logger for reporting on internal
// operations. By default the debug logger is disabled.
// Prefer WithContextLogger.
func WithDebugLogger(l debug.Logger) Option {
	return func(d *dialerConfig) {
		d.logger = &debugLoggerWithoutContext{l}
	}
}

// WithContextLogger configures a debug logger for reporting on internal
// operations. By default the debug logger is disabled.
func WithContextLogger(l debug.ContextLogger) Option {
	return func(d *dialerConfig) {
		d.logger = l
	}
}

// WithLazyRefresh configures the dialer to refresh certificates on an
// as-needed basis. If a certificate is expired when a connection request
// occurs, the Go Connector will block the attempt and refresh the
// certificate immediately. This option is useful when running the Go
// Connector in environments where the CPU may be throttled, thus preventing
// a background goroutine from running consistently (e.g., in Cloud Run the
// CPU is throttled outside of a request context causing the background
// refresh to fail).
func WithLazyRefresh() Option {
	return func(d *dialerConfig) {
		d.lazyRefresh = true
	}
}

// WithDNSResolver configures the dialer to use DNS TXT records to resolve
// domain names into instance connection names. By default the dialer
// accepts only instance connection names. See DNSResolver for the record
// format.
func WithDNSResolver() Option {
	return func(d *dialerConfig) {
		d.resolver = &DNSResolver{
			dnsLookupFunc: net.DefaultResolver.LookupTXT,
		}
	}
}

// WithFailoverPeriod sets the interval at which the dialer checks whether
// the domain name for an instance has changed. The default is 30 seconds. A
// value of 0 disables the check. This only applies to instances configured
// with a domain name.
func WithFailoverPeriod(f time.Duration) Option {
	return func(d *dialerConfig) {
		d.failoverPeriod = f
	}
}

// WithOptOutOfBuiltInTelemetry disables the internal metric export. By
// default, the Dialer will report on its internal operations to the
// cloudsql.googleapis.com system metric prefix. These metrics help Cloud SQL
// improve performance and identify client connectivity problems. To disable
// this telemetry, provide this option when initializing a Dialer.
func WithOptOutOfBuiltInTelemetry() Option {
	return func(d *dialerConfig) {
		d.disableBuiltInTelemetry = true
	}
}

// A DialOption is an option for configuring how a Dialer's Dial call is
// executed.
type DialOption func(d *dialCfg)

type dialCfg struct {
	dialFunc     func(ctx context.Context, network, addr string) (net.Conn, error)
	ipType       string
	tcpKeepAlive time.Duration
	useIAMAuthN  bool
	dialTimeout  time.Duration
}

// DialOptions turns a list of DialOption instances into an DialOption.
func DialOptions(opts ...DialOption) DialOption {
	return func(cfg *dialCfg) {
		for _, opt := range opts {
			opt(cfg)
		}
	}
}

// WithOneOffDialFunc configures the dial function on a one-off basis for an
// individual call to Dial. To configure a dial function across all
// invocations of Dial, use WithDialFunc.
func WithOneOffDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) DialOption {
	return func(c *dialCfg) {
		c.dialFunc = dial
	}
}

// WithTCPKeepAlive returns a DialOption that specifies the tcp keep alive
// period for the connection returned by Dial.
func WithTCPKeepAlive(d time.Duration) DialOption {
	return func(cfg *dialCfg) {
		cfg.tcpKeepAlive = d
	}
}

// WithPublicIP returns a DialOption that specifies a public IP will be used
// to connect.
func WithPublicIP() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = cloudsql.PublicIP
	}
}

// WithPrivateIP returns a DialOption that specifies a private IP (VPC) will
// be used to connect.
func WithPrivateIP() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = cloudsql.PrivateIP
	}
}

// WithPSC returns a DialOption that specifies a PSC endpoint will be used to
// connect.
func WithPSC() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = cloudsql.PSC
	}
}

// WithAutoIP returns a DialOption that selects the public IP if available
// and otherwise falls back to private IP. This option is present for
// backwards compatibility only and is not recommended for use in production.
func WithAutoIP() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = cloudsql.AutoIP
	}
}

// WithDialIAMAuthN allows calls to Dial to enable or disable IAM AuthN on a
// one-off basis, regardless whether the dialer itself is configured with IAM
// AuthN.
//
// WARNING: This DialOption can cause a domain socket mount to fail in some
// Postgres drivers.
func WithDialIAMAuthN(enabled bool) DialOption {
	return func(cfg *dialCfg) {
		cfg.useIAMAuthN = enabled
	}
}

// WithDialTimeout returns a DialOption that bounds an individual call to
// Dial, covering name resolution, a certificate refresh when the cached
// certificate is no longer valid, and the TLS handshake. The default timeout
// is 30 seconds. A value of 0 disables the timeout.
func WithDialTimeout(d time.Duration) DialOption {
	return func(cfg *dialCfg) {
		cfg.dialTimeout = d
	}
}
