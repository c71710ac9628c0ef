// Copyright 2024 Google LLC
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
	"net"
	"sort"

	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
)

// connectionNameResolver resolves the name given to the Dialer into an
// instance connection name. This allows an application to use a DNS name in
// place of an instance connection name and to make the instance configurable
// at runtime.
type connectionNameResolver interface {
	// Resolve accepts a name and returns the ConnName for that name. If the
	// name cannot be resolved, it returns an error.
	Resolve(ctx context.Context, name string) (instance.ConnName, error)
}

// DefaultResolver parses the name given to the Dialer as an instance
// connection name in the format "project:region:instance". It never uses the
// network. This is the default resolver for the Dialer.
type DefaultResolver struct{}

// Resolve parses the name as an instance connection name.
func (r *DefaultResolver) Resolve(_ context.Context, name string) (instance.ConnName, error) {
	return instance.ParseConnName(name)
}

// DNSResolver resolves domain names into instance connection names using
// DNS TXT records. Names that already parse as instance connection names are
// used as is. Enable it with the WithDNSResolver option.
//
// To use a domain name in place of an instance connection name, add a TXT
// record for the domain containing the instance connection name, for example:
//
//	db.example.com -> my-project:my-region:my-instance
type DNSResolver struct {
	// dnsLookupFunc returns the TXT records for a domain name. When unset,
	// net.DefaultResolver.LookupTXT is used.
	dnsLookupFunc func(ctx context.Context, domain string) ([]string, error)
}

// Resolve returns the instance connection name for the given name. If the
// name is not a well-formed instance connection name, Resolve treats it as a
// domain name and looks up the TXT record holding the instance connection
// name.
func (r *DNSResolver) Resolve(ctx context.Context, name string) (instance.ConnName, error) {
	cn, err := instance.ParseConnName(name)
	if err != nil {
		// The name did not parse as an instance connection name. Resolve it
		// as a domain name.
		cn, err = r.queryDNS(ctx, name)
		if err != nil {
			return instance.ConnName{}, err
		}
	}
	return cn, nil
}

// queryDNS resolves the domain name to an instance connection name using
// TXT records. When the domain has multiple records, they are tried in
// alphabetical order so that resolution is deterministic. The first record
// containing a valid instance connection name wins.
func (r *DNSResolver) queryDNS(ctx context.Context, domainName string) (instance.ConnName, error) {
	lookup := r.dnsLookupFunc
	if lookup == nil {
		lookup = net.DefaultResolver.LookupTXT
	}
	records, err := lookup(ctx, domainName)
	if err != nil {
		return instance.ConnName{}, errtype.NewDNSError(
			"unable to resolve TXT record", domainName, err,
		)
	}

	sort.Strings(records)
	for _, record := range records {
		cn, parseErr := instance.ParseConnNameWithDomainName(record, domainName)
		if parseErr == nil {
			return cn, nil
		}
	}
	return instance.ConnName{}, errtype.NewDNSError(
		"unable to parse TXT record", domainName, nil,
	)
}
