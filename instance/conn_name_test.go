// Copyright 2022 Google LLC
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

package instance

import (
	"testing"
)

func TestParseConnName(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
		want ConnName
	}{
		{
			desc: "vanilla instance connection name",
			in:   "proj:reg:name",
			want: ConnName{project: "proj", region: "reg", name: "name"},
		},
		{
			desc: "with legacy domain-scoped project",
			in:   "google.com:proj:reg:name",
			want: ConnName{project: "google.com:proj", region: "reg", name: "name"},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParseConnName(tc.in)
			if err != nil {
				t.Fatalf("want no error, got = %v", err)
			}
			if got != tc.want {
				t.Fatalf("want = %v, got = %v", tc.want, got)
			}
		})
	}
}

func TestParseConnNameErrors(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
	}{
		{
			desc: "malformatted",
			in:   "not-correct",
		},
		{
			desc: "missing region",
			in:   "proj:name",
		},
		{
			desc: "empty",
			in:   "",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := ParseConnName(tc.in)
			if err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestParseConnNameWithDomainName(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
		dn   string
		want ConnName
	}{
		{
			desc: "domain name attached",
			in:   "proj:reg:name",
			dn:   "db.example.com",
			want: ConnName{
				project: "proj", region: "reg", name: "name",
				domainName: "db.example.com",
			},
		},
		{
			desc: "empty domain name",
			in:   "proj:reg:name",
			dn:   "",
			want: ConnName{project: "proj", region: "reg", name: "name"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParseConnNameWithDomainName(tc.in, tc.dn)
			if err != nil {
				t.Fatalf("want no error, got = %v", err)
			}
			if got != tc.want {
				t.Fatalf("want = %v, got = %v", tc.want, got)
			}
		})
	}
}

func TestConnNameString(t *testing.T) {
	tcs := []struct {
		desc string
		in   ConnName
		want string
	}{
		{
			desc: "without domain name",
			in:   ConnName{project: "proj", region: "reg", name: "name"},
			want: "proj:reg:name",
		},
		{
			desc: "with domain name",
			in: ConnName{
				project: "proj", region: "reg", name: "name",
				domainName: "db.example.com",
			},
			want: "db.example.com -> proj:reg:name",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			if got := tc.in.String(); got != tc.want {
				t.Fatalf("want = %v, got = %v", tc.want, got)
			}
		})
	}
}

func TestConnNameRoundTrips(t *testing.T) {
	for _, in := range []string{
		"proj:reg:name",
		"google.com:proj:reg:name",
	} {
		cn, err := ParseConnName(in)
		if err != nil {
			t.Fatalf("want no error, got = %v", err)
		}
		back, err := ParseConnName(cn.String())
		if err != nil {
			t.Fatalf("want no error, got = %v", err)
		}
		if back != cn {
			t.Fatalf("want = %v, got = %v", cn, back)
		}
	}
}
