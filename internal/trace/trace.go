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

// Package trace provides OpenCensus integration for the connector's
// internal operations.
package trace

import (
	"context"

	octrace "go.opencensus.io/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/genproto/googleapis/rpc/code"
)

// Attribute annotates a span with additional context.
type Attribute interface {
	attribute() octrace.Attribute
}

type spanAttribute struct {
	a octrace.Attribute
}

func (s spanAttribute) attribute() octrace.Attribute { return s.a }

// AddInstanceName creates an attribute for the instance connection name.
func AddInstanceName(name string) Attribute {
	return spanAttribute{a: octrace.StringAttribute("cloudsql.instance", name)}
}

// AddDialerID creates an attribute for the unique dialer ID.
func AddDialerID(dialerID string) Attribute {
	return spanAttribute{a: octrace.StringAttribute("cloudsql.dialer_id", dialerID)}
}

// EndSpanFunc is a function that ends a span, reporting an error if
// necessary.
type EndSpanFunc func(err error)

// StartSpan begins a span with the provided name and returns a context and a
// function to end the created span.
func StartSpan(ctx context.Context, name string, attrs ...Attribute) (context.Context, EndSpanFunc) {
	var span *octrace.Span
	ctx, span = octrace.StartSpan(ctx, name)
	as := make([]octrace.Attribute, 0, len(attrs))
	for _, a := range attrs {
		as = append(as, a.attribute())
	}
	span.AddAttributes(as...)
	end := func(err error) {
		if err != nil {
			span.SetStatus(toStatus(err))
		}
		span.End()
	}
	return ctx, end
}

// toStatus interrogates an error and converts it to an appropriate
// OpenCensus status.
func toStatus(err error) octrace.Status {
	if err2, ok := err.(*googleapi.Error); ok {
		return octrace.Status{
			Code:    httpStatusCodeToOCCode(int32(err2.Code)),
			Message: err2.Message,
		}
	}
	return octrace.Status{Code: int32(code.Code_UNKNOWN), Message: err.Error()}
}

// httpStatusCodeToOCCode converts an HTTP status code to an OpenCensus code
// as specified in the OpenCensus HTTP trace spec.
func httpStatusCodeToOCCode(httpStatusCode int32) int32 {
	switch httpStatusCode {
	case 200:
		return int32(code.Code_OK)
	case 100:
		return int32(code.Code_CANCELLED)
	case 500:
		return int32(code.Code_UNKNOWN)
	case 400:
		return int32(code.Code_INVALID_ARGUMENT)
	case 504:
		return int32(code.Code_DEADLINE_EXCEEDED)
	case 404:
		return int32(code.Code_NOT_FOUND)
	case 409:
		return int32(code.Code_ALREADY_EXISTS)
	case 403:
		return int32(code.Code_PERMISSION_DENIED)
	case 401:
		return int32(code.Code_UNAUTHENTICATED)
	case 429:
		return int32(code.Code_RESOURCE_EXHAUSTED)
	case 501:
		return int32(code.Code_UNIMPLEMENTED)
	case 503:
		return int32(code.Code_UNAVAILABLE)
	default:
		return int32(code.Code_UNKNOWN)
	}
}
