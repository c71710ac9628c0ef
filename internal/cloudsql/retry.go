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

package cloudsql

import (
	"context"
	"errors"
	"math"
	mrand "math/rand"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
)

// maxRetries is the number of attempts made for any Admin API request that
// fails with a 50x response.
const maxRetries = 5

// exponentialBackoff calculates a duration based on the attempt i.
//
// The formula is:
//
//	base * multi^(i + 1 + random)
//
// With base = 200ms and multi = 1.618, and random = [0.0, 1.0), the backoff
// values would fall between the following low and high ends:
//
//	Attempt  Low (ms)  High (ms)
//
//	0         324       524
//	1         524       847
//	2         847      1371
//	3        1371      2218
//	4        2218      3588
//
// The theoretical worst case scenario would have a client wait 8.5s in total
// for an API request to complete (with the first four attempts failing, and
// the fifth succeeding).
func exponentialBackoff(i int) time.Duration {
	base := float64(200 * time.Millisecond)
	multi := 1.618
	exp := float64(i+1) + mrand.Float64()
	return time.Duration(base * math.Pow(multi, exp))
}

// retry50x will retry any 50x HTTP response up to maxRetries times, spacing
// attempts with waitDuration. Any other failure is returned immediately.
func retry50x[T any](
	ctx context.Context,
	f func(context.Context) (*T, error),
	waitDuration func(attempt int) time.Duration,
) (*T, error) {
	var (
		resp *T
		err  error
	)
	for i := 0; i < maxRetries; i++ {
		resp, err = f(ctx)
		if err == nil {
			break
		}
		var gErr *googleapi.Error
		if !errors.As(err, &gErr) {
			break
		}
		// Only retry on server-side errors.
		if gErr.Code < http.StatusInternalServerError {
			break
		}
		timer := time.NewTimer(waitDuration(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return resp, err
}
