// Copyright 2026 The Kestrel Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package perr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLooksUpStatus(t *testing.T) {
	e := New(KindUpstreamRefused, "dial refused", nil)
	require.Equal(t, 502, e.Status)
	require.False(t, e.Critical)
}

func TestNewCriticalSetsFlag(t *testing.T) {
	e := NewCritical(KindStageTimeout, "stage took too long", nil)
	require.True(t, e.Critical)
	require.Equal(t, 0, e.Status)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := New(KindUpstreamTimeout, "timed out", cause)
	require.ErrorIs(t, e, cause)
	require.Contains(t, e.Error(), "boom")
}

func TestAsExtractsFromWrappedChain(t *testing.T) {
	e := New(KindOverloaded, "too busy", nil)
	wrapped := fmt.Errorf("request failed: %w", e)

	got, ok := As(wrapped)
	require.True(t, ok)
	require.Equal(t, KindOverloaded, got.Kind)
}

func TestAsRejectsUnrelatedError(t *testing.T) {
	_, ok := As(errors.New("plain error"))
	require.False(t, ok)
}

func TestStatusForDefaultsTo500(t *testing.T) {
	require.Equal(t, 500, StatusFor(errors.New("unrecognized")))
}

func TestStatusForZeroStatusKindDefaultsTo500(t *testing.T) {
	// ClientAborted has no client-facing status; StatusFor must not
	// surface a bogus "200" or pass a zero status to http.Error.
	e := New(KindClientAborted, "client went away", nil)
	require.Equal(t, 500, StatusFor(e))
}

func TestWithSocksCodeAlwaysSocksRejected(t *testing.T) {
	e := WithSocksCode(0x05, nil)
	require.Equal(t, KindSocksRejected, e.Kind)
	require.Equal(t, 502, e.Status)
	require.Contains(t, e.Error(), "code 5")
}
