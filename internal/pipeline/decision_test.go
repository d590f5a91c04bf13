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

package pipeline

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/mitmcore/internal/reqctx"
)

func TestDecisionConstructorsRoundTrip(t *testing.T) {
	require.Equal(t, continueDecision{}, ContinueDecision())

	dr := DirectResponse(404, http.Header{"X-A": {"1"}}, []byte("nope"))
	got, ok := dr.(DirectResponseDecision)
	require.True(t, ok)
	require.Equal(t, 404, got.Status)
	require.Equal(t, []byte("nope"), got.Body)

	mf := ModifyAndForward(http.Header{"X-B": {"2"}}, "https://x/y", "POST", []byte("body"))
	gotMF, ok := mf.(ModifyAndForwardDecision)
	require.True(t, ok)
	require.Equal(t, "POST", gotMF.Method)
	require.Equal(t, "https://x/y", gotMF.URL)

	st := Stop("policy rejected")
	gotStop, ok := st.(StopDecision)
	require.True(t, ok)
	require.Equal(t, "policy rejected", gotStop.Reason)
}

func TestDecisionsAreDistinguishableByType(t *testing.T) {
	var decisions = []Decision{
		ContinueDecision(),
		DirectResponse(200, nil, nil),
		ModifyAndForward(nil, "", "", nil),
		Stop(""),
	}
	kinds := map[string]bool{}
	for _, d := range decisions {
		switch d.(type) {
		case continueDecision:
			kinds["continue"] = true
		case DirectResponseDecision:
			kinds["direct"] = true
		case ModifyAndForwardDecision:
			kinds["modify"] = true
		case StopDecision:
			kinds["stop"] = true
		}
	}
	require.Len(t, kinds, 4)
}

func TestMergeModifyAndForwardAppliesEachFieldToLiveRequest(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://example.com/original", nil)
	require.NoError(t, err)
	rc := &reqctx.RequestContext{Request: req}

	mergeModifyAndForward(rc, ModifyAndForwardDecision{
		Headers: http.Header{"X-A": {"1"}},
		Method:  http.MethodPost,
		URL:     "https://example.com/rewritten",
		Body:    []byte("payload"),
	})

	require.Equal(t, "1", rc.Request.Header.Get("X-A"))
	require.Equal(t, http.MethodPost, rc.Request.Method)
	require.Equal(t, "https://example.com/rewritten", rc.Request.URL.String())
	require.True(t, rc.ModifiedRequest)

	body, err := io.ReadAll(rc.Request.Body)
	require.NoError(t, err)
	require.Equal(t, "payload", string(body))
}

func TestAccumulateModifyAndForwardFoldsLaterDeltasOverEarlierOnes(t *testing.T) {
	acc := accumulateModifyAndForward(ModifyAndForwardDecision{}, ModifyAndForwardDecision{
		Headers: http.Header{"X-A": {"1"}},
		Method:  http.MethodPost,
	})
	acc = accumulateModifyAndForward(acc, ModifyAndForwardDecision{
		Headers: http.Header{"X-B": {"2"}},
		URL:     "https://example.com/final",
	})

	require.Equal(t, "1", acc.Headers.Get("X-A"))
	require.Equal(t, "2", acc.Headers.Get("X-B"))
	require.Equal(t, http.MethodPost, acc.Method)
	require.Equal(t, "https://example.com/final", acc.URL)
}
