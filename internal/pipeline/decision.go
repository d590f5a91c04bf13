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

	"github.com/kestrelproxy/mitmcore/internal/reqctx"
)

// Decision is the closed set of outcomes an interceptor hook may
// return. The unexported marker method seals the set to the four
// decision types below; callers outside this package build one through
// ContinueDecision()/DirectResponse()/ModifyAndForward()/Stop() or a
// literal of an exported decision type.
type Decision interface {
	isDecision()
}

// continueDecision lets the pipeline proceed to the next stage
// unchanged.
type continueDecision struct{}

func (continueDecision) isDecision() {}

// ContinueDecision is the shared value every stage sees when no hook
// wants to change anything.
func ContinueDecision() Decision { return continueDecision{} }

// DirectResponseDecision short-circuits the pipeline: the engine sends
// Status/Headers/Body straight to the client and skips dialing
// upstream entirely, still running afterResponse on the synthesized
// response.
type DirectResponseDecision struct {
	Status  int
	Headers http.Header
	Body    []byte
}

func (DirectResponseDecision) isDecision() {}

// DirectResponse builds a DirectResponseDecision.
func DirectResponse(status int, headers http.Header, body []byte) Decision {
	return DirectResponseDecision{Status: status, Headers: headers, Body: body}
}

// ModifyAndForwardDecision carries a delta to apply to the in-flight
// request before the pipeline continues. Only the set fields are
// applied; a nil Headers/Body or an empty URL/Method leaves that part
// of the request untouched.
type ModifyAndForwardDecision struct {
	Headers http.Header
	URL     string
	Method  string
	Body    []byte
}

func (ModifyAndForwardDecision) isDecision() {}

// ModifyAndForward builds a ModifyAndForwardDecision.
func ModifyAndForward(headers http.Header, url, method string, body []byte) Decision {
	return ModifyAndForwardDecision{Headers: headers, URL: url, Method: method, Body: body}
}

// mergeModifyAndForward applies d's non-empty fields onto rc.Request in
// place, so every subsequent stage in the same phase sees the change.
func mergeModifyAndForward(rc *reqctx.RequestContext, d ModifyAndForwardDecision) {
	r := rc.Request
	if r == nil {
		return
	}
	if d.Headers != nil {
		for k, vv := range d.Headers {
			r.Header[k] = vv
		}
	}
	if d.Method != "" {
		r.Method = d.Method
	}
	if d.URL != "" {
		if u, err := r.URL.Parse(d.URL); err == nil {
			r.URL = u
		}
	}
	if d.Body != nil {
		r.Body = io.NopCloser(&byteReader{b: d.Body})
		r.ContentLength = int64(len(d.Body))
	}
	rc.ModifiedRequest = true
}

// accumulateModifyAndForward folds d into acc, so a phase's final
// returned Decision reflects the composition of every stage's delta
// rather than only the last one applied.
func accumulateModifyAndForward(acc, d ModifyAndForwardDecision) ModifyAndForwardDecision {
	if d.Headers != nil {
		if acc.Headers == nil {
			acc.Headers = make(http.Header, len(d.Headers))
		}
		for k, vv := range d.Headers {
			acc.Headers[k] = vv
		}
	}
	if d.Method != "" {
		acc.Method = d.Method
	}
	if d.URL != "" {
		acc.URL = d.URL
	}
	if d.Body != nil {
		acc.Body = d.Body
	}
	return acc
}

// byteReader is a minimal io.Reader over an in-memory delta body, used
// to replace an in-flight request's Body when a stage rewrites it.
type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

// StopDecision ends the request with no response forwarded to the
// client beyond a bare connection close, e.g. for policy rejections.
type StopDecision struct {
	Reason string
}

func (StopDecision) isDecision() {}

// Stop builds a StopDecision.
func Stop(reason string) Decision { return StopDecision{Reason: reason} }
