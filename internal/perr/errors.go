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

// Package perr defines the closed set of error kinds the proxy core
// surfaces to its onError phase and/or translates into client-facing
// HTTP responses. Every kind here carries a status code so handlers
// never have to re-derive one, and none of them ever carry a stack
// trace or internal detail that should reach a client.
package perr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the closed error kinds from the error handling
// design. It is comparable so callers can switch on it directly.
type Kind string

const (
	KindCaNotLoaded         Kind = "ca_not_loaded"
	KindCaExpired           Kind = "ca_expired"
	KindCertSynthesisFailed Kind = "cert_synthesis_failed"
	KindListenFailed        Kind = "listen_failed"
	KindPolicyUndecidable   Kind = "policy_undecidable"
	KindUpstreamRefused     Kind = "upstream_refused"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamUnreachable Kind = "upstream_unreachable"
	KindUpstreamProtocol    Kind = "upstream_protocol"
	KindSocksNegotiation    Kind = "socks_negotiation"
	KindSocksAuthRequired   Kind = "socks_auth_required"
	KindSocksRejected       Kind = "socks_rejected"
	KindStageTimeout        Kind = "stage_timeout"
	KindInterceptorError    Kind = "interceptor_error"
	KindOverloaded          Kind = "overloaded"
	KindClientAborted       Kind = "client_aborted"
)

// statusByKind maps each kind to the HTTP status it degrades to on the
// client-facing side of the proxy, per the error handling design. Kinds
// with no client-visible status (e.g. ClientAborted, where the
// connection is simply torn down) map to 0.
var statusByKind = map[Kind]int{
	KindCaNotLoaded:         500,
	KindCaExpired:           500,
	KindCertSynthesisFailed: 500,
	KindListenFailed:        500,
	KindPolicyUndecidable:   0, // degrades to tunnel, not a response
	KindUpstreamRefused:     502,
	KindUpstreamTimeout:     504,
	KindUpstreamUnreachable: 502,
	KindUpstreamProtocol:    502,
	KindSocksNegotiation:    502,
	KindSocksAuthRequired:   502,
	KindSocksRejected:       502,
	KindStageTimeout:        0, // logged; non-critical by default
	KindInterceptorError:    0, // same policy as StageTimeout
	KindOverloaded:          503,
	KindClientAborted:       0,
}

// Error is the concrete error type carried through the onError phase.
// It wraps an optional underlying cause but never exposes it to the
// client; only Kind and Status are meant to cross the wire boundary.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Cause   error

	// Critical marks an error that aborts the pipeline phase (returned
	// to the caller, which runs onError) rather than being logged and
	// skipped. Stage hooks produce these through NewCritical, and the
	// pipeline treats an error that is not an *Error the same way.
	// Errors built with New, such as dial and synthesis failures, are
	// not critical.
	Critical bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode satisfies the narrow interface the request engine and
// connect handler use to pick an HTTP status without a type switch
// over every possible error.
func (e *Error) StatusCode() int { return e.Status }

// New constructs an Error of the given kind, looking up its default
// status code.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Status:  statusByKind[kind],
		Message: message,
		Cause:   cause,
	}
}

// NewCritical is New with Critical set, for stages that must abort the
// pipeline rather than degrade gracefully.
func NewCritical(kind Kind, message string, cause error) *Error {
	e := New(kind, message, cause)
	e.Critical = true
	return e
}

// WithSocksCode annotates a SocksRejected error with the RFC 1928 reply
// code that caused the rejection, so logs can show e.g. "rejected
// connection (code 5)".
func WithSocksCode(code byte, cause error) *Error {
	return New(KindSocksRejected, fmt.Sprintf("upstream SOCKS5 proxy rejected connection (code %d)", code), cause)
}

// As is a small convenience wrapper over errors.As for the common case
// of extracting a *perr.Error from an arbitrary error chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// StatusFor returns the HTTP status an arbitrary error should degrade
// to, defaulting to 500 if it isn't a recognized *Error.
func StatusFor(err error) int {
	if pe, ok := As(err); ok && pe.Status != 0 {
		return pe.Status
	}
	return 500
}
