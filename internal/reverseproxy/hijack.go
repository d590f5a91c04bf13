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

package reverseproxy

import (
	"errors"
	"net"
	"net/http"
)

// ErrNotHijackable is returned when the ResponseWriter handed to
// HijackAndSplice doesn't support http.Hijacker, which would happen
// only behind an incompatible middleware wrapper (never the core's
// own server, which always uses the stdlib's hijackable writer).
var ErrNotHijackable = errors.New("response writer does not support hijacking")

// Hijack takes over w's underlying connection for raw byte forwarding
// (CONNECT tunnels, post-101 WebSocket traffic). Any bytes the server
// had already buffered from the client are replayed onto the returned
// conn via a prefixed io.MultiReader-style write before the caller
// starts reading further, so nothing the client already sent is lost.
func Hijack(w http.ResponseWriter) (net.Conn, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrNotHijackable
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	if brw != nil && brw.Reader.Buffered() > 0 {
		buffered, err := brw.Reader.Peek(brw.Reader.Buffered())
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return WithPrefix(conn, buffered), nil
	}
	return conn, nil
}

// WithPrefix wraps conn so prefix is replayed to readers before any
// further bytes are read off conn itself. Used wherever a buffered
// reader may have pulled bytes off a connection (past a CONNECT reply
// or an HTTP response) that the caller still needs to see.
func WithPrefix(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &prefixedConn{Conn: conn, prefix: append([]byte(nil), prefix...)}
}

// prefixedConn replays a fixed prefix (bytes already read into some
// buffered reader ahead of the raw conn) before falling through to the
// underlying conn's own stream.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
