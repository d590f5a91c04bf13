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

package dialer

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/kestrelproxy/mitmcore/internal/perr"
	"github.com/kestrelproxy/mitmcore/internal/reverseproxy"
)

// dialHTTPConnect opens addr through an upstream HTTP proxy's CONNECT
// method, optionally authenticating with HTTP Basic credentials.
func dialHTTPConnect(ctx context.Context, up Upstream, addr string) (net.Conn, error) {
	var dl net.Dialer
	conn, err := dl.DialContext(ctx, "tcp", up.Addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if up.Username != "" || up.Password != "" {
		if _, err := fmt.Fprintf(conn, "Proxy-Authorization: Basic %s\r\n", basicAuth(up.Username, up.Password)); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	if _, err := fmt.Fprint(conn, "\r\n"); err != nil {
		_ = conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		_ = conn.Close()
		return nil, perr.New(perr.KindUpstreamProtocol, "reading CONNECT response from upstream proxy", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, perr.New(perr.KindUpstreamRefused, fmt.Sprintf("upstream proxy CONNECT refused: %s", resp.Status), nil)
	}

	_ = conn.SetDeadline(time.Time{})

	// If the upstream proxy pipelined tunnel bytes immediately after its
	// CONNECT reply, they're sitting in br's buffer now; replay them
	// ahead of conn's own stream so the caller never loses them.
	if n := br.Buffered(); n > 0 {
		buffered, err := br.Peek(n)
		if err != nil {
			_ = conn.Close()
			return nil, perr.New(perr.KindUpstreamProtocol, "draining buffered bytes after CONNECT response", err)
		}
		return reverseproxy.WithPrefix(conn, buffered), nil
	}
	return conn, nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
