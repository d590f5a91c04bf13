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

package upgrade

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/mitmcore/internal/pipeline"
	"github.com/kestrelproxy/mitmcore/internal/reqctx"
)

type addrDialer struct{}

func (addrDialer) DialDirect(ctx context.Context, addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

// wsOrigin accepts one connection, consumes the handshake request
// headers, replies 101, then echoes every subsequent byte it reads.
func wsOrigin(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: abc123\r\n\r\n"))

		buf := make([]byte, 4096)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ln
}

// rejectingOrigin accepts one connection and replies with a plain 200,
// never upgrading.
func rejectingOrigin(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nno"))
	}()
	return ln
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	pipe, err := pipeline.New(context.Background(), pipeline.Options{})
	require.NoError(t, err)
	return New(Options{Pipeline: pipe, Dialer: addrDialer{}, CtxPool: reqctx.NewPool()})
}

func TestUpgradeRelaysSwitchingProtocolsAndSplicesBytes(t *testing.T) {
	origin := wsOrigin(t)
	defer origin.Close()

	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/chat", nil)
	require.NoError(t, err)
	req.Host = origin.Addr().String()
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, req.Write(conn))

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "101")

	var sawAccept bool
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		if line == "Sec-Websocket-Accept: abc123\r\n" {
			sawAccept = true
		}
	}
	require.True(t, sawAccept)

	msg := []byte("binary-frame-passthrough")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			require.NoError(t, err)
		}
	}
	require.Equal(t, msg, buf)
}

func TestUpgradeRelaysNonSwitchingResponseVerbatimWithoutSplice(t *testing.T) {
	origin := rejectingOrigin(t)
	defer origin.Close()

	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/chat", nil)
	require.NoError(t, err)
	req.Host = origin.Addr().String()
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, req.Write(conn))

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	body := make([]byte, 2)
	_, err = resp.Body.Read(body)
	require.NoError(t, err)
	require.Equal(t, "no", string(body))
}
