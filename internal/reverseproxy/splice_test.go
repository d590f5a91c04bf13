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
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPooledCopyReturnsByteCount(t *testing.T) {
	src := bytes.NewBufferString("hello, splice")
	var dst bytes.Buffer

	n, err := PooledCopy(&dst, src)
	require.NoError(t, err)
	require.EqualValues(t, len("hello, splice"), n)
	require.Equal(t, "hello, splice", dst.String())
}

// tcpPair opens a loopback TCP connection and returns both ends, which
// (unlike net.Pipe) support CloseWrite, matching the real sockets
// Splice is built for.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-acceptCh
	require.NotNil(t, server)
	return client, server
}

func TestSpliceForwardsBothDirectionsByteIdentically(t *testing.T) {
	clientConn, proxySideA := tcpPair(t)
	defer clientConn.Close()

	upstreamConn, proxySideB := tcpPair(t)
	defer upstreamConn.Close()

	done := make(chan struct{})
	var aToB, bToA int64
	go func() {
		aToB, bToA, _ = Splice(proxySideA, proxySideB)
		close(done)
	}()

	clientMsg := []byte("request-from-client")
	upstreamMsg := []byte("response-from-origin")

	_, err := clientConn.Write(clientMsg)
	require.NoError(t, err)
	require.NoError(t, clientConn.(*net.TCPConn).CloseWrite())

	_, err = upstreamConn.Write(upstreamMsg)
	require.NoError(t, err)
	require.NoError(t, upstreamConn.(*net.TCPConn).CloseWrite())

	got, err := readAll(upstreamConn, len(clientMsg))
	require.NoError(t, err)
	require.Equal(t, clientMsg, got)

	got2, err := readAll(clientConn, len(upstreamMsg))
	require.NoError(t, err)
	require.Equal(t, upstreamMsg, got2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not complete")
	}
	require.EqualValues(t, len(clientMsg), aToB)
	require.EqualValues(t, len(upstreamMsg), bToA)
}

func readAll(c net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		k, err := c.Read(buf[total:])
		total += k
		if err != nil {
			return buf[:total], err
		}
	}
	return buf, nil
}
