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
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeHijackWriter struct {
	http.ResponseWriter
	conn net.Conn
	brw  *bufio.ReadWriter
}

func (f *fakeHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return f.conn, f.brw, nil
}

func TestHijackReturnsErrNotHijackable(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := Hijack(rec)
	require.ErrorIs(t, err, ErrNotHijackable)
}

func TestHijackReplaysBufferedBytes(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go func() {
		_, _ = clientConn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\nextra-buffered-bytes"))
	}()

	br := bufio.NewReader(serverConn)
	// consume the request line + headers the way net/http would, leaving
	// "extra-buffered-bytes" sitting in br's buffer.
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	fw := &fakeHijackWriter{
		conn: serverConn,
		brw:  bufio.NewReadWriter(br, bufio.NewWriter(serverConn)),
	}

	hijacked, err := Hijack(fw)
	require.NoError(t, err)

	buf := make([]byte, len("extra-buffered-bytes"))
	n, err := hijacked.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "extra-buffered-bytes", string(buf[:n]))
}
