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
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/mitmcore/internal/perr"
)

// fakeSocks5Server runs a minimal scripted SOCKS5 server for exactly
// one connection, handing that connection to handle to script.
func fakeSocks5Server(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		handle(conn)
	}()

	return ln.Addr().String()
}

func TestSocks5NegotiateOffersNoAuthOnlyWithoutCredentials(t *testing.T) {
	var methodReq []byte
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		methodReq = append([]byte{}, buf[:n]...)
		_, _ = conn.Write([]byte{socks5Version, socks5MethodNone})
		// leave the CONNECT phase unhandled; test only cares about negotiation.
		buf2 := make([]byte, 256)
		_, _ = conn.Read(buf2)
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, socks5Negotiate(conn, Upstream{Addr: addr}))

	require.Equal(t, []byte{socks5Version, 0x01, socks5MethodNone}, methodReq)
}

func TestSocks5NegotiateOffersUserPassWhenCredentialsSet(t *testing.T) {
	var methodReq []byte
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		methodReq = append([]byte{}, buf[:n]...)
		_, _ = conn.Write([]byte{socks5Version, socks5MethodUser})
		authBuf := make([]byte, 256)
		_, _ = conn.Read(authBuf)
		_, _ = conn.Write([]byte{0x01, 0x00})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	up := Upstream{Addr: addr, Username: "bob", Password: "hunter2"}
	require.NoError(t, socks5Negotiate(conn, up))

	require.Equal(t, []byte{socks5Version, 0x02, socks5MethodNone, socks5MethodUser}, methodReq)
}

func TestSocks5NegotiateFailsWhenServerDemandsAuthButNoneConfigured(t *testing.T) {
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		buf := make([]byte, 16)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte{socks5Version, socks5MethodUser})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	err = socks5Negotiate(conn, Upstream{Addr: addr})
	require.Error(t, err)
	pe, ok := perr.As(err)
	require.True(t, ok)
	require.Equal(t, perr.KindSocksAuthRequired, pe.Kind)
}

func TestSocks5ConnectSucceedsWithIPv4BoundAddress(t *testing.T) {
	var connectReq []byte
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		buf := make([]byte, 256)
		n, _ := io.ReadFull(conn, buf[:10]) // ver+cmd+rsv+atyp+4-byte-ip+2-byte-port = 10
		connectReq = append([]byte{}, buf[:n]...)
		reply := []byte{socks5Version, socks5Succeeded, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
		_, _ = conn.Write(reply)
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, socks5Connect(conn, "93.184.216.34:80"))
	require.Equal(t, byte(socks5CmdConnect), connectReq[1])
	require.Equal(t, byte(socks5AtypIPv4), connectReq[3])
}

func TestSocks5ConnectSucceedsWithDomainRequest(t *testing.T) {
	var connectReq []byte
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		connectReq = append([]byte{}, buf[:n]...)
		reply := []byte{socks5Version, socks5Succeeded, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
		_, _ = conn.Write(reply)
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, socks5Connect(conn, "example.com:443"))
	require.Equal(t, byte(socks5AtypDomain), connectReq[3])
	require.Equal(t, byte(len("example.com")), connectReq[4])
	require.Equal(t, "example.com", string(connectReq[5:5+len("example.com")]))
}

func TestSocks5ConnectMapsConnRefused(t *testing.T) {
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		buf := make([]byte, 256)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte{socks5Version, socks5ConnRefused, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	err = socks5Connect(conn, "example.com:443")
	require.Error(t, err)
	pe, ok := perr.As(err)
	require.True(t, ok)
	require.Equal(t, perr.KindUpstreamRefused, pe.Kind)
}

func TestSocks5ConnectMapsUnknownCodeToSocksRejected(t *testing.T) {
	addr := fakeSocks5Server(t, func(conn net.Conn) {
		buf := make([]byte, 256)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte{socks5Version, socks5CmdNotSupported, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	err = socks5Connect(conn, "example.com:443")
	require.Error(t, err)
	pe, ok := perr.As(err)
	require.True(t, ok)
	require.Equal(t, perr.KindSocksRejected, pe.Kind)
}
