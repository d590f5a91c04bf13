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
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/kestrelproxy/mitmcore/internal/perr"
)

// SOCKS5 reply codes, RFC 1928 §6.
const (
	socks5Succeeded        = 0x00
	socks5GeneralFailure   = 0x01
	socks5ConnNotAllowed   = 0x02
	socks5NetworkUnreach   = 0x03
	socks5HostUnreach      = 0x04
	socks5ConnRefused      = 0x05
	socks5TTLExpired       = 0x06
	socks5CmdNotSupported  = 0x07
	socks5AddrNotSupported = 0x08
)

const (
	socks5Version    = 0x05
	socks5MethodNone = 0x00
	socks5MethodUser = 0x02
	socks5MethodNo   = 0xFF

	socks5CmdConnect = 0x01

	socks5AtypIPv4   = 0x01
	socks5AtypDomain = 0x03
	socks5AtypIPv6   = 0x04
)

// dialSOCKS5 implements the RFC 1928 client handshake: method
// negotiation, optional username/password sub-negotiation (RFC 1929),
// then a CONNECT request, reading the reply fully before the caller
// may write or read application data on the tunnel.
func dialSOCKS5(ctx context.Context, up Upstream, addr string) (net.Conn, error) {
	var dl net.Dialer
	conn, err := dl.DialContext(ctx, "tcp", up.Addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := socks5Negotiate(conn, up); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := socks5Connect(conn, addr); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func socks5Negotiate(conn net.Conn, up Upstream) error {
	useAuth := up.Username != "" && up.Password != ""

	var methodReq []byte
	if useAuth {
		methodReq = []byte{socks5Version, 0x02, socks5MethodNone, socks5MethodUser}
	} else {
		methodReq = []byte{socks5Version, 0x01, socks5MethodNone}
	}
	if _, err := conn.Write(methodReq); err != nil {
		return err
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return perr.New(perr.KindSocksNegotiation, "reading SOCKS5 method selection", err)
	}
	if reply[0] != socks5Version {
		return perr.New(perr.KindSocksNegotiation, "unexpected SOCKS version in method selection", nil)
	}

	switch reply[1] {
	case socks5MethodNone:
		return nil
	case socks5MethodUser:
		if !useAuth {
			return perr.New(perr.KindSocksAuthRequired, "upstream requires username/password auth", nil)
		}
		return socks5UserPassAuth(conn, up.Username, up.Password)
	case socks5MethodNo:
		return perr.New(perr.KindSocksNegotiation, "upstream rejected all offered auth methods", nil)
	default:
		return perr.New(perr.KindSocksNegotiation, "upstream selected an unsupported auth method", nil)
	}
}

// socks5UserPassAuth implements RFC 1929.
func socks5UserPassAuth(conn net.Conn, user, pass string) error {
	if len(user) > 255 || len(pass) > 255 {
		return perr.New(perr.KindSocksNegotiation, "username/password too long for SOCKS5 auth", nil)
	}
	buf := make([]byte, 0, 3+len(user)+len(pass))
	buf = append(buf, 0x01, byte(len(user)))
	buf = append(buf, user...)
	buf = append(buf, byte(len(pass)))
	buf = append(buf, pass...)
	if _, err := conn.Write(buf); err != nil {
		return err
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return perr.New(perr.KindSocksNegotiation, "reading SOCKS5 auth reply", err)
	}
	if reply[1] != 0x00 {
		return perr.New(perr.KindSocksAuthRequired, "SOCKS5 username/password auth rejected", nil)
	}
	return nil
}

// socks5Connect sends the CONNECT request for addr and reads the
// server's reply, including the bound-address field whose length
// depends on its address type.
func socks5Connect(conn net.Conn, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return perr.New(perr.KindSocksNegotiation, "invalid target address", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return perr.New(perr.KindSocksNegotiation, "invalid target port", err)
	}

	req := []byte{socks5Version, socks5CmdConnect, 0x00}
	switch {
	case net.ParseIP(host) != nil && net.ParseIP(host).To4() != nil:
		req = append(req, socks5AtypIPv4)
		req = append(req, net.ParseIP(host).To4()...)
	case net.ParseIP(host) != nil:
		req = append(req, socks5AtypIPv6)
		req = append(req, net.ParseIP(host).To16()...)
	default:
		if len(host) > 255 {
			return perr.New(perr.KindSocksNegotiation, "domain name too long for SOCKS5", nil)
		}
		req = append(req, socks5AtypDomain, byte(len(host)))
		req = append(req, host...)
	}
	req = append(req, byte(port>>8), byte(port&0xFF))

	if _, err := conn.Write(req); err != nil {
		return err
	}

	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return perr.New(perr.KindSocksNegotiation, "reading SOCKS5 connect reply header", err)
	}
	if head[0] != socks5Version {
		return perr.New(perr.KindSocksNegotiation, "unexpected SOCKS version in connect reply", nil)
	}
	if head[1] != socks5Succeeded {
		return socks5ReplyError(head[1])
	}

	switch head[3] {
	case socks5AtypIPv4:
		if _, err := io.ReadFull(conn, make([]byte, 4+2)); err != nil {
			return perr.New(perr.KindSocksNegotiation, "reading SOCKS5 IPv4 bound address", err)
		}
	case socks5AtypIPv6:
		if _, err := io.ReadFull(conn, make([]byte, 16+2)); err != nil {
			return perr.New(perr.KindSocksNegotiation, "reading SOCKS5 IPv6 bound address", err)
		}
	case socks5AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return perr.New(perr.KindSocksNegotiation, "reading SOCKS5 domain length", err)
		}
		if _, err := io.ReadFull(conn, make([]byte, int(lenBuf[0])+2)); err != nil {
			return perr.New(perr.KindSocksNegotiation, "reading SOCKS5 domain bound address", err)
		}
	default:
		return perr.New(perr.KindSocksNegotiation, "unsupported bound address type in connect reply", nil)
	}
	return nil
}

func socks5ReplyError(code byte) error {
	msg := fmt.Sprintf("SOCKS5 server rejected CONNECT (code 0x%02x)", code)
	switch code {
	case socks5ConnRefused:
		return perr.New(perr.KindUpstreamRefused, msg, nil)
	case socks5HostUnreach, socks5NetworkUnreach:
		return perr.New(perr.KindUpstreamUnreachable, msg, nil)
	case socks5TTLExpired:
		return perr.New(perr.KindUpstreamTimeout, msg, nil)
	default:
		return perr.WithSocksCode(code, nil)
	}
}
