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
	"io"
	"net"
	"sync"
)

const bufferSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// PooledCopy copies from src to dst using a buffer borrowed from a
// shared pool, returning the byte count copied, the same shape as
// io.Copy but without a fresh allocation per call.
func PooledCopy(dst io.Writer, src io.Reader) (int64, error) {
	bufp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufp)
	return io.CopyBuffer(dst, src, *bufp)
}

// Splice pipes bytes bidirectionally between a and b. When one
// direction's copy returns (EOF or error), the conn it was writing to
// is half-closed where supported; once both directions have stopped,
// Splice closes both conns and returns. Used for CONNECT tunnels and the
// raw post-101 WebSocket phase, neither of which parses the
// underlying protocol.
func Splice(a, b net.Conn) (aToB, bToA int64, err error) {
	var wg sync.WaitGroup
	wg.Add(2)

	var errA, errB error
	go func() {
		defer wg.Done()
		aToB, errA = PooledCopy(b, a)
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		bToA, errB = PooledCopy(a, b)
		closeWrite(a)
	}()
	wg.Wait()

	_ = a.Close()
	_ = b.Close()

	if errA != nil {
		return aToB, bToA, errA
	}
	return aToB, bToA, errB
}

// halfCloser is implemented by *net.TCPConn and *tls.Conn (whose
// CloseWrite sends a TLS close_notify), letting Splice propagate a
// half-close instead of only fully closing both ends on the first
// direction to finish.
type halfCloser interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if hc, ok := c.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}
