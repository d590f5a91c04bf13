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
	"fmt"
	"io"
	"net/http"
)

func newBufReader(r io.Reader) *bufio.Reader {
	return bufio.NewReader(r)
}

// writeSwitchingProtocols relays a 101 response's status line and
// headers verbatim onto conn, including Sec-WebSocket-Accept and any
// other upgrade-negotiated fields, unmodified.
func writeSwitchingProtocols(conn io.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(conn, "HTTP/1.1 101 %s\r\n", http.StatusText(http.StatusSwitchingProtocols)); err != nil {
		return err
	}
	if err := resp.Header.Write(conn); err != nil {
		return err
	}
	_, err := fmt.Fprint(conn, "\r\n")
	return err
}
