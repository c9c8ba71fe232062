// Copyright 2026 The Proxycap Authors
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

package proxy

import "strings"

// hostOnly extracts the hostname from a Host header value. Bracketed
// IPv6 literals keep everything up to the closing bracket; a trailing
// all-digit port is stripped; anything else is returned whole.
func hostOnly(hostHeader string) string {
	if strings.HasPrefix(hostHeader, "[") {
		if end := strings.IndexByte(hostHeader, ']'); end > 0 {
			return hostHeader[1:end]
		}
		return hostHeader
	}
	if i := strings.LastIndexByte(hostHeader, ':'); i >= 0 {
		port := hostHeader[i+1:]
		if port != "" && isDigits(port) {
			return hostHeader[:i]
		}
	}
	return hostHeader
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// hostPort splits a Host header into hostname and port, defaulting the
// port when the header carries none.
func hostPort(hostHeader, defaultPort string) (host, port string) {
	host = hostOnly(hostHeader)
	port = defaultPort
	if strings.HasPrefix(hostHeader, "[") {
		if end := strings.IndexByte(hostHeader, ']'); end >= 0 && end+1 < len(hostHeader) && hostHeader[end+1] == ':' {
			if p := hostHeader[end+2:]; isDigits(p) && p != "" {
				port = p
			}
		}
		return host, port
	}
	if i := strings.LastIndexByte(hostHeader, ':'); i >= 0 {
		if p := hostHeader[i+1:]; p != "" && isDigits(p) {
			port = p
		}
	}
	return host, port
}
