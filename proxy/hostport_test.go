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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostOnly(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"example.com", "example.com"},
		{"example.com:8080", "example.com"},
		{"10.0.0.1:443", "10.0.0.1"},
		{"[::1]", "::1"},
		{"[::1]:8443", "::1"},
		{"[2001:db8::1]:80", "2001:db8::1"},
		{"example.com:notaport", "example.com:notaport"},
		{"example.com:", "example.com:"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, hostOnly(tc.in), "input %q", tc.in)
	}
}

func TestHostPort(t *testing.T) {
	host, port := hostPort("example.com", "443")
	assert.Equal(t, "example.com", host)
	assert.Equal(t, "443", port)

	host, port = hostPort("example.com:8443", "443")
	assert.Equal(t, "example.com", host)
	assert.Equal(t, "8443", port)

	host, port = hostPort("[::1]:9001", "443")
	assert.Equal(t, "::1", host)
	assert.Equal(t, "9001", port)

	host, port = hostPort("[::1]", "80")
	assert.Equal(t, "::1", host)
	assert.Equal(t, "80", port)
}
