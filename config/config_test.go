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

package config

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	cfg := Default()
	cfg.Proxy.HTTPPort = 18080 // avoid the well-known-port warning
	cfg.Storage.DBPath = t.TempDir() + "/traffic.db"

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	// HTTPS is on but no CA exists yet, so exactly one warning.
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "new CA will be generated")
}

func TestValidateRejectsBadPorts(t *testing.T) {
	for _, port := range []int{0, -1, 65536, 100000} {
		cfg := Default()
		cfg.Proxy.HTTPPort = port
		_, err := Validate(cfg)
		require.ErrorIs(t, err, ErrInvalidConfig, "port %d", port)
	}
}

func TestValidateRejectsEqualPorts(t *testing.T) {
	cfg := Default()
	cfg.Proxy.HTTPPort = 8443
	cfg.Proxy.HTTPSPort = 8443
	_, err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsEmptyDBPath(t *testing.T) {
	cfg := Default()
	cfg.Storage.DBPath = ""
	_, err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsNegativeBodySize(t *testing.T) {
	cfg := Default()
	cfg.Capture.MaxBodySize = -1
	_, err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateWarnsOnWellKnownPort(t *testing.T) {
	cfg := Default()
	cfg.Proxy.EnableHTTPS = false
	cfg.Proxy.HTTPPort = 8080

	warnings, err := Validate(cfg)
	require.NoError(t, err)

	var found bool
	for _, w := range warnings {
		if strings.Contains(w, "commonly used") {
			found = true
		}
	}
	assert.True(t, found, "expected a well-known-port warning, got %v", warnings)
}

func TestValidateWarnsOnHugeBodySize(t *testing.T) {
	cfg := Default()
	cfg.Proxy.EnableHTTPS = false
	cfg.Proxy.HTTPPort = 18080
	cfg.Capture.MaxBodySize = 200 << 20

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "very large")
}

func TestPortAvailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	avail, err := PortAvailable(port)
	require.NoError(t, err)
	assert.False(t, avail, "port held by our listener should be reported busy")

	ln.Close()
	avail, err = PortAvailable(port)
	require.NoError(t, err)
	assert.True(t, avail)
}
