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
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
)

// ErrInvalidConfig wraps all fatal validation failures so callers can
// distinguish configuration errors from startup errors for exit codes.
var ErrInvalidConfig = errors.New("invalid configuration")

// wellKnownPorts are ports commonly bound by other development tooling;
// using one is legal but worth a warning.
var wellKnownPorts = map[int]struct{}{
	80: {}, 443: {}, 3000: {}, 8000: {}, 8080: {}, 9000: {},
}

const largeBodyWarnThreshold = 100 << 20 // 100 MiB

// Validate checks cfg and returns non-fatal warnings alongside a fatal
// error, if any. A returned error wraps ErrInvalidConfig.
func Validate(cfg Config) (warnings []string, err error) {
	var problems []string

	if cfg.Proxy.HTTPPort < 1 || cfg.Proxy.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("httpPort %d outside range 1-65535", cfg.Proxy.HTTPPort))
	}
	if cfg.Proxy.HTTPSPort != 0 && (cfg.Proxy.HTTPSPort < 1 || cfg.Proxy.HTTPSPort > 65535) {
		problems = append(problems, fmt.Sprintf("httpsPort %d outside range 1-65535", cfg.Proxy.HTTPSPort))
	}
	if cfg.Proxy.HTTPSPort != 0 && cfg.Proxy.HTTPSPort == cfg.Proxy.HTTPPort {
		problems = append(problems, fmt.Sprintf("httpPort and httpsPort are both %d", cfg.Proxy.HTTPPort))
	}
	if cfg.Storage.DBPath == "" {
		problems = append(problems, "dbPath is empty")
	}
	if cfg.Capture.MaxBodySize < 0 {
		problems = append(problems, fmt.Sprintf("maxBodySize %d is negative", cfg.Capture.MaxBodySize))
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, problems)
	}

	if cfg.Proxy.EnableHTTPS {
		if _, statErr := os.Stat(cfg.Proxy.CertPath); statErr != nil {
			warnings = append(warnings, fmt.Sprintf("CA certificate %s not found; a new CA will be generated", cfg.Proxy.CertPath))
		} else if _, statErr := os.Stat(cfg.Proxy.KeyPath); statErr != nil {
			warnings = append(warnings, fmt.Sprintf("CA key %s not found; a new CA will be generated", cfg.Proxy.KeyPath))
		}
	}
	if cfg.Capture.MaxBodySize > largeBodyWarnThreshold {
		warnings = append(warnings, fmt.Sprintf("maxBodySize %s is very large; captures may exhaust memory",
			humanize.IBytes(uint64(cfg.Capture.MaxBodySize))))
	}
	for _, port := range []int{cfg.Proxy.HTTPPort, cfg.Proxy.HTTPSPort} {
		if _, known := wellKnownPorts[port]; known {
			warnings = append(warnings, fmt.Sprintf("port %d is commonly used by other services", port))
		}
	}

	return warnings, nil
}

// PortAvailable probes whether a TCP port can currently be bound. The probe
// is advisory only: the port can be taken between the probe and the real
// bind. An address-in-use failure reports (false, nil); any other bind
// failure surfaces its cause.
func PortAvailable(port int) (bool, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		if isAddrInUse(err) {
			return false, nil
		}
		return false, fmt.Errorf("probing port %d: %w", port, err)
	}
	ln.Close()
	return true, nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
