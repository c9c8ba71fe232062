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

// Package config holds the typed proxy configuration. The Config value is
// built once (from flags and defaults), validated, and then passed through
// constructors; there is no process-wide mutable configuration state.
package config

// Config is the full configuration for the capturing proxy, grouped the
// same way the CLI flags are grouped.
type Config struct {
	Proxy   ProxyConfig   `json:"proxy"`
	Capture CaptureConfig `json:"capture"`
	Storage StorageConfig `json:"storage"`
}

// ProxyConfig configures the listeners and TLS interception.
type ProxyConfig struct {
	// HTTPPort is the plaintext listener port. Valid range 1-65535.
	HTTPPort int `json:"httpPort"`

	// HTTPSPort is the TLS interception listener port. Zero disables the
	// HTTPS listener even when EnableHTTPS is set.
	HTTPSPort int `json:"httpsPort,omitempty"`

	// EnableWebSockets controls whether upgrade requests are tunneled and
	// captured.
	EnableWebSockets bool `json:"enableWebSockets"`

	// EnableHTTPS controls TLS man-in-the-middle interception.
	EnableHTTPS bool `json:"enableHTTPS"`

	// CertPath and KeyPath locate the CA certificate and key in PEM form.
	// If the files do not exist, a CA is generated and persisted there.
	CertPath string `json:"certPath"`
	KeyPath  string `json:"keyPath"`

	// IgnoreHostHTTPSErrors suppresses upstream TLS certificate
	// validation. Dev-only escape hatch for self-signed upstreams.
	IgnoreHostHTTPSErrors bool `json:"ignoreHostHttpsErrors"`
}

// CaptureConfig controls what gets recorded.
type CaptureConfig struct {
	CaptureHeaders           bool `json:"captureHeaders"`
	CaptureBody              bool `json:"captureBody"`
	CaptureWebSocketMessages bool `json:"captureWebSocketMessages"`

	// MaxBodySize caps the number of raw bytes retained per body before
	// decompression. Larger bodies are truncated, not rejected.
	MaxBodySize int64 `json:"maxBodySize"`
}

// StorageConfig configures the embedded store.
type StorageConfig struct {
	DBPath string `json:"dbPath"`

	// MaxEntries is advisory: it informs retention and is not enforced
	// on individual writes.
	MaxEntries int `json:"maxEntries"`

	// RetentionDays drives the scheduled cleanup of old rows.
	RetentionDays int `json:"retentionDays"`

	EnableFTS bool `json:"enableFTS"`
}

// Default configuration values.
const (
	DefaultHTTPPort      = 8080
	DefaultCertPath      = "./certs/ca-cert.pem"
	DefaultKeyPath       = "./certs/ca-key.pem"
	DefaultMaxBodySize   = 1 << 20 // 1 MiB
	DefaultDBPath        = "./traffic.db"
	DefaultMaxEntries    = 100_000
	DefaultRetentionDays = 7
)

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{
			HTTPPort:         DefaultHTTPPort,
			EnableWebSockets: true,
			EnableHTTPS:      true,
			CertPath:         DefaultCertPath,
			KeyPath:          DefaultKeyPath,
		},
		Capture: CaptureConfig{
			CaptureHeaders:           true,
			CaptureBody:              true,
			CaptureWebSocketMessages: true,
			MaxBodySize:              DefaultMaxBodySize,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			MaxEntries:    DefaultMaxEntries,
			RetentionDays: DefaultRetentionDays,
			EnableFTS:     true,
		},
	}
}
