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
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const caCommonName = "Proxy Traffic MCP CA"

// CertAuthority signs per-host leaf certificates for interception. All
// leaves share one RSA key; that trades key isolation for handshake
// speed, which is acceptable only because the CA is a local development
// trust root.
type CertAuthority struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caPEM  []byte

	leafKey *rsa.PrivateKey

	mu    sync.Mutex
	cache map[string]*tls.Certificate

	logger *zap.Logger
}

// LoadOrCreateCA returns an authority backed by the PEM files at
// certPath/keyPath, generating and persisting a fresh CA when either
// file is missing.
func LoadOrCreateCA(certPath, keyPath string, logger *zap.Logger) (*CertAuthority, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if fileExists(certPath) && fileExists(keyPath) {
		ca, err := loadCA(certPath, keyPath, logger)
		if err != nil {
			return nil, fmt.Errorf("loading CA from %s: %w", certPath, err)
		}
		return ca, nil
	}

	ca, err := generateCA(logger)
	if err != nil {
		return nil, err
	}
	if certPath != "" && keyPath != "" {
		if err := ca.persist(certPath, keyPath); err != nil {
			return nil, err
		}
		logger.Info("generated interception CA",
			zap.String("cert", certPath),
			zap.String("key", keyPath))
	}
	return ca, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func loadCA(certPath, keyPath string, logger *zap.Logger) (*CertAuthority, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	key, err := parseRSAKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &CertAuthority{
		caCert:  cert,
		caKey:   key,
		caPEM:   certPEM,
		leafKey: leafKey,
		cache:   make(map[string]*tls.Certificate),
		logger:  logger,
	}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is %T, want RSA", parsed)
	}
	return key, nil
}

func generateCA(logger *zap.Logger) (*CertAuthority, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	keyID := sha1.Sum(x509.MarshalPKCS1PublicKey(&caKey.PublicKey))
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: caCommonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(2, 0, 0),

		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature |
			x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageCodeSigning, x509.ExtKeyUsageEmailProtection,
			x509.ExtKeyUsageTimeStamping,
		},

		DNSNames:    []string{"localhost", "*.localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},

		SubjectKeyId:       keyID[:],
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("self-signing CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &CertAuthority{
		caCert:  cert,
		caKey:   caKey,
		caPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		leafKey: leafKey,
		cache:   make(map[string]*tls.Certificate),
		logger:  logger,
	}, nil
}

func (ca *CertAuthority) persist(certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, ca.caPEM, 0o644); err != nil {
		return fmt.Errorf("writing CA cert: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(ca.caKey),
	})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing CA key: %w", err)
	}
	return nil
}

// CertificatePEM returns the CA certificate for client trust stores.
func (ca *CertAuthority) CertificatePEM() []byte {
	out := make([]byte, len(ca.caPEM))
	copy(out, ca.caPEM)
	return out
}

// LeafFor returns a certificate for host, minting and caching one per
// distinct hostname. IP literals land in the SAN IP list.
func (ca *CertAuthority) LeafFor(host string) (*tls.Certificate, error) {
	if host == "" {
		host = "localhost"
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()
	if cert, ok := ca.cache[host]; ok {
		return cert, nil
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, &ca.leafKey.PublicKey, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("issuing leaf for %s: %w", host, err)
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{der, ca.caCert.Raw},
		PrivateKey:  ca.leafKey,
	}
	ca.cache[host] = cert
	ca.logger.Debug("issued leaf certificate", zap.String("host", host))
	return cert, nil
}

// TLSConfig serves dynamically issued leaves keyed by SNI.
func (ca *CertAuthority) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return ca.LeafFor(hello.ServerName)
		},
		MinVersion: tls.VersionTLS12,
	}
}
