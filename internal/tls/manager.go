package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// Manager resolves server certificates: ACME autocert when enabled, then
// file-based certificates, then a self-signed fallback for development.
type Manager struct {
	cfg      *config.ServerConfig
	autoCert *autocert.Manager

	mu       sync.Mutex
	selfCert *tls.Certificate
}

func NewManager(cfg *config.ServerConfig) *Manager {
	m := &Manager{cfg: cfg}

	if cfg.EnableTLS && cfg.AutoCert && cfg.Domain != "" {
		if err := os.MkdirAll(cfg.AutoCertDir, 0700); err != nil {
			util.Warn("Could not create autocert directory", util.ErrorField(err))
		} else {
			m.autoCert = &autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(cfg.Domain),
				Cache:      autocert.DirCache(cfg.AutoCertDir),
				Email:      cfg.Email,
			}
			util.Info("AutoCert configured",
				util.String("domain", cfg.Domain),
				util.String("cache_dir", cfg.AutoCertDir))
		}
	}

	return m
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err == nil {
			return &cert, nil
		}
		util.Warn("Failed to load certificate files", util.ErrorField(err))
	}

	return m.selfSignedCert()
}

func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// AutocertManager exposes the ACME manager so its HTTP-01 handler can be
// mounted on port 80. Nil when autocert is disabled.
func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}

// selfSignedCert lazily builds one throwaway certificate per process for
// local development.
func (m *Manager) selfSignedCert() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selfCert != nil {
		return m.selfCert, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"identity-service dev"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	if m.cfg.Domain != "" {
		template.DNSNames = append(template.DNSNames, m.cfg.Domain)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	util.Info("Generated self-signed certificate", util.String("domain", m.cfg.Domain))

	m.selfCert = &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return m.selfCert, nil
}
