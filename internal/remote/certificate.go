package remote

import (
	"crypto/tls"
	"fmt"

	"github.com/palacepal/palsync/internal/config"
)

// Certificate is the optional client certificate presented to the service.
// It is either NoCertificate or CertificateFiles.
type Certificate interface {
	tlsCertificates() ([]tls.Certificate, error)
}

// NoCertificate connects without a client certificate.
type NoCertificate struct{}

// CertificateFiles loads a PEM certificate and key pair.
type CertificateFiles struct {
	CertFile string
	KeyFile  string
}

func (NoCertificate) tlsCertificates() ([]tls.Certificate, error) {
	return nil, nil
}

func (c CertificateFiles) tlsCertificates() ([]tls.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	return []tls.Certificate{pair}, nil
}

// CertificateFromConfig picks the certificate variant described by cfg.
func CertificateFromConfig(cfg config.RemoteConfig) Certificate {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return NoCertificate{}
	}
	return CertificateFiles{CertFile: cfg.CertFile, KeyFile: cfg.KeyFile}
}
