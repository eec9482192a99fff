package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"github.com/haukened/rr-lookup/internal/lookup/domain"
)

// NewServerTLSConfig loads the certificate and key for server-side TLS. Both files are
// checked before loading so a missing file yields one clear domain.ErrCertificateUnavailable
// naming it. Clients are not asked for certificates.
func NewServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if err := checkReadable(certFile); err != nil {
		return nil, fmt.Errorf("%w: certificate file %q: %w", domain.ErrCertificateUnavailable, certFile, err)
	}
	if err := checkReadable(keyFile); err != nil {
		return nil, fmt.Errorf("%w: key file %q: %w", domain.ErrCertificateUnavailable, keyFile, err)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: load key pair %q / %q: %w", domain.ErrCertificateUnavailable, certFile, keyFile, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// NewClientTLSConfig returns the development trust model used by the query client:
// the server certificate and host name are not verified.
func NewClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

func checkReadable(path string) error {
	if path == "" {
		return errors.New("path not configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("is a directory")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
