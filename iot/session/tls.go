package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// LoadTLSConfig returns the client side of a mutual TLS configuration. caFile is the trusted
// root for the broker certificate, certFile and keyFile are the device's X.509 key pair.
func LoadTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	if len(certFile) == 0 || len(keyFile) == 0 {
		return nil, errors.New("device certificate and key are mandatory")
	}
	crt, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load device key pair: %w", err)
	}
	var caCert []byte
	if len(caFile) > 0 {
		caCert, err = os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read root certificate: %w", err)
		}
	}
	return NewTLSConfig(caCert, crt)
}

// NewTLSConfig returns the client side of a mutual TLS configuration from a PEM encoded trusted
// root and a device key pair. Without a root the system pool is used.
func NewTLSConfig(caCertPEM []byte, crt tls.Certificate) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		MinVersion:   tls.VersionTLS12,
	}
	if len(caCertPEM) > 0 {
		caCertPool := x509.NewCertPool()
		if ok := caCertPool.AppendCertsFromPEM(caCertPEM); !ok {
			return nil, errors.New("root certificate contains no PEM certificates")
		}
		tlsConfig.RootCAs = caCertPool
	}
	return tlsConfig, nil
}
