package credentials

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/relabs-tech/queuekiosk/iot/queue"
)

// DefaultValidity is the validity of issued certificates if none is given
const DefaultValidity = 2 * 365 * 24 * time.Hour

// Credentials are an X.509 certificate with its private key, both PEM encoded
type Credentials struct {
	CommonName  string `json:"common_name"`
	Certificate string `json:"cert"`
	Key         string `json:"key"`
}

// TLSCertificate returns the credentials as key pair for a tls.Config
func (c *Credentials) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair([]byte(c.Certificate), []byte(c.Key))
}

// WriteFiles writes certificate and key to the given files. The key file is only readable
// by the owner.
func (c *Credentials) WriteFiles(certFile, keyFile string) error {
	if err := os.WriteFile(certFile, []byte(c.Certificate), 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyFile, []byte(c.Key), 0o600)
}

// Authority is a certificate authority issuing device and broker certificates
type Authority struct {
	cert    *x509.Certificate
	certPEM []byte
	key     crypto.Signer
}

// NewAuthority creates a new self-signed certificate authority
func NewAuthority(commonName string, validity time.Duration) (*Authority, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"queuekiosk"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{cert: cert, certPEM: encodePEM("CERTIFICATE", der), key: key}, nil
}

// LoadAuthority loads a certificate authority from a PEM encoded certificate and a PEM
// encoded PKCS8 private key.
func LoadAuthority(certPEM, keyPEM []byte) (*Authority, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate in ca-cert data")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse ca-cert: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("ca-cert is not a certificate authority")
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("no private key in ca-key data")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse ca-key: %w", err)
	}
	key, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, errors.New("ca-key cannot sign")
	}
	return &Authority{cert: cert, certPEM: encodePEM("CERTIFICATE", cert.Raw), key: key}, nil
}

// LoadAuthorityFiles loads a certificate authority from files, see LoadAuthority
func LoadAuthorityFiles(certFile, keyFile string) (*Authority, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	return LoadAuthority(certPEM, keyPEM)
}

// CertPEM returns the PEM encoded certificate of the authority
func (a *Authority) CertPEM() []byte {
	return append([]byte(nil), a.certPEM...)
}

// KeyPEM returns the PEM encoded PKCS8 private key of the authority
func (a *Authority) KeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(a.key)
	if err != nil {
		return nil, err
	}
	return encodePEM("PRIVATE KEY", der), nil
}

// Pool returns a certificate pool containing the authority
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// IssueDevice issues client credentials for a kiosk. The common name is the device ID, which
// the broker requires to be the MQTT client ID.
func (a *Authority) IssueDevice(deviceID string, validity time.Duration) (*Credentials, error) {
	if !queue.ValidDeviceID(deviceID) {
		return nil, fmt.Errorf("invalid device ID %q", deviceID)
	}
	return a.issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: deviceID},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, validity)
}

// IssueServer issues server credentials for a broker reachable under hosts. Hosts are DNS
// names or IP addresses; the first host is the common name.
func (a *Authority) IssueServer(hosts []string, validity time.Duration) (*Credentials, error) {
	if len(hosts) == 0 {
		return nil, errors.New("no hosts for server certificate")
	}
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: hosts[0]},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return a.issue(template, validity)
}

func (a *Authority) issue(template *x509.Certificate, validity time.Duration) (*Credentials, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template.SerialNumber = serial
	template.NotBefore = now.Add(-time.Minute)
	template.NotAfter = now.Add(validity)
	if template.NotAfter.After(a.cert.NotAfter) {
		template.NotAfter = a.cert.NotAfter
	}
	template.KeyUsage = x509.KeyUsageDigitalSignature

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		CommonName:  template.Subject.CommonName,
		Certificate: string(encodePEM("CERTIFICATE", der)),
		Key:         string(encodePEM("PRIVATE KEY", keyDER)),
	}, nil
}

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func encodePEM(blockType string, der []byte) []byte {
	buf := new(bytes.Buffer)
	pem.Encode(buf, &pem.Block{Type: blockType, Bytes: der})
	return buf.Bytes()
}
