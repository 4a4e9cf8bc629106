package relay

import (
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
	"path/filepath"
	"time"
)

const certValidity = 365 * 24 * time.Hour

// Files of a certificate directory.
const (
	CACertFile     = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"
)

// Certs holds the PEM encoded material for mutual TLS between the relay and its viewers.
// Anyone holding the client key can run commands on the relay.
type Certs struct {
	CACertPEM     []byte
	ServerCertPEM []byte
	ServerKeyPEM  []byte
	ClientCertPEM []byte
	ClientKeyPEM  []byte
}

func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificate found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificate found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func (c *Certs) ServerTLSConfig() (*tls.Config, error) {
	return ServerTLSConfig(c.CACertPEM, c.ServerCertPEM, c.ServerKeyPEM)
}

func (c *Certs) ClientTLSConfig() (*tls.Config, error) {
	return ClientTLSConfig(c.CACertPEM, c.ClientCertPEM, c.ClientKeyPEM)
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serial, nil
}

func encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// issue creates a leaf certificate signed by the CA, or a self-signed CA if ca is nil.
func issue(tmpl *x509.Certificate, ca *x509.Certificate, caKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey, []byte, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}
	tmpl.SerialNumber = serial
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = time.Now().Add(certValidity)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generating key: %w", err)
	}
	signer := key
	if ca == nil {
		ca = tmpl
	} else {
		signer = caKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, signer)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing created cert: %w", err)
	}
	return cert, key, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// GenerateCerts creates a CA plus a server and a client certificate signed by it.
// hosts are the DNS names and IP addresses the server certificate is valid for.
func GenerateCerts(hosts ...string) (*Certs, error) {
	caCert, caKey, caPEM, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "gwrelay CA"},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverTmpl := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "gwrelay server"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			serverTmpl.IPAddresses = append(serverTmpl.IPAddresses, ip)
		} else {
			serverTmpl.DNSNames = append(serverTmpl.DNSNames, h)
		}
	}
	_, serverKey, serverPEM, err := issue(serverTmpl, caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	_, clientKey, clientPEM, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: "gwrelay viewer"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	certs := &Certs{CACertPEM: caPEM, ServerCertPEM: serverPEM, ClientCertPEM: clientPEM}
	if certs.ServerKeyPEM, err = encodeKey(serverKey); err != nil {
		return nil, err
	}
	if certs.ClientKeyPEM, err = encodeKey(clientKey); err != nil {
		return nil, err
	}
	return certs, nil
}

func (c *Certs) files() map[string]*[]byte {
	return map[string]*[]byte{
		CACertFile:     &c.CACertPEM,
		ServerCertFile: &c.ServerCertPEM,
		ServerKeyFile:  &c.ServerKeyPEM,
		ClientCertFile: &c.ClientCertPEM,
		ClientKeyFile:  &c.ClientKeyPEM,
	}
}

// WriteDir writes the certificates and keys into dir, which is created if needed.
func (c *Certs) WriteDir(dir string) error {
	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	for name, b := range c.files() {
		err := os.WriteFile(filepath.Join(dir, name), *b, 0o600)
		if err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// ReadCertsDir reads a directory written by WriteDir. Missing files are left empty,
// so a viewer only needs the CA and client files.
func ReadCertsDir(dir string) (*Certs, error) {
	c := &Certs{}
	for name, b := range c.files() {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		*b = content
	}
	return c, nil
}
