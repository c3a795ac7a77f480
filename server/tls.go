package server

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/caio-sobreiro/amhsnet/pdu"
)

// TLSFiles names the PEM files of a TLS listener. ClientCAFile enables
// client certificate verification.
type TLSFiles struct {
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
}

// LoadTLSConfig builds a server TLS configuration from PEM files. TLS 1.2
// is the minimum version.
func LoadTLSConfig(files TLSFiles) (*tls.Config, error) {
	if files.CertFile == "" || files.KeyFile == "" {
		return nil, errors.New("amhsserver: certificate and key files are required")
	}
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequestClientCert,
	}

	if files.ClientCAFile != "" {
		pem, err := os.ReadFile(files.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", files.ClientCAFile)
		}
		config.ClientCAs = pool
		config.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if files.RequireClientCert {
		if config.ClientCAs == nil {
			return nil, errors.New("amhsserver: requiring client certificates needs a client CA file")
		}
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config, nil
}

// PeerIdentity returns the CN and first OU of the peer's leaf certificate.
// Both are empty when the peer sent no certificate.
func PeerIdentity(state tls.ConnectionState) pdu.PeerIdentity {
	if len(state.PeerCertificates) == 0 {
		return pdu.PeerIdentity{}
	}
	subject := state.PeerCertificates[0].Subject
	identity := pdu.PeerIdentity{CN: subject.CommonName}
	if len(subject.OrganizationalUnit) > 0 {
		identity.OU = subject.OrganizationalUnit[0]
	}
	return identity
}
