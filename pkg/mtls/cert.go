package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// LoadClientTLSConfig builds the TLS configuration the agent uses towards
// the collector. It returns nil when no CA or client certificate is
// configured, in which case the default transport settings apply.
func LoadClientTLSConfig(caCertPath, clientCertPath, clientKeyPath, serverName string, insecureSkipVerify bool) (*tls.Config, error) {
	if caCertPath == "" && clientCertPath == "" && !insecureSkipVerify {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify,
	}

	if caCertPath != "" {
		pool, err := loadCertPool(caCertPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if clientCertPath != "" {
		clientCert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	return tlsConfig, nil
}

// LoadServerTLSConfig creates the collector's TLS configuration.
// caCertPath may be empty when client certificates are not checked.
func LoadServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string, requireClientCert bool) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	if caCertPath != "" {
		pool, err := loadCertPool(caCertPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		if requireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return tlsConfig, nil
}

func loadCertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}
	return pool, nil
}
