package runtime

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSConfig holds TLS configuration for node-to-node connections.
type TLSConfig struct {
	// Enabled turns on TLS encryption.
	Enabled bool
	// CertFile is the path to this node's certificate.
	CertFile string
	// KeyFile is the path to this node's private key.
	KeyFile string
	// CAFile is the path to the CA certificate. On the publishing side it
	// turns on client certificate verification.
	CAFile string
	// ServerName is used for SNI verification.
	ServerName string
	// InsecureSkipVerify skips certificate verification (development only).
	// Refused unless ENVIRONMENT names a non-production environment.
	InsecureSkipVerify bool
}

func (c *TLSConfig) active() bool {
	return c != nil && c.Enabled
}

var nonProductionEnvironments = map[string]bool{
	"development": true,
	"dev":         true,
	"staging":     true,
	"local":       true,
	"test":        true,
}

// transportCredentials builds client credentials. Plaintext when TLS is off.
func (c *TLSConfig) transportCredentials(logger *slog.Logger) (grpc.DialOption, error) {
	if !c.active() {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}

	if c.InsecureSkipVerify {
		// unset ENVIRONMENT counts as production
		env := strings.ToLower(os.Getenv("ENVIRONMENT"))
		if !nonProductionEnvironments[env] {
			return nil, fmt.Errorf("InsecureSkipVerify cannot be enabled in production environment (ENVIRONMENT=%q)", env)
		}
		logger.Warn("TLS certificate verification is disabled", "environment", env)
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 -- blocked in production above
		ServerName:         c.ServerName,
	}
	if c.CAFile != "" {
		pool, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)), nil
}

// serverCredentials builds listener credentials, nil when TLS is off.
func (c *TLSConfig) serverCredentials() (grpc.ServerOption, error) {
	if !c.active() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.CAFile != "" {
		pool, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return grpc.Creds(credentials.NewTLS(tlsCfg)), nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}
