// Package tls serves the API over HTTPS from configured or generated
// certificates.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `toml:"key_file" mapstructure:"key_file"`
	// Dir holds tls.crt/tls.key when no explicit files are named.
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string `toml:"max_version" mapstructure:"max_version"`

	CommonName  string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames    []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays   int      `toml:"valid_days" mapstructure:"valid_days"`
}

// parseVersion maps "1.2"/"1.3" spellings to crypto/tls constants.
func parseVersion(ver string) (uint16, error) {
	switch strings.ToLower(ver) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", ver)
	}
}

// Setup returns the server TLS configuration, or nil when TLS is disabled.
// Explicit cert/key files win over Dir; Dir certificates are generated on
// first use when AutoGenerate is set.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	maxVer, err := parseVersion(c.MaxVersion)
	if err != nil {
		return nil, err
	}
	if c.MinVersion == "" && maxVer < minVer {
		minVer = maxVer
	}
	if minVer > maxVer {
		return nil, fmt.Errorf("min_version %s above max_version %s", c.MinVersion, c.MaxVersion)
	}

	certPath, keyPath := c.CertFile, c.KeyFile
	switch {
	case certPath != "" && keyPath != "":
	case c.Dir != "":
		certPath = filepath.Join(c.Dir, CertFile)
		keyPath = filepath.Join(c.Dir, KeyFile)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but no certificate files or dir configured")
	}
	if !exists(certPath, keyPath) {
		return nil, fmt.Errorf("certificate %s or key %s missing", certPath, keyPath)
	}

	// #nosec G402 minimum version is configurable down to 1.2
	return &tls.Config{
		GetCertificate: certLoader(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// certLoader rereads the pair on every handshake so rotated files are
// picked up without a restart.
func certLoader(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func orDefault[T string | []string](v, def T) T {
	if len(v) == 0 {
		return def
	}
	return v
}

func generate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(c.CommonName, "localhost"),
		Organization: "mender",
		DNSNames:     orDefault(c.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefault(c.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(c.Dir, CertFile),
		KeyPath:      filepath.Join(c.Dir, KeyFile),
		CACertPath:   filepath.Join(c.Dir, CACertFile),
	})
}
