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
	caCrtName = "tls_ca.crt"
	crtName   = "tls.crt"
	keyName   = "tls.key"
)

// Config enables HTTPS for the API listener. CertFile and KeyFile win over
// Dir. With Dir and AutoGenerate a self-signed pair is written on first use.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	MaxVersion   string   `mapstructure:"max_version"`
	CommonName   string   `mapstructure:"common_name"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days"`
}

func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Validate reports configuration that Setup would reject.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	for _, v := range []string{c.MinVersion, c.MaxVersion} {
		if ver, _ := parseVersion(v); ver == 0 {
			errs = append(errs, fmt.Errorf("unsupported tls version %q", v))
		}
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("tls cert_file and key_file must be set together"))
	}
	if c.CertFile == "" && c.Dir == "" {
		errs = append(errs, errors.New("tls enabled but neither cert_file nor dir is set"))
	}
	return errors.Join(errs...)
}

func (c Config) versions() (uint16, uint16) {
	minV, maxV := uint16(tls.VersionTLS13), uint16(tls.VersionTLS13)
	if v, ok := parseVersion(c.MinVersion); ok {
		minV = v
	}
	if v, ok := parseVersion(c.MaxVersion); ok {
		maxV = v
	}
	if maxV < minV {
		maxV = minV
	}
	return minV, maxV
}

// Setup returns the server side tls.Config, or nil when TLS is disabled.
// Certificates are re-read on each handshake so rotated files apply
// without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.Dir, crtName)
		keyPath = filepath.Join(c.Dir, keyName)
		if !exists(certPath, keyPath) {
			if !c.AutoGenerate {
				return nil, fmt.Errorf("no certificate in %s and auto_generate is off", c.Dir)
			}
			if err := generate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	minV, maxV := c.versions()
	return &tls.Config{
		GetCertificate: reloader(certPath, keyPath),
		MinVersion:     minV,
		MaxVersion:     maxV,
	}, nil
}

// CACertPath is where a generated certificate is also written for clients
// to trust. Empty when certificates come from explicit files.
func (c Config) CACertPath() string {
	if c.CertFile != "" || c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, caCrtName)
}

func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

func reloader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certDir, keyDir := filepath.Dir(certFile), filepath.Dir(keyFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		crt, err := safeReadFile(certDir, certFile)
		if err != nil {
			return nil, err
		}
		key, err := safeReadFile(keyDir, keyFile)
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(crt, key)
		return &pair, err
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

func generate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", c.Dir, err)
	}
	cn := c.CommonName
	if cn == "" {
		cn = "localhost"
	}
	hosts := c.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSigned(CertRequest{
		CommonName:   cn,
		Organization: "lunarpod",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(c.Dir, crtName),
		KeyPath:      filepath.Join(c.Dir, keyName),
		CACertPath:   filepath.Join(c.Dir, caCrtName),
	})
}
