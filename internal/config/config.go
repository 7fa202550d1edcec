// Package config loads and validates the gateway configuration file.
//
// The canonical format is JSON; files with a .yaml/.yml extension are parsed
// as YAML with the same keys. A malformed or missing config is a fatal
// startup error.
package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration. Keys are fixed by the config
// file contract.
type Config struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	APIKey string `json:"apiKey" yaml:"apiKey"`

	Region     string `json:"region" yaml:"region"`
	TLSBackend string `json:"tlsBackend" yaml:"tlsBackend"`

	KiroVersion   string `json:"kiroVersion" yaml:"kiroVersion"`
	MachineID     string `json:"machineId" yaml:"machineId"`
	SystemVersion string `json:"systemVersion" yaml:"systemVersion"`
	NodeVersion   string `json:"nodeVersion" yaml:"nodeVersion"`

	ProxyURL      string `json:"proxyUrl" yaml:"proxyUrl"`
	ProxyUsername string `json:"proxyUsername" yaml:"proxyUsername"`
	ProxyPassword string `json:"proxyPassword" yaml:"proxyPassword"`

	CountTokensAPIURL   string `json:"countTokensApiUrl" yaml:"countTokensApiUrl"`
	CountTokensAPIKey   string `json:"countTokensApiKey" yaml:"countTokensApiKey"`
	CountTokensAuthType string `json:"countTokensAuthType" yaml:"countTokensAuthType"`

	AdminAPIKey string `json:"adminApiKey" yaml:"adminApiKey"`

	// MaxConcurrent caps in-flight requests per credential.
	MaxConcurrent int `json:"maxConcurrent" yaml:"maxConcurrent"`
	// FailureThreshold is the failure count that quarantines a credential.
	FailureThreshold int `json:"failureThreshold" yaml:"failureThreshold"`
}

// Load reads, parses, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.TLSBackend == "" {
		c.TLSBackend = "rustls"
	}
	if c.CountTokensAuthType == "" {
		c.CountTokensAuthType = "x-api-key"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.KiroVersion == "" {
		c.KiroVersion = DefaultKiroVersion
	}
}

func (c *Config) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("config: apiKey is required")
	}
	switch c.TLSBackend {
	case "rustls", "native-tls":
	default:
		return fmt.Errorf("config: unknown tlsBackend %q", c.TLSBackend)
	}
	switch c.CountTokensAuthType {
	case "x-api-key", "bearer":
	default:
		return fmt.Errorf("config: unknown countTokensAuthType %q", c.CountTokensAuthType)
	}
	if c.ProxyURL != "" {
		if _, err := url.Parse(c.ProxyURL); err != nil {
			return fmt.Errorf("config: invalid proxyUrl: %w", err)
		}
	}
	return nil
}

// ListenAddr returns the host:port bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HTTPClient builds the shared upstream HTTP client, honoring the proxy
// settings. The client is reused across all requests.
func (c *Config) HTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.ProxyURL != "" {
		if proxyURL, err := url.Parse(c.ProxyURL); err == nil {
			if c.ProxyUsername != "" {
				proxyURL.User = url.UserPassword(c.ProxyUsername, c.ProxyPassword)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
