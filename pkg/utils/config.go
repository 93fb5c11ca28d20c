package utils

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DefaultConfigPath  = "config.yml"
	DefaultService     = "execute-api"
	DefaultCookieName  = "x-auth"
	DefaultListenAddr  = "0.0.0.0:8080"
	DefaultMetricsPath = "/metrics"
)

// Config is the deployment configuration of the function. Lambda@Edge
// functions cannot read custom environment variables, so everything is read
// from a YAML file bundled with the binary.
type Config struct {
	Region        string       `yaml:"region"`
	Service       string       `yaml:"service"`
	TargetHost    string       `yaml:"target_host"`
	FailurePolicy string       `yaml:"failure_policy"`
	LogLevel      string       `yaml:"log_level"`
	LogFormat     string       `yaml:"log_format"`
	LogSigning    bool         `yaml:"log_signing"`
	Auth          AuthConfig   `yaml:"auth"`
	Routes        RoutesConfig `yaml:"routes"`
	Serve         ServeConfig  `yaml:"serve"`
}

type AuthConfig struct {
	CookieName   string        `yaml:"cookie_name"`
	JWTSecret    string        `yaml:"jwt_secret"`
	JWTSecretARN string        `yaml:"jwt_secret_arn"`
	Leeway       time.Duration `yaml:"leeway"`
}

type RoutesConfig struct {
	StripPrefixes []string `yaml:"strip_prefixes"`
	Patterns      []string `yaml:"patterns"`
}

// ServeConfig is only used by the local emulation proxy.
type ServeConfig struct {
	Listen      string `yaml:"listen"`
	Origin      string `yaml:"origin"`
	MetricsPath string `yaml:"metrics_path"`
}

// LoadConfig reads the config file and substitutes environment variables.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data, os.LookupEnv)
}

// ParseConfig parses YAML after replacing ${VAR} and ${VAR:-default} with
// values from lookup, then applies defaults and validates the result.
func ParseConfig(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	substituted, err := substituteEnvVars(string(data), lookup)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.UnmarshalStrict([]byte(substituted), &cfg); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = "fail-closed"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = DefaultCookieName
	}
	if c.Routes.StripPrefixes == nil && c.Routes.Patterns == nil {
		c.Routes.StripPrefixes = []string{"/crm-api/"}
		c.Routes.Patterns = []string{`^/(api)(/.*)?$`}
	}
	if c.Serve.Listen == "" {
		c.Serve.Listen = DefaultListenAddr
	}
	if c.Serve.MetricsPath == "" {
		c.Serve.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks the fields that do not depend on the runtime environment.
// The region may be left empty and filled from the AWS configuration.
func (c *Config) Validate() error {
	var problems []string
	if c.Auth.JWTSecret == "" && c.Auth.JWTSecretARN == "" {
		problems = append(problems, "auth.jwt_secret or auth.jwt_secret_arn is required")
	}
	if c.Auth.JWTSecret != "" && c.Auth.JWTSecretARN != "" {
		problems = append(problems, "auth.jwt_secret and auth.jwt_secret_arn are mutually exclusive")
	}
	if c.Auth.Leeway < 0 {
		problems = append(problems, "auth.leeway must not be negative")
	}
	switch c.FailurePolicy {
	case "fail-closed", "fail-open":
	default:
		problems = append(problems, fmt.Sprintf("unknown failure_policy %q", c.FailurePolicy))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_format %q", c.LogFormat))
	}
	if strings.ContainsAny(c.TargetHost, "/?# ") {
		problems = append(problems, fmt.Sprintf("target_host %q must be a bare host name", c.TargetHost))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)(?::-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR} with the environment variable value. An
// unset variable without a default is an error.
func substituteEnvVars(content string, lookup func(string) (string, bool)) (string, error) {
	missing := map[string]struct{}{}
	out := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, hasDefault := groups[1], strings.Contains(match, ":-")
		if value, ok := lookup(name); ok && value != "" {
			return value
		}
		if hasDefault {
			return groups[2]
		}
		missing[name] = struct{}{}
		return ""
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", fmt.Errorf("environment variables not set: %s", strings.Join(names, ", "))
	}
	return out, nil
}
