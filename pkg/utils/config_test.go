package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("auth:\n  jwt_secret: s3cret\n"), lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, DefaultService, cfg.Service)
	assert.Equal(t, "fail-closed", cfg.FailurePolicy)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, DefaultCookieName, cfg.Auth.CookieName)
	assert.Equal(t, []string{"/crm-api/"}, cfg.Routes.StripPrefixes)
	assert.Equal(t, []string{`^/(api)(/.*)?$`}, cfg.Routes.Patterns)
	assert.Equal(t, DefaultListenAddr, cfg.Serve.Listen)
	assert.Equal(t, DefaultMetricsPath, cfg.Serve.MetricsPath)
}

func TestParseConfig_Full(t *testing.T) {
	doc := `
region: ${AWS_REGION}
service: execute-api
target_host: abc123.execute-api.eu-west-1.amazonaws.com
failure_policy: fail-open
log_level: debug
log_format: text
auth:
  cookie_name: session
  jwt_secret_arn: ${SECRET_ARN:-arn:aws:secretsmanager:us-east-1:123456789012:secret:jwt}
  leeway: 30s
routes:
  strip_prefixes: ["/legacy/"]
  patterns: []
serve:
  listen: 127.0.0.1:9090
  origin: https://abc123.execute-api.eu-west-1.amazonaws.com/prod
`
	cfg, err := ParseConfig([]byte(doc), lookupFrom(map[string]string{"AWS_REGION": "eu-west-1"}))
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "fail-open", cfg.FailurePolicy)
	assert.Equal(t, "session", cfg.Auth.CookieName)
	assert.Equal(t, "arn:aws:secretsmanager:us-east-1:123456789012:secret:jwt", cfg.Auth.JWTSecretARN)
	assert.Equal(t, 30*time.Second, cfg.Auth.Leeway)
	assert.Equal(t, []string{"/legacy/"}, cfg.Routes.StripPrefixes)
	assert.Empty(t, cfg.Routes.Patterns)
	assert.Equal(t, "127.0.0.1:9090", cfg.Serve.Listen)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "missing env", doc: "auth:\n  jwt_secret: ${JWT_SECRET}\nregion: ${REGION}\n", want: "JWT_SECRET, REGION"},
		{name: "no secret", doc: "region: eu-west-1\n", want: "auth.jwt_secret or auth.jwt_secret_arn is required"},
		{name: "both secrets", doc: "auth:\n  jwt_secret: a\n  jwt_secret_arn: b\n", want: "mutually exclusive"},
		{name: "bad policy", doc: "failure_policy: maybe\nauth:\n  jwt_secret: a\n", want: `unknown failure_policy "maybe"`},
		{name: "bad format", doc: "log_format: xml\nauth:\n  jwt_secret: a\n", want: `unknown log_format "xml"`},
		{name: "bad host", doc: "target_host: https://x\nauth:\n  jwt_secret: a\n", want: "bare host name"},
		{name: "unknown field", doc: "auth:\n  jwt_secret: a\nextra: 1\n", want: "error parsing YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.doc), lookupFrom(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("region: us-east-1\nauth:\n  jwt_secret: abc\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestSubstituteEnvVars_EmptyValueUsesDefault(t *testing.T) {
	out, err := substituteEnvVars("a: ${A:-x}\nb: ${B:-}\n", lookupFrom(map[string]string{"A": ""}))
	require.NoError(t, err)
	assert.Equal(t, "a: x\nb: \n", out)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("EDGESIGNER_TEST_VALUE", "v")
	t.Setenv("EDGESIGNER_TEST_BOOL", "true")
	t.Setenv("EDGESIGNER_TEST_BAD_BOOL", "nope")

	assert.Equal(t, "v", GetEnv("EDGESIGNER_TEST_VALUE", "d"))
	assert.Equal(t, "d", GetEnv("EDGESIGNER_TEST_UNSET", "d"))
	assert.True(t, GetEnvBoolWithDefault("EDGESIGNER_TEST_BOOL", false))
	assert.True(t, GetEnvBoolWithDefault("EDGESIGNER_TEST_BAD_BOOL", true))
	assert.False(t, GetEnvBoolWithDefault("EDGESIGNER_TEST_UNSET", false))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("k", "v").Info("hello")
	assert.Contains(t, buf.String(), `"k":"v"`)

	logger, err = NewLogger(&buf, "warn", "text")
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	_, err = NewLogger(&buf, "loud", "json")
	assert.Error(t, err)
}

func TestNewTransport(t *testing.T) {
	tr := NewTransport(DefaultHTTPClientConfig())
	assert.Equal(t, 30*time.Second, tr.ResponseHeaderTimeout)
	assert.True(t, tr.ForceAttemptHTTP2)
}
