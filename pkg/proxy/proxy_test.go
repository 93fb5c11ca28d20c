package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robertprast/edgesigner/pkg/auth"
	"github.com/robertprast/edgesigner/pkg/dispatch"
	"github.com/robertprast/edgesigner/pkg/edge"
	"github.com/robertprast/edgesigner/pkg/routes"
	"github.com/robertprast/edgesigner/pkg/signer"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "portal-shared-secret"

type captured struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

func (c *captured) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.requests = append(c.requests, r)
	c.bodies = append(c.bodies, string(body))
	c.mu.Unlock()
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("from origin"))
}

func (c *captured) last(t *testing.T) (*http.Request, string) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.requests, "origin was not called")
	n := len(c.requests) - 1
	return c.requests[n], c.bodies[n]
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type env struct {
	proxy    *httptest.Server
	origin   *captured
	upstream *url.URL
	registry *prometheus.Registry
	metrics  *Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithOriginPath(t, "")
}

func newEnvWithOriginPath(t *testing.T, originPath string) *env {
	t.Helper()
	origin := &captured{}
	originSrv := httptest.NewServer(http.HandlerFunc(origin.handler))
	t.Cleanup(originSrv.Close)

	verifier, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)
	s, err := signer.New(signer.Options{Region: "eu-west-1"})
	require.NoError(t, err)

	logger, _ := logtest.NewNullLogger()
	registry := prometheus.NewRegistry()
	d, err := dispatch.New(dispatch.Options{
		Routes:  routes.Default(),
		Auth:    auth.NewExtractor(auth.DefaultCookieName, verifier),
		Signer:  s,
		Logger:  logger,
		Metrics: dispatch.NewMetrics(registry),
	})
	require.NoError(t, err)

	metrics := NewProxyMetrics(registry)
	creds := aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET", SessionToken: "SESSION"}
	h, err := NewProxyHandler(Options{
		Dispatcher: d,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}),
		Origin:      originSrv.URL + originPath,
		Logger:      logger,
		Metrics:     metrics,
		Gatherer:    registry,
		MetricsPath: "/metrics",
	})
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	upstream, err := url.Parse(originSrv.URL)
	require.NoError(t, err)
	return &env{proxy: srv, origin: origin, upstream: upstream, registry: registry, metrics: metrics}
}

func validCookie(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "x-auth=Bearer " + tok
}

func TestProxy_PassthroughIsForwardedUnsigned(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.proxy.URL + "/static/app.js?v=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "from origin", string(body))

	got, _ := e.origin.last(t)
	assert.Equal(t, "/static/app.js", got.URL.Path)
	assert.Equal(t, "v=1", got.URL.RawQuery)
	assert.Empty(t, got.Header.Get("Authorization"))
}

func TestProxy_SignsProtectedRoute(t *testing.T) {
	e := newEnv(t)

	req, err := http.NewRequest(http.MethodPost, e.proxy.URL+"/crm-api/users/5?b=2&a=1", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, err)
	req.Header.Set("Cookie", validCookie(t))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, body := e.origin.last(t)

	assert.Equal(t, "/users/5", got.URL.Path)
	assert.Equal(t, "a=1&b=2", got.URL.RawQuery)
	assert.Equal(t, `{"name":"x"}`, body)
	assert.True(t, strings.HasPrefix(got.Header.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AKID/"))
	assert.Contains(t, got.Header.Get("Authorization"), "/eu-west-1/execute-api/aws4_request")
	assert.NotEmpty(t, got.Header.Get("X-Amz-Date"))
	assert.Equal(t, "SESSION", got.Header.Get("X-Amz-Security-Token"))

	sum := sha256.Sum256([]byte(`{"name":"x"}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), got.Header.Get("X-Amz-Content-Sha256"))
}

func TestProxy_SignatureCoversOriginPath(t *testing.T) {
	e := newEnvWithOriginPath(t, "/prod")

	req, err := http.NewRequest(http.MethodGet, e.proxy.URL+"/crm-api/users/5?b=2&a=1", nil)
	require.NoError(t, err)
	req.Header.Set("Cookie", validCookie(t))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, _ := e.origin.last(t)
	assert.Equal(t, "/prod/users/5", got.URL.Path)

	signedAt, err := time.Parse("20060102T150405Z", got.Header.Get("X-Amz-Date"))
	require.NoError(t, err)
	check, err := http.NewRequest(got.Method, "https://"+got.Host+got.URL.RequestURI(), nil)
	require.NoError(t, err)
	check.Header.Set("X-Amz-Content-Sha256", got.Header.Get("X-Amz-Content-Sha256"))
	creds := aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET", SessionToken: "SESSION"}
	require.NoError(t, v4.NewSigner().SignHTTP(context.Background(), creds, check,
		got.Header.Get("X-Amz-Content-Sha256"), "execute-api", "eu-west-1", signedAt))

	assert.Equal(t, check.Header.Get("Authorization"), got.Header.Get("Authorization"))
}

func TestProxy_SignedHostIsOrigin(t *testing.T) {
	e := newEnv(t)

	req, err := http.NewRequest(http.MethodGet, e.proxy.URL+"/api/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Cookie", validCookie(t))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	got, _ := e.origin.last(t)
	assert.Equal(t, e.upstream.Host, got.Host)
	assert.Equal(t, "/api/orders", got.URL.Path)
}

func TestProxy_RejectsMissingCookie(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.proxy.URL + "/crm-api/users/5")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "MissingCookieHeader", payload["error"])
	assert.Equal(t, 0, e.origin.count())

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.ErrorsTotal.WithLabelValues("GET", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.RequestsTotal.WithLabelValues("GET", "401")))
}

func TestProxy_TruncatedBodyIsRejected(t *testing.T) {
	e := newEnv(t)

	req, err := http.NewRequest(http.MethodPost, e.proxy.URL+"/api/upload", strings.NewReader(strings.Repeat("a", MaxBodySize+1)))
	require.NoError(t, err)
	req.Header.Set("Cookie", validCookie(t))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, 0, e.origin.count())
}

func TestProxy_MetricsEndpoint(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.proxy.URL + "/static/x")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(e.proxy.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), "edgesigner_proxy_requests_total")
	assert.Contains(t, string(body), `edgesigner_requests_total{outcome="passthrough"} 1`)
}

func TestProxy_UpstreamFailure(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := &stubDispatcher{}
	h, err := NewProxyHandler(Options{Dispatcher: d, Origin: "http://127.0.0.1:1", Logger: logger})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/x", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNewProxyHandler_Validation(t *testing.T) {
	_, err := NewProxyHandler(Options{Origin: "https://example.com"})
	assert.Error(t, err)

	for _, origin := range []string{"", "example.com", "ftp://example.com", "://bad"} {
		_, err := NewProxyHandler(Options{Dispatcher: &stubDispatcher{}, Origin: origin})
		assert.Error(t, err, origin)
	}
}

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(_ context.Context, req *edge.Request, _ aws.Credentials) *dispatch.Result {
	return &dispatch.Result{State: dispatch.Passthrough, Request: req}
}
