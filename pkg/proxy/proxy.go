// Package proxy runs the origin-request pipeline as a local HTTP server. Each
// incoming request is converted into the event CloudFront would build,
// dispatched, and then either answered with the generated response or
// forwarded to the configured origin.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertprast/edgesigner/pkg/audit"
	"github.com/robertprast/edgesigner/pkg/dispatch"
	"github.com/robertprast/edgesigner/pkg/edge"
	"github.com/robertprast/edgesigner/pkg/utils"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries a caller supplied request id.
const RequestIDHeader = "X-Request-Id"

// Dispatcher processes one origin request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *edge.Request, creds aws.Credentials) *dispatch.Result
}

// Options configures the emulation proxy.
type Options struct {
	Dispatcher  Dispatcher
	Credentials aws.CredentialsProvider
	// Origin is the custom origin, e.g. https://abc123.execute-api.eu-west-1.amazonaws.com.
	Origin    string
	Transport http.RoundTripper
	Logger    *logrus.Logger
	Metrics   *Metrics
	// Gatherer and MetricsPath expose metrics when both are set.
	Gatherer    prometheus.Gatherer
	MetricsPath string
}

// ProxyHandler holds dependencies for the proxy
type ProxyHandler struct {
	dispatcher  Dispatcher
	credentials aws.CredentialsProvider
	origin      *url.URL
	proxy       *httputil.ReverseProxy
	Logger      *logrus.Logger
	Metrics     *Metrics
}

// NewProxyHandler creates a new proxy handler with logging and telemetry
func NewProxyHandler(opts Options) (http.Handler, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("proxy requires a dispatcher")
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, err
	}
	if origin.Host == "" || (origin.Scheme != "http" && origin.Scheme != "https") {
		return nil, errors.New("origin must be an absolute http(s) URL")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	transport := opts.Transport
	if transport == nil {
		transport = utils.NewTransport(utils.DefaultHTTPClientConfig())
	}

	handler := &ProxyHandler{
		dispatcher:  opts.Dispatcher,
		credentials: opts.Credentials,
		origin:      origin,
		Logger:      logger,
		Metrics:     opts.Metrics,
	}
	handler.proxy = &httputil.ReverseProxy{
		Director:       func(req *http.Request) {},
		ModifyResponse: audit.ResponseHook(logger),
		Transport:      transport,
		ErrorHandler:   handler.upstreamError,
	}

	var finalHandler http.Handler = http.HandlerFunc(handler.reverseProxy)
	finalHandler = chainMiddlewares(finalHandler, handler.loggingMiddleware)

	if opts.Gatherer == nil || opts.MetricsPath == "" {
		return finalHandler, nil
	}
	mux := http.NewServeMux()
	mux.Handle(opts.MetricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", finalHandler)
	return mux, nil
}

// chainMiddlewares applies the given middlewares to the final handler
func chainMiddlewares(finalHandler http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		finalHandler = middlewares[i](finalHandler)
	}
	return finalHandler
}

// loggingMiddleware logs each incoming HTTP request and records metrics
func (h *ProxyHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		rec := &StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(startTime).Seconds()
		if h.Metrics != nil {
			h.Metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.StatusCode)).Inc()
			h.Metrics.RequestDuration.WithLabelValues(r.Method).Observe(duration)
		}

		h.Logger.Infof("Method: %s, Path: %s, Status: %d, Duration: %.4f seconds", r.Method, r.URL.Path, rec.StatusCode, duration)
	})
}

func (h *ProxyHandler) recordError(r *http.Request, reason string) {
	if h.Metrics != nil {
		h.Metrics.ErrorsTotal.WithLabelValues(r.Method, reason).Inc()
	}
}

// reverseProxy dispatches the request and forwards or answers it
func (h *ProxyHandler) reverseProxy(w http.ResponseWriter, r *http.Request) {
	ctx := dispatch.ContextWithRequestID(r.Context(), r.Header.Get(RequestIDHeader))
	log := h.Logger.WithField("request_id", dispatch.RequestIDFromContext(ctx))

	body, err := audit.CopyRequestBody(r)
	if err != nil {
		h.recordError(r, "body_read_failed")
		log.WithError(err).Error("failed to read request body")
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	req := EdgeRequest(r, body, h.origin)
	audit.Request(log, "received", req)

	var creds aws.Credentials
	if h.credentials != nil {
		if creds, err = h.credentials.Retrieve(ctx); err != nil {
			log.WithError(err).Error("failed to retrieve signing credentials")
		}
	}

	res := h.dispatcher.Dispatch(ctx, req, creds)
	if res.Response != nil {
		h.recordError(r, "rejected")
		audit.Response(log, res.Response)
		if err := WriteResponse(w, res.Response); err != nil {
			log.WithError(err).Error("failed to write generated response")
		}
		return
	}

	out := res.Request
	audit.Request(log, "forwarded", out)

	host := out.OriginDomain()
	if res.State == dispatch.Signed {
		if v, ok := out.Headers.Value("host"); ok {
			host = v
		}
	}

	upstream := r.Clone(ctx)
	upstream.Method = out.Method
	upstream.URL = OriginURL(out)
	upstream.Host = host
	upstream.Header = HTTPHeader(&out.Headers)
	upstream.Header.Del("Host")
	upstream.Body = io.NopCloser(bytes.NewReader(body))
	upstream.ContentLength = int64(len(body))
	upstream.RequestURI = ""

	log.WithField("upstream_url", upstream.URL.String()).Debug("forwarding request")
	h.proxy.ServeHTTP(w, upstream)
}

func (h *ProxyHandler) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	h.recordError(r, "upstream_failed")
	h.Logger.WithError(err).WithField("upstream_url", r.URL.String()).Error("upstream request failed")
	http.Error(w, "Bad gateway", http.StatusBadGateway)
}
