package audit

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/robertprast/edgesigner/pkg/edge"
	"github.com/sirupsen/logrus"
)

const redacted = "[REDACTED]"

// sensitive lists the headers whose values never reach the logs.
var sensitive = map[string]bool{
	"authorization":        true,
	"cookie":               true,
	"set-cookie":           true,
	"x-amz-security-token": true,
}

// RedactHeaders flattens headers into a name to values map with credential
// values replaced.
func RedactHeaders(headers *edge.Headers) map[string][]string {
	m := make(map[string][]string, headers.Len())
	for _, name := range headers.Names() {
		for _, e := range headers.Get(name) {
			if sensitive[name] {
				m[name] = append(m[name], redacted)
			} else {
				m[name] = append(m[name], e.Value)
			}
		}
	}
	return m
}

// RedactHTTPHeader is RedactHeaders for net/http headers.
func RedactHTTPHeader(h http.Header) http.Header {
	out := h.Clone()
	for name, values := range out {
		if sensitive[strings.ToLower(name)] {
			masked := make([]string, len(values))
			for i := range masked {
				masked[i] = redacted
			}
			out[name] = masked
		}
	}
	return out
}

// Request logs an edge request at debug level.
func Request(log *logrus.Entry, stage string, req *edge.Request) {
	if req == nil || !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	bodyLen := 0
	if req.Body != nil {
		bodyLen = len(req.Body.Data)
	}
	log.WithFields(logrus.Fields{
		"stage":       stage,
		"method":      req.Method,
		"uri":         req.URI,
		"querystring": req.QueryString,
		"headers":     RedactHeaders(&req.Headers),
		"body_len":    bodyLen,
		"origin":      req.OriginDomain(),
	}).Debug("edge request")
}

// Response logs a generated edge response at debug level.
func Response(log *logrus.Entry, resp *edge.Response) {
	if resp == nil || !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log.WithFields(logrus.Fields{
		"status":  resp.Status,
		"headers": RedactHeaders(&resp.Headers),
		"body":    resp.Body,
	}).Debug("edge response")
}

// CopyRequestBody reads the body of r and puts back a replayable copy.
func CopyRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	return bodyBytes, nil
}

// ResponseHook returns a ReverseProxy ModifyResponse hook that logs the
// upstream status and redacted headers.
func ResponseHook(logger *logrus.Logger) func(*http.Response) error {
	return func(resp *http.Response) error {
		if !logger.IsLevelEnabled(logrus.DebugLevel) {
			return nil
		}
		fields := logrus.Fields{
			"status":         resp.StatusCode,
			"headers":        RedactHTTPHeader(resp.Header),
			"content_length": resp.ContentLength,
		}
		if resp.Request != nil {
			fields["upstream_url"] = resp.Request.URL.String()
		}
		logger.WithFields(fields).Debug("upstream response")
		return nil
	}
}
