package proxy

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/robertprast/edgesigner/pkg/edge"
)

// MaxBodySize is the largest body CloudFront exposes to an origin-request
// function. Larger bodies are cut and flagged as truncated.
const MaxBodySize = 1 << 20

// EdgeRequest builds the origin request CloudFront would hand to the function
// for r, routed to origin.
func EdgeRequest(r *http.Request, body []byte, origin *url.URL) *edge.Request {
	req := &edge.Request{
		ClientIP:    clientIP(r.RemoteAddr),
		Method:      r.Method,
		URI:         r.URL.EscapedPath(),
		QueryString: r.URL.RawQuery,
		Origin: &edge.Origin{Custom: &edge.CustomOrigin{
			DomainName: origin.Host,
			Path:       origin.Path,
			Protocol:   origin.Scheme,
		}},
	}

	req.Headers.Add("Host", r.Host)
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "Host" {
			continue
		}
		for _, v := range r.Header[name] {
			req.Headers.Add(name, v)
		}
	}

	if len(body) > 0 {
		truncated := len(body) > MaxBodySize
		if truncated {
			body = body[:MaxBodySize]
		}
		req.Body = &edge.Body{
			Action:         "read-only",
			Data:           base64.StdEncoding.EncodeToString(body),
			Encoding:       edge.BodyEncodingBase64,
			InputTruncated: truncated,
		}
	}
	return req
}

// OriginURL is the URL CloudFront would fetch for req: the origin path is
// prepended to the request URI.
func OriginURL(req *edge.Request) *url.URL {
	scheme := "https"
	if c := req.Origin.Custom; c != nil && c.Protocol != "" {
		scheme = c.Protocol
	}
	u := &url.URL{
		Scheme:   scheme,
		Host:     req.OriginDomain(),
		RawQuery: req.QueryString,
	}
	rawPath := req.OriginURI()
	if unescaped, err := url.PathUnescape(rawPath); err == nil {
		u.Path = unescaped
		u.RawPath = rawPath
	} else {
		u.Path = rawPath
	}
	return u
}

// HTTPHeader converts edge headers to net/http headers, keeping each entry's
// original-case key where one is known.
func HTTPHeader(headers *edge.Headers) http.Header {
	out := make(http.Header, headers.Len())
	for _, name := range headers.Names() {
		for _, e := range headers.Get(name) {
			key := e.Key
			if key == "" {
				key = name
			}
			out.Add(key, e.Value)
		}
	}
	return out
}

// WriteResponse writes a generated edge response to w.
func WriteResponse(w http.ResponseWriter, resp *edge.Response) error {
	status, err := strconv.Atoi(resp.Status)
	if err != nil {
		return fmt.Errorf("invalid response status %q: %w", resp.Status, err)
	}
	body := []byte(resp.Body)
	if edge.IsBase64(resp.BodyEncoding) {
		if body, err = base64.StdEncoding.DecodeString(resp.Body); err != nil {
			return fmt.Errorf("invalid response body: %w", err)
		}
	}
	for key, values := range HTTPHeader(&resp.Headers) {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
