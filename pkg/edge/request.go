// Package edge models the CloudFront Lambda@Edge origin-request event: the
// request the CDN is about to forward to its origin, and the response a
// function may generate instead.
package edge

import (
	"errors"
	"strings"
)

const (
	BodyEncodingBase64 = "base64"
	BodyEncodingText   = "text"
)

// Event is the payload CloudFront passes to an origin-request function.
type Event struct {
	Records []Record `json:"Records"`
}

type Record struct {
	CF CloudFront `json:"cf"`
}

type CloudFront struct {
	Config  Config   `json:"config"`
	Request *Request `json:"request"`
}

type Config struct {
	DistributionDomainName string `json:"distributionDomainName,omitempty"`
	DistributionID         string `json:"distributionId,omitempty"`
	EventType              string `json:"eventType,omitempty"`
	RequestID              string `json:"requestId,omitempty"`
}

// Request returns the request carried by the first record.
func (e Event) Request() (*Request, error) {
	if len(e.Records) == 0 {
		return nil, errors.New("event has no records")
	}
	if e.Records[0].CF.Request == nil {
		return nil, errors.New("event record has no request")
	}
	return e.Records[0].CF.Request, nil
}

// Request is the origin request. QueryString is raw and order preserving.
type Request struct {
	ClientIP    string  `json:"clientIp,omitempty"`
	Method      string  `json:"method"`
	URI         string  `json:"uri"`
	QueryString string  `json:"querystring"`
	Headers     Headers `json:"headers"`
	Body        *Body   `json:"body,omitempty"`
	Origin      *Origin `json:"origin,omitempty"`
}

// Body is present only when the distribution is configured to expose the
// request body to the function.
type Body struct {
	Action         string `json:"action,omitempty"`
	Data           string `json:"data"`
	Encoding       string `json:"encoding,omitempty"`
	InputTruncated bool   `json:"inputTruncated"`
}

type Origin struct {
	Custom *CustomOrigin `json:"custom,omitempty"`
	S3     *S3Origin     `json:"s3,omitempty"`
}

type CustomOrigin struct {
	CustomHeaders    Headers  `json:"customHeaders"`
	DomainName       string   `json:"domainName"`
	KeepaliveTimeout int      `json:"keepaliveTimeout,omitempty"`
	Path             string   `json:"path"`
	Port             int      `json:"port,omitempty"`
	Protocol         string   `json:"protocol,omitempty"`
	ReadTimeout      int      `json:"readTimeout,omitempty"`
	SSLProtocols     []string `json:"sslProtocols,omitempty"`
}

type S3Origin struct {
	AuthMethod    string  `json:"authMethod,omitempty"`
	CustomHeaders Headers `json:"customHeaders"`
	DomainName    string  `json:"domainName"`
	Path          string  `json:"path"`
	Region        string  `json:"region,omitempty"`
}

// OriginDomain returns the domain name of the origin the request is routed
// to, or "" if the event carries none.
func (r *Request) OriginDomain() string {
	if r.Origin == nil {
		return ""
	}
	switch {
	case r.Origin.Custom != nil:
		return r.Origin.Custom.DomainName
	case r.Origin.S3 != nil:
		return r.Origin.S3.DomainName
	}
	return ""
}

// OriginPath returns the path CloudFront prepends to the URI when it
// forwards the request to the origin, without a trailing slash.
func (r *Request) OriginPath() string {
	if r.Origin == nil {
		return ""
	}
	var p string
	switch {
	case r.Origin.Custom != nil:
		p = r.Origin.Custom.Path
	case r.Origin.S3 != nil:
		p = r.Origin.S3.Path
	}
	return strings.TrimRight(p, "/")
}

// OriginURI is the path the origin receives: the origin path followed by URI.
func (r *Request) OriginURI() string {
	return r.OriginPath() + r.URI
}

// HasBody reports whether the request carries body data.
func (r *Request) HasBody() bool {
	return r.Body != nil && (r.Body.Data != "" || r.Body.InputTruncated)
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	out := *r
	out.Headers = r.Headers.Clone()
	if r.Body != nil {
		body := *r.Body
		out.Body = &body
	}
	if r.Origin != nil {
		origin := Origin{}
		if r.Origin.Custom != nil {
			custom := *r.Origin.Custom
			custom.CustomHeaders = r.Origin.Custom.CustomHeaders.Clone()
			custom.SSLProtocols = append([]string(nil), r.Origin.Custom.SSLProtocols...)
			origin.Custom = &custom
		}
		if r.Origin.S3 != nil {
			s3 := *r.Origin.S3
			s3.CustomHeaders = r.Origin.S3.CustomHeaders.Clone()
			origin.S3 = &s3
		}
		out.Origin = &origin
	}
	return &out
}

// PathWithQuery joins URI and QueryString the way they appear on the wire.
func (r *Request) PathWithQuery() string {
	if r.QueryString == "" {
		return r.URI
	}
	return r.URI + "?" + r.QueryString
}

// Response is a response generated at the edge instead of forwarding the
// request to the origin.
type Response struct {
	Status            string  `json:"status"`
	StatusDescription string  `json:"statusDescription,omitempty"`
	Headers           Headers `json:"headers"`
	BodyEncoding      string  `json:"bodyEncoding,omitempty"`
	Body              string  `json:"body,omitempty"`
}

// IsBase64 reports whether enc names the base64 transport encoding.
func IsBase64(enc string) bool {
	return strings.EqualFold(enc, BodyEncodingBase64)
}
