// Package signer re-signs an edge request with AWS Signature Version 4 so an
// IAM protected API Gateway accepts it as a service call.
package signer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/smithy-go/logging"
	"github.com/robertprast/edgesigner/pkg/edge"
	"github.com/sirupsen/logrus"
)

const (
	DefaultService = "execute-api"

	// EmptyPayloadHash is the SHA-256 of an empty body.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	HostHeader          = "Host"
	AuthorizationHeader = "Authorization"
	AmzDateHeader       = "X-Amz-Date"
	AmzSecurityToken    = "X-Amz-Security-Token"
	AmzContentSHA256    = "X-Amz-Content-Sha256"
)

// Options configures a Signer.
type Options struct {
	Region  string
	Service string
	// Now returns the signing time. Defaults to time.Now.
	Now func() time.Time
	// Logger receives the canonical request and string to sign at debug
	// level when LogSigning is set. The canonical request carries the
	// session token in clear text.
	Logger     *logrus.Logger
	LogSigning bool
}

// Signer computes SigV4 signatures for edge requests. It holds no per request
// state and is safe for concurrent use.
type Signer struct {
	signer  *v4.Signer
	region  string
	service string
	now     func() time.Time
}

// Signed is the outcome of signing: the derived headers, in emission order,
// and the query string in the normalized form the signature covers.
type Signed struct {
	Headers     []edge.Header
	QueryString string
	PayloadHash string
	SigningTime time.Time
}

// New returns a Signer for the given region and service.
func New(opts Options) (*Signer, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("signing region is required")
	}
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Logger != nil && opts.LogSigning {
		opts.Logger.Warn("log_signing is enabled: canonical requests, including the x-amz-security-token value, are logged unredacted at debug level")
	}

	v4Signer := v4.NewSigner(func(o *v4.SignerOptions) {
		if opts.Logger != nil && opts.LogSigning {
			o.LogSigning = true
			o.Logger = logging.LoggerFunc(func(_ logging.Classification, format string, v ...interface{}) {
				opts.Logger.Debugf(format, v...)
			})
		}
	})

	return &Signer{
		signer:  v4Signer,
		region:  opts.Region,
		service: opts.Service,
		now:     opts.Now,
	}, nil
}

func (s *Signer) Region() string  { return s.region }
func (s *Signer) Service() string { return s.service }

// Sign computes the signature of req as it would be sent to host. req.URI
// must already carry the upstream path. req is not modified.
//
// A truncated body fails with TruncatedBodyError; every other failure is a
// SigningError.
func (s *Signer) Sign(ctx context.Context, req *edge.Request, host string, creds aws.Credentials) (*Signed, error) {
	payload, err := DecodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	if host == "" {
		return nil, edge.NewError(edge.CodeSigning, "no target host for request")
	}
	if !creds.HasKeys() {
		return nil, edge.NewError(edge.CodeSigning, "signing credentials are incomplete")
	}
	signingTime := s.now().UTC()
	if creds.CanExpire && !creds.Expires.After(signingTime) {
		return nil, edge.NewError(edge.CodeSigning, "signing credentials expired at %s", creds.Expires.Format(time.RFC3339))
	}

	// The signer rebuilds the query from url.Values, which drops pairs it
	// cannot parse. Refuse those rather than forward a shortened query.
	if _, err := url.ParseQuery(req.QueryString); err != nil {
		return nil, edge.WrapError(edge.CodeSigning, err, "parsing query string")
	}

	u, err := url.Parse("https://" + host + req.PathWithQuery())
	if err != nil {
		return nil, edge.WrapError(edge.CodeSigning, err, "building request url")
	}
	if u.Host != host {
		return nil, edge.NewError(edge.CodeSigning, "invalid target host %q", host)
	}

	// Content-Length is left at zero so the edge does not have to forward it
	// as a signed header.
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), nil)
	if err != nil {
		return nil, edge.WrapError(edge.CodeSigning, err, "building request")
	}
	httpReq.URL = u
	httpReq.Host = host

	payloadHash := PayloadHash(payload)
	httpReq.Header.Set(AmzContentSHA256, payloadHash)

	if err := s.signer.SignHTTP(ctx, creds, httpReq, payloadHash, s.service, s.region, signingTime); err != nil {
		return nil, edge.WrapError(edge.CodeSigning, err, "signing request")
	}

	signed := &Signed{
		QueryString: httpReq.URL.RawQuery,
		PayloadHash: payloadHash,
		SigningTime: signingTime,
	}
	signed.Headers = append(signed.Headers, edge.Header{Key: HostHeader, Value: host})
	for _, name := range []string{AmzContentSHA256, AmzDateHeader, AmzSecurityToken, AuthorizationHeader} {
		if v := httpReq.Header.Get(name); v != "" {
			signed.Headers = append(signed.Headers, edge.Header{Key: name, Value: v})
		}
	}
	return signed, nil
}

// Apply merges the derived headers into req, replacing any entry with the
// same lower-cased name, and installs the normalized query string.
func (s *Signed) Apply(req *edge.Request) {
	for _, h := range s.Headers {
		req.Headers.Set(h.Key, h.Value)
	}
	req.QueryString = s.QueryString
}

// Header returns the value of the derived header name.
func (s *Signed) Header(name string) string {
	for _, h := range s.Headers {
		if http.CanonicalHeaderKey(h.Key) == http.CanonicalHeaderKey(name) {
			return h.Value
		}
	}
	return ""
}

// DecodeBody returns the payload bytes of body, undoing its transport
// encoding. A nil body decodes to nil.
func DecodeBody(body *edge.Body) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if body.InputTruncated {
		return nil, edge.NewError(edge.CodeTruncatedBody, "request body was truncated by the edge")
	}
	if body.Data == "" {
		return nil, nil
	}
	switch {
	case edge.IsBase64(body.Encoding):
		b, err := base64.StdEncoding.DecodeString(body.Data)
		if err != nil {
			return nil, edge.WrapError(edge.CodeSigning, err, "decoding base64 body")
		}
		return b, nil
	case body.Encoding == "" || body.Encoding == edge.BodyEncodingText:
		return []byte(body.Data), nil
	}
	return nil, edge.NewError(edge.CodeSigning, "unsupported body encoding %q", body.Encoding)
}

// PayloadHash returns the hex SHA-256 of payload.
func PayloadHash(payload []byte) string {
	if len(payload) == 0 {
		return EmptyPayloadHash
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// RegionFromHost extracts the region from an API Gateway default endpoint
// such as abc123.execute-api.eu-west-1.amazonaws.com. Custom domains yield "".
func RegionFromHost(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 5 || labels[1] != DefaultService || labels[3] != "amazonaws" {
		return ""
	}
	return labels[2]
}
