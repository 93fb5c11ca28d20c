// Package dispatch sequences path classification, the session check and
// request signing for a single origin request, and decides between passing
// the request through, forwarding it signed, or failing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robertprast/edgesigner/pkg/edge"
	"github.com/robertprast/edgesigner/pkg/routes"
	"github.com/robertprast/edgesigner/pkg/signer"
	"github.com/sirupsen/logrus"
)

// Classifier decides how a URI is handled.
type Classifier interface {
	Classify(uri string) routes.Decision
}

// Authenticator verifies the session carried by the request headers.
type Authenticator interface {
	Authenticate(headers *edge.Headers) (*jwt.RegisteredClaims, error)
}

// RequestSigner signs a request for a target host.
type RequestSigner interface {
	Sign(ctx context.Context, req *edge.Request, host string, creds aws.Credentials) (*signer.Signed, error)
}

// Options configures a Dispatcher.
type Options struct {
	Routes Classifier
	Auth   Authenticator
	Signer RequestSigner
	// TargetHost overrides the origin domain name as the host the signature
	// is bound to.
	TargetHost string
	Policy     Policy
	Logger     *logrus.Logger
	Metrics    *Metrics
}

// Dispatcher runs the state machine for each request. It keeps no per request
// state and is safe for concurrent use.
type Dispatcher struct {
	routes     Classifier
	auth       Authenticator
	signer     RequestSigner
	targetHost string
	policy     Policy
	logger     *logrus.Logger
	metrics    *Metrics
}

// Result is the outcome of dispatching one request.
type Result struct {
	// State is terminal: Passthrough, Signed or Error.
	State    State
	Decision routes.Decision
	// Request is the request to forward. It is nil when the request was
	// rejected.
	Request *edge.Request
	// Response replaces the request when a failure is rejected.
	Response *edge.Response
	Err      error
	// Trace lists every state visited, in order.
	Trace []State
}

// Output returns the value to hand back to the CDN: the generated response
// when present, the request otherwise.
func (r *Result) Output() interface{} {
	if r.Response != nil {
		return r.Response
	}
	return r.Request
}

// New validates opts and returns a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Routes == nil {
		return nil, errors.New("dispatcher requires a route classifier")
	}
	if opts.Auth == nil {
		return nil, errors.New("dispatcher requires an authenticator")
	}
	if opts.Signer == nil {
		return nil, errors.New("dispatcher requires a signer")
	}
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		routes:     opts.Routes,
		auth:       opts.Auth,
		signer:     opts.Signer,
		targetHost: opts.TargetHost,
		policy:     policy,
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

// Policy returns the failure policy in effect.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

type run struct {
	d     *Dispatcher
	log   *logrus.Entry
	trace []State
}

func (r *run) enter(next State) {
	cur := r.trace[len(r.trace)-1]
	if !cur.CanTransition(next) {
		panic(fmt.Sprintf("invalid transition %s -> %s", cur, next))
	}
	r.trace = append(r.trace, next)
	r.log.WithField("state", next.String()).Debug("state transition")
}

// Dispatch processes req with the signing credentials of this invocation.
// A request on an unprotected route is returned as is. req itself is never
// modified; a signed request is a copy.
func (d *Dispatcher) Dispatch(ctx context.Context, req *edge.Request, creds aws.Credentials) (res *Result) {
	r := &run{
		d:     d,
		trace: []State{Received},
		log: d.logger.WithFields(logrus.Fields{
			"request_id": RequestIDFromContext(ctx),
			"method":     req.Method,
			"uri":        req.URI,
		}),
	}

	decision := d.routes.Classify(req.URI)
	if decision.Action == routes.Passthrough {
		r.enter(Passthrough)
		d.metrics.outcome(OutcomePassthrough)
		r.log.Debug("returning the original, unaltered request")
		return &Result{State: Passthrough, Decision: decision, Request: req, Trace: r.trace}
	}

	r.enter(NeedsSigning)
	r.log = r.log.WithField("rule", decision.Rule)

	defer func() {
		if p := recover(); p != nil {
			res = r.fail(req, decision, edge.NewError(edge.CodeUnexpected, "panic: %v", p))
		}
	}()

	out := req.Clone()
	if decision.Rewritten(req.URI) {
		out.URI = decision.Path
		r.log.WithField("upstream_uri", out.URI).Info("rewrote legacy proxy path")
	}

	started := time.Now()

	r.enter(CredentialCheck)
	claims, err := d.auth.Authenticate(&out.Headers)
	if err != nil {
		return r.fail(req, decision, err)
	}
	if claims != nil && claims.Subject != "" {
		r.log = r.log.WithField("subject", claims.Subject)
	}

	r.enter(Signing)
	if out.Body != nil && out.Body.InputTruncated {
		return r.fail(req, decision, edge.NewError(edge.CodeTruncatedBody, "request body was truncated by the edge"))
	}
	host := d.targetHost
	if host == "" {
		host = out.OriginDomain()
	}
	// The origin receives the origin path in front of the URI, so that is
	// the path the signature has to cover.
	target := out
	if out.OriginPath() != "" {
		withPath := *out
		withPath.URI = out.OriginURI()
		target = &withPath
	}
	signed, err := d.signer.Sign(ctx, target, host, creds)
	if err != nil {
		return r.fail(req, decision, err)
	}
	signed.Apply(out)
	d.metrics.signing(time.Since(started))

	r.enter(Signed)
	d.metrics.outcome(OutcomeSigned)
	r.log.WithFields(logrus.Fields{
		"target_host":  host,
		"upstream_uri": out.URI,
	}).Info("request signed")

	return &Result{State: Signed, Decision: decision, Request: out, Trace: r.trace}
}

// fail moves the machine to Error and applies the failure policy. original is
// the request as received, before any rewrite.
func (r *run) fail(original *edge.Request, decision routes.Decision, err error) *Result {
	var edgeErr *edge.Error
	if !errors.As(err, &edgeErr) {
		err = edge.WrapError(edge.CodeUnexpected, err, "processing protected route")
	}
	code := edge.CodeOf(err)

	r.trace = append(r.trace, Error)
	r.d.metrics.failure(code)
	log := r.log.WithFields(logrus.Fields{"code": string(code), "policy": string(r.d.policy)})

	res := &Result{State: Error, Decision: decision, Err: err, Trace: r.trace}
	if r.d.policy == FailOpen {
		r.d.metrics.outcome(OutcomeFailOpen)
		log.WithError(err).Error("protected route failed, forwarding original request unsigned")
		res.Request = original.Clone()
		return res
	}

	r.d.metrics.outcome(OutcomeRejected)
	log.WithError(err).Warn("protected route failed, rejecting request")
	res.Response = Reject(err)
	return res
}
