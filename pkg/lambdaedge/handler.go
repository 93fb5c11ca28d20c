// Package lambdaedge adapts the dispatcher to the Lambda@Edge origin-request
// trigger.
package lambdaedge

import (
	"context"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/robertprast/edgesigner/pkg/audit"
	"github.com/robertprast/edgesigner/pkg/dispatch"
	"github.com/robertprast/edgesigner/pkg/edge"
	"github.com/sirupsen/logrus"
)

// Dispatcher processes one origin request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *edge.Request, creds aws.Credentials) *dispatch.Result
}

// Handler is the function entry point registered with lambda.Start.
type Handler struct {
	dispatcher  Dispatcher
	credentials aws.CredentialsProvider
	logger      *logrus.Logger
}

// NewHandler creates a Handler. credentials supplies the execution role of
// the function and should be cached, for instance by aws.NewCredentialsCache.
func NewHandler(d Dispatcher, credentials aws.CredentialsProvider, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{dispatcher: d, credentials: credentials, logger: logger}
}

// Handle returns either the request to forward or a generated response. An
// event without a request is an invocation error, which CloudFront reports
// as a 502.
func (h *Handler) Handle(ctx context.Context, event edge.Event) (interface{}, error) {
	ctx = dispatch.ContextWithRequestID(ctx, requestID(ctx, event))
	log := h.logger.WithField("request_id", dispatch.RequestIDFromContext(ctx))

	req, err := event.Request()
	if err != nil {
		log.WithError(err).Error("invalid origin request event")
		return nil, err
	}
	audit.Request(log, "received", req)

	creds := h.retrieve(ctx, log)
	res := h.dispatcher.Dispatch(ctx, req, creds)

	if res.Response != nil {
		audit.Response(log, res.Response)
	} else {
		audit.Request(log, "forwarded", res.Request)
	}
	return res.Output(), nil
}

// retrieve returns the current credentials. A failure yields empty
// credentials; the signer then rejects protected requests while unprotected
// ones still pass.
func (h *Handler) retrieve(ctx context.Context, log *logrus.Entry) aws.Credentials {
	if h.credentials == nil {
		return aws.Credentials{}
	}
	creds, err := h.credentials.Retrieve(ctx)
	if err != nil {
		log.WithError(err).Error("failed to retrieve signing credentials")
		return aws.Credentials{}
	}
	return creds
}

func requestID(ctx context.Context, event edge.Event) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	if len(event.Records) > 0 {
		return event.Records[0].CF.Config.RequestID
	}
	return ""
}
