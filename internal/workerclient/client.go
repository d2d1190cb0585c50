// Package workerclient calls the worker RPC service on a job runner server.
package workerclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/jobrunner/internal/controlclient"
	"github.com/buildkite/jobrunner/internal/endpoint"
	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/tlsconfig"
)

type Client struct {
	claim       *connect.Client[jobapi.ClaimRequest, jobapi.ClaimResponse]
	heartbeat   *connect.Client[jobapi.HeartbeatRequest, jobapi.HeartbeatResponse]
	markRunning *connect.Client[jobapi.MarkRunningRequest, jobapi.MarkRunningResponse]
	appendLogs  *connect.Client[jobapi.AppendLogsRequest, jobapi.AppendLogsResponse]
	finalize    *connect.Client[jobapi.FinalizeRequest, jobapi.FinalizeResponse]
}

// Option configures the client.
type Option func(*options)

type options struct {
	tlsOpts   tlsconfig.Options
	userAgent string
}

// WithTLS configures TLS options, including a client certificate, for
// https endpoints.
func WithTLS(opts tlsconfig.Options) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

// WithUserAgent sets the User-Agent sent with every call.
func WithUserAgent(ua string) Option {
	return func(o *options) {
		o.userAgent = ua
	}
}

// New returns a client that authenticates every call with token.
func New(ep endpoint.Endpoint, token string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if token == "" {
		return nil, errors.New("worker token is required")
	}
	if o.userAgent == "" {
		o.userAgent = "jobrunner-worker"
	}
	conn, err := controlclient.Dial(ep, controlclient.Options{TLS: o.tlsOpts, UserAgent: o.userAgent})
	if err != nil {
		return nil, err
	}

	clientOpts := []connect.ClientOption{
		connect.WithCodec(jobapi.JSONCodec{}),
		connect.WithInterceptors(tokenInterceptor(token)),
	}
	return &Client{
		claim:       connect.NewClient[jobapi.ClaimRequest, jobapi.ClaimResponse](conn.HTTPClient, conn.URL(jobapi.ClaimProcedure), clientOpts...),
		heartbeat:   connect.NewClient[jobapi.HeartbeatRequest, jobapi.HeartbeatResponse](conn.HTTPClient, conn.URL(jobapi.HeartbeatProcedure), clientOpts...),
		markRunning: connect.NewClient[jobapi.MarkRunningRequest, jobapi.MarkRunningResponse](conn.HTTPClient, conn.URL(jobapi.MarkRunningProcedure), clientOpts...),
		appendLogs:  connect.NewClient[jobapi.AppendLogsRequest, jobapi.AppendLogsResponse](conn.HTTPClient, conn.URL(jobapi.AppendLogsProcedure), clientOpts...),
		finalize:    connect.NewClient[jobapi.FinalizeRequest, jobapi.FinalizeResponse](conn.HTTPClient, conn.URL(jobapi.FinalizeProcedure), clientOpts...),
	}, nil
}

func tokenInterceptor(token string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			req.Header().Set(jobapi.WorkerTokenHeader, token)
			return next(ctx, req)
		}
	}
}

// Claim returns the next job, or nil when nothing is claimable.
func (c *Client) Claim(ctx context.Context, workerID string, lease time.Duration) (*jobapi.Job, error) {
	resp, err := c.claim.CallUnary(ctx, connect.NewRequest(&jobapi.ClaimRequest{
		WorkerID:     workerID,
		LeaseSeconds: int((lease + time.Second - 1) / time.Second),
	}))
	if err != nil {
		return nil, fromConnectError("claim", err)
	}
	return resp.Msg.Job, nil
}

func (c *Client) Heartbeat(ctx context.Context, lease jobapi.LeaseRef) (jobapi.HeartbeatResponse, error) {
	resp, err := c.heartbeat.CallUnary(ctx, connect.NewRequest(&jobapi.HeartbeatRequest{Lease: lease}))
	if err != nil {
		return jobapi.HeartbeatResponse{}, fromConnectError("heartbeat", err)
	}
	return *resp.Msg, nil
}

func (c *Client) MarkRunning(ctx context.Context, lease jobapi.LeaseRef) (jobapi.Job, error) {
	resp, err := c.markRunning.CallUnary(ctx, connect.NewRequest(&jobapi.MarkRunningRequest{Lease: lease}))
	if err != nil {
		return jobapi.Job{}, fromConnectError("mark running", err)
	}
	return resp.Msg.Job, nil
}

func (c *Client) AppendLogs(ctx context.Context, lease jobapi.LeaseRef, chunks []jobapi.LogChunk) (int64, error) {
	resp, err := c.appendLogs.CallUnary(ctx, connect.NewRequest(&jobapi.AppendLogsRequest{Lease: lease, Chunks: chunks}))
	if err != nil {
		return 0, fromConnectError("append logs", err)
	}
	return resp.Msg.NextSeq, nil
}

func (c *Client) Finalize(ctx context.Context, req jobapi.FinalizeRequest) (jobapi.Job, error) {
	resp, err := c.finalize.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return jobapi.Job{}, fromConnectError("finalize", err)
	}
	return resp.Msg.Job, nil
}

// fromConnectError restores the failure kind the server reported so the
// worker can tell a lost lease from a transport fault.
func fromConnectError(op string, err error) error {
	var kind failure.Kind
	switch connect.CodeOf(err) {
	case connect.CodeFailedPrecondition:
		kind = failure.KindConflict
	case connect.CodeNotFound:
		kind = failure.KindNotFound
	case connect.CodeInvalidArgument:
		kind = failure.KindValidation
	case connect.CodeUnauthenticated, connect.CodePermissionDenied:
		kind = failure.KindAuth
	case connect.CodeDeadlineExceeded:
		kind = failure.KindTimeout
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := err.Error()
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		msg = connectErr.Message()
	}
	return &failure.Error{Kind: kind, Message: fmt.Sprintf("%s: %s", op, msg), Err: err}
}
