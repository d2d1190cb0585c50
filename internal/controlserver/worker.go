package controlserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
)

func (s *Server) workerHandler() (string, http.Handler) {
	opts := []connect.HandlerOption{
		connect.WithCodec(jobapi.JSONCodec{}),
		connect.WithInterceptors(s.workerAuth()),
	}
	mux := http.NewServeMux()
	mux.Handle(jobapi.ClaimProcedure, connect.NewUnaryHandler(jobapi.ClaimProcedure, s.Claim, opts...))
	mux.Handle(jobapi.HeartbeatProcedure, connect.NewUnaryHandler(jobapi.HeartbeatProcedure, s.Heartbeat, opts...))
	mux.Handle(jobapi.MarkRunningProcedure, connect.NewUnaryHandler(jobapi.MarkRunningProcedure, s.MarkRunning, opts...))
	mux.Handle(jobapi.AppendLogsProcedure, connect.NewUnaryHandler(jobapi.AppendLogsProcedure, s.AppendLogs, opts...))
	mux.Handle(jobapi.FinalizeProcedure, connect.NewUnaryHandler(jobapi.FinalizeProcedure, s.Finalize, opts...))
	return "/" + jobapi.WorkerServiceName + "/", mux
}

// workerAuth checks the shared worker token on every RPC.
func (s *Server) workerAuth() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if s.workerToken == "" {
				return nil, connect.NewError(connect.CodeUnavailable, errors.New("worker API is disabled: no worker token configured"))
			}
			token := strings.TrimSpace(req.Header().Get(jobapi.WorkerTokenHeader))
			if token == "" {
				token = bearerToken(req.Header().Get("Authorization"))
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.workerToken)) != 1 {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid worker token"))
			}
			return next(ctx, req)
		}
	}
}

func (s *Server) Claim(ctx context.Context, req *connect.Request[jobapi.ClaimRequest]) (*connect.Response[jobapi.ClaimResponse], error) {
	lease := time.Duration(req.Msg.LeaseSeconds) * time.Second
	job, err := s.manager.Claim(ctx, req.Msg.WorkerID, lease)
	if err != nil {
		return nil, s.toConnectError("claim", err)
	}
	return connect.NewResponse(&jobapi.ClaimResponse{Job: job}), nil
}

func (s *Server) Heartbeat(ctx context.Context, req *connect.Request[jobapi.HeartbeatRequest]) (*connect.Response[jobapi.HeartbeatResponse], error) {
	resp, err := s.manager.Heartbeat(ctx, req.Msg.Lease)
	if err != nil {
		return nil, s.toConnectError("heartbeat", err)
	}
	return connect.NewResponse(&resp), nil
}

func (s *Server) MarkRunning(ctx context.Context, req *connect.Request[jobapi.MarkRunningRequest]) (*connect.Response[jobapi.MarkRunningResponse], error) {
	job, err := s.manager.MarkRunning(ctx, req.Msg.Lease)
	if err != nil {
		return nil, s.toConnectError("mark running", err)
	}
	return connect.NewResponse(&jobapi.MarkRunningResponse{Job: job}), nil
}

func (s *Server) AppendLogs(ctx context.Context, req *connect.Request[jobapi.AppendLogsRequest]) (*connect.Response[jobapi.AppendLogsResponse], error) {
	next, err := s.manager.AppendLogs(ctx, req.Msg.Lease, req.Msg.Chunks)
	if err != nil {
		return nil, s.toConnectError("append logs", err)
	}
	return connect.NewResponse(&jobapi.AppendLogsResponse{NextSeq: next}), nil
}

func (s *Server) Finalize(ctx context.Context, req *connect.Request[jobapi.FinalizeRequest]) (*connect.Response[jobapi.FinalizeResponse], error) {
	job, err := s.manager.Finalize(ctx, *req.Msg)
	if err != nil {
		return nil, s.toConnectError("finalize", err)
	}
	return connect.NewResponse(&jobapi.FinalizeResponse{Job: job}), nil
}

func (s *Server) toConnectError(op string, err error) error {
	switch failure.KindOf(err) {
	case failure.KindConflict:
		s.logger.Debug("worker call lost a lease race", "op", op, "error", err)
	case failure.KindInternal:
		s.logger.Error("worker call failed", "op", op, "error", err)
	}
	return toConnectError(err)
}

// toConnectError maps failure kinds onto connect codes. Internal errors are
// replaced by a generic message.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}

	switch failure.KindOf(err) {
	case failure.KindConflict:
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case failure.KindNotFound:
		return connect.NewError(connect.CodeNotFound, err)
	case failure.KindValidation:
		return connect.NewError(connect.CodeInvalidArgument, err)
	case failure.KindAuth:
		return connect.NewError(connect.CodeUnauthenticated, err)
	case failure.KindQuotaExceeded:
		return connect.NewError(connect.CodeResourceExhausted, err)
	case failure.KindTimeout:
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, errors.New(failure.Public(err)))
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
