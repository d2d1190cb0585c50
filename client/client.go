package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/buildkite/jobrunner/internal/controlclient"
	"github.com/buildkite/jobrunner/internal/endpoint"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/tlsconfig"
)

// KeyEnv supplies the consumer key when none is passed to New.
const KeyEnv = "JOBRUNNER_KEY"

// Client is the public Go client for the job runner consumer API.
type Client struct {
	conn *controlclient.Conn
	key  string
}

// TLSOptions configures optional TLS material for HTTPS connections.
type TLSOptions struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// Option configures the client.
type Option func(*options)

type options struct {
	tls       tlsconfig.Options
	key       string
	userAgent string
}

const defaultUserAgent = "jobrunner-client"

// WithTLS configures TLS options for HTTPS endpoints.
func WithTLS(opts TLSOptions) Option {
	return func(o *options) {
		o.tls = tlsconfig.Options{
			CertPath: opts.CertPath,
			KeyPath:  opts.KeyPath,
			CAPath:   opts.CAPath,
		}
	}
}

// WithUserAgent overrides the User-Agent sent with every request.
func WithUserAgent(ua string) Option {
	return func(o *options) {
		o.userAgent = ua
	}
}

// WithKey sets the consumer key sent with every request.
func WithKey(key string) Option {
	return func(o *options) {
		o.key = key
	}
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/jobrunner.sock
// - absolute unix socket path
// - http://host:port
// - https://host:port
//
// If host is empty, JOBRUNNER_HOST is used, then the default unix socket path.
// Without WithKey the key is read from JOBRUNNER_KEY.
func New(host string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	conn, err := controlclient.Dial(ep, controlclient.Options{
		TLS:       o.tls,
		UserAgent: firstNonEmpty(o.userAgent, defaultUserAgent),
	})
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(o.key)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(KeyEnv))
	}
	return &Client{conn: conn, key: key}, nil
}

// APIError is a non-2xx response from the consumer API.
type APIError struct {
	Status  int
	Kind    string
	Limit   string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job runner API returned %d", e.Status)
	}
	return e.Message
}

func (c *Client) SubmitJob(ctx context.Context, spec JobSpec) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", spec, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListOptions filters and pages ListJobs. Before is the NextBefore cursor
// from the previous page.
type ListOptions struct {
	Limit  int
	State  JobState
	Before string
}

func (c *Client) ListJobs(ctx context.Context, opts ListOptions) (*ListJobsResponse, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp ListJobsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ReadLogs returns one page of the job's log starting at sequence offset.
func (c *Client) ReadLogs(ctx context.Context, id string, offset int64, limit int) (*LogPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page LogPage
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id)+"/logs?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FollowLogs streams the job's log from offset until the job is terminal.
// Breaking out of the loop closes the stream.
func (c *Client) FollowLogs(ctx context.Context, id string, offset int64) iter.Seq2[LogChunk, error] {
	return func(yield func(LogChunk, error) bool) {
		path := fmt.Sprintf("/v1/jobs/%s/logs?follow=true&offset=%d", url.PathEscape(id), offset)
		resp, err := c.send(ctx, http.MethodGet, path, nil)
		if err != nil {
			yield(LogChunk{}, err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk LogChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				yield(LogChunk{}, fmt.Errorf("decode log chunk: %w", err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(LogChunk{}, err)
		}
	}
}

func (c *Client) Usage(ctx context.Context) (*Usage, error) {
	var usage Usage
	if err := c.do(ctx, http.MethodGet, "/v1/usage", nil, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	if c == nil || c.conn == nil {
		return nil, errors.New("nil client")
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.conn.URL(path), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set(jobapi.ConsumerKeyHeader, c.key)
	}

	resp, err := c.conn.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Status: resp.StatusCode}
	var payload jobapi.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload); err == nil {
		apiErr.Kind = payload.Kind
		apiErr.Limit = payload.Limit
		apiErr.Message = payload.Error
	}
	return nil, apiErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
