// Package jobapi holds the JSON wire types shared by the consumer API, the
// worker RPC service and their clients.
package jobapi

import (
	"time"
)

type JobState string

const (
	StatePending   JobState = "pending"
	StateClaimed   JobState = "claimed"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateTimedOut  JobState = "timed_out"
	StateCanceled  JobState = "canceled"
)

func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCanceled:
		return true
	}
	return false
}

func (s JobState) Active() bool {
	switch s {
	case StatePending, StateClaimed, StateRunning:
		return true
	}
	return false
}

func ParseState(raw string) (JobState, bool) {
	s := JobState(raw)
	return s, s.Active() || s.Terminal()
}

type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

func (s Stream) Valid() bool {
	return s == StreamStdout || s == StreamStderr || s == StreamSystem
}

const (
	SandboxContainer = "container"
	SandboxProcess   = "process"
)

const (
	NetworkPerJob = "per_job"
	NetworkBridge = "bridge"
	NetworkNone   = "none"
)

type Limits struct {
	CPUs      float64 `json:"cpus,omitempty"`
	MemoryMiB int64   `json:"memory_mib,omitempty"`
	Pids      int64   `json:"pids,omitempty"`
}

// JobSpec describes what to run. Exactly one of Command or Argv is set.
type JobSpec struct {
	Command        string   `json:"command,omitempty"`
	Argv           []string `json:"argv,omitempty"`
	Image          string   `json:"image,omitempty"`
	Sandbox        string   `json:"sandbox,omitempty"`
	Network        string   `json:"network,omitempty"`
	Limits         Limits   `json:"limits,omitempty"`
	CapAdd         []string `json:"cap_add,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

func (s JobSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type Job struct {
	ID             string     `json:"id"`
	ConsumerID     string     `json:"consumer_id"`
	Spec           JobSpec    `json:"spec"`
	State          JobState   `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	// NextLogSeq is only populated on claim so a new attempt continues the
	// job's log sequence.
	NextLogSeq int64 `json:"next_log_seq,omitempty"`
}

// Lease returns the lease identity held by the claiming worker.
func (j Job) Lease() LeaseRef {
	return LeaseRef{JobID: j.ID, WorkerID: j.ClaimedBy, Attempt: j.AttemptCount}
}

type LogChunk struct {
	Seq       int64     `json:"seq"`
	Stream    Stream    `json:"stream"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"ts"`
}

type LogPage struct {
	Chunks     []LogChunk `json:"chunks"`
	NextOffset int64      `json:"next_offset"`
	Done       bool       `json:"done"`
}

type ListJobsResponse struct {
	Jobs       []Job  `json:"jobs"`
	NextBefore string `json:"next_before,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Limit string `json:"limit,omitempty"`
}

// LeaseRef identifies one claim attempt. Every worker mutation carries it.
type LeaseRef struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	Attempt  int    `json:"attempt"`
}

type ClaimRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

type ClaimResponse struct {
	Job *Job `json:"job,omitempty"`
}

type HeartbeatRequest struct {
	Lease LeaseRef `json:"lease"`
}

type HeartbeatResponse struct {
	LeaseExpiresAt  time.Time `json:"lease_expires_at"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
}

type MarkRunningRequest struct {
	Lease LeaseRef `json:"lease"`
}

type MarkRunningResponse struct {
	Job Job `json:"job"`
}

type AppendLogsRequest struct {
	Lease  LeaseRef   `json:"lease"`
	Chunks []LogChunk `json:"chunks"`
}

type AppendLogsResponse struct {
	NextSeq int64 `json:"next_seq"`
}

// FinalizeRequest reports the end of an attempt. Retry returns the job to
// the queue instead of recording a terminal state.
type FinalizeRequest struct {
	Lease    LeaseRef `json:"lease"`
	State    JobState `json:"state,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Retry    bool     `json:"retry,omitempty"`
}

type FinalizeResponse struct {
	Job Job `json:"job"`
}

const WorkerServiceName = "jobrunner.v1.WorkerService"

const (
	ClaimProcedure       = "/" + WorkerServiceName + "/Claim"
	HeartbeatProcedure   = "/" + WorkerServiceName + "/Heartbeat"
	MarkRunningProcedure = "/" + WorkerServiceName + "/MarkRunning"
	AppendLogsProcedure  = "/" + WorkerServiceName + "/AppendLogs"
	FinalizeProcedure    = "/" + WorkerServiceName + "/Finalize"
)

const (
	ConsumerKeyHeader = "X-Consumer-Key"
	WorkerTokenHeader = "X-Worker-Token"
)

// UsageResponse reports a consumer's quota counters and limits.
type UsageResponse struct {
	ConsumerID     string `json:"consumer_id"`
	ActiveCount    int    `json:"active_count"`
	SubmittedToday int    `json:"submitted_today"`
	DayBucket      string `json:"day_bucket"`
	MaxConcurrent  int    `json:"max_concurrent"`
	MaxPerDay      int    `json:"max_per_day"`
}
