package client

import "github.com/buildkite/jobrunner/internal/jobapi"

type Job = jobapi.Job
type JobSpec = jobapi.JobSpec
type Limits = jobapi.Limits
type JobState = jobapi.JobState

const (
	StatePending   = jobapi.StatePending
	StateClaimed   = jobapi.StateClaimed
	StateRunning   = jobapi.StateRunning
	StateSucceeded = jobapi.StateSucceeded
	StateFailed    = jobapi.StateFailed
	StateTimedOut  = jobapi.StateTimedOut
	StateCanceled  = jobapi.StateCanceled
)

type Stream = jobapi.Stream

const (
	StreamStdout = jobapi.StreamStdout
	StreamStderr = jobapi.StreamStderr
	StreamSystem = jobapi.StreamSystem
)

const (
	SandboxContainer = jobapi.SandboxContainer
	SandboxProcess   = jobapi.SandboxProcess
)

type LogChunk = jobapi.LogChunk
type LogPage = jobapi.LogPage
type ListJobsResponse = jobapi.ListJobsResponse
type Usage = jobapi.UsageResponse
