// Package failure defines the error kinds shared by the job runner's
// components and transports.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth          Kind = "auth"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindSandbox       Kind = "sandbox"
	KindTimeout       Kind = "timeout"
	KindInternal      Kind = "internal"
)

// QuotaLimit names the limit that denied a submission.
type QuotaLimit string

const (
	LimitConcurrent QuotaLimit = "concurrent"
	LimitDaily      QuotaLimit = "daily"
)

// SandboxReason classifies sandbox failures.
type SandboxReason string

const (
	SandboxSetupFailed        SandboxReason = "setup_failed"
	SandboxBackendUnavailable SandboxReason = "backend_unavailable"
	SandboxResourceExceeded   SandboxReason = "resource_exceeded"
)

type Error struct {
	Kind    Kind
	Limit   QuotaLimit
	Reason  SandboxReason
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Kind == KindQuotaExceeded && e.Limit != "":
		msg = fmt.Sprintf("%s (%s limit)", msg, e.Limit)
	case e.Kind == KindSandbox && e.Reason != "":
		msg = fmt.Sprintf("%s: %s", e.Reason, msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Auth(msg string) error {
	return &Error{Kind: KindAuth, Message: msg}
}

func Quota(limit QuotaLimit) error {
	msg := "quota exceeded"
	switch limit {
	case LimitConcurrent:
		msg = "concurrent job limit reached"
	case LimitDaily:
		msg = "daily job limit reached"
	}
	return &Error{Kind: KindQuotaExceeded, Limit: limit, Message: msg}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a lost claim or lease race. Callers handle it locally.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Sandbox(reason SandboxReason, err error) error {
	return &Error{Kind: KindSandbox, Reason: reason, Message: "sandbox error", Err: err}
}

func Timeout(format string, args ...any) error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

func Internal(err error) error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal
// when err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// LimitOf returns the quota limit carried by err, if any.
func LimitOf(err error) QuotaLimit {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Limit
	}
	return ""
}

// ReasonOf returns the sandbox reason carried by err, if any.
func ReasonOf(err error) SandboxReason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// Public returns a message safe to show to API callers. Internal faults are
// reduced to a generic message.
func Public(err error) string {
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind == KindInternal {
		return "internal error"
	}
	if fe.Kind == KindSandbox {
		return fmt.Sprintf("%s: %s", fe.Reason, fe.Message)
	}
	return (&Error{Kind: fe.Kind, Limit: fe.Limit, Message: fe.Message}).Error()
}
