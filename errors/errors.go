package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
)

// Phase indicates which operation produced the error
type Phase string

const (
	PhaseOpen     Phase = "open"
	PhaseClose    Phase = "close"
	PhaseBind     Phase = "bind"
	PhaseConnect  Phase = "connect"
	PhaseListen   Phase = "listen"
	PhaseAccept   Phase = "accept"
	PhaseSend     Phase = "send"
	PhaseRecv     Phase = "recv"
	PhaseSendTo   Phase = "sendto"
	PhaseRecvFrom Phase = "recvfrom"
	PhaseOption   Phase = "option"
	PhaseResolve  Phase = "resolve"
	PhaseCommand  Phase = "command" // AT command parsing and dispatch
	PhaseKeystore Phase = "keystore"
)

// Kind categorizes the error
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAlreadyOpen        Kind = "already_open"
	KindNotOpen            Kind = "not_open"
	KindFamilyMismatch     Kind = "family_mismatch"
	KindTransport          Kind = "transport"
	KindTransient          Kind = "transient"
	KindResourceExhaustion Kind = "resource_exhaustion"
	KindOption             Kind = "option"
)

// Error is the structured error type used throughout the relay
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Code   int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Code != 0 {
		b.WriteString(" (code ")
		b.WriteString(strconv.Itoa(e.Code))
		b.WriteByte(')')
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches any phase.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase != "" && t.Phase != e.Phase {
			return false
		}
		return e.Kind == t.Kind
	}
	return false
}

// Closes reports whether an error of this kind tears the session down.
func (k Kind) Closes() bool {
	return k == KindTransport
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Code sets the protocol error code (negative errno)
func (b *Builder) Code(code int) *Builder {
	b.err.Code = code
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Validation creates a validation error for bad or out-of-sequence parameters
func Validation(phase Phase, detail string, args ...any) *Error {
	return New(phase, KindValidation).Code(-codeEINVAL).Detail(detail, args...).Build()
}

// AlreadyOpen creates the error returned when a session already exists
func AlreadyOpen(fd int) *Error {
	return &Error{
		Phase:  PhaseOpen,
		Kind:   KindAlreadyOpen,
		Code:   -codeEINVAL,
		Detail: fmt.Sprintf("socket %d is already opened", fd),
		Value:  fd,
	}
}

// NotOpen creates the error returned when an operation needs a session
func NotOpen(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotOpen,
		Code:   -codeEINVAL,
		Detail: "socket not opened yet",
	}
}

// FamilyMismatch creates an address family mismatch error
func FamilyMismatch(phase Phase, host, want, got string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindFamilyMismatch,
		Code:   -codeEINVAL,
		Detail: fmt.Sprintf("%s resolved to %s, session is %s", host, got, want),
		Value:  host,
	}
}

// Transport creates a transport failure. The session is closed by the caller.
func Transport(phase Phase, code int, cause error) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindTransport,
		Code:  code,
		Cause: cause,
	}
}

// Transient creates a retry-class failure that leaves the session open
func Transient(phase Phase, code int, cause error) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindTransient,
		Code:  code,
		Cause: cause,
	}
}

// ResourceExhaustion creates an error for transfers larger than the internal buffer
func ResourceExhaustion(phase Phase, requested, limit int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindResourceExhaustion,
		Code:   -codeENOMEM,
		Detail: fmt.Sprintf("length %d exceeds buffer of %d bytes", requested, limit),
		Value:  requested,
	}
}

// OptionFailed creates an error for an option the stack rejected
func OptionFailed(id int, code int, cause error) *Error {
	return &Error{
		Phase:  PhaseOption,
		Kind:   KindOption,
		Code:   code,
		Detail: fmt.Sprintf("option %d", id),
		Value:  id,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the protocol error code for err.
// Unstructured errors map to -EINVAL, nil maps to 0.
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return -codeEINVAL
}

// errno values used as default codes; kept here so the package stays free of syscall.
const (
	codeENOMEM = 12
	codeEINVAL = 22
)
