// Package errors provides structured error types for the socket relay.
//
// Errors are categorized by Phase (the socket operation that failed) and Kind
// (the protocol-visible error class). Kind decides what happened to the session:
// validation, sequencing and transient failures leave it untouched, transport
// failures always close it. Code carries the negative errno reported to the
// controller.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseConnect, errors.KindTransport).
//		Code(-111).
//		Detail("connect to %s", addr).
//		Cause(sysErr).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotOpen(errors.PhaseSend)
//	err := errors.Transient(errors.PhaseRecv, -11, cause)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
