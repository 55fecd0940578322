package status

import (
	"errors"
	"fmt"
)

// Code is the numeric error taxonomy shared by every service.
// Codes are stable across the wire; only the short name travels to clients,
// detailed causes stay in server logs.
type Code int32

const (
	Succeeded Code = 0

	// Transport
	ErrDisconnected  Code = -1
	ErrRPCFailure    Code = -2
	ErrTimeout       Code = -3
	ErrLeaderChanged Code = -4

	// Auth
	ErrBadUserPassword Code = -100
	ErrSessionInvalid  Code = -101
	ErrSessionTimeout  Code = -102

	// Schema
	ErrNotFound         Code = -200
	ErrExisted          Code = -201
	ErrIncompatibleType Code = -202
	ErrNameNotFound     Code = -203
	ErrIndexOutOfRange  Code = -204

	// Storage
	ErrKeyNotFound    Code = -300
	ErrPartialResult  Code = -301
	ErrBufferOverflow Code = -302
	ErrInvalidFilter  Code = -303
	ErrPartNotFound   Code = -304

	// Raft
	ErrNotLeader    Code = -400
	ErrTermMismatch Code = -401
	ErrLogStale     Code = -402
	ErrStopped      Code = -403

	// Consistency
	ErrWriteConflict    Code = -500
	ErrIndexCheckFailed Code = -501

	// Resource
	ErrDiskFull        Code = -600
	ErrCancelled       Code = -601
	ErrValueOutOfRange Code = -602

	// Semantic
	ErrSyntax      Code = -700
	ErrUnsupported Code = -701
)

var codeNames = map[Code]string{
	Succeeded:           "SUCCEEDED",
	ErrDisconnected:     "DISCONNECTED",
	ErrRPCFailure:       "RPC_FAILURE",
	ErrTimeout:          "TIMEOUT",
	ErrLeaderChanged:    "LEADER_CHANGED",
	ErrBadUserPassword:  "BAD_USER_PASSWORD",
	ErrSessionInvalid:   "SESSION_INVALID",
	ErrSessionTimeout:   "SESSION_TIMEOUT",
	ErrNotFound:         "NOT_FOUND",
	ErrExisted:          "EXISTED",
	ErrIncompatibleType: "INCOMPATIBLE_TYPE",
	ErrNameNotFound:     "NAME_NOT_FOUND",
	ErrIndexOutOfRange:  "INDEX_OUT_OF_RANGE",
	ErrKeyNotFound:      "KEY_NOT_FOUND",
	ErrPartialResult:    "PARTIAL_RESULT",
	ErrBufferOverflow:   "BUFFER_OVERFLOW",
	ErrInvalidFilter:    "INVALID_FILTER",
	ErrPartNotFound:     "PART_NOT_FOUND",
	ErrNotLeader:        "NOT_LEADER",
	ErrTermMismatch:     "TERM_MISMATCH",
	ErrLogStale:         "LOG_STALE",
	ErrStopped:          "STOPPED",
	ErrWriteConflict:    "WRITE_CONFLICT",
	ErrIndexCheckFailed: "INDEX_CHECK_FAILED",
	ErrDiskFull:         "DISK_FULL",
	ErrCancelled:        "CANCELLED",
	ErrValueOutOfRange:  "VALUE_OUT_OF_RANGE",
	ErrSyntax:           "SYNTAX_ERROR",
	ErrUnsupported:      "UNSUPPORTED",
}

// String returns the stable short name for the code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(c))
}

// Status carries a code plus a short human message. It implements error.
type Status struct {
	Code Code
	Msg  string
}

// New creates a Status with a formatted message.
func New(code Code, format string, args ...interface{}) *Status {
	return &Status{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Error renders "E_NAME(code): msg".
func (s *Status) Error() string {
	if s.Msg == "" {
		return fmt.Sprintf("E_%s(%d)", s.Code, int32(s.Code))
	}
	return fmt.Sprintf("E_%s(%d): %s", s.Code, int32(s.Code), s.Msg)
}

// OK reports whether the status is Succeeded.
func (s *Status) OK() bool {
	return s == nil || s.Code == Succeeded
}

// CodeOf extracts the Code from an error chain. A nil error is Succeeded;
// a non-Status error maps to ErrRPCFailure.
func CodeOf(err error) Code {
	if err == nil {
		return Succeeded
	}
	var s *Status
	if errors.As(err, &s) {
		return s.Code
	}
	return ErrRPCFailure
}

// IsRetryable reports whether a transport-level retry may succeed.
func IsRetryable(code Code) bool {
	switch code {
	case ErrDisconnected, ErrRPCFailure, ErrTimeout, ErrLeaderChanged:
		return true
	}
	return false
}
