// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// MVLC error taxonomy.

package mvlc

import "fmt"

// Condition groups the many ErrorCode values into the five buckets the
// dialog/transport layers base their retry policy on.
type Condition int

const (
	ConditionNone Condition = iota
	ConditionConnectionError
	ConditionTimeout
	ConditionShortTransfer
	ConditionProtocolError
	ConditionVMEError
)

func (c Condition) String() string {
	switch c {
	case ConditionConnectionError:
		return "connection error"
	case ConditionTimeout:
		return "timeout"
	case ConditionShortTransfer:
		return "short transfer"
	case ConditionProtocolError:
		return "protocol error"
	case ConditionVMEError:
		return "vme error"
	default:
		return "no error"
	}
}

// ErrorCode is the closed set of error codes the protocol layer can report.
type ErrorCode int

const (
	NoError ErrorCode = iota
	IsConnected
	IsDisconnected
	ShortWrite
	ShortRead
	MirrorEmptyRequest
	MirrorEmptyResponse
	MirrorShortResponse
	MirrorNotEqual
	MirrorMaxTriesExceeded
	InvalidBufferHeader
	ReadResponseMaxWaitExceeded
	UnexpectedResponseSize
	NoVMEResponse
	VMEBusError
	StackCountExceeded
	StackMemoryExceeded
	Stack0IsReserved
	StackSyntaxError
	InvalidStackHeader
	UDPPacketChannelOutOfRange
	UDPDataWordCountExceedsPacketSize
	SocketReadTimeout
	SocketWriteTimeout
	InUse
	USBChipConfigError
	SuperReferenceMismatch
	StackReferenceMismatch
	ConnectionFailed
	NotImplemented
)

var errorText = map[ErrorCode]string{
	NoError:                           "no error",
	IsConnected:                       "already connected",
	IsDisconnected:                    "not connected",
	ShortWrite:                        "short write",
	ShortRead:                         "short read",
	MirrorEmptyRequest:                "mirror check: empty request",
	MirrorEmptyResponse:               "mirror check: empty response",
	MirrorShortResponse:               "mirror check: short response",
	MirrorNotEqual:                    "mirror check: request/response mismatch",
	MirrorMaxTriesExceeded:            "mirror check: max retries exceeded",
	InvalidBufferHeader:               "invalid buffer header",
	ReadResponseMaxWaitExceeded:       "read response: max wait exceeded",
	UnexpectedResponseSize:            "unexpected response size",
	NoVMEResponse:                     "no VME response (timeout flag set)",
	VMEBusError:                       "VME bus error",
	StackCountExceeded:                "stack count exceeded",
	StackMemoryExceeded:               "stack memory exceeded",
	Stack0IsReserved:                  "stack 0 is reserved for immediate execution",
	StackSyntaxError:                  "stack syntax error",
	InvalidStackHeader:                "invalid stack header",
	UDPPacketChannelOutOfRange:        "UDP packet channel out of range",
	UDPDataWordCountExceedsPacketSize: "UDP data word count exceeds packet size",
	SocketReadTimeout:                 "socket read timeout",
	SocketWriteTimeout:                "socket write timeout",
	InUse:                             "resource in use",
	USBChipConfigError:                "USB chip configuration error",
	SuperReferenceMismatch:            "super reference word mismatch",
	StackReferenceMismatch:            "stack reference marker mismatch",
	ConnectionFailed:                  "connection failed",
	NotImplemented:                    "not implemented",
}

var errorCondition = map[ErrorCode]Condition{
	IsConnected:                       ConditionProtocolError,
	IsDisconnected:                    ConditionConnectionError,
	ShortWrite:                        ConditionShortTransfer,
	ShortRead:                         ConditionShortTransfer,
	MirrorEmptyRequest:                ConditionProtocolError,
	MirrorEmptyResponse:               ConditionProtocolError,
	MirrorShortResponse:               ConditionProtocolError,
	MirrorNotEqual:                    ConditionProtocolError,
	MirrorMaxTriesExceeded:            ConditionProtocolError,
	InvalidBufferHeader:               ConditionProtocolError,
	ReadResponseMaxWaitExceeded:       ConditionTimeout,
	UnexpectedResponseSize:            ConditionProtocolError,
	NoVMEResponse:                     ConditionTimeout,
	VMEBusError:                       ConditionVMEError,
	StackCountExceeded:                ConditionProtocolError,
	StackMemoryExceeded:               ConditionProtocolError,
	Stack0IsReserved:                  ConditionProtocolError,
	StackSyntaxError:                  ConditionProtocolError,
	InvalidStackHeader:                ConditionProtocolError,
	UDPPacketChannelOutOfRange:        ConditionProtocolError,
	UDPDataWordCountExceedsPacketSize: ConditionProtocolError,
	SocketReadTimeout:                 ConditionTimeout,
	SocketWriteTimeout:                ConditionTimeout,
	InUse:                             ConditionConnectionError,
	USBChipConfigError:                ConditionConnectionError,
	SuperReferenceMismatch:            ConditionProtocolError,
	StackReferenceMismatch:            ConditionProtocolError,
	ConnectionFailed:                  ConditionConnectionError,
	NotImplemented:                    ConditionProtocolError,
}

// MVLCError wraps an ErrorCode into a standard Go error, optionally
// chaining an underlying cause (a syscall.Errno, net error, etc).
type MVLCError struct {
	Code  ErrorCode
	Cause error
}

func NewError(code ErrorCode) *MVLCError {
	return &MVLCError{Code: code}
}

func WrapError(code ErrorCode, cause error) *MVLCError {
	return &MVLCError{Code: code, Cause: cause}
}

func (e *MVLCError) Error() string {
	text, ok := errorText[e.Code]
	if !ok {
		text = "unknown error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", text, e.Cause)
	}
	return text
}

func (e *MVLCError) Unwrap() error {
	return e.Cause
}

// Condition classifies the error into one of the five retry buckets.
func (e *MVLCError) Condition() Condition {
	if c, ok := errorCondition[e.Code]; ok {
		return c
	}
	return ConditionNone
}

// Is lets errors.Is(err, NewError(code)) match any *MVLCError carrying the
// same ErrorCode, regardless of its Cause.
func (e *MVLCError) Is(target error) bool {
	other, ok := target.(*MVLCError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}
