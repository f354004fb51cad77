package cpclient

import (
	"context"
	"errors"
	"fmt"
)

// local conditions
var ErrInvalidArgument = fmt.Errorf("error: invalid argument")
var ErrNotSupported = fmt.Errorf("error: operation not supported")
var ErrIllegalState = fmt.Errorf("error: illegal state")
var ErrShutDown = fmt.Errorf("error shutdown")
var ErrTimeOut = fmt.Errorf("error timeout")

// ErrOwnershipLost means the session that backed a lock
// (or semaphore permits) is gone. The caller must
// re-acquire from scratch; nothing is retried for it.
var ErrOwnershipLost = fmt.Errorf("error: ownership lost, backing CP session is gone")

// remote conditions
var ErrLockAcquireLimitReached = fmt.Errorf("error: lock acquire limit reached")
var ErrDistributedObjectDestroyed = fmt.Errorf("error: distributed object destroyed")
var ErrNotLeader = fmt.Errorf("error: member is not the leader of the CP group")
var ErrGroupUnknown = fmt.Errorf("error: CP group unknown to member")
var ErrGroupDestroyed = fmt.Errorf("error: CP group destroyed")
var ErrSessionExpired = fmt.Errorf("error: CP session unknown or expired")
var ErrWaitKeyCancelled = fmt.Errorf("error: wait cancelled because the waiting session closed")
var ErrIllegalMonitorState = fmt.Errorf("error: current owner does not hold the lock")
var ErrTransport = fmt.Errorf("error: transport failure")

// ErrorCode is the wire form of a remote condition.
type ErrorCode string

const (
	CodeNone                ErrorCode = ""
	CodeNotLeader           ErrorCode = "NOT_LEADER"
	CodeGroupUnknown        ErrorCode = "GROUP_UNKNOWN"
	CodeGroupDestroyed      ErrorCode = "GROUP_DESTROYED"
	CodeSessionExpired      ErrorCode = "SESSION_EXPIRED"
	CodeObjectDestroyed     ErrorCode = "OBJECT_DESTROYED"
	CodeLockAcquireLimit    ErrorCode = "LOCK_ACQUIRE_LIMIT_REACHED"
	CodeWaitKeyCancelled    ErrorCode = "WAIT_KEY_CANCELLED"
	CodeIllegalMonitorState ErrorCode = "ILLEGAL_MONITOR_STATE"
	CodeIllegalState        ErrorCode = "ILLEGAL_STATE"
	CodeInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	CodeNotSupported        ErrorCode = "NOT_SUPPORTED"
	CodeTransport           ErrorCode = "TRANSPORT"
	CodeShutDown            ErrorCode = "SHUTDOWN"
	CodeTimeOut             ErrorCode = "TIMEOUT"
)

var code2sentinel = map[ErrorCode]error{
	CodeNotLeader:           ErrNotLeader,
	CodeGroupUnknown:        ErrGroupUnknown,
	CodeGroupDestroyed:      ErrGroupDestroyed,
	CodeSessionExpired:      ErrSessionExpired,
	CodeObjectDestroyed:     ErrDistributedObjectDestroyed,
	CodeLockAcquireLimit:    ErrLockAcquireLimitReached,
	CodeWaitKeyCancelled:    ErrWaitKeyCancelled,
	CodeIllegalMonitorState: ErrIllegalMonitorState,
	CodeIllegalState:        ErrIllegalState,
	CodeInvalidArgument:     ErrInvalidArgument,
	CodeNotSupported:        ErrNotSupported,
	CodeTransport:           ErrTransport,
	CodeShutDown:            ErrShutDown,
	CodeTimeOut:             ErrTimeOut,
}

// RemoteError is how a member reports a condition back
// through the Messenger. errors.Is(err, ErrNotLeader) and
// friends work on it. Leader is an optional hint that
// accompanies CodeNotLeader.
type RemoteError struct {
	Code   ErrorCode `json:"code"`
	Msg    string    `json:"msg,omitempty"`
	Leader MemberID  `json:"leader,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Leader != "" {
		return fmt.Sprintf("remote error %v: %v (leader hint '%v')", e.Code, e.Msg, e.Leader)
	}
	return fmt.Sprintf("remote error %v: %v", e.Code, e.Msg)
}

func (e *RemoteError) Is(target error) bool {
	s, ok := code2sentinel[e.Code]
	return ok && s == target
}

// NewRemoteError is a convenience for Messenger implementations.
func NewRemoteError(code ErrorCode, format string, a ...interface{}) *RemoteError {
	return &RemoteError{Code: code, Msg: fmt.Sprintf(format, a...)}
}

// CodeOf is the inverse of RemoteError.Is: it finds
// the wire code for any error, so transports can ship
// errors they did not create. Unknown errors map to
// CodeTransport.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTimeOut
	}
	for code, sentinel := range code2sentinel {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeTransport
}

// leaderHint extracts the leader a NOT_LEADER reply pointed at.
func leaderHint(err error) MemberID {
	var re *RemoteError
	if errors.As(err, &re) && re.Code == CodeNotLeader {
		return re.Leader
	}
	return ""
}
