package cpclient

import (
	"bytes"
	cryrand "crypto/rand"
	"fmt"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/goccy/go-json"
)

// Op names one CP operation on the wire.
type Op string

const (
	// metadata group
	OpGetGroupID Op = "GET_GROUP_ID"

	// sessions
	OpCreateSession    Op = "CREATE_SESSION"
	OpHeartbeat        Op = "HEARTBEAT_SESSION"
	OpCloseSession     Op = "CLOSE_SESSION"
	OpGenerateThreadID Op = "GENERATE_THREAD_ID"

	OpDestroyObject Op = "DESTROY_OBJECT"

	// fenced lock
	OpLock             Op = "LOCK"
	OpTryLock          Op = "TRY_LOCK"
	OpUnlock           Op = "UNLOCK"
	OpGetLockOwnership Op = "GET_LOCK_OWNERSHIP"

	// semaphore
	OpSemInit      Op = "SEM_INIT"
	OpSemAcquire   Op = "SEM_ACQUIRE"
	OpSemRelease   Op = "SEM_RELEASE"
	OpSemDrain     Op = "SEM_DRAIN"
	OpSemChange    Op = "SEM_CHANGE"
	OpSemAvailable Op = "SEM_AVAILABLE"
	OpSemGetConfig Op = "SEM_GET_CONFIG"

	// atomic long
	OpLongGet       Op = "LONG_GET"
	OpLongAddAndGet Op = "LONG_ADD_AND_GET"
	OpLongGetAndAdd Op = "LONG_GET_AND_ADD"
	OpLongGetAndSet Op = "LONG_GET_AND_SET"
	OpLongCAS       Op = "LONG_CAS"

	// atomic reference
	OpRefGet      Op = "REF_GET"
	OpRefSet      Op = "REF_SET"
	OpRefCAS      Op = "REF_CAS"
	OpRefContains Op = "REF_CONTAINS"

	// count down latch
	OpLatchTrySetCount Op = "LATCH_TRY_SET_COUNT"
	OpLatchGetCount    Op = "LATCH_GET_COUNT"
	OpLatchGetRound    Op = "LATCH_GET_ROUND"
	OpLatchCountDown   Op = "LATCH_COUNT_DOWN"
	OpLatchAwait       Op = "LATCH_AWAIT"

	// CP map
	OpMapGet         Op = "MAP_GET"
	OpMapPut         Op = "MAP_PUT"
	OpMapSet         Op = "MAP_SET"
	OpMapRemove      Op = "MAP_REMOVE"
	OpMapDelete      Op = "MAP_DELETE"
	OpMapPutIfAbsent Op = "MAP_PUT_IF_ABSENT"
	OpMapCAS         Op = "MAP_CAS"
)

// service names partition object namespaces within a group.
const (
	ServiceLock       = "cp:lock"
	ServiceSemaphore  = "cp:semaphore"
	ServiceAtomicLong = "cp:atomicLong"
	ServiceAtomicRef  = "cp:atomicRef"
	ServiceLatch      = "cp:countDownLatch"
	ServiceMap        = "cp:map"
)

const (
	// NoSessionID is carried by requests that are not
	// bound to any session.
	NoSessionID int64 = -1

	// InvalidFence is returned by a denied TryLock, and
	// by the server to mean "not locked".
	InvalidFence int64 = 0

	// WaitForever as TimeoutMillis blocks until success.
	WaitForever int64 = -1
)

// Request is the payload handed to Messenger.SendToGroup.
type Request struct {
	Op            Op              `json:"op"`
	Group         GroupID         `json:"group"`
	Service       string          `json:"service,omitempty"`
	Name          string          `json:"name,omitempty"`
	SessionID     int64           `json:"sessionID"`
	ThreadID      int64           `json:"threadID,omitempty"`
	InvocationUID string          `json:"invUID,omitempty"`
	Permits       int64           `json:"permits,omitempty"`
	TimeoutMillis int64           `json:"timeoutMillis,omitempty"`
	Round         int64           `json:"round,omitempty"`
	Delta         int64           `json:"delta,omitempty"`
	ExpectLong    int64           `json:"expectLong,omitempty"`
	UpdateLong    int64           `json:"updateLong,omitempty"`
	Key           json.RawMessage `json:"key,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
	Expect        json.RawMessage `json:"expect,omitempty"`
	ReturnOld     bool            `json:"returnOld,omitempty"`
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{Op:%v, Group:%v, Service:%q, Name:%q, SessionID:%v, ThreadID:%v, InvUID:%q}",
		r.Op, r.Group.Name, r.Service, r.Name, r.SessionID, r.ThreadID, r.InvocationUID)
}

// SessionGrant is the cluster's answer to OpCreateSession.
type SessionGrant struct {
	ID              int64 `json:"id"`
	TTLMillis       int64 `json:"ttlMillis"`
	HeartbeatMillis int64 `json:"heartbeatMillis"`
}

// LockOwnership is the server's view of one fenced lock.
type LockOwnership struct {
	Fence     int64 `json:"fence"`
	LockCount int64 `json:"lockCount"`
	SessionID int64 `json:"sessionID"`
	ThreadID  int64 `json:"threadID"`
}

func (o *LockOwnership) IsLocked() bool {
	return o.Fence != InvalidFence
}

func (o *LockOwnership) IsLockedBy(sessionID, threadID int64) bool {
	return o.IsLocked() && o.SessionID == sessionID && o.ThreadID == threadID
}

// Response is what comes back from a successful SendToGroup.
// Conditions travel as errors, not in the Response.
type Response struct {
	Group         GroupID         `json:"group,omitempty"`
	Session       *SessionGrant   `json:"session,omitempty"`
	Ownership     *LockOwnership  `json:"ownership,omitempty"`
	Fence         int64           `json:"fence,omitempty"`
	Bool          bool            `json:"bool,omitempty"`
	Long          int64           `json:"long,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
	JDKCompatible bool            `json:"jdkCompatible,omitempty"`
}

func EncodeRequest(r *Request) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRequest(by []byte) (r *Request, err error) {
	r = &Request{}
	err = json.Unmarshal(by, r)
	if err != nil {
		return nil, fmt.Errorf("%w: bad request payload: %v", ErrTransport, err)
	}
	return
}

func EncodeResponse(r *Response) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeResponse(by []byte) (r *Response, err error) {
	r = &Response{}
	if len(by) == 0 {
		return
	}
	err = json.Unmarshal(by, r)
	if err != nil {
		return nil, fmt.Errorf("%w: bad response payload: %v", ErrTransport, err)
	}
	return
}

// encodeValue turns a user value into its wire form.
// nil encodes to nil so the server can tell "no value".
func encodeValue(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	by, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode value of type %T: %v", ErrInvalidArgument, v, err)
	}
	return by, nil
}

// decodeValue fills out from raw; found is false for an
// absent (nil) value, in which case out is untouched.
func decodeValue(raw json.RawMessage, out interface{}) (found bool, err error) {
	if IsNilValue(raw) {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	err = json.Unmarshal(raw, out)
	if err != nil {
		return true, fmt.Errorf("%w: cannot decode value into %T: %v", ErrInvalidArgument, out, err)
	}
	return true, nil
}

var jsonNull = []byte("null")

// IsNilValue reports whether an encoded value stands for nil.
func IsNilValue(raw []byte) bool {
	return len(raw) == 0 || bytes.Equal(raw, jsonNull)
}

// NewInvocationUID returns a random, url-safe id used to
// make retried invocations idempotent on the server.
func NewInvocationUID() string {
	by := make([]byte, 18)
	_, err := cryrand.Read(by)
	panicOn(err)
	return cristalbase64.URLEncoding.EncodeToString(by)
}
