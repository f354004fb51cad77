// Package rpcnet carries cpclient traffic over rpc25519.
//
// A Server exposes any Backend, typically a cpsim.Cluster,
// as two rpc25519 services. A Transport dials a Server and
// is the cpclient.Messenger and cpclient.Topology of a
// CPSubsystemClient on another host.
package rpcnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/glycerine/cpclient"
	"github.com/glycerine/rpc25519"
	"github.com/goccy/go-json"
)

const (
	InvokeServiceName   = "cpclient.invoke"
	TopologyServiceName = "cpclient.topology"
)

// Backend is what a Server serves.
type Backend interface {
	cpclient.Messenger
	TopologySnapshot() *cpclient.TopologySnapshot
	CurrentMembers() []cpclient.MemberID
}

// invokeEnvelope wraps one SendToGroup call.
type invokeEnvelope struct {
	Group   cpclient.GroupID  `json:"group"`
	Target  cpclient.MemberID `json:"target,omitempty"`
	Payload []byte            `json:"payload"`

	// how long the caller will wait, 0 for no limit.
	TimeoutMillis int64 `json:"timeoutMillis,omitempty"`
}

// replyEnvelope carries either a payload or an error.
type replyEnvelope struct {
	Payload []byte                `json:"payload,omitempty"`
	Err     *cpclient.RemoteError `json:"err,omitempty"`
}

// topologyReply answers TopologyServiceName.
type topologyReply struct {
	Snapshot *cpclient.TopologySnapshot `json:"snapshot"`
	Members  []cpclient.MemberID        `json:"members"`
}

// ServerConfig for NewServer.
type ServerConfig struct {
	// ServerAddr to bind, e.g. "127.0.0.1:0".
	ServerAddr string

	// TCPonly_no_TLS skips TLS; handy for tests.
	TCPonly_no_TLS bool

	// MaxWait bounds how long a request may block in the
	// Backend when the caller gave no timeout.
	MaxWait time.Duration
}

// Server exposes a Backend over rpc25519.
type Server struct {
	cfg     *ServerConfig
	backend Backend
	srv     *rpc25519.Server

	calls int64
}

func NewServer(name string, backend Backend, cfg *ServerConfig) *Server {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	rcfg := rpc25519.NewConfig()
	rcfg.ServerAddr = cfg.ServerAddr
	rcfg.TCPonly_no_TLS = cfg.TCPonly_no_TLS

	s := &Server{
		cfg:     cfg,
		backend: backend,
		srv:     rpc25519.NewServer(name, rcfg),
	}
	s.srv.Register2Func(InvokeServiceName, s.invoke)
	s.srv.Register2Func(TopologyServiceName, s.topology)
	return s
}

// Start listens and returns the bound address.
func (s *Server) Start() (net.Addr, error) {
	return s.srv.Start()
}

func (s *Server) Close() {
	s.srv.Close()
}

// Calls counts invocations served.
func (s *Server) Calls() int64 {
	return atomic.LoadInt64(&s.calls)
}

func (s *Server) invoke(req, reply *rpc25519.Message) error {
	atomic.AddInt64(&s.calls, 1)

	var env invokeEnvelope
	if err := json.Unmarshal(req.JobSerz, &env); err != nil {
		return s.answer(reply, nil, fmt.Errorf("%w: bad invoke envelope: %v", cpclient.ErrTransport, err))
	}
	wait := s.cfg.MaxWait
	if env.TimeoutMillis > 0 {
		wait = time.Duration(env.TimeoutMillis) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	payload, err := s.backend.SendToGroup(ctx, env.Group, env.Payload, env.Target)
	return s.answer(reply, payload, err)
}

// answer puts errors in band, so the client can tell a
// CP condition from a broken connection.
func (s *Server) answer(reply *rpc25519.Message, payload []byte, err error) error {
	env := replyEnvelope{Payload: payload}
	if err != nil {
		env.Payload = nil
		env.Err = toRemoteError(err)
	}
	by, merr := json.Marshal(&env)
	if merr != nil {
		return merr
	}
	reply.JobSerz = by
	return nil
}

func (s *Server) topology(req, reply *rpc25519.Message) error {
	r := topologyReply{
		Snapshot: s.backend.TopologySnapshot(),
		Members:  s.backend.CurrentMembers(),
	}
	by, err := json.Marshal(&r)
	if err != nil {
		return err
	}
	reply.JobSerz = by
	return nil
}

func toRemoteError(err error) *cpclient.RemoteError {
	var re *cpclient.RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &cpclient.RemoteError{Code: cpclient.CodeOf(err), Msg: err.Error()}
}
