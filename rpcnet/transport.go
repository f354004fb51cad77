package rpcnet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/cpclient"
	"github.com/glycerine/idem"
	"github.com/glycerine/rpc25519"
	"github.com/goccy/go-json"
)

// TransportConfig for Dial.
type TransportConfig struct {
	// ServerAddr of the rpcnet Server, host:port.
	ServerAddr string

	TCPonly_no_TLS bool

	// PollInterval is how often the topology is fetched.
	PollInterval time.Duration

	Verbose bool
}

// Transport talks to an rpcnet Server. It is a
// cpclient.Messenger and a cpclient.Topology.
type Transport struct {
	cfg *TransportConfig
	cli *rpc25519.Client

	mut     sync.Mutex
	members []cpclient.MemberID
	last    *cpclient.TopologySnapshot
	subs    map[int64]chan *cpclient.TopologySnapshot
	nextSub int64

	// closed once the first topology poll succeeds.
	firstPoll *idem.IdemCloseChan

	halt *idem.Halter
}

// Dial connects to cfg.ServerAddr and starts polling the
// topology. Close the Transport when done.
func Dial(name string, cfg *TransportConfig) (*Transport, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Verbose {
		verbose = true
	}
	rcfg := rpc25519.NewConfig()
	rcfg.ClientDialToHostPort = cfg.ServerAddr
	rcfg.TCPonly_no_TLS = cfg.TCPonly_no_TLS

	cli, err := rpc25519.NewClient(name, rcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: could not make rpc25519 client for '%v': %v", cpclient.ErrTransport, cfg.ServerAddr, err)
	}
	err = cli.Start()
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: could not connect to '%v': %v", cpclient.ErrTransport, cfg.ServerAddr, err)
	}
	t := &Transport{
		cfg:       cfg,
		cli:       cli,
		subs:      make(map[int64]chan *cpclient.TopologySnapshot),
		firstPoll: idem.NewIdemCloseChan(),
		halt:      idem.NewHalterNamed(fmt.Sprintf("rpcnet.Transport(%v)", name)),
	}
	go t.pollLoop()
	return t, nil
}

func (t *Transport) Close() {
	t.halt.ReqStop.Close()
	<-t.halt.Done.Chan
	t.cli.Close()
}

// SendToGroup implements cpclient.Messenger.
func (t *Transport) SendToGroup(ctx context.Context, g cpclient.GroupID, payload []byte, target cpclient.MemberID) ([]byte, error) {
	env := invokeEnvelope{
		Group:   g,
		Target:  target,
		Payload: payload,
	}
	if dl, ok := ctx.Deadline(); ok {
		env.TimeoutMillis = time.Until(dl).Milliseconds()
		if env.TimeoutMillis <= 0 {
			return nil, ctx.Err()
		}
	}
	var reply replyEnvelope
	if err := t.call(ctx, InvokeServiceName, &env, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return reply.Payload, nil
}

func (t *Transport) call(ctx context.Context, service string, in, out interface{}) error {
	by, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encoding %v request: %v", cpclient.ErrTransport, service, err)
	}
	req := rpc25519.NewMessage()
	req.HDR.ServiceName = service
	req.JobSerz = by

	reply, err := t.cli.SendAndGetReply(req, ctx.Done(), 0)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v call: %v", cpclient.ErrTransport, service, err)
	}
	if reply.JobErrs != "" {
		return fmt.Errorf("%w: %v call: %v", cpclient.ErrTransport, service, reply.JobErrs)
	}
	err = json.Unmarshal(reply.JobSerz, out)
	if err != nil {
		return fmt.Errorf("%w: decoding %v reply: %v", cpclient.ErrTransport, service, err)
	}
	return nil
}

// SubscribeToCPTopology implements cpclient.Topology.
func (t *Transport) SubscribeToCPTopology() (<-chan *cpclient.TopologySnapshot, func()) {
	ch := make(chan *cpclient.TopologySnapshot, 8)
	t.mut.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = ch
	if t.last != nil {
		ch <- t.last
	}
	t.mut.Unlock()

	return ch, func() {
		t.mut.Lock()
		delete(t.subs, id)
		t.mut.Unlock()
	}
}

// CurrentMembers implements cpclient.Topology, from the last poll.
func (t *Transport) CurrentMembers() []cpclient.MemberID {
	t.mut.Lock()
	defer t.mut.Unlock()
	return append([]cpclient.MemberID(nil), t.members...)
}

// WaitForTopology blocks until the first poll has landed.
func (t *Transport) WaitForTopology(ctx context.Context) error {
	select {
	case <-t.firstPoll.Chan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.halt.ReqStop.Chan:
		return cpclient.ErrShutDown
	}
}

func (t *Transport) pollLoop() {
	defer t.halt.Done.Close()

	bo := newExpBackoff(defaultExpBackoffConfig)
	wait := time.Duration(0)
	for {
		select {
		case <-time.After(wait):
		case <-t.halt.ReqStop.Chan:
			return
		}
		err := t.poll()
		if err != nil {
			wait = bo.next()
			pp("topology poll failed, next in %v: %v", wait, err)
			continue
		}
		bo.reset()
		wait = t.cfg.PollInterval
	}
}

func (t *Transport) poll() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*t.cfg.PollInterval+time.Second)
	defer cancel()

	var r topologyReply
	if err := t.call(ctx, TopologyServiceName, struct{}{}, &r); err != nil {
		return err
	}
	if r.Snapshot == nil {
		return fmt.Errorf("%w: topology reply without snapshot", cpclient.ErrTransport)
	}
	r.Snapshot.Rehydrate()

	t.mut.Lock()
	t.members = r.Members
	changed := t.last == nil || r.Snapshot.Version != t.last.Version
	if changed {
		t.last = r.Snapshot
		for _, ch := range t.subs {
			deliver(ch, r.Snapshot)
		}
	}
	t.mut.Unlock()
	t.firstPoll.Close()
	return nil
}

// deliver never blocks: a full channel loses its oldest snapshot.
func deliver(ch chan *cpclient.TopologySnapshot, snap *cpclient.TopologySnapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
