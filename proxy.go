package cpclient

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// proxyBase is what every CP data structure handle shares:
// its parsed name, its resolved group, and the route to it.
type proxyBase struct {
	client  *CPSubsystemClient
	service string

	group      GroupID
	objectName string
	display    string

	destroyed atomic.Bool
}

func newProxyBase(ctx context.Context, c *CPSubsystemClient, service, name string) (*proxyBase, error) {
	groupName, objectName, err := ParseName(name)
	if err != nil {
		return nil, err
	}
	g, err := c.groupID(ctx, groupName)
	if err != nil {
		return nil, err
	}
	return &proxyBase{
		client:     c,
		service:    service,
		group:      g,
		objectName: objectName,
		display:    displayName(groupName, objectName),
	}, nil
}

// GroupID of the CP group holding the object.
func (p *proxyBase) GroupID() GroupID {
	return p.group
}

// Name as given, less any "@default" suffix.
func (p *proxyBase) Name() string {
	return p.display
}

// ObjectName is the name within the group.
func (p *proxyBase) ObjectName() string {
	return p.objectName
}

func (p *proxyBase) String() string {
	return fmt.Sprintf("%v[%v]", p.service, p.display)
}

// Destroy removes the object from its group. Calling it
// again, or after another client destroyed the object,
// is fine. Afterwards every operation on this handle fails
// with ErrDistributedObjectDestroyed.
func (p *proxyBase) Destroy(ctx context.Context) error {
	if p.destroyed.Load() {
		return nil
	}
	_, err := p.client.router.Invoke(ctx, p.group, &Request{
		Op:        OpDestroyObject,
		Service:   p.service,
		Name:      p.objectName,
		SessionID: NoSessionID,
	}, InvokeOpts{})
	if err != nil && !errors.Is(err, ErrDistributedObjectDestroyed) {
		return err
	}
	p.destroyed.Store(true)
	return nil
}

// invoke stamps req with our object and sends it.
func (p *proxyBase) invoke(ctx context.Context, req *Request, opts InvokeOpts) (*Response, error) {
	if p.destroyed.Load() {
		return nil, fmt.Errorf("%w: %v", ErrDistributedObjectDestroyed, p)
	}
	req.Service = p.service
	req.Name = p.objectName
	resp, err := p.client.router.Invoke(ctx, p.group, req, opts)
	if err != nil && errors.Is(err, ErrDistributedObjectDestroyed) {
		p.destroyed.Store(true)
	}
	return resp, err
}

// invokeNoSession is for operations that never bind a session.
func (p *proxyBase) invokeNoSession(ctx context.Context, req *Request) (*Response, error) {
	req.SessionID = NoSessionID
	return p.invoke(ctx, req, InvokeOpts{})
}

func checkPositive(what string, n int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: %v must be positive, not %v", ErrInvalidArgument, what, n)
	}
	return nil
}

func checkNotNegative(what string, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: %v must not be negative, not %v", ErrInvalidArgument, what, n)
	}
	return nil
}
