package cpclient

import (
	"context"
)

// AtomicLong is a linearizable int64 in a CP group.
type AtomicLong struct {
	*proxyBase
}

func (a *AtomicLong) long(ctx context.Context, req *Request) (int64, error) {
	resp, err := a.invokeNoSession(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.Long, nil
}

func (a *AtomicLong) Get(ctx context.Context) (int64, error) {
	return a.long(ctx, &Request{Op: OpLongGet})
}

func (a *AtomicLong) Set(ctx context.Context, v int64) error {
	_, err := a.GetAndSet(ctx, v)
	return err
}

func (a *AtomicLong) GetAndSet(ctx context.Context, v int64) (int64, error) {
	return a.long(ctx, &Request{Op: OpLongGetAndSet, UpdateLong: v})
}

func (a *AtomicLong) AddAndGet(ctx context.Context, delta int64) (int64, error) {
	return a.long(ctx, &Request{Op: OpLongAddAndGet, Delta: delta})
}

func (a *AtomicLong) GetAndAdd(ctx context.Context, delta int64) (int64, error) {
	return a.long(ctx, &Request{Op: OpLongGetAndAdd, Delta: delta})
}

func (a *AtomicLong) IncrementAndGet(ctx context.Context) (int64, error) {
	return a.AddAndGet(ctx, 1)
}

func (a *AtomicLong) DecrementAndGet(ctx context.Context) (int64, error) {
	return a.AddAndGet(ctx, -1)
}

func (a *AtomicLong) GetAndIncrement(ctx context.Context) (int64, error) {
	return a.GetAndAdd(ctx, 1)
}

func (a *AtomicLong) GetAndDecrement(ctx context.Context) (int64, error) {
	return a.GetAndAdd(ctx, -1)
}

// CompareAndSet installs update only if the value is expect.
func (a *AtomicLong) CompareAndSet(ctx context.Context, expect, update int64) (bool, error) {
	resp, err := a.invokeNoSession(ctx, &Request{Op: OpLongCAS, ExpectLong: expect, UpdateLong: update})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}
