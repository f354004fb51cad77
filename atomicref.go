package cpclient

import (
	"context"
)

// AtomicReference holds one value in a CP group. Values are
// any JSON encodable Go value; nil means "no value".
// CompareAndSet and Contains compare encoded forms, so
// two values are equal when they encode identically.
type AtomicReference struct {
	*proxyBase
}

// Get decodes the current value into out, which should be a
// pointer. found is false when the reference holds nil.
func (a *AtomicReference) Get(ctx context.Context, out interface{}) (found bool, err error) {
	resp, err := a.invokeNoSession(ctx, &Request{Op: OpRefGet})
	if err != nil {
		return false, err
	}
	return decodeValue(resp.Value, out)
}

func (a *AtomicReference) Set(ctx context.Context, v interface{}) error {
	raw, err := encodeValue(v)
	if err != nil {
		return err
	}
	_, err = a.invokeNoSession(ctx, &Request{Op: OpRefSet, Value: raw})
	return err
}

// GetAndSet stores v and decodes the previous value into old.
func (a *AtomicReference) GetAndSet(ctx context.Context, v interface{}, old interface{}) (hadOld bool, err error) {
	raw, err := encodeValue(v)
	if err != nil {
		return false, err
	}
	resp, err := a.invokeNoSession(ctx, &Request{Op: OpRefSet, Value: raw, ReturnOld: true})
	if err != nil {
		return false, err
	}
	return decodeValue(resp.Value, old)
}

func (a *AtomicReference) CompareAndSet(ctx context.Context, expect, update interface{}) (bool, error) {
	rawExpect, err := encodeValue(expect)
	if err != nil {
		return false, err
	}
	rawUpdate, err := encodeValue(update)
	if err != nil {
		return false, err
	}
	resp, err := a.invokeNoSession(ctx, &Request{Op: OpRefCAS, Expect: rawExpect, Value: rawUpdate})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}

func (a *AtomicReference) IsNil(ctx context.Context) (bool, error) {
	return a.Contains(ctx, nil)
}

func (a *AtomicReference) Clear(ctx context.Context) error {
	return a.Set(ctx, nil)
}

func (a *AtomicReference) Contains(ctx context.Context, v interface{}) (bool, error) {
	raw, err := encodeValue(v)
	if err != nil {
		return false, err
	}
	resp, err := a.invokeNoSession(ctx, &Request{Op: OpRefContains, Value: raw})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}
