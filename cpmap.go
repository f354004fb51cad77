package cpclient

import (
	"context"
	"fmt"
)

// CPMap is a small linearizable key/value map in a CP group.
// Keys and values are JSON encodable Go values; keys are
// compared by their encoded form.
type CPMap struct {
	*proxyBase
}

func (m *CPMap) key(k interface{}) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: CPMap key must not be nil", ErrInvalidArgument)
	}
	return encodeValue(k)
}

func (m *CPMap) keyVal(k, v interface{}) (rk, rv []byte, err error) {
	rk, err = m.key(k)
	if err != nil {
		return
	}
	if v == nil {
		return nil, nil, fmt.Errorf("%w: CPMap value must not be nil", ErrInvalidArgument)
	}
	rv, err = encodeValue(v)
	return
}

// Get decodes the value under key into out.
func (m *CPMap) Get(ctx context.Context, key, out interface{}) (found bool, err error) {
	rk, err := m.key(key)
	if err != nil {
		return false, err
	}
	resp, err := m.invokeNoSession(ctx, &Request{Op: OpMapGet, Key: rk})
	if err != nil {
		return false, err
	}
	return decodeValue(resp.Value, out)
}

// Put stores val under key; any previous value goes into old.
func (m *CPMap) Put(ctx context.Context, key, val, old interface{}) (hadOld bool, err error) {
	rk, rv, err := m.keyVal(key, val)
	if err != nil {
		return false, err
	}
	resp, err := m.invokeNoSession(ctx, &Request{Op: OpMapPut, Key: rk, Value: rv, ReturnOld: true})
	if err != nil {
		return false, err
	}
	return decodeValue(resp.Value, old)
}

// Set is Put without the previous value.
func (m *CPMap) Set(ctx context.Context, key, val interface{}) error {
	rk, rv, err := m.keyVal(key, val)
	if err != nil {
		return err
	}
	_, err = m.invokeNoSession(ctx, &Request{Op: OpMapSet, Key: rk, Value: rv})
	return err
}

// Remove deletes key, decoding what was there into old.
func (m *CPMap) Remove(ctx context.Context, key, old interface{}) (hadOld bool, err error) {
	rk, err := m.key(key)
	if err != nil {
		return false, err
	}
	resp, err := m.invokeNoSession(ctx, &Request{Op: OpMapRemove, Key: rk, ReturnOld: true})
	if err != nil {
		return false, err
	}
	return decodeValue(resp.Value, old)
}

// Delete is Remove without the previous value.
func (m *CPMap) Delete(ctx context.Context, key interface{}) error {
	rk, err := m.key(key)
	if err != nil {
		return err
	}
	_, err = m.invokeNoSession(ctx, &Request{Op: OpMapDelete, Key: rk})
	return err
}

// PutIfAbsent stores val only if key is absent. If it was
// present, the existing value goes into existing and
// present is true.
func (m *CPMap) PutIfAbsent(ctx context.Context, key, val, existing interface{}) (present bool, err error) {
	rk, rv, err := m.keyVal(key, val)
	if err != nil {
		return false, err
	}
	resp, err := m.invokeNoSession(ctx, &Request{Op: OpMapPutIfAbsent, Key: rk, Value: rv})
	if err != nil {
		return false, err
	}
	return decodeValue(resp.Value, existing)
}

// CompareAndSet replaces the value under key with update only
// if it currently encodes the same as expect.
func (m *CPMap) CompareAndSet(ctx context.Context, key, expect, update interface{}) (bool, error) {
	rk, ru, err := m.keyVal(key, update)
	if err != nil {
		return false, err
	}
	re, err := encodeValue(expect)
	if err != nil {
		return false, err
	}
	resp, err := m.invokeNoSession(ctx, &Request{Op: OpMapCAS, Key: rk, Expect: re, Value: ru})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}
