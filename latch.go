package cpclient

import (
	"context"
	"time"
)

// CountDownLatch lets callers wait until a count, set once
// per round, has been counted down to zero.
type CountDownLatch struct {
	*proxyBase
}

// TrySetCount starts a new round with count, but only if
// the previous round (if any) is finished.
func (c *CountDownLatch) TrySetCount(ctx context.Context, count int64) (bool, error) {
	if err := checkPositive("count", count); err != nil {
		return false, err
	}
	resp, err := c.invokeNoSession(ctx, &Request{Op: OpLatchTrySetCount, Permits: count})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}

func (c *CountDownLatch) GetCount(ctx context.Context) (int64, error) {
	resp, err := c.invokeNoSession(ctx, &Request{Op: OpLatchGetCount})
	if err != nil {
		return 0, err
	}
	return resp.Long, nil
}

// GetRound returns the current round number.
func (c *CountDownLatch) GetRound(ctx context.Context) (int64, error) {
	resp, err := c.invokeNoSession(ctx, &Request{Op: OpLatchGetRound})
	if err != nil {
		return 0, err
	}
	return resp.Long, nil
}

// CountDown decrements the count of the current round once.
// A retry carrying the same invocation uid is not counted
// twice, and a count down aimed at a finished round is ignored.
func (c *CountDownLatch) CountDown(ctx context.Context) error {
	round, err := c.GetRound(ctx)
	if err != nil {
		return err
	}
	_, err = c.invokeNoSession(ctx, &Request{
		Op:            OpLatchCountDown,
		Round:         round,
		InvocationUID: NewInvocationUID(),
	})
	return err
}

// Await waits up to timeout for the count to reach zero.
func (c *CountDownLatch) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		timeout = 0
	}
	resp, err := c.invokeNoSession(ctx, &Request{
		Op:            OpLatchAwait,
		InvocationUID: NewInvocationUID(),
		TimeoutMillis: timeout.Milliseconds(),
	})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}
