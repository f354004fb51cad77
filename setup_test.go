package cpclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/glycerine/cpclient"
	"github.com/glycerine/cpclient/cpsim"
)

var bkg = context.Background()

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

// newSimCluster starts an in-process CP cluster that goes
// away with the test.
func newSimCluster(t *testing.T, adjust func(cfg *cpsim.Config)) *cpsim.Cluster {
	cfg := cpsim.NewConfig()
	if adjust != nil {
		adjust(cfg)
	}
	c := cpsim.NewCluster(cfg)
	t.Cleanup(c.Close)
	return c
}

// newSimClient connects a CPSubsystemClient to c.
func newSimClient(t *testing.T, c *cpsim.Cluster, name string, adjust func(cfg *cpclient.Config)) *cpclient.CPSubsystemClient {
	cfg := cpclient.NewConfig()
	cfg.ClientName = name
	cfg.InvocationTimeout = 10 * time.Second
	cfg.DirectToLeaderRouting = true
	if adjust != nil {
		adjust(cfg)
	}
	cp, err := cpclient.NewCPSubsystemClient(cfg, c, c)
	panicOn(err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(bkg, 5*time.Second)
		defer cancel()
		cp.Shutdown(ctx)
	})
	return cp
}

// waitFor polls cond for up to 5 seconds.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
