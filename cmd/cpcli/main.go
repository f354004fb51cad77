package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/glycerine/cpclient"
	"github.com/glycerine/cpclient/rpcnet"
	"github.com/goccy/go-json"
	"golang.org/x/term"
)

var td *tdigest.TDigest

// report is printed at the end; as JSON when stdout is not a terminal.
type report struct {
	Op        string                `json:"op"`
	Object    string                `json:"object"`
	Calls     int                   `json:"calls"`
	Errors    int                   `json:"errors"`
	Last      string                `json:"last"`
	SlowestNs float64               `json:"slowestNs"`
	Q50Ns     float64               `json:"q50Ns"`
	Q99Ns     float64               `json:"q99Ns"`
	Q999Ns    float64               `json:"q999Ns"`
	Router    *cpclient.RouterStats `json:"router"`
}

func main() {
	cpclient.ExitIfVersionRequested()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var dest = flag.String("s", "127.0.0.1:8443", "cpsrv address to connect to.")
	var tcp = flag.Bool("tcp", false, "use TCP instead of the default TLS")
	var op = flag.String("op", "incr", "operation: one of lock, trylock, sem, incr, get, latch, put")
	var obj = flag.String("o", "counter", "CP object name, optionally with a @group suffix, e.g. mylock@group1")
	var n = flag.Int("n", 1, "number of calls to make")
	var permits = flag.Int64("permits", 1, "semaphore permits to acquire and release, and the -op sem initial permits")
	var hold = flag.Duration("hold", 0, "hold each lock or permit this long before releasing")
	var wait = flag.Duration("wait", 10*time.Second, "time to wait for each call to complete")
	var direct = flag.Bool("direct", true, "route directly to the group leader")
	var val = flag.String("val", "", "value for -op put; key is the call number")
	var verbose = flag.Bool("v", false, "verbose logging")

	flag.Parse()

	var err error
	td, err = tdigest.New(tdigest.Compression(100))
	panicOn(err)

	tr, err := rpcnet.Dial("cpcli", &rpcnet.TransportConfig{
		ServerAddr:     *dest,
		TCPonly_no_TLS: *tcp,
		Verbose:        *verbose,
	})
	if err != nil {
		log.Printf("cpcli could not connect: '%v'\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	ctx := context.Background()
	ctx0, cancel0 := context.WithTimeout(ctx, *wait)
	err = tr.WaitForTopology(ctx0)
	cancel0()
	if err != nil {
		log.Printf("no topology from '%v': %v\n", *dest, err)
		os.Exit(1)
	}

	cfg := cpclient.NewConfig()
	cfg.ClientName = "cpcli"
	cfg.DirectToLeaderRouting = *direct
	cfg.InvocationTimeout = *wait
	cfg.Verbose = *verbose

	cp, err := cpclient.NewCPSubsystemClient(cfg, tr, tr)
	panicOn(err)
	defer func() {
		ctx1, cancel1 := context.WithTimeout(ctx, 5*time.Second)
		cp.Shutdown(ctx1)
		cancel1()
	}()

	call, err := makeCall(ctx, cp, *op, *obj, *permits, *hold, *val)
	if err != nil {
		log.Printf("cpcli: %v\n", err)
		os.Exit(1)
	}

	rep := &report{Op: *op, Object: *obj}
	slowest := -1.0
	for i := 0; i < *n; i++ {
		t0 := time.Now()
		ctx2, cancel2 := context.WithTimeout(ctx, *wait)
		last, err := call(ctx2, i)
		cancel2()
		elap := float64(time.Since(t0))
		panicOn(td.Add(elap)) // nanoseconds
		if elap > slowest {
			slowest = elap
		}
		rep.Calls++
		if err != nil {
			rep.Errors++
			rep.Last = err.Error()
			continue
		}
		rep.Last = last
	}
	rep.SlowestNs = slowest
	rep.Q50Ns = td.Quantile(0.50)
	rep.Q99Ns = td.Quantile(0.99)
	rep.Q999Ns = td.Quantile(0.999)
	rep.Router = cp.Stats()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("cpcli did %v %v calls on '%v' (%v errors). last='%v'\n slowest='%v'; q999='%v'; q99='%v'; q50='%v'\n %v\n",
			rep.Calls, rep.Op, rep.Object, rep.Errors, rep.Last,
			time.Duration(slowest), time.Duration(rep.Q999Ns), time.Duration(rep.Q99Ns), time.Duration(rep.Q50Ns), rep.Router)
		return
	}
	by, err := json.Marshal(rep)
	panicOn(err)
	fmt.Printf("%s\n", by)
}

// makeCall resolves the proxy once and returns the per-call action.
func makeCall(ctx context.Context, cp *cpclient.CPSubsystemClient, op, obj string, permits int64, hold time.Duration, val string) (func(ctx context.Context, i int) (string, error), error) {

	switch op {
	case "lock", "trylock":
		lk, err := cp.GetLock(ctx, obj)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, i int) (string, error) {
			var fence int64
			var err error
			if op == "lock" {
				fence, err = lk.LockAndGetFence(ctx)
			} else {
				fence, err = lk.TryLockAndGetFence(ctx, 0)
			}
			if err != nil {
				return "", err
			}
			if fence == cpclient.InvalidFence {
				return "not acquired", nil
			}
			time.Sleep(hold)
			return fmt.Sprintf("fence %v", fence), lk.Unlock(ctx)
		}, nil

	case "sem":
		sem, err := cp.GetSemaphore(ctx, obj)
		if err != nil {
			return nil, err
		}
		if _, err := sem.Init(ctx, permits); err != nil {
			return nil, err
		}
		return func(ctx context.Context, i int) (string, error) {
			if err := sem.Acquire(ctx, permits); err != nil {
				return "", err
			}
			time.Sleep(hold)
			if err := sem.Release(ctx, permits); err != nil {
				return "", err
			}
			avail, err := sem.AvailablePermits(ctx)
			return fmt.Sprintf("available %v", avail), err
		}, nil

	case "incr", "get":
		al, err := cp.GetAtomicLong(ctx, obj)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, i int) (string, error) {
			var v int64
			var err error
			if op == "incr" {
				v, err = al.IncrementAndGet(ctx)
			} else {
				v, err = al.Get(ctx)
			}
			return fmt.Sprintf("%v", v), err
		}, nil

	case "latch":
		latch, err := cp.GetCountDownLatch(ctx, obj)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, i int) (string, error) {
			count, err := latch.GetCount(ctx)
			if err != nil {
				return "", err
			}
			if count == 0 {
				return "count 0", nil
			}
			if err := latch.CountDown(ctx); err != nil {
				return "", err
			}
			count, err = latch.GetCount(ctx)
			return fmt.Sprintf("count %v", count), err
		}, nil

	case "put":
		m, err := cp.GetMap(ctx, obj)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, i int) (string, error) {
			var old string
			hadOld, err := m.Put(ctx, i, val, &old)
			if err != nil || !hadOld {
				return "no old value", err
			}
			return fmt.Sprintf("old '%v'", old), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown -op '%v'", op)
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
