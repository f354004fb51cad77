package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof" // for web based profiling while running

	"github.com/glycerine/cpclient"
	"github.com/glycerine/cpclient/cpsim"
	"github.com/glycerine/cpclient/rpcnet"
	"github.com/glycerine/ipaddr"
)

var srv *rpcnet.Server

func noticeControlC() {
	t0 := time.Now()
	sigChan := make(chan os.Signal, 1)
	go func() {
		for _ = range sigChan {
			n := int64(0)
			if srv != nil {
				n = srv.Calls()
			}
			elap := time.Since(t0)
			if n > 0 {
				fmt.Printf("\n\ncpsrv elapsed: %v for calls seen: %v  => %v calls/second.\n", elap, n, float64(n)/elap.Seconds())
			}
			os.Exit(0)
		}
	}()
	signal.Notify(sigChan, syscall.SIGINT)
}

func main() {
	cpclient.ExitIfVersionRequested()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	noticeControlC()

	hostIP := ipaddr.GetExternalIP() // e.g. 100.x.x.x

	var addr = flag.String("s", "0.0.0.0:8443", "server address to bind and listen on")
	var tcp = flag.Bool("tcp", false, "use TCP instead of the default TLS")
	var members = flag.Int("members", 3, "number of simulated CP members")
	var ttl = flag.Duration("ttl", 10*time.Second, "CP session time-to-live")
	var hb = flag.Duration("hb", time.Second, "heartbeat interval suggested to clients")
	var reentrancy = flag.Int64("reentrancy", 0, "FencedLock reentrancy limit; 0 means unlimited, 1 means non-reentrant")
	var jdk = flag.Bool("jdk", false, "make every semaphore JDK compatible (session-less)")
	var nohint = flag.Bool("nohint", false, "do not name the leader in NOT_LEADER replies")
	var rotate = flag.Duration("rotate", 0, "if > 0, move the DEFAULT group leader this often, to exercise client re-routing")
	var silent = flag.Bool("silent", false, "with -rotate, do not announce leader moves to topology subscribers")
	var profile = flag.String("prof", "", "host:port to start web profiler on. host can be empty for all localhost interfaces")
	var seconds = flag.Int("sec", 0, "run for this many seconds")
	var verbose = flag.Bool("v", false, "verbose logging")

	flag.Parse()

	if *profile != "" {
		fmt.Printf("webprofile starting at '%v'...\n", *profile)
		go func() {
			http.ListenAndServe(*profile, nil)
		}()
	}

	ccfg := cpsim.NewConfig()
	ccfg.Members = *members
	ccfg.SessionTTL = *ttl
	ccfg.HeartbeatInterval = *hb
	ccfg.LockReentrancyLimit = *reentrancy
	ccfg.AllSemaphoresJDKCompatible = *jdk
	ccfg.HintLeader = !*nohint
	ccfg.Verbose = *verbose

	cluster := cpsim.NewCluster(ccfg)
	defer cluster.Close()

	srv = rpcnet.NewServer("cpsrv", cluster, &rpcnet.ServerConfig{
		ServerAddr:     *addr,
		TCPonly_no_TLS: *tcp,
	})
	defer srv.Close()

	serverAddr, err := srv.Start()
	if err != nil {
		panic(fmt.Sprintf("could not start cpsrv on '%v'; err='%v'", *addr, err))
	}
	log.Printf("cpsrv serving %v simulated CP members at '%v' (external ip '%v')", *members, serverAddr, hostIP)

	if *rotate > 0 {
		go func() {
			for {
				time.Sleep(*rotate)
				next := cluster.NextMember(cpclient.DefaultGroupName)
				err := cluster.SetLeader(cpclient.DefaultGroupName, next, !*silent)
				if err != nil {
					log.Printf("leader rotation stopped: %v", err)
					return
				}
				log.Printf("DEFAULT group leader is now '%v' (announced=%v)", next, !*silent)
			}
		}()
	}

	if *seconds > 0 {
		t0 := time.Now()
		<-time.After(time.Second * time.Duration(*seconds))
		n := srv.Calls()
		elap := time.Since(t0)
		if n > 0 {
			fmt.Printf("\n\ncpsrv %v for calls seen: %v  => %v calls/second.\n", elap, n, float64(n)/elap.Seconds())
		}
	} else {
		select {}
	}
}
