package rpcnet

import (
	"fmt"
	"path"
	"runtime"
	"sync"
	"time"

	"4d63.com/tz"
)

var verbose bool = false

var gtz *time.Location

func init() {
	var err error
	gtz, err = tz.LoadLocation("UTC")
	panicOn(err)
}

func pp(format string, a ...interface{}) {
	if verbose {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

var tsPrintfMut sync.Mutex

func tsPrintf(format string, a ...interface{}) {
	tsPrintfMut.Lock()
	_, fileName, line, _ := runtime.Caller(2)
	fmt.Printf("\n%s:%d %s ", path.Base(fileName), line, time.Now().In(gtz).Format("2006-01-02T15:04:05.000000000-07:00"))
	fmt.Printf(format+"\n", a...)
	tsPrintfMut.Unlock()
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
