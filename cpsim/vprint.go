package cpsim

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

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

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
	fmt.Printf("\n%s %s ", fileLine(3), time.Now().In(gtz).Format(rfc3339NanoNumericTZ0pad))
	fmt.Printf(format+"\n", a...)
	tsPrintfMut.Unlock()
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	}
	return s
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

func panicf(format string, a ...interface{}) {
	panic(fmt.Sprintf(format, a...))
}
