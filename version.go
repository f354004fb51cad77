package cpclient

import (
	"fmt"
	"os"
	"runtime/debug"
)

// set at link time with -ldflags "-X github.com/glycerine/cpclient.GitCommit=..."
var GitCommit string
var GitTag string

// CodeVersion describes the running binary, preferring
// the link-time stamps and falling back to the vcs
// settings the go tool embeds.
func CodeVersion(programName string) string {
	commit, tag := GitCommit, GitTag
	goVersion := "unknown"
	modified := ""
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
		if tag == "" {
			tag = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.modified":
				if s.Value == "true" {
					modified = " (modified)"
				}
			}
		}
	}
	return fmt.Sprintf("%s commit: %s%s / tag: %s / go version: %s",
		programName, commit, modified, tag, goVersion)
}

// ExitIfVersionRequested prints CodeVersion and exits
// when -version is among the command line arguments.
func ExitIfVersionRequested() {
	for _, a := range os.Args[1:] {
		if a == "-version" || a == "--version" {
			fmt.Fprintf(os.Stderr, "%s\n", CodeVersion(os.Args[0]))
			os.Exit(0)
		}
	}
}
