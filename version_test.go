package cpclient

import (
	"strings"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test003_code_version_names_the_program(t *testing.T) {

	cv.Convey("CodeVersion leads with the program name and prefers link-time stamps", t, func() {
		GitCommit = "abc123"
		defer func() { GitCommit = "" }()
		v := CodeVersion("cpsrv")
		cv.So(strings.HasPrefix(v, "cpsrv commit: abc123"), cv.ShouldBeTrue)
		cv.So(v, cv.ShouldContainSubstring, "go version: go")
	})
}
