package main

import (
	"os"
	"testing"
)

// When GO_WANT_HELPER_PROCESS is set the test binary stands in for the
// ipcbench binary, so --spawn can start real child ranks.
func TestMain(m *testing.M) {
	switch os.Getenv("GO_WANT_HELPER_PROCESS") {
	case "1":
		main()
		os.Exit(0)
	case "fail":
		if os.Getenv("IPCBENCH_RANK") != "" {
			os.Exit(ErrorCodes["run"])
		}
	}
	os.Exit(m.Run())
}
