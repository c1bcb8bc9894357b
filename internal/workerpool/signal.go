package workerpool

import (
	"os"
	"syscall"
)

// terminateSignal is the signal sent for a graceful worker shutdown request,
// matching the SIGTERM used elsewhere in this codebase for process teardown.
func terminateSignal() os.Signal {
	return syscall.SIGTERM
}
