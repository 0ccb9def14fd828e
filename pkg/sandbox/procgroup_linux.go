package sandbox

import "syscall"

// setParentDeathSignal kills the worker when the gateway process dies, so
// a crashed gateway never leaves orphaned workers behind.
func setParentDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
