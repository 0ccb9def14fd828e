package sandbox

import "syscall"

func setParentDeathSignal(*syscall.SysProcAttr) {}
