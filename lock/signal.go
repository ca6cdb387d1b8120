package lock

import "syscall"

// syscallSignalZero is the POSIX "signal 0" used purely to probe whether a
// PID refers to a live process, without actually sending a signal.
var syscallSignalZero = syscall.Signal(0)
