package supervisor

import (
	"os/signal"
	"syscall"
)

// ignoreSIGPIPE ignores the broken-pipe signal process-wide so a
// disconnected helper never terminates the daemon by default, per
// spec.md §4.4's signal discipline.
func ignoreSIGPIPE() {
	signal.Ignore(syscall.SIGPIPE)
}
