// Package hook implements the notification boundary (C7): a thin wrapper
// around an external script invoked, fire-and-forget, at every session
// termination.
package hook

import (
	"log"
	"os/exec"
)

// Runner invokes the configured notification script. A zero-value Runner
// (empty Path) is a no-op, matching the CLI's optional -i flag.
type Runner struct {
	Path string
}

// Run starts the hook script with positional arguments
// (reason, ip, hostname, infofile, corefile) and does not wait for it to
// exit; the hook's exit status never affects the daemon. Failure to even
// start the process is logged, nothing more.
func (r Runner) Run(reason, ip, hostname, infoPath, corePath string) {
	if r.Path == "" {
		return
	}

	cmd := exec.Command(r.Path, reason, ip, hostname, infoPath, corePath)
	if err := cmd.Start(); err != nil {
		log.Printf("hook: failed to start %s: %v", r.Path, err)
		return
	}

	// Reap the child without blocking the caller on its exit status.
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("hook: %s exited with error: %v", r.Path, err)
		}
	}()
}
