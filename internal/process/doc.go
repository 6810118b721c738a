// Package process runs external programs to completion under a deadline.
//
// Each program runs in its own process group. When the deadline passes
// the whole group receives SIGTERM, and SIGKILL follows if it has not
// exited within the grace period, so helpers spawned by a script do not
// outlive it.
//
// Example usage:
//
//	runner := process.NewRunner()
//	res, err := runner.Run(ctx, process.Spec{
//	    Name:        "transfer",
//	    Binary:      "./scripts/transfer.sh",
//	    Env:         []string{"GADGET_TRANSFER_FILE=a.prg"},
//	    Timeout:     120 * time.Second,
//	    GracePeriod: 5 * time.Second,
//	})
//	if errors.Is(err, process.ErrTimeout) {
//	    // deadline passed, group was terminated
//	}
package process
