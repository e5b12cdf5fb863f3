package service

import (
	"errors"
	"math"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// terminateTree sends SIGTERM to pid and every descendant found at the time
// of the call. Processes which are already gone are not an error.
func terminateTree(pid int) error {
	if pid <= 0 || pid > math.MaxInt32 {
		return nil
	}
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		if gone(err) {
			return nil
		}
		return err
	}

	tree := append([]*process.Process{root}, descendants(root)...)
	var errs []error
	for _, p := range tree {
		if err := p.Terminate(); err != nil && !gone(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	out := children
	for _, c := range children {
		out = append(out, descendants(c)...)
	}
	return out
}

func gone(err error) bool {
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return true
	}
	// exited between lookup and signal
	return errors.Is(err, os.ErrProcessDone)
}
