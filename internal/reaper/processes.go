package reaper

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// osProcesses reads the real process table via gopsutil.
type osProcesses struct{}

var _ Processes = osProcesses{}

// OSProcesses returns the production process table.
func OSProcesses() Processes { return osProcesses{} }

func (osProcesses) List(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		// Processes can exit between enumeration and inspection;
		// skip the ones that do.
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(cmdline) == 0 {
			continue
		}
		info := ProcessInfo{PID: int(p.Pid), Cmdline: cmdline}
		if created, err := p.CreateTimeWithContext(ctx); err == nil {
			info.StartedAt = time.UnixMilli(created)
		}
		out = append(out, info)
	}
	return out, nil
}

func (osProcesses) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}
