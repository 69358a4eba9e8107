package sandbox

import (
	"github.com/prometheus/procfs"
)

// procSampler reads usage of a process group from /proc.
type procSampler struct{}

func newProcSampler() sampler { return procSampler{} }

// Sample sums CPU time and resident memory over the group led by pgid.
// It fails only when the leader itself cannot be read.
func (procSampler) Sample(pgid int) (usage, error) {
	leader, err := procfs.NewProc(pgid)
	if err != nil {
		return usage{}, err
	}
	stat, err := leader.Stat()
	if err != nil {
		return usage{}, err
	}
	u := usage{CPUSeconds: stat.CPUTime(), RSSBytes: uint64(stat.ResidentMemory())}

	procs, err := procfs.AllProcs()
	if err != nil {
		return u, nil
	}
	for _, p := range procs {
		if p.PID == pgid {
			continue
		}
		st, err := p.Stat()
		if err != nil || st.PGRP != pgid {
			continue
		}
		u.CPUSeconds += st.CPUTime()
		u.RSSBytes += uint64(st.ResidentMemory())
	}
	return u, nil
}

// selfVirtualMemory returns the virtual size of the current process.
func selfVirtualMemory() (uint64, bool) {
	self, err := procfs.Self()
	if err != nil {
		return 0, false
	}
	stat, err := self.Stat()
	if err != nil {
		return 0, false
	}
	return uint64(stat.VirtualMemory()), true
}
