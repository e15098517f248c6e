package health

import (
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// resourceSampler samples CPU and memory for supervised PIDs. Handles are
// cached per PID because gopsutil computes CPU percent from the delta since
// the previous call on the same handle; a fresh handle every tick would
// report a meaningless since-boot average.
type resourceSampler struct {
	mu    sync.Mutex
	procs map[int32]*gopsproc.Process
}

func (r *resourceSampler) handle(pid int) (*gopsproc.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.procs == nil {
		r.procs = make(map[int32]*gopsproc.Process)
	}
	if p, ok := r.procs[int32(pid)]; ok {
		return p, nil
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	r.procs[int32(pid)] = p
	return p, nil
}

func (r *resourceSampler) forget(pid int) {
	r.mu.Lock()
	delete(r.procs, int32(pid))
	r.mu.Unlock()
}

func (r *resourceSampler) sample(pid int) (cpuPercent, memMB float64, err error) {
	p, err := r.handle(pid)
	if err != nil {
		return 0, 0, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		r.forget(pid)
		return 0, 0, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		r.forget(pid)
		return 0, 0, err
	}
	return cpu, float64(mi.RSS) / (1024 * 1024), nil
}
