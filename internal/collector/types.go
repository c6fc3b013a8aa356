package collector

// ProcessRecord is one live process at sampling time.
type ProcessRecord struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	Owner         string  `json:"owner"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"` // 0 on the first sample of a pid
}

// SystemSummary holds machine-wide memory and CPU state for one poll.
type SystemSummary struct {
	TotalMemoryBytes uint64  `json:"total_memory_bytes"`
	UsedMemoryBytes  uint64  `json:"used_memory_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`
	CPUPercent       float64 `json:"cpu_percent"`
	PhysicalCores    int     `json:"physical_cores"`
	LogicalCores     int     `json:"logical_cores"`
}

// ProcessSnapshot is what one poll publishes. Processes are sorted by pid.
type ProcessSnapshot struct {
	Processes []ProcessRecord `json:"processes"`
	Summary   SystemSummary   `json:"summary"`
}

// SortField selects the ordering for TopBy and SortBy.
type SortField string

const (
	SortByMemory SortField = "memory_bytes"
	SortByCPU    SortField = "cpu_percent"
	SortByPID    SortField = "pid"
	SortByName   SortField = "name"
	SortByOwner  SortField = "owner"
)

// ParseSortField maps a field name to a SortField. Unknown names fall back
// to memory.
func ParseSortField(s string) SortField {
	switch SortField(s) {
	case SortByCPU, SortByPID, SortByName, SortByOwner:
		return SortField(s)
	case "cpu":
		return SortByCPU
	case "memory", "mem":
		return SortByMemory
	default:
		return SortByMemory
	}
}
