package metrics

import "os"

// ProcessPID returns the current process id for gopsutil process lookups.
func ProcessPID() int {
	return os.Getpid()
}
