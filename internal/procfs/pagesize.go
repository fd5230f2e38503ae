package procfs

import "os"

// pageSize isolates the one stdlib syscall call so sysinfo.go stays
// organized by concern (ticks/cpu/uptime vs. page size).
func pageSize() int {
	return os.Getpagesize()
}
