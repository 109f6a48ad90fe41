//go:build windows

package store

import (
	"golang.org/x/sys/windows"
)

// isProcessLive opens the process with minimal rights; success means it is
// still running. Windows has no signal-0 equivalent, so this is the
// closest portable liveness probe.
func isProcessLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}
