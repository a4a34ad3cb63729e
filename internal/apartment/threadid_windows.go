//go:build windows

package apartment

import "golang.org/x/sys/windows"

// currentThreadID identifies the OS thread backing the apartment, so log
// lines can be correlated with native debugger output.
func currentThreadID() uint64 {
	return uint64(windows.GetCurrentThreadId())
}
