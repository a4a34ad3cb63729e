//go:build !windows

package apartment

// currentThreadID is only meaningful on Windows, where the apartment model
// exists. Elsewhere the loop still runs (against a fake backend in tests)
// but there is no native thread identity worth reporting.
func currentThreadID() uint64 {
	return 0
}
