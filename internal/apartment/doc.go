// Package apartment runs a dedicated OS thread that owns every native audio
// object for the lifetime of the process. Work reaches the thread only as
// submitted closures; results come back through one-shot futures.
package apartment
