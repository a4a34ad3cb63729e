// Package fault defines the error taxonomy surfaced by the audio bridge.
package fault
