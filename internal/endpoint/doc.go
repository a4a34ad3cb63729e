// Package endpoint models Windows audio endpoints: enumeration, default
// resolution, volume/mute control and the opaque handle table that keeps
// native object ownership on the apartment thread.
package endpoint
