// Package server exposes the audio endpoint bridge over HTTP: a small
// JSON API for enumeration and volume control, a server-sent event stream
// for change notifications, and the usual health, stats, config and
// Prometheus metrics endpoints.
package server
