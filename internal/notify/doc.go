// Package notify bridges native change callbacks into ordered, awaitable
// event streams. Callbacks push immutable event records into per-subscriber
// queues; consumers never see the native callback object or its thread.
package notify
