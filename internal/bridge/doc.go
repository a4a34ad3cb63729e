// Package bridge is the async facade over the native audio endpoint
// backend. Every native call is marshalled onto the single apartment
// thread; callers get context-aware methods, opaque endpoint handles and
// taxonomy errors instead of interface pointers and HRESULTs.
package bridge
