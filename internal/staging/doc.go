// Package staging implements a pool of pinned host buffers used as
// intermediaries for asynchronous host/device copies.
//
// A buffer handed out by Acquire stays reserved until Release is called with
// the Lease that Acquire returned. Callers must only release once the driver
// has reported that the copy using the buffer finished, either through a
// stream callback or a stream synchronize. Each buffer carries a generation
// counter and an in-flight flag so double releases, stale leases and
// releases of buffers with a copy still pending are reported as
// *ProtocolViolation instead of silently corrupting in-flight data.
//
// Acquire is first-fit in allocation order. The pool grows on demand and
// never shrinks; memory goes back to the driver only in Close, which the
// owning stream context calls on teardown.
package staging
