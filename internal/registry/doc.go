// Package registry holds the authoritative state of per-tenant backend
// instances.
//
// # State Machine
//
// A tenant with no entry is unprovisioned. Acquire creates a Provisioning
// entry (allocating a unique port from the reserved range under the same
// lock) and designates exactly one caller as the provisioner; everyone else
// waits on the entry via WaitReady and observes the single outcome. From
// there:
//
//	Provisioning -> Running   (health confirmed within the timeout)
//	Provisioning -> Stopped   (timeout; fatal, operator-visible)
//	Provisioning -> Stopped   (entry removed mid-flight; waiters get ErrRemoved)
//	Running      -> Degraded  (periodic health check failed)
//	Degraded     -> Running   (successful restart)
//	Degraded     -> Stopped   (restart budget exhausted)
//	Stopped      -> removed   (explicit administrative re-provision only)
//
// # Ownership
//
// The registry is the single writer of instance state. The proxy router only
// reads (Lookup); the lifecycle manager drives every transition through the
// Mark* methods. Port allocation and state transitions share one lock, which
// is the only lock in the serving path.
package registry
