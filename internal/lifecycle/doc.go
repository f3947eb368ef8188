// Package lifecycle supervises per-tenant backend workspace processes.
//
// # Provisioning
//
// Ensure provisions on demand: the registry's per-tenant gate guarantees a
// single provisioning sequence no matter how many routing requests race, and
// every waiter observes the one outcome. A sequence starts the backend via
// the Runner, then polls its health endpoint until the first healthy
// response or the provisioning timeout; timeout is fatal and leaves the
// instance Stopped for an operator.
//
// # Supervision
//
// Each running instance gets a periodic, cancellable health loop. A failed
// probe degrades the instance and triggers restarts with exponential
// backoff (base doubling per attempt, capped); once attempts exceed the
// configured budget the instance is stopped fatally rather than retried
// forever. Recovery resets the consecutive attempt count.
//
// # Deprovisioning
//
// Deprovision cancels the health loop, drains in-flight proxied connections
// up to the drain timeout, terminates the process (SIGTERM, then SIGKILL),
// and releases the port. Shutdown does the same for every tenant.
//
// A Stopped instance is only revived through the explicit Provision call;
// routed traffic never resurrects it.
package lifecycle
