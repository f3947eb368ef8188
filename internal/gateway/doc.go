// Package gateway wires the session gateway together and runs it.
//
// New builds the component graph from configuration: sqlite-backed tenant
// store, authenticator and token issuer, instance registry, lifecycle
// manager, proxy router and (when configured) the TLS certificate manager.
// Run serves HTTP or HTTPS until the context is canceled, then shuts down
// in order: stop accepting traffic, drain and terminate backends, close the
// store.
package gateway
