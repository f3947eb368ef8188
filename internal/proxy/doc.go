// Package proxy is the gateway's client-facing HTTP surface.
//
// It exposes the login endpoint and routes /{tenant}/... traffic to the
// tenant's backend instance. Routed requests carry a short-lived session
// token which is verified statelessly; no credential check happens on the
// request hot path. The tenant path prefix is stripped before forwarding,
// protocol upgrades pass through end to end, and embedding-control headers
// on responses are rewritten according to each tenant's policy.
package proxy
