// Package auth provides credential verification and session tokens for
// atelier-gateway.
//
// # Login Flow
//
// A tenant submits (tenant id, secret) to the gateway. The Authenticator
// compares the secret against the stored bcrypt hash; when the tenant does
// not exist a dummy hash is compared instead, so response timing does not
// reveal which tenant ids are real. Repeated failures for a tenant id within
// a sliding window short-circuit to a rate-limited outcome without touching
// the store.
//
// # Session Tokens
//
// On success the Issuer mints a short-lived HS256 token carrying the tenant
// id (sub), expiry (exp), and a uuid nonce (jti). The proxy verifies tokens
// statelessly on every routed request: the signature covers all claims, so
// altering the tenant id, expiry, or nonce is detected without any store
// lookup. Expired, malformed, and forged tokens map to distinct sentinel
// errors; the HTTP surface answers all of them with the same 403.
//
// The raw secret never appears in a redirect URL; only the signed, expiring
// token does.
package auth
