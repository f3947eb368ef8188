// Package store provides persistence for atelier-gateway.
//
// # Entities
//
//   - Tenant: account identity with a bcrypt secret hash, an embedding
//     opt-in flag, and a status (active or suspended). Tenants are created
//     at onboarding and never deleted while sessions exist.
//   - CertificateRecord: per-domain TLS expiry and renewal state, mutated
//     only by the certificate manager.
//
// # Implementation
//
// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no cgo).
// The schema is created on open, WAL mode is enabled for concurrent reads,
// and ":memory:" is supported for tests.
//
// Backend instance state is deliberately not persisted here: the instance
// registry is authoritative for live process state, which does not survive
// a gateway restart anyway.
package store
