// Package certs manages the gateway's TLS certificate lifecycle.
//
// The manager serves the loaded certificate through tls.Config's
// GetCertificate hook so renewals swap in atomically. A background schedule
// renews once remaining validity drops below a threshold; renewal failures
// keep the previous certificate in service and escalate to operator-visible
// logs rather than interrupting traffic.
package certs
