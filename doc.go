// Package leased provides distributed mutual-exclusion leases over
// pluggable storage backends, fenced by monotonically increasing tokens,
// with an optional chaos layer that injects configurable faults for
// resilience testing.
//
// Open assembles the full pipeline from a Config: a storage backend
// selected by store URL scheme (mem://, disk://, s3://, azure://),
// wrapped in transient-error retry, the lease provider core, structured
// logging and tracing, and, when enabled, the chaos fault decorator.
package leased
