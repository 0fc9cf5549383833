// Package async provides panic-safe goroutine helpers used to run
// commit reactions (derived-state recomputation, notification fan-out)
// off the mutation path. A reaction failure is logged and left for the
// reconciliation sweep; it never propagates to the mutation's caller.
package async
