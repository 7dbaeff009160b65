// Package health serves the liveness, readiness and health endpoints of
// the admin server.
//
// Readiness fails while the process drains or while a critical check
// fails, such as an ingress source that has not completed its first list.
// Non-critical checks, such as routes without a selectable backend,
// degrade the health report without failing readiness.
package health
