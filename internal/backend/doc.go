// Package backend manages the backend pools of the data plane.
//
// A Registry is the pool of one route: the set of backend addresses with
// their health and in-flight connection counts, guarded by a single
// mutex. Selection (round-robin, random, least-connections) and removal
// run in the same critical section, so a selected address is always
// present at the instant it is returned.
//
//	pool := backend.NewRegistry("api")
//	pool.AddBackend(backend.Address{Host: "10.0.0.1", Port: 80})
//	addr, err := pool.SelectRoundRobin()
//
// Backends enter a pool with Unknown health and are selectable until the
// HealthChecker marks them Unhealthy. The HealthChecker never removes a
// backend; only cluster events do.
package backend
