// Package router maps request paths to backend pools.
//
// A Table holds routes in registration order. Match picks the route with
// the longest prefix that matches the path on a segment boundary; among
// routes registered with the same prefix the first one wins. Routes are
// created at startup and never removed; their pools gain and lose
// backends as cluster events arrive.
//
//	table, err := router.FromConfig(cfg)
//	route, err := table.Match("/api/v1/users")
//	addr, err := route.Balancer.Select(route.Pool)
package router
