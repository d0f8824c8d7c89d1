// Package server hosts the Fiber HTTP gateway and the request middleware chain
// that turns an inbound Host header and request URI into an upstream Target.
// It only classifies requests; answering them is delegated to a ProxyHandler,
// which keeps the package free of cache and network concerns. Diagnostics
// endpoints live under the reserved /-/ prefix and are registered by the
// routes subpackage.
package server
