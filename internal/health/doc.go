// Package health provides composable probes and the HTTP handlers behind the
// liveness and readiness endpoints.
//
// Probes combine with [All]. [Ping] turns a storage
// handle into a readiness probe. [ShutdownGate] fails readiness as soon as
// shutdown starts so load balancers drain the node before in-flight file
// downloads are cut off.
package health
