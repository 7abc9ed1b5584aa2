// Package realtime keeps one live change subscription per watched resource
// and turns their change notifications into bus events.
//
// A Registry opens the subscriptions on Initialize, recreates any that fail
// according to its ReconnectPolicy, and releases them all on Cleanup.
// AuthBridge and NetworkBridge drive those operations from auth and
// reachability transitions, and Watch ties a cached query to the bus so it
// is refetched after its resource changes.
package realtime
