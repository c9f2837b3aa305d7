// Package main hosts the creativepipe operator CLI.
//
// Campaign briefs are submitted through the daemon's HTTP gateway. Reads
// (campaign listings, progress, dead letters) go straight to the configured
// store so they keep working while the gateway is down.
package main
