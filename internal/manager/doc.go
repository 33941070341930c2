// Package manager implements the supervision core described by
// manager.go: server lifecycle, restart policy, and the composed
// resilient call path each server exposes to the capability router.
package manager
