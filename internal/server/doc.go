// Package server implements the core HTTP and WebSocket broker functionality for Parley.
//
// The implementation is organized into specialized files for configuration,
// the session registry, the hub, sessions, command dispatch, the idle-session
// reaper, routing, and HTTP handlers to keep the codebase maintainable and
// testable as the project grows.
package server
