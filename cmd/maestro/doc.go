// Package main hosts the Maestro CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into HTTP
// calls against the daemon's control API: job submission, status and
// candidate review, selection, cancellation, and configuration scaffolding.
// It centralizes configuration resolution and API client construction so
// subcommands can focus on user experience instead of wiring.
package main
