// Package notifications delivers job events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. The Service interface covers the job milestones the workflow
// manager reports: completion, permanent failure, and pending human
// selections.
//
// Extend this package if you need alternative transports; all workflow code
// depends only on the simple Service interface.
package notifications
