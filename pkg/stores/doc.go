// Package stores persists script run history in SQLite. It records runs,
// their executed steps and telemetry events, and provides a Recorder that
// fills the store from engine notifications.
package stores
