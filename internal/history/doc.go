// Package history stores the shared record of every study a workflow has
// requested. Two backends implement the same Store contract: a flock-guarded
// YAML file that multiple daemons on a shared filesystem can append to, and a
// SQLite database for heavier workloads. Appends are idempotent for identical
// content and conflict otherwise, so concurrent daemons can safely race on
// the same request id.
package history
