// Package study models executable study requests. A Spec carries the id,
// kind, and bound parameters the daemon reasons about, plus the untouched
// YAML document whose step graph belongs to the external conductor.
package study
