// Package profile resolves profile specs into backend sets and diffs them
// against what is currently running.
//
// Resolve validates the spec and rejects duplicate aliases before anything
// starts. Compute classifies the swap work into added, removed, and kept
// backends so a hot swap only touches what changed.
package profile
