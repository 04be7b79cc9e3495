// Package store persists router history in SQLite.
//
// Two tables: events (profile swaps, backend lifecycle transitions) and
// calls (the per-request usage log). Both are append-mostly and pruned on a
// retention window. The daemon reads them back for the status and usage
// endpoints.
package store
