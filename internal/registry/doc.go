// Package registry defines the server definitions and profile specs the
// control plane hands to the router.
//
// Definitions are immutable snapshots: the CLI resolves profile membership
// from its own configuration and sends the complete spec with each activate
// call, so the router process never reads registry files itself.
package registry
