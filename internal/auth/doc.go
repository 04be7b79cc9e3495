// Package auth provides token verification for the router's HTTP surfaces.
//
// Two credential types: a static share key carried in the ?s= query
// parameter (how a shared router URL encodes access), and HS256 JWTs for
// the CLI's control-plane calls. Middleware wraps control API handlers;
// the MCP endpoint does its own check so it can answer in JSON-RPC.
package auth
