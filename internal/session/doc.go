// Package session tracks client sessions on the MCP endpoint.
//
// Each session owns its pending-request table and resource subscriptions.
// Deleting a session cancels its in-flight backend calls so nothing leaks
// when a client disappears mid-request.
package session
