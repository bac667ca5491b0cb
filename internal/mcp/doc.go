// Package mcp is the client side of the Model Context Protocol: JSON-RPC
// 2.0 over a subprocess's stdio, a newline-delimited TCP stream, or
// streamable HTTP. A Client performs the initialize handshake, lists a
// server's tools, and invokes them.
//
// Connection caching, staleness and cooldown are not handled here; see
// package toolcache.
package mcp
