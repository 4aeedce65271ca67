// Package mcp exposes the expertise knowledge base to agents as MCP tools.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the knowledge service directly. It registers tools to prime a
// session with budgeted expertise, search records, author and validate
// records, and list, detect and resolve contradictions. Content authored
// through expertise_record is scrubbed for secrets before it is stored.
//
// Run serves the stdio transport. Logs must go to stderr because stdout
// carries the protocol.
package mcp
