// ABOUTME: Package tools holds the registry of invokable tools.
// ABOUTME: Lookup is copy-on-write so reads never observe partial removals.

// Package tools implements the tool registry: named, schema-described
// asynchronous operations that clients invoke through the protocol. Tool
// names are unique per registry; category is metadata used only for
// visibility toggling. Disabled tools are indistinguishable from
// unregistered ones to callers.
package tools
