// ABOUTME: Package builtins provides the in-process tools shipped with toolgate.
// ABOUTME: Small utility tools useful for smoke-testing a deployment.

// Package builtins registers the tools that execute inside the toolgate
// process itself. They carry the "core" category so operators can disable
// them wholesale via tools.enabled_categories.
package builtins
