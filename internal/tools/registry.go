// ABOUTME: Thread-safe registry mapping tool names to descriptors and handlers.
// ABOUTME: Handles registration, category visibility, and input-schema validation.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrDuplicateTool indicates a tool with the same name is already registered.
var ErrDuplicateTool = errors.New("tool already registered")

// ErrToolNotFound indicates the named tool is not registered or not visible.
var ErrToolNotFound = errors.New("tool not found")

// Caller identifies the session on whose behalf a tool is invoked.
type Caller struct {
	SessionID    string
	Capabilities []string
}

// Handler executes a tool. Input has already been validated against the
// tool's declared schema. Handlers run concurrently; they must not retain
// the input slice past the call.
type Handler func(ctx context.Context, caller Caller, input json.RawMessage) (json.RawMessage, error)

// Descriptor describes one registered tool.
type Descriptor struct {
	Name        string
	Description string
	Category    string
	InputSchema json.RawMessage
	// RequiredCapabilities restricts the tool to sessions holding all of
	// the listed capabilities. Empty means available to every session.
	RequiredCapabilities []string
	Handler              Handler
}

// entry pairs a descriptor with its compiled schema. Entries are immutable
// after registration; in-flight calls holding an entry are unaffected by a
// concurrent unregister.
type entry struct {
	desc   *Descriptor
	schema *jsonschema.Schema
}

// Registry maintains the set of registered tools.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	disabled map[string]struct{} // categories hidden from list and call
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]*entry),
		disabled: make(map[string]struct{}),
		logger:   logger.With("component", "tools"),
	}
}

// Register validates and stores a descriptor. The input schema is compiled
// once here; invalid schemas are rejected at registration time rather than
// surfacing on first call.
func (r *Registry) Register(desc *Descriptor) error {
	if desc == nil || desc.Name == "" {
		return errors.New("tool name is required")
	}
	if desc.Handler == nil {
		return fmt.Errorf("tool %q has no handler", desc.Name)
	}

	var compiled *jsonschema.Schema
	if len(desc.InputSchema) > 0 {
		sch, err := jsonschema.CompileString(desc.Name+".schema.json", string(desc.InputSchema))
		if err != nil {
			return fmt.Errorf("compiling schema for tool %q: %w", desc.Name, err)
		}
		compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
	}
	r.entries[desc.Name] = &entry{desc: desc, schema: compiled}

	r.logger.Info("tool registered",
		"tool_name", desc.Name,
		"category", desc.Category,
		"total_tools", len(r.entries),
	)
	return nil
}

// Unregister removes a tool by name. Safe to call while invocations are in
// flight: callers that already resolved the tool complete normally, and new
// lookups fail with ErrToolNotFound.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return false
	}
	delete(r.entries, name)
	r.logger.Info("tool unregistered", "tool_name", name)
	return true
}

// Get returns the descriptor for a visible tool. Tools in disabled
// categories report ErrToolNotFound, identical to unregistered names, so
// existence is not leaked.
func (r *Registry) Get(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if _, off := r.disabled[e.desc.Category]; off {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return e.desc, nil
}

// List returns the visible tools, sorted by name. When caps is non-nil,
// tools requiring capabilities the caller lacks are excluded.
func (r *Registry) List(caps []string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if _, off := r.disabled[e.desc.Category]; off {
			continue
		}
		if !hasCapabilities(caps, e.desc.RequiredCapabilities) {
			continue
		}
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnableCategory makes a category's tools visible again.
func (r *Registry) EnableCategory(category string) {
	r.mu.Lock()
	delete(r.disabled, category)
	r.mu.Unlock()
}

// DisableCategory hides a category's tools from list and call without
// removing the registrations.
func (r *Registry) DisableCategory(category string) {
	r.mu.Lock()
	r.disabled[category] = struct{}{}
	r.mu.Unlock()
}

// SetEnabledCategories restricts visibility to exactly the given categories.
// An empty list leaves every registered category enabled.
func (r *Registry) SetEnabledCategories(categories []string) {
	if len(categories) == 0 {
		return
	}
	allowed := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		allowed[c] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if _, ok := allowed[e.desc.Category]; !ok {
			r.disabled[e.desc.Category] = struct{}{}
		}
	}
}

// ValidationError describes an input-schema violation. Detail is safe to
// return to the peer in the error data field.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("input for tool %q violates schema: %s", e.Tool, e.Detail)
}

// Validate checks input against the named tool's declared schema. Tools
// registered without a schema accept any input.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if e.schema == nil {
		return nil
	}

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return &ValidationError{Tool: name, Detail: "input is not valid JSON"}
	}
	if err := e.schema.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Tool: name, Detail: ve.Error()}
		}
		return &ValidationError{Tool: name, Detail: err.Error()}
	}
	return nil
}

// hasCapabilities reports whether caller capabilities satisfy the required
// set. A nil caller set means capability gating is not in effect.
func hasCapabilities(callerCaps, required []string) bool {
	if len(required) == 0 || callerCaps == nil {
		return true
	}
	have := make(map[string]struct{}, len(callerCaps))
	for _, c := range callerCaps {
		have[c] = struct{}{}
	}
	for _, req := range required {
		if _, ok := have[req]; !ok {
			return false
		}
	}
	return true
}
