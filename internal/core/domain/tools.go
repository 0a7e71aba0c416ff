package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ToolKind groups tools by the collaborator they front.
type ToolKind string

const (
	ToolKindRetrieval ToolKind = "retrieval" // code / document lookup
	ToolKindDatabase  ToolKind = "database"  // SQL against the loan data set
	ToolKindHuman     ToolKind = "human"     // asks the person at the terminal
	ToolKindOps       ToolKind = "ops"       // runtime status of the platform
)

// ToolExecutor is the single contract every tool implements: text in, text out.
type ToolExecutor func(ctx context.Context, input string) (string, error)

// Tool is a named capability the controller can invoke.
type Tool struct {
	Name        string
	Description string
	InputHint   string // what the input string should contain
	Kind        ToolKind
	Execute     ToolExecutor
	// Timeout replaces the controller's per-call tool timeout when set.
	Timeout time.Duration
}

// ToolRegistry is a fixed mapping from tool name to capability.
// Registration happens at startup; lookups are safe for concurrent sessions.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewToolRegistry creates a new empty registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*Tool),
	}
}

// NormalizeToolName is the canonical form used for registration and lookup.
func NormalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a tool to the registry
func (r *ToolRegistry) Register(tool *Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := NormalizeToolName(tool.Name)
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %q has no executor", name)
	}
	tool.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Invoke runs a registered tool. Unknown names fail with *UnknownToolError;
// failures of the tool itself are wrapped in *ToolExecutionError.
// The registry never retries.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, input string) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", &UnknownToolError{Name: name}
	}

	out, err := tool.Execute(ctx, input)
	if err != nil {
		return "", &ToolExecutionError{Tool: tool.Name, Input: input, Err: err}
	}
	return out, nil
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Get returns a tool by name
func (r *ToolRegistry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[NormalizeToolName(name)]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *ToolRegistry) List() []*Tool {
	r.mu.RLock()
	tools := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Names returns the sorted tool names.
func (r *ToolRegistry) Names() []string {
	tools := r.List()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// FormatForPrompt generates a compact description of the tools for a model prompt:
// name [kind]: description | input: hint
func (r *ToolRegistry) FormatForPrompt() string {
	var sb strings.Builder
	sb.WriteString("Available Tools:\n")
	for _, tool := range r.List() {
		fmt.Fprintf(&sb, "- %s [%s]: %s", tool.Name, tool.Kind, tool.Description)
		if tool.InputHint != "" {
			sb.WriteString(" | input: ")
			sb.WriteString(tool.InputHint)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Without returns a new registry that excludes the given kinds.
// The new registry shares Tool pointers with the original.
func (r *ToolRegistry) Without(kinds ...ToolKind) *ToolRegistry {
	skip := make(map[ToolKind]struct{}, len(kinds))
	for _, k := range kinds {
		skip[k] = struct{}{}
	}
	filtered := NewToolRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, tool := range r.tools {
		if _, ok := skip[tool.Kind]; !ok {
			filtered.tools[name] = tool
		}
	}
	return filtered
}
