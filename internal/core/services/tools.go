package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/ports"
)

// Registered tool names.
const (
	ToolDatabase       = "database"
	ToolSchema         = "schema"
	ToolCode           = "code"
	ToolDocuments      = "documents"
	ToolPlatformStatus = "platform_status"
	ToolUser           = "user"
)

// ToolDeps holds the collaborators behind the built-in tools. Nil fields
// leave the corresponding tool unregistered.
type ToolDeps struct {
	Store      ports.LoanStore
	SchemaPath string // optional schema file, used when Store is nil or has no DDL
	Code       *KnowledgeIndex
	CodeRoot   string
	Documents  *KnowledgeIndex
	Platform   ports.PlatformInspector
	TopK       int

	// UserIn/UserOut enable the interactive user tool (CLI only).
	UserIn  LineSource
	UserOut io.Writer
}

// BuildToolRegistry registers every tool whose collaborator is configured.
func BuildToolRegistry(deps ToolDeps) (*domain.ToolRegistry, error) {
	reg := domain.NewToolRegistry()
	topK := deps.TopK
	if topK <= 0 {
		topK = domain.DefaultConfig().Knowledge.TopK
	}

	var tools []*domain.Tool
	if deps.Store != nil {
		tools = append(tools, NewDatabaseTool(deps.Store))
	}
	if deps.Store != nil || deps.SchemaPath != "" {
		tools = append(tools, NewSchemaTool(deps.Store, deps.SchemaPath))
	}
	if deps.Code != nil {
		tools = append(tools, NewCodeTool(deps.Code, deps.CodeRoot, topK))
	}
	if deps.Documents != nil {
		tools = append(tools, NewDocumentsTool(deps.Documents, topK))
	}
	if deps.Platform != nil {
		tools = append(tools, NewPlatformStatusTool(deps.Platform))
	}
	if deps.UserIn != nil && deps.UserOut != nil {
		tools = append(tools, NewUserTool(deps.UserIn, deps.UserOut))
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", t.Name, err)
		}
	}
	return reg, nil
}

// NewDocumentsTool creates the documents retrieval tool
func NewDocumentsTool(idx *KnowledgeIndex, topK int) *domain.Tool {
	return &domain.Tool{
		Name:        ToolDocuments,
		Description: "Searches the platform documentation (guides, policies, processes) and returns the most relevant passages.",
		InputHint:   "keywords or a question about the documentation",
		Kind:        domain.ToolKindRetrieval,
		Execute: func(ctx context.Context, input string) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if strings.TrimSpace(input) == "" {
				return "", errors.New("search input is empty")
			}
			hits := idx.Search(input, topK)
			if len(hits) == 0 {
				return "No relevant documents found.", nil
			}
			return FormatChunks(hits), nil
		},
	}
}

// NewPlatformStatusTool creates the tool that reports the platform's containers
func NewPlatformStatusTool(inspector ports.PlatformInspector) *domain.Tool {
	return &domain.Tool{
		Name:        ToolPlatformStatus,
		Description: "Reports which Quick Loan services are running, with image, state and uptime.",
		InputHint:   "a service name to filter on, or anything else for all services",
		Kind:        domain.ToolKindOps,
		Execute: func(ctx context.Context, input string) (string, error) {
			filter := serviceFilter(input)
			services, err := inspector.ListServices(ctx, filter)
			if err != nil {
				return "", fmt.Errorf("list services: %w", err)
			}
			if len(services) == 0 && filter != "" {
				// the filter came from free text; fall back to everything
				services, err = inspector.ListServices(ctx, "")
				if err != nil {
					return "", fmt.Errorf("list services: %w", err)
				}
			}
			if len(services) == 0 {
				return "No platform services found.", nil
			}

			var sb strings.Builder
			for _, s := range services {
				fmt.Fprintf(&sb, "- %s: %s (%s), image %s", s.Name, s.Status, s.State, s.Image)
				if !s.CreatedAt.IsZero() {
					fmt.Fprintf(&sb, ", up %s", time.Since(s.CreatedAt).Round(time.Second))
				}
				sb.WriteByte('\n')
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}

// serviceFilter keeps single-word inputs as a name filter; questions list everything.
func serviceFilter(input string) string {
	input = strings.TrimSpace(input)
	if input == "" || strings.ContainsAny(input, " ?") {
		return ""
	}
	return strings.ToLower(input)
}

// userReplyTimeout bounds the wait for a human; the run's own duration
// budget still applies.
const userReplyTimeout = 5 * time.Minute

// NewUserTool creates the human clarification tool: it prints the question
// and reads one line from in.
func NewUserTool(in LineSource, out io.Writer) *domain.Tool {
	return &domain.Tool{
		Name:        ToolUser,
		Description: "Asks the person at the terminal a question and returns their reply.",
		InputHint:   "the question to ask",
		Kind:        domain.ToolKindHuman,
		Timeout:     userReplyTimeout,
		Execute: func(ctx context.Context, input string) (string, error) {
			if _, err := fmt.Fprintf(out, "\n[question] %s\n> ", strings.TrimSpace(input)); err != nil {
				return "", err
			}
			line, err := in.ReadLine(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", fmt.Errorf("read reply: %w", err)
			}
			reply := strings.TrimSpace(line)
			if reply == "" {
				return "The user did not answer.", nil
			}
			return reply, nil
		},
	}
}
