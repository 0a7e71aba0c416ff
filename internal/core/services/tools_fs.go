package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// maxReadBytes caps a whole-file read by the code tool.
const maxReadBytes = 64 << 10

// ensurePathIsSafe strictly validates that the requested path is within the sources root.
func ensurePathIsSafe(root, requestedPath string) (string, error) {
	cleanRoot := filepath.Clean(root)
	cleanPath := filepath.Clean(filepath.Join(cleanRoot, requestedPath))

	if cleanPath != cleanRoot && !strings.HasPrefix(cleanPath, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("security violation: path %q is outside the sources root", requestedPath)
	}
	return cleanPath, nil
}

// NewCodeTool creates the code retrieval tool over the platform sources.
// Input "path:<file>" reads one file, "ls:<dir>" lists a directory, anything
// else is a keyword search over the indexed chunks.
func NewCodeTool(idx *KnowledgeIndex, root string, topK int) *domain.Tool {
	return &domain.Tool{
		Name:        ToolCode,
		Description: "Looks up the Quick Loan platform source code (Spring Boot backend, React frontend). Searches by keywords or reads a file.",
		InputHint:   "keywords, or path:<relative file>, or ls:<relative dir>",
		Kind:        domain.ToolKindRetrieval,
		Execute: func(ctx context.Context, input string) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			input = strings.TrimSpace(input)
			switch {
			case strings.HasPrefix(input, "path:"):
				return readSourceFile(root, strings.TrimSpace(strings.TrimPrefix(input, "path:")))
			case strings.HasPrefix(input, "ls:"):
				return listSourceDir(root, strings.TrimSpace(strings.TrimPrefix(input, "ls:")))
			case input == "":
				return "", fmt.Errorf("search input is empty")
			}

			hits := idx.Search(input, topK)
			if len(hits) == 0 {
				return "No matching source code found.", nil
			}
			return FormatChunks(hits), nil
		},
	}
}

func readSourceFile(root, path string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("sources root is not configured")
	}
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	safePath, err := ensurePathIsSafe(root, path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(safePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return listSourceDir(root, path)
	}

	content, err := os.ReadFile(safePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if len(content) > maxReadBytes {
		return domain.ClipHead(string(content), maxReadBytes) + fmt.Sprintf("\n... (truncated, %d bytes total)", len(content)), nil
	}
	return string(content), nil
}

func listSourceDir(root, path string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("sources root is not configured")
	}
	targetPath := path
	if targetPath == "" {
		targetPath = "."
	}

	safePath, err := ensurePathIsSafe(root, targetPath)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(safePath)
	if err != nil {
		return "", fmt.Errorf("failed to list directory: %w", err)
	}

	var results []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		suffix := ""
		if e.IsDir() {
			suffix = "/"
		}
		results = append(results, e.Name()+suffix)
	}

	if len(results) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(results, "\n"), nil
}
