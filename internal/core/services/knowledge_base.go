package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

var (
	codeExtensions     = []string{".java", ".js", ".jsx", ".ts", ".tsx", ".css", ".sql", ".properties", ".yml", ".yaml", ".xml", ".json"}
	documentExtensions = []string{".md", ".txt", ".rst", ".adoc"}
)

// KnowledgeBase is the material loaded at startup: the system overview that
// seeds every run, and the indexes behind the retrieval tools.
type KnowledgeBase struct {
	Overview  string
	Code      *KnowledgeIndex // nil when no sources dir is configured
	Documents *KnowledgeIndex // nil when no documents dir is configured
}

// LoadKnowledgeBase reads the overview and indexes the configured directories.
// Missing optional inputs are logged and skipped.
func LoadKnowledgeBase(ctx context.Context, logger *slog.Logger, cfg domain.KnowledgeConfig) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{}

	if cfg.OverviewPath != "" {
		data, err := os.ReadFile(cfg.OverviewPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("system overview not found, starting with an empty context", "path", cfg.OverviewPath)
		case err != nil:
			return nil, fmt.Errorf("read overview: %w", err)
		default:
			kb.Overview = strings.TrimSpace(string(data))
		}
	}

	opts := IndexOptions{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap}

	var err error
	if kb.Code, err = indexDir(ctx, logger, cfg.SourcesDir, codeExtensions, opts); err != nil {
		return nil, fmt.Errorf("index sources: %w", err)
	}
	if kb.Documents, err = indexDir(ctx, logger, cfg.DocumentsDir, documentExtensions, opts); err != nil {
		return nil, fmt.Errorf("index documents: %w", err)
	}
	return kb, nil
}

func indexDir(ctx context.Context, logger *slog.Logger, dir string, exts []string, opts IndexOptions) (*KnowledgeIndex, error) {
	if dir == "" {
		return nil, nil
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		logger.Warn("knowledge directory unavailable, tool disabled", "dir", dir, "error", err)
		return nil, nil
	}
	opts.Extensions = exts
	return BuildKnowledgeIndex(ctx, logger, dir, opts)
}
