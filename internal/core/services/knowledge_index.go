package services

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/sync/errgroup"
)

var (
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	pythonSeparators   = []string{"\nclass ", "\ndef ", "\n\t", "\n", " ", ""}
	cStyleSeparators   = []string{"\nfunction ", "\nclass ", "\ninterface ", "\nfunc ", "\nexport ", "\n\n", "\n", " ", ""}
	markdownSeparators = []string{"\n# ", "\n## ", "\n### ", "\n#### ", "\n\n", "\n", " ", ""}
)

// Chunk is one retrievable piece of a source file.
type Chunk struct {
	Source string `json:"source"` // path relative to the index root
	Text   string `json:"text"`
}

// IndexOptions configures KnowledgeIndex construction.
type IndexOptions struct {
	Extensions   []string // lower-case, with dot; empty = all files
	ChunkSize    int
	ChunkOverlap int
	MaxFileBytes int64
	Workers      int
}

// KnowledgeIndex is an in-memory keyword index over the chunks of a directory tree.
type KnowledgeIndex struct {
	root   string
	mu     sync.RWMutex
	chunks []Chunk
}

// BuildKnowledgeIndex walks root, splits every matching file and indexes the chunks.
// Files are read and split concurrently.
func BuildKnowledgeIndex(ctx context.Context, logger *slog.Logger, root string, opts IndexOptions) (*KnowledgeIndex, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = opts.ChunkSize / 10
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 1 << 20
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "__pycache__" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesExtension(path, opts.Extensions) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	perFile := make([][]Chunk, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			chunks, err := chunkFile(root, path, opts)
			if err != nil {
				logger.Warn("skipping unreadable file", "path", path, "error", err)
				return nil
			}
			perFile[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := &KnowledgeIndex{root: root}
	for _, chunks := range perFile {
		idx.chunks = append(idx.chunks, chunks...)
	}
	logger.Info("knowledge index built", "root", root, "files", len(paths), "chunks", len(idx.chunks))
	return idx, nil
}

// NewKnowledgeIndexFromChunks builds an index from pre-split chunks.
func NewKnowledgeIndexFromChunks(root string, chunks []Chunk) *KnowledgeIndex {
	return &KnowledgeIndex{root: root, chunks: append([]Chunk(nil), chunks...)}
}

func matchesExtension(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func chunkFile(root, path string, opts IndexOptions) ([]Chunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > opts.MaxFileBytes {
		return nil, fmt.Errorf("file too large (%d bytes)", info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	texts, err := splitterFor(path, opts).SplitText(string(data))
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}

	chunks := make([]Chunk, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		chunks = append(chunks, Chunk{Source: filepath.ToSlash(rel), Text: t})
	}
	return chunks, nil
}

func splitterFor(path string, opts IndexOptions) textsplitter.TextSplitter {
	seps := defaultSeparators
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		seps = markdownSeparators
	case ".py":
		seps = pythonSeparators
	case ".js", ".jsx", ".ts", ".tsx", ".java", ".go", ".c", ".h", ".css", ".sql":
		seps = cStyleSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(opts.ChunkSize),
		textsplitter.WithChunkOverlap(opts.ChunkOverlap),
		textsplitter.WithSeparators(seps),
	)
}

// Len is the number of indexed chunks.
func (idx *KnowledgeIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.chunks)
}

// Search returns up to topK chunks ranked by how many query terms they contain.
// A term found in the source path counts double.
func (idx *KnowledgeIndex) Search(query string, topK int) []Chunk {
	terms := queryTerms(query)
	if len(terms) == 0 || topK <= 0 {
		return nil
	}

	type hit struct {
		chunk Chunk
		score int
	}
	idx.mu.RLock()
	var hits []hit
	for _, c := range idx.chunks {
		text := strings.ToLower(c.Text)
		src := strings.ToLower(c.Source)
		score := 0
		for _, t := range terms {
			if strings.Contains(src, t) {
				score += 2
			}
			if strings.Contains(text, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{chunk: c, score: score})
		}
	}
	idx.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]Chunk, len(hits))
	for i, h := range hits {
		out[i] = h.chunk
	}
	return out
}

// FormatChunks renders search results for a tool observation.
func FormatChunks(chunks []Chunk) string {
	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s]\n%s", c.Source, strings.TrimSpace(c.Text))
	}
	return sb.String()
}
