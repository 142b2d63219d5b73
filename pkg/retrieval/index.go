// Package retrieval indexes workspace files into a chromem-go collection and
// serves similarity search for the QA node.
package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"pulse/pkg/logx"
	"pulse/pkg/proto"
)

// DefaultCollection is the collection name used when none is configured.
const DefaultCollection = "pulse_codebase"

// DefaultMaxFileBytes skips files larger than this during IndexDir.
const DefaultMaxFileBytes = 1 << 20

// DefaultExtensions are the file types IndexDir ingests.
var DefaultExtensions = []string{
	".go", ".py", ".st", ".md", ".txt", ".yaml", ".yml", ".json", ".toml", ".sh", ".js", ".ts",
}

// IgnoredDirs are never descended into.
var IgnoredDirs = []string{
	".git", ".pulse", "__pycache__", "venv", ".venv", "env", "node_modules", "vendor",
}

// Options configures an Index.
type Options struct {
	// PersistPath is the on-disk directory; empty keeps the index in memory.
	PersistPath  string
	Collection   string
	Embedding    chromem.EmbeddingFunc
	Extensions   []string
	MaxChunkSize int
	MaxFileBytes int64
}

// Stats summarizes an ingestion pass.
type Stats struct {
	FilesProcessed int `json:"files_processed"`
	FilesSkipped   int `json:"files_skipped"`
	ChunksCreated  int `json:"chunks_created"`
}

// Index is a chunked vector index over workspace files.
type Index struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	opts       Options
	logger     *logx.Logger
}

// Open creates or loads an index.
func Open(opts Options) (*Index, error) {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.Embedding == nil {
		opts.Embedding = HashEmbedding
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}

	var db *chromem.DB
	if opts.PersistPath != "" {
		var err error
		db, err = chromem.NewPersistentDB(opts.PersistPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store at %s: %w", opts.PersistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(opts.Collection, map[string]string{"description": "workspace code chunks"}, opts.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", opts.Collection, err)
	}
	return &Index{db: db, collection: collection, opts: opts, logger: logx.NewLogger("retrieval")}, nil
}

// Count returns the number of indexed chunks.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.collection.Count()
}

// AddFile replaces every chunk of path with chunks of content and returns the
// number of chunks written.
func (ix *Index) AddFile(ctx context.Context, path, content string) (int, error) {
	path = filepath.ToSlash(path)
	chunks := ChunkContent(path, content, ix.opts.MaxChunkSize)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.collection.Delete(ctx, map[string]string{"path": path}, nil); err != nil {
		return 0, fmt.Errorf("failed to remove old chunks of %s: %w", path, err)
	}
	written := 0
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		err := ix.collection.AddDocument(ctx, chromem.Document{
			ID:      c.ID(),
			Content: c.Content,
			Metadata: map[string]string{
				"path":         c.Path,
				"chunk_index":  strconv.Itoa(c.Index),
				"total_chunks": strconv.Itoa(c.Total),
			},
		})
		if err != nil {
			return written, fmt.Errorf("failed to index %s: %w", c.ID(), err)
		}
		written++
	}
	return written, nil
}

// RemoveFile drops every chunk of path.
func (ix *Index) RemoveFile(ctx context.Context, path string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.collection.Delete(ctx, map[string]string{"path": filepath.ToSlash(path)}, nil); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// IndexDir walks root and indexes every supported file, keyed by its path
// relative to root. Unreadable files are logged and skipped.
func (ix *Index) IndexDir(ctx context.Context, root string) (Stats, error) {
	var stats Stats
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			ix.logger.Warn("Skipping %s: %v", path, walkErr)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // cancellation passes through
		}
		if d.IsDir() {
			if path != root && slices.Contains(IgnoredDirs, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !ix.supported(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.Size() > ix.opts.MaxFileBytes {
			stats.FilesSkipped++
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			ix.logger.Warn("Skipping %s: %v", path, err)
			stats.FilesSkipped++
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}

		n, err := ix.AddFile(ctx, rel, string(data))
		if err != nil {
			return err
		}
		stats.FilesProcessed++
		stats.ChunksCreated += n
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("indexing %s: %w", root, err)
	}
	ix.logger.Info("Indexed %d files (%d chunks, %d skipped)", stats.FilesProcessed, stats.ChunksCreated, stats.FilesSkipped)
	return stats, nil
}

func (ix *Index) supported(path string) bool {
	return slices.Contains(ix.opts.Extensions, strings.ToLower(filepath.Ext(path)))
}

// Search returns up to k chunks most similar to query, best first. An empty
// index or query returns no documents.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]proto.Document, error) {
	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	count := ix.collection.Count()
	if count == 0 {
		return nil, nil
	}
	k = min(k, count)

	results, err := ix.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	docs := make([]proto.Document, 0, len(results))
	for _, r := range results {
		docs = append(docs, proto.Document{
			Path:     r.Metadata["path"],
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		})
	}
	return docs, nil
}

// Reset drops the collection and recreates it empty.
func (ix *Index) Reset() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.db.DeleteCollection(ix.opts.Collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	collection, err := ix.db.GetOrCreateCollection(ix.opts.Collection, nil, ix.opts.Embedding)
	if err != nil {
		return fmt.Errorf("failed to recreate collection: %w", err)
	}
	ix.collection = collection
	return nil
}
