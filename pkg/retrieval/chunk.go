package retrieval

import (
	"strconv"
	"strings"
)

// DefaultMaxChunkSize is the largest chunk, in bytes, that a file is split into.
const DefaultMaxChunkSize = 2000

// Chunk is one indexed slice of a file.
type Chunk struct {
	Path    string
	Index   int
	Total   int
	Content string
}

// ID is the stable document ID of the chunk, "path::index".
func (c Chunk) ID() string {
	return c.Path + "::" + strconv.Itoa(c.Index)
}

// ChunkContent splits content on line boundaries into chunks of at most
// maxSize bytes. A file that fits is a single chunk. A single line longer than
// maxSize becomes its own oversized chunk rather than being cut.
func ChunkContent(path, content string, maxSize int) []Chunk {
	if maxSize <= 0 {
		maxSize = DefaultMaxChunkSize
	}
	if len(content) <= maxSize {
		return []Chunk{{Path: path, Index: 0, Total: 1, Content: content}}
	}

	var chunks []Chunk
	var current []string
	size := 0
	flush := func() {
		chunks = append(chunks, Chunk{Path: path, Index: len(chunks), Content: strings.Join(current, "\n")})
		current = current[:0]
		size = 0
	}
	for _, line := range strings.Split(content, "\n") {
		lineSize := len(line) + 1
		if size+lineSize > maxSize && len(current) > 0 {
			flush()
		}
		current = append(current, line)
		size += lineSize
	}
	if len(current) > 0 {
		flush()
	}
	for i := range chunks {
		chunks[i].Total = len(chunks)
	}
	return chunks
}
