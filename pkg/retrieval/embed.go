package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/philippgille/chromem-go"
)

// HashDimensions is the vector size produced by HashEmbedding.
const HashDimensions = 512

// HashEmbedding is an offline bag-of-words embedding: each lower-cased token
// is hashed into one of HashDimensions buckets and the vector is normalized.
// It needs no model server and keeps identifiers matchable by name.
func HashEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, HashDimensions)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%HashDimensions]++
	}
	return normalize(vec), nil
}

// tokenize splits on anything that is not a letter or digit and also splits
// camelCase and snake_case identifiers into their parts.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields)*2)
	for _, f := range fields {
		lower := strings.ToLower(f)
		tokens = append(tokens, lower)
		parts := splitCamel(f)
		if len(parts) > 1 {
			for _, p := range parts {
				tokens = append(tokens, strings.ToLower(p))
			}
		}
	}
	return tokens
}

func splitCamel(s string) []string {
	var parts []string
	start := 0
	runes := []rune(s)
	for i := 1; i < len(runes); i++ {
		if unicode.IsUpper(runes[i]) && !unicode.IsUpper(runes[i-1]) {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	return append(parts, string(runes[start:]))
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		// Empty text has no direction; pin one component so cosine similarity is defined.
		vec[0] = 1
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Embedding names accepted by EmbeddingFor.
const (
	EmbeddingHash   = "hash"
	EmbeddingOpenAI = "openai"
	EmbeddingOllama = "ollama"
)

// EmbeddingConfig selects an embedding backend.
type EmbeddingConfig struct {
	Provider string
	APIKey   string // OpenAI
	Model    string // Ollama model, e.g. "nomic-embed-text"
	Host     string // Ollama server, e.g. "http://localhost:11434"
}

// EmbeddingFor returns the chromem embedding function for cfg. Unknown or
// empty providers use HashEmbedding.
func EmbeddingFor(cfg EmbeddingConfig) chromem.EmbeddingFunc {
	switch cfg.Provider {
	case EmbeddingOpenAI:
		return chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, chromem.EmbeddingModelOpenAI3Small)
	case EmbeddingOllama:
		host := strings.TrimRight(cfg.Host, "/")
		if host != "" && !strings.HasSuffix(host, "/api") {
			host += "/api"
		}
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return chromem.NewEmbeddingFuncOllama(model, host)
	default:
		return HashEmbedding
	}
}
