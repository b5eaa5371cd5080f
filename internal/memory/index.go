package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
)

const factCollection = "facts"

// Embedder turns text into a vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is a dependency-free embedder: lower-cased word tokens are
// hashed into a fixed number of buckets and the vector is L2-normalized.
type HashEmbedder struct {
	Dims int
}

// EmbedQuery implements Embedder.
func (h HashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	dims := h.Dims
	if dims <= 0 {
		dims = 256
	}
	vec := make([]float32, dims+1)
	vec[dims] = 0.01 // keeps empty input normalizable
	for _, tok := range tokenize(text) {
		hf := fnv.New32a()
		_, _ = hf.Write([]byte(tok))
		vec[int(hf.Sum32()%uint32(dims))]++
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// FactIndex is an in-process vector index over fact content.
type FactIndex struct {
	collection *chromem.Collection
}

// NewFactIndex creates an index. A nil embedder uses HashEmbedder.
func NewFactIndex(embedder Embedder) (*FactIndex, error) {
	if embedder == nil {
		embedder = HashEmbedder{}
	}
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(factCollection, nil, func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("creating fact collection: %w", err)
	}
	return &FactIndex{collection: col}, nil
}

// Add indexes a fact.
func (x *FactIndex) Add(ctx context.Context, f Fact) error {
	return x.collection.AddDocument(ctx, chromem.Document{
		ID:       f.ID,
		Content:  f.Content,
		Metadata: map[string]string{"source": f.Source},
	})
}

// Remove drops a fact from the index. Missing IDs are ignored.
func (x *FactIndex) Remove(ctx context.Context, id string) {
	_ = x.collection.Delete(ctx, nil, nil, id)
}

// Query returns the IDs of up to k facts most similar to text.
func (x *FactIndex) Query(ctx context.Context, text string, k int) ([]string, error) {
	n := x.collection.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}
	res, err := x.collection.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying facts: %w", err)
	}
	ids := make([]string, len(res))
	for i, r := range res {
		ids[i] = r.ID
	}
	return ids, nil
}

// Len returns the number of indexed facts.
func (x *FactIndex) Len() int {
	return x.collection.Count()
}
