package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"asky/internal/config"
)

// Embedder is the spec.md §4.2 Embedder contract: order-preserving batch
// embedding, single-text convenience, a model identifier, and a sticky
// failure signal that, once tripped, stays tripped until process restart so
// scoring-path callers can skip embedding-dependent work entirely.
//
// Grounded on the teacher's internal/rag/embedder/embedder.go Embedder
// interface (EmbedBatch/Name/Dimension/Ping), generalized with the
// sticky-failure flag spec.md requires and renamed EmbedBatch->Embed to
// match spec wording ("embed(texts)").
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	Model() string
	HasModelLoadFailure() bool
}

// ClientEmbedder calls a configured embeddings HTTP endpoint, one item at a
// time (matching the teacher's single-item-batch posture to avoid batch
// inference issues on some self-hosted embedding servers). The sticky
// failure flag is set by the first error of any kind from an endpoint call;
// transient and permanent failures are not told apart. rateLimit spaces
// calls by minDelay, which NewClientEmbedder leaves at zero, so calls are
// not delayed.
type ClientEmbedder struct {
	cfg      config.EmbeddingConfig
	minDelay time.Duration

	mu         sync.Mutex
	lastCall   time.Time
	failedOnce bool
}

// NewClientEmbedder constructs an Embedder over cfg's endpoint.
func NewClientEmbedder(cfg config.EmbeddingConfig) *ClientEmbedder {
	return &ClientEmbedder{cfg: cfg}
}

func (c *ClientEmbedder) Model() string { return c.cfg.Model }

func (c *ClientEmbedder) HasModelLoadFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedOnce
}

func (c *ClientEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.HasModelLoadFailure() {
		return nil, ErrModelLoadFailed
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		c.rateLimit()
		vecs, err := EmbedText(ctx, c.cfg, []string{t})
		if err != nil {
			c.mu.Lock()
			c.failedOnce = true
			c.mu.Unlock()
			return nil, err
		}
		out = append(out, vecs[0])
	}
	return out, nil
}

func (c *ClientEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *ClientEmbedder) rateLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.minDelay <= 0 {
		return
	}
	if !c.lastCall.IsZero() {
		if elapsed := time.Since(c.lastCall); elapsed < c.minDelay {
			time.Sleep(c.minDelay - elapsed)
		}
	}
	c.lastCall = time.Now()
}

// errModelLoadFailed backs the ErrModelLoadFailed sentinel, so callers can distinguish a sticky
// failure from a transient one without string-matching.
type errModelLoadFailed struct{}

func (errModelLoadFailed) Error() string { return "embedder: sticky model load failure" }

// ErrModelLoadFailed is returned by Embed/EmbedSingle once the sticky
// failure flag has tripped.
var ErrModelLoadFailed error = errModelLoadFailed{}

// DeterministicEmbedder is a byte-trigram hashing embedder used in tests and
// as an offline fallback, ported from the teacher's deterministicEmbedder.
// It never fails, so HasModelLoadFailure is always false.
type DeterministicEmbedder struct {
	dim       int
	normalize bool
	seed      uint64
}

// NewDeterministicEmbedder returns a DeterministicEmbedder of the given
// dimension (defaults to 64), optionally L2-normalizing output vectors.
func NewDeterministicEmbedder(dim int, normalize bool, seed uint64) *DeterministicEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &DeterministicEmbedder{dim: dim, normalize: normalize, seed: seed}
}

func (d *DeterministicEmbedder) Model() string             { return "deterministic" }
func (d *DeterministicEmbedder) HasModelLoadFailure() bool { return false }

func (d *DeterministicEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *DeterministicEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return d.embedOne(text), nil
}

func (d *DeterministicEmbedder) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	if len(s) == 0 {
		return v
	}
	b := []byte(s)
	if len(b) < 3 {
		addTrigram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addTrigram(d.seed, b[i:i+3], v)
		}
	}
	if d.normalize {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if sum > 0 {
			inv := float32(1.0 / math.Sqrt(sum))
			for i := range v {
				v[i] *= inv
			}
		}
	}
	return v
}

func addTrigram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
