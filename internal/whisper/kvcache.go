package whisper

import "fmt"

// KVCache accumulates the decoder's self-attention keys and values, one
// arena per layer sized for the full decoding context. Entries append by
// index; a fallback retry resets the length instead of freeing.
//
// A cache is exclusively owned by one decoding run and is not safe for
// concurrent use.
type KVCache struct {
	keys   [][]float32 // per layer, [maxCtx * state]
	values [][]float32
	maxCtx int
	state  int
	length int
}

// NewKVCache allocates arenas for nLayers layers of maxCtx positions.
func NewKVCache(nLayers, maxCtx, state int) (*KVCache, error) {
	if nLayers <= 0 || maxCtx <= 0 || state <= 0 {
		return nil, fmt.Errorf("whisper: invalid kv cache dims layers=%d ctx=%d state=%d", nLayers, maxCtx, state)
	}

	c := &KVCache{
		keys:   make([][]float32, nLayers),
		values: make([][]float32, nLayers),
		maxCtx: maxCtx,
		state:  state,
	}

	for i := range nLayers {
		c.keys[i] = make([]float32, maxCtx*state)
		c.values[i] = make([]float32, maxCtx*state)
	}

	return c, nil
}

// Len returns the number of cached positions.
func (c *KVCache) Len() int {
	if c == nil {
		return 0
	}

	return c.length
}

// MaxCtx returns the cache capacity in positions.
func (c *KVCache) MaxCtx() int {
	if c == nil {
		return 0
	}

	return c.maxCtx
}

// Reset empties the cache without releasing the arenas.
func (c *KVCache) Reset() {
	if c != nil {
		c.length = 0
	}
}

// put writes the key and value rows of one position into layer's arena.
// Positions must be written for every layer before advance moves the length.
func (c *KVCache) put(layer, pos int, k, v []float32) error {
	if pos < 0 || pos >= c.maxCtx {
		return fmt.Errorf("whisper: kv cache position %d out of range [0,%d)", pos, c.maxCtx)
	}

	if len(k) != c.state || len(v) != c.state {
		return fmt.Errorf("whisper: kv cache row width %d/%d, want %d", len(k), len(v), c.state)
	}

	copy(c.keys[layer][pos*c.state:(pos+1)*c.state], k)
	copy(c.values[layer][pos*c.state:(pos+1)*c.state], v)

	return nil
}

// advance extends the cache length by n positions.
func (c *KVCache) advance(n int) error {
	if c.length+n > c.maxCtx {
		return fmt.Errorf("whisper: kv cache overflow: %d+%d exceeds %d", c.length, n, c.maxCtx)
	}

	c.length += n

	return nil
}

// layerKeys returns the valid prefix of layer's key arena through pos
// positions.
func (c *KVCache) layerKeys(layer, positions int) []float32 {
	return c.keys[layer][:positions*c.state]
}

func (c *KVCache) layerValues(layer, positions int) []float32 {
	return c.values[layer][:positions*c.state]
}
