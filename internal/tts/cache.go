package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

type cachedSegment struct {
	sampleRate int
	channels   int
	data       []byte
	rawSize    int
}

// CacheStore keeps recently synthesized sentences, optionally zstd-compressed.
// One store is shared by every worker; each worker wraps its own backend with Wrap.
type CacheStore struct {
	entries  *lru.Cache[string, cachedSegment]
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	hits     atomic.Int64
	misses   atomic.Int64
	compress bool
}

func NewCacheStore(maxEntries int, compress bool) (*CacheStore, error) {
	entries, err := lru.New[string, cachedSegment](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	c := &CacheStore{entries: entries, compress: compress}
	if compress {
		c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}
	return c, nil
}

// Wrap returns a synthesizer that consults the store before calling next.
func (c *CacheStore) Wrap(next Synthesizer) Synthesizer {
	return SynthesizerFunc(func(ctx context.Context, req SynthRequest) (AudioSegment, error) {
		key := cacheKey(req)
		if seg, ok := c.get(key); ok {
			c.hits.Add(1)
			seg.Seq = req.Seq
			return seg, nil
		}
		c.misses.Add(1)
		seg, err := next.Synthesize(ctx, req)
		if err != nil {
			return seg, err
		}
		c.put(key, seg)
		return seg, nil
	})
}

// Stats returns hit and miss counters.
func (c *CacheStore) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CacheStore) Len() int { return c.entries.Len() }

func (c *CacheStore) Close() {
	if c.decoder != nil {
		c.decoder.Close()
	}
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
}

func (c *CacheStore) get(key string) (AudioSegment, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return AudioSegment{}, false
	}
	pcm := entry.data
	if c.compress {
		var err error
		pcm, err = c.decoder.DecodeAll(entry.data, make([]byte, 0, entry.rawSize))
		if err != nil {
			c.entries.Remove(key)
			return AudioSegment{}, false
		}
	} else {
		pcm = append([]byte(nil), pcm...)
	}
	return AudioSegment{SampleRate: entry.sampleRate, Channels: entry.channels, PCM: pcm}, true
}

func (c *CacheStore) put(key string, seg AudioSegment) {
	data := append([]byte(nil), seg.PCM...)
	if c.compress {
		data = c.encoder.EncodeAll(seg.PCM, nil)
	}
	c.entries.Add(key, cachedSegment{
		sampleRate: seg.SampleRate,
		channels:   seg.Channels,
		data:       data,
		rawSize:    len(seg.PCM),
	})
}

func cacheKey(req SynthRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Voice.ID))
	for _, s := range req.Voice.Styles {
		h.Write([]byte{0})
		h.Write([]byte(s.Name))
		h.Write([]byte(strconv.FormatFloat(s.Weight, 'g', -1, 64)))
	}
	h.Write([]byte{0})
	h.Write([]byte(req.Language))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(req.Speed, 'g', -1, 64)))
	h.Write([]byte{0})
	h.Write([]byte(req.Text))
	return hex.EncodeToString(h.Sum(nil))
}
