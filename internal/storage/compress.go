package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressedStore wraps a PageStore and transparently compresses page bytes
// with zstd. Encoders and decoders are pooled because they are expensive to
// construct.
type CompressedStore struct {
	inner       PageStore
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCompressedStore returns a PageStore that compresses pages before handing
// them to inner.
func NewCompressedStore(inner PageStore) *CompressedStore {
	c := &CompressedStore{inner: inner}

	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c
}

// PutPage compresses data and stores it in the wrapped store.
func (c *CompressedStore) PutPage(ctx context.Context, id int64, data []byte) error {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	return c.inner.PutPage(ctx, id, enc.EncodeAll(data, nil))
}

// GetPage fetches and decompresses a page.
func (c *CompressedStore) GetPage(ctx context.Context, id int64) ([]byte, error) {
	raw, err := c.inner.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}

	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing page %d: %w", id, err)
	}
	return data, nil
}

// DeletePage delegates to the wrapped store.
func (c *CompressedStore) DeletePage(ctx context.Context, id int64) error {
	return c.inner.DeletePage(ctx, id)
}

// HealthCheck delegates to the wrapped store.
func (c *CompressedStore) HealthCheck(ctx context.Context) error {
	return c.inner.HealthCheck(ctx)
}

// Ensure CompressedStore implements PageStore at compile time.
var _ PageStore = (*CompressedStore)(nil)
