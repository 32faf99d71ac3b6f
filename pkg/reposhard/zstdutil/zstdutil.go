// Package zstdutil provides pooled zstd encoder/decoder access for decoding
// the zstd-compressed shard index and per-package shard files.
package zstdutil

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

//nolint:gochecknoglobals
var writerPool = sync.Pool{
	New: func() any {
		enc, _ := zstd.NewWriter(nil)

		return enc
	},
}

// GetWriter retrieves a zstd.Encoder from the pool, or creates a new one if
// the pool is empty. The caller must call PutWriter to return it.
func GetWriter() *zstd.Encoder {
	return writerPool.Get().(*zstd.Encoder)
}

// PutWriter returns a zstd.Encoder to the pool for reuse. A nil enc is a
// no-op.
func PutWriter(enc *zstd.Encoder) {
	if enc != nil {
		enc.Reset(nil)
		writerPool.Put(enc)
	}
}

//nolint:gochecknoglobals
var readerPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil)

		return dec
	},
}

// GetReader retrieves a zstd.Decoder from the pool, or creates a new one if
// the pool is empty. The caller must call PutReader, or use NewPooledReader
// for automatic cleanup.
func GetReader() *zstd.Decoder {
	return readerPool.Get().(*zstd.Decoder)
}

// PutReader returns a zstd.Decoder to the pool for reuse. A nil dec is a
// no-op.
func PutReader(dec *zstd.Decoder) {
	if dec != nil {
		_ = dec.Reset(nil)
		readerPool.Put(dec)
	}
}

// PooledWriter wraps a zstd.Encoder with automatic pool management: closing
// it returns the encoder to the pool.
type PooledWriter struct {
	*zstd.Encoder
}

// NewPooledWriter returns a PooledWriter writing to w.
func NewPooledWriter(w io.Writer) *PooledWriter {
	enc := GetWriter()
	enc.Reset(w)

	return &PooledWriter{Encoder: enc}
}

// Close closes the encoder and returns it to the pool. Safe to call more
// than once.
func (pw *PooledWriter) Close() error {
	if pw.Encoder == nil {
		return nil
	}

	err := pw.Encoder.Close()
	PutWriter(pw.Encoder)
	pw.Encoder = nil

	return err
}

// PooledReader wraps a zstd.Decoder with automatic pool management: closing
// it returns the decoder to the pool.
type PooledReader struct {
	*zstd.Decoder
}

// NewPooledReader returns a PooledReader reading the zstd stream from r.
func NewPooledReader(r io.Reader) (*PooledReader, error) {
	dec := GetReader()
	if err := dec.Reset(r); err != nil {
		PutReader(dec)

		return nil, fmt.Errorf("resetting zstd decoder: %w", err)
	}

	return &PooledReader{Decoder: dec}, nil
}

// Close returns the decoder to the pool. The underlying decoder is not
// explicitly closed, only reset. Safe to call more than once.
func (pr *PooledReader) Close() error {
	if pr.Decoder == nil {
		return nil
	}

	PutReader(pr.Decoder)
	pr.Decoder = nil

	return nil
}

// DecodeAll decompresses a full zstd-compressed buffer in one call, as used
// to decode a downloaded repodata.json.zst.
func DecodeAll(compressed []byte) ([]byte, error) {
	dec := GetReader()
	defer PutReader(dec)

	out, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decoding zstd data: %w", err)
	}

	return out, nil
}

// EncodeAll compresses buf in one call, using the default compression level.
func EncodeAll(buf []byte) []byte {
	enc := GetWriter()
	defer PutWriter(enc)

	return enc.EncodeAll(buf, nil)
}
