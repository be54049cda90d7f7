/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package compression provides configurable compression for the replication
engine:

  - replication traffic (AppendEntries payloads) to reduce network bandwidth
  - bulk catch-up transfers, batched for better ratios

Supported algorithms: snappy (very fast, the in-flight default), lz4
(fast, used for bulk catch-up batches), zstd (best ratio, used at rest by
the PSS), and gzip (compatibility fallback).

Every compressed buffer is prefixed with a 6-byte header recording the
algorithm and the original length, so a receiver can decompress without
out-of-band agreement.
*/
package compression

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm
type Algorithm int

const (
	AlgorithmNone Algorithm = iota
	AlgorithmGzip
	AlgorithmLZ4
	AlgorithmSnappy
	AlgorithmZstd
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmGzip:
		return "gzip"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmSnappy:
		return "snappy"
	case AlgorithmZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses a compression algorithm from string
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "none", "":
		return AlgorithmNone, nil
	case "gzip":
		return AlgorithmGzip, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "snappy":
		return AlgorithmSnappy, nil
	case "zstd":
		return AlgorithmZstd, nil
	default:
		return AlgorithmNone, fmt.Errorf("unknown compression algorithm: %s", s)
	}
}

// Level represents compression level
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 5
	LevelBest    Level = 9
)

// Config holds compression configuration
type Config struct {
	Algorithm    Algorithm `json:"algorithm"`
	Level        Level     `json:"level"`
	MinSize      int       `json:"min_size"`         // Minimum size to compress
	BatchSize    int       `json:"batch_size"`       // Number of entries per batch
	BatchTimeout int       `json:"batch_timeout_ms"` // Max wait time for batch (ms)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Algorithm:    AlgorithmSnappy,
		Level:        LevelDefault,
		MinSize:      256,
		BatchSize:    100,
		BatchTimeout: 10,
	}
}

// Errors
var (
	ErrInvalidHeader    = errors.New("invalid compression header")
	ErrUnsupportedAlgo  = errors.New("unsupported compression algorithm")
	ErrDecompressFailed = errors.New("decompression failed")
)

// header: magic(1) algorithm(1) originalLen(4)
const headerLen = 6
const headerMagic = 0xC7

// Compressor provides compression/decompression operations
type Compressor struct {
	config Config

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
	once    sync.Once
}

// NewCompressor creates a new compressor
func NewCompressor(config Config) *Compressor {
	return &Compressor{config: config}
}

func (c *Compressor) zstdInit() {
	c.once.Do(func() {
		lvl := zstd.SpeedDefault
		if c.config.Level <= LevelFastest {
			lvl = zstd.SpeedFastest
		} else if c.config.Level >= LevelBest {
			lvl = zstd.SpeedBestCompression
		}
		c.zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
		c.zstdDec, _ = zstd.NewReader(nil)
	})
}

func putHeader(algo Algorithm, originalLen int) []byte {
	hdr := make([]byte, headerLen)
	hdr[0] = headerMagic
	hdr[1] = byte(algo)
	binary.BigEndian.PutUint32(hdr[2:6], uint32(originalLen))
	return hdr
}

// Header reports the algorithm and original length recorded in a
// compressed buffer's header.
func Header(data []byte) (Algorithm, int, error) {
	if len(data) < headerLen || data[0] != headerMagic {
		return AlgorithmNone, 0, ErrInvalidHeader
	}
	return Algorithm(data[1]), int(binary.BigEndian.Uint32(data[2:6])), nil
}

// Compress compresses data with the configured algorithm, prefixing the
// self-describing header. Data below MinSize is stored uncompressed.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	algo := c.config.Algorithm
	if len(data) < c.config.MinSize {
		algo = AlgorithmNone
	}

	var body []byte
	switch algo {
	case AlgorithmNone:
		body = data
	case AlgorithmSnappy:
		body = snappy.Encode(nil, data)
	case AlgorithmLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		var comp lz4.Compressor
		n, err := comp.CompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible; store raw.
			algo = AlgorithmNone
			body = data
		} else {
			body = dst[:n]
		}
	case AlgorithmZstd:
		c.zstdInit()
		body = c.zstdEnc.EncodeAll(data, nil)
	case AlgorithmGzip:
		var buf bytes.Buffer
		level := gzip.DefaultCompression
		switch {
		case c.config.Level <= LevelFastest:
			level = gzip.BestSpeed
		case c.config.Level >= LevelBest:
			level = gzip.BestCompression
		}
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		body = buf.Bytes()
	default:
		return nil, ErrUnsupportedAlgo
	}

	out := putHeader(algo, len(data))
	return append(out, body...), nil
}

// Decompress reverses Compress. The expected algorithm is validated
// against the buffer's header (a buffer stored raw because it was below
// MinSize carries AlgorithmNone and is accepted for any expectation).
func (c *Compressor) Decompress(data []byte, expected Algorithm) ([]byte, error) {
	algo, originalLen, err := Header(data)
	if err != nil {
		return nil, err
	}
	if algo != AlgorithmNone && algo != expected {
		return nil, fmt.Errorf("%w: header says %s, expected %s", ErrInvalidHeader, algo, expected)
	}
	return c.decompressBody(algo, data[headerLen:], originalLen)
}

// DecompressAuto decompresses using whatever algorithm the header names.
func (c *Compressor) DecompressAuto(data []byte) ([]byte, error) {
	algo, originalLen, err := Header(data)
	if err != nil {
		return nil, err
	}
	return c.decompressBody(algo, data[headerLen:], originalLen)
}

func (c *Compressor) decompressBody(algo Algorithm, body []byte, originalLen int) ([]byte, error) {
	switch algo {
	case AlgorithmNone:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case AlgorithmSnappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		return out, nil
	case AlgorithmLZ4:
		out := make([]byte, originalLen)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		return out[:n], nil
	case AlgorithmZstd:
		c.zstdInit()
		out, err := c.zstdDec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		return out, nil
	case AlgorithmGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		return out, nil
	default:
		return nil, ErrUnsupportedAlgo
	}
}

// BatchCompressor collects entries and compresses them as one buffer,
// which compresses better than entry-at-a-time for bulk catch-up
// transfers.
type BatchCompressor struct {
	mu         sync.Mutex
	compressor *Compressor
	entries    [][]byte
}

// NewBatchCompressor creates a new batch compressor
func NewBatchCompressor(config Config) *BatchCompressor {
	return &BatchCompressor{compressor: NewCompressor(config)}
}

// Add appends one entry to the pending batch.
func (b *BatchCompressor) Add(entry []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(entry))
	copy(cp, entry)
	b.entries = append(b.entries, cp)
}

// Len reports the number of pending entries.
func (b *BatchCompressor) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Flush compresses and returns the pending batch, clearing it.
// Batch framing: count(4) then len(4)+bytes per entry, compressed as one
// buffer.
func (b *BatchCompressor) Flush() ([]byte, error) {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	var buf bytes.Buffer
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(len(entries)))
	buf.Write(scratch[:])
	for _, e := range entries {
		binary.BigEndian.PutUint32(scratch[:], uint32(len(e)))
		buf.Write(scratch[:])
		buf.Write(e)
	}
	return b.compressor.Compress(buf.Bytes())
}

// DecompressBatch reverses Flush.
func (b *BatchCompressor) DecompressBatch(compressed []byte, expected Algorithm) ([][]byte, error) {
	data, err := b.compressor.Decompress(compressed, expected)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, ErrInvalidHeader
	}
	count := binary.BigEndian.Uint32(data[0:4])
	out := make([][]byte, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+4 > len(data) {
			return nil, ErrInvalidHeader
		}
		n := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if off+n > len(data) {
			return nil, ErrInvalidHeader
		}
		out = append(out, data[off:off+n])
		off += n
	}
	return out, nil
}
