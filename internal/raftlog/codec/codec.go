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
Package codec implements the per-batch compression codecs ReplicatedLog
tags every batch with, the same Algorithm-enum-plus-registry shape the
teacher's internal/compression package uses for its WAL segments, narrowed
here to the one thing this module actually serializes: log record batches.
*/
package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a batch compression codec.
type Algorithm int

const (
	None Algorithm = iota
	Gzip
	Snappy
	LZ4
	Zstd
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses a codec name case-insensitively.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("codec: unknown algorithm %q", s)
	}
}

// Registry compresses and decompresses batch payloads, pooling the codecs
// that benefit from reuse (gzip writers, the zstd encoder/decoder) the way
// the teacher's compression.Compressor pools its gzip writers and buffers.
type Registry struct {
	gzipWriters sync.Pool

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewRegistry builds a Registry with its zstd encoder/decoder initialized
// once and reused across every batch.
func NewRegistry() *Registry {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &Registry{
		gzipWriters: sync.Pool{New: func() interface{} { return gzip.NewWriter(io.Discard) }},
		zstdEncoder: enc,
		zstdDecoder: dec,
	}
}

// Compress encodes data with algo.
func (r *Registry) Compress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case None:
		return data, nil
	case Gzip:
		var buf bytes.Buffer
		w := r.gzipWriters.Get().(*gzip.Writer)
		defer r.gzipWriters.Put(w)
		w.Reset(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		return r.zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("codec: unsupported algorithm %v", algo)
	}
}

// Decompress reverses Compress.
func (r *Registry) Decompress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case None:
		return data, nil
	case Gzip:
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case Snappy:
		return snappy.Decode(nil, data)
	case LZ4:
		reader := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(reader)
	case Zstd:
		return r.zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("codec: unsupported algorithm %v", algo)
	}
}
