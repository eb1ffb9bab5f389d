package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/oriys/partsearch/internal/domain"
)

// DefaultCompressThreshold is the encoded size above which payloads are
// zstd-compressed.
const DefaultCompressThreshold = 64 << 10

// Payload format marker, the first byte of every stored value.
const (
	formatJSON byte = 0
	formatZstd byte = 1
)

var errCorruptPayload = errors.New("cache: corrupt payload")

// Entry is one cached bulk result. Entries are replaced whole, never
// mutated in place.
type Entry struct {
	Fingerprint domain.Fingerprint `json:"fingerprint"`
	Scope       string             `json:"scope"`
	Result      domain.BulkResult  `json:"result"`
	StoredAt    time.Time          `json:"stored_at"`
	TTL         time.Duration      `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.StoredAt.Add(e.TTL))
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Codec serializes entries as JSON, compressing large ones.
type Codec struct {
	threshold int
}

// NewCodec returns a codec compressing payloads larger than threshold bytes.
// threshold <= 0 selects DefaultCompressThreshold.
func NewCodec(threshold int) *Codec {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	return &Codec{threshold: threshold}
}

// Encode serializes e.
func (c *Codec) Encode(e *Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	if len(raw) <= c.threshold {
		return append([]byte{formatJSON}, raw...), nil
	}
	enc := getZstdEncoder()
	defer zstdEncoderPool.Put(enc)
	out := make([]byte, 1, len(raw)/4+1)
	out[0] = formatZstd
	return enc.EncodeAll(raw, out), nil
}

// Decode parses data produced by Encode.
func (c *Codec) Decode(data []byte) (*Entry, error) {
	if len(data) == 0 {
		return nil, errCorruptPayload
	}
	body := data[1:]
	switch data[0] {
	case formatJSON:
	case formatZstd:
		dec := getZstdDecoder()
		raw, err := dec.DecodeAll(body, nil)
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCorruptPayload, err)
		}
		body = raw
	default:
		return nil, fmt.Errorf("%w: unknown format %d", errCorruptPayload, data[0])
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptPayload, err)
	}
	if e.Result == nil {
		e.Result = domain.BulkResult{}
	}
	return &e, nil
}
