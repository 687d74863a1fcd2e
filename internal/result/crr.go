package result

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"

	"github.com/crusader-net/crusader/pkg/protocol"
)

// crrMagic and crrVersion identify the on-disk format (spec §6).
var crrMagic = [4]byte{'C', 'R', 'R', 0}

const crrVersion byte = 1

// Codec identifies how the body bytes following the header are encoded.
type Codec byte

const (
	CodecUncompressed Codec = 0
	CodecZstd         Codec = 1
)

// ErrInvalidResult is returned when a .crr file fails its magic, version,
// or codec-id check, or its body fails strict CBOR decoding.
var ErrInvalidResult = errors.New("result: invalid .crr file")

// Marshal encodes r into a .crr byte buffer using codec.
func Marshal(r *RawResult, codec Codec) ([]byte, error) {
	body, err := protocol.EncodeBytes(r)
	if err != nil {
		return nil, fmt.Errorf("result: encode: %w", err)
	}

	var compressed []byte
	switch codec {
	case CodecUncompressed:
		compressed = body
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("result: init zstd writer: %w", err)
		}
		compressed = enc.EncodeAll(body, nil)
		_ = enc.Close()
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrInvalidResult, codec)
	}

	var buf bytes.Buffer
	buf.Write(crrMagic[:])
	buf.WriteByte(crrVersion)
	buf.WriteByte(byte(codec))
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// Unmarshal decodes a .crr byte buffer, rejecting unknown magic, version,
// or codec-id.
func Unmarshal(data []byte) (*RawResult, error) {
	if len(data) < 6 || !bytes.Equal(data[:4], crrMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidResult)
	}
	version := data[4]
	if version != crrVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidResult, version)
	}
	codec := Codec(data[5])
	body := data[6:]

	var plain []byte
	switch codec {
	case CodecUncompressed:
		plain = body
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("result: init zstd reader: %w", err)
		}
		defer dec.Close()
		plain, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decode: %v", ErrInvalidResult, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrInvalidResult, codec)
	}

	var r RawResult
	if err := protocol.DecodeBytes(plain, &r); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrInvalidResult, err)
	}
	return &r, nil
}

// Save writes r to path in compressed .crr form, guarded by an advisory
// file lock so two concurrent Save calls on the same path cannot
// interleave, and written via a temp-file-then-rename so a reader never
// observes a partial file.
func Save(r *RawResult, path string) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("result: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	data, err := Marshal(r, CodecZstd)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dirOf(path), ".crr-tmp-*")
	if err != nil {
		return fmt.Errorf("result: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("result: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("result: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("result: rename into place: %w", err)
	}
	return nil
}

// Load reads and decodes a .crr file from path.
func Load(path string) (*RawResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("result: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
