package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"unicode/utf8"
)

// ErrFormat indicates that the byte source does not carry a well formed
// safetensors header. Callers are expected to treat it as a classification
// hint failure, not as an I/O fault.
var ErrFormat = errors.New("invalid safetensors header")

// MetadataKey is the reserved header entry holding free-form string metadata
// instead of tensor info.
const MetadataKey = "__metadata__"

const prefixSize = 8

// Header is the parsed safetensors preamble: the optional __metadata__ map
// and the tensor names in the order they are declared in the file.
type Header struct {
	Metadata    map[string]string
	TensorNames []string
}

func (h *Header) TensorCount() int {
	return len(h.TensorNames)
}

// Parse reads a safetensors header from r: an 8 byte little endian length N
// followed by N bytes of UTF-8 JSON. It never consumes more than N+8 bytes
// from r. totalSize is the full size of the underlying artifact when known,
// used to reject headers longer than the source before reading them; pass a
// negative value for sources of unknown length.
func Parse(r io.Reader, totalSize int64) (*Header, error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: source shorter than the %d byte length prefix", ErrFormat, prefixSize)
		}
		return nil, fmt.Errorf("reading header length prefix: %w", err)
	}

	headerLen := binary.LittleEndian.Uint64(prefix[:])
	if headerLen == 0 {
		return nil, fmt.Errorf("%w: zero length header", ErrFormat)
	}
	if headerLen > math.MaxInt64-prefixSize {
		return nil, fmt.Errorf("%w: declared header length %d overflows", ErrFormat, headerLen)
	}
	if totalSize >= 0 && int64(headerLen) > totalSize-prefixSize {
		return nil, fmt.Errorf("%w: declared header length %d exceeds the %d bytes remaining", ErrFormat, headerLen, totalSize-prefixSize)
	}

	raw, err := io.ReadAll(io.LimitReader(r, int64(headerLen)))
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if uint64(len(raw)) < headerLen {
		return nil, fmt.Errorf("%w: header truncated after %d of %d bytes", ErrFormat, len(raw), headerLen)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: header is not valid utf-8", ErrFormat)
	}

	return decodeHeader(raw)
}

// ParseFile parses the header of the safetensors file at path.
func ParseFile(path string) (*Header, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}

	return Parse(file, info.Size())
}

// decodeHeader walks the top level object token by token so that tensor names
// are collected in declared order. Decoding into a map would lose it.
func decodeHeader(raw []byte) (*Header, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: top level value is not an object", ErrFormat)
	}

	header := &Header{Metadata: map[string]string{}}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected key token %v", ErrFormat, tok)
		}

		if name == MetadataKey {
			if err := dec.Decode(&header.Metadata); err != nil {
				return nil, fmt.Errorf("%w: %s is not a string to string object: %v", ErrFormat, MetadataKey, err)
			}
			continue
		}

		var entry json.RawMessage
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("%w: invalid entry for tensor %q: %v", ErrFormat, name, err)
		}
		header.TensorNames = append(header.TensorNames, name)
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	// Writers pad the header with trailing spaces for alignment, which the
	// decoder skips. Anything else after the object is malformed.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after header object", ErrFormat)
	}

	return header, nil
}
