package munger

// decode.go turns raw file bytes into UTF-8 text.
//
// The declared encoding is tried first. When it fails the file is re-read as
// permissive UTF-8 that drops undecodable bytes; the number of dropped bytes
// is reported so callers can reject files that are mostly unreadable.

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// MaxDroppedFraction is the share of bytes the permissive fallback may drop
// before a file counts as unreadable.
const MaxDroppedFraction = 0.10

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return unicode.UTF8, nil
	case "utf-8-sig", "utf8-sig":
		return unicode.UTF8BOM, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
	return enc, nil
}

// decoded is the outcome of decoding one file.
type decoded struct {
	text     string
	fallback bool
	dropped  int
}

func decodeBytes(data []byte, encName string) (decoded, error) {
	enc, err := lookupEncoding(encName)
	if err != nil {
		return decoded{}, err
	}

	if enc == unicode.UTF8 || enc == unicode.UTF8BOM {
		body := bytes.TrimPrefix(data, utf8BOM)
		if utf8.Valid(body) {
			return decoded{text: string(body)}, nil
		}
		return dropInvalid(body)
	}

	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
		return decoded{text: string(bytes.TrimPrefix(out, utf8BOM))}, nil
	}
	return dropInvalid(bytes.TrimPrefix(data, utf8BOM))
}

func dropInvalid(data []byte) (decoded, error) {
	r := newUTF8Dropper(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return decoded{}, err
	}
	return decoded{text: string(out), fallback: true, dropped: r.Dropped}, nil
}

// utf8Dropper wraps an io.Reader and removes bytes that are not part of a
// valid UTF-8 sequence, counting them. Memory use is bounded by the read
// buffer; an incomplete sequence at a buffer boundary is carried over.
type utf8Dropper struct {
	reader  io.Reader
	pending []byte
	Dropped int
}

func newUTF8Dropper(r io.Reader) *utf8Dropper {
	return &utf8Dropper{reader: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (d *utf8Dropper) Read(p []byte) (int, error) {
	if len(p) < utf8.UTFMax {
		return 0, io.ErrShortBuffer
	}

	offset := copy(p, d.pending)
	d.pending = d.pending[:0]

	n, err := d.reader.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}
	return d.filter(p[:n], err == io.EOF), err
}

// filter compacts valid runes to the front of data and returns their length.
func (d *utf8Dropper) filter(data []byte, atEOF bool) int {
	w := 0
	for r := 0; r < len(data); {
		c := data[r]
		if c < utf8.RuneSelf {
			data[w] = c
			w++
			r++
			continue
		}
		if !atEOF && !utf8.FullRune(data[r:]) {
			d.pending = append(d.pending, data[r:]...)
			return w
		}
		ru, size := utf8.DecodeRune(data[r:])
		if ru == utf8.RuneError && size == 1 {
			d.Dropped++
			r++
			continue
		}
		copy(data[w:], data[r:r+size])
		w += size
		r += size
	}
	return w
}
