// Package wire converts between raw connection bytes and domain values for the
// newline-delimited text protocol.
package wire

import (
	"bytes"
	"unicode/utf8"

	"github.com/haukened/rr-lookup/internal/lookup/domain"
)

// QueryCodec decodes client reads into queries and encodes verdicts into response lines.
type QueryCodec interface {
	DecodeQueries(chunk []byte) ([]domain.Query, error)
	EncodeVerdict(v domain.Verdict) []byte
}

var (
	foundLine    = []byte(domain.FoundText + "\n")
	notFoundLine = []byte(domain.NotFoundText + "\n")
)

// LineCodec implements QueryCodec. Each read is decoded on its own: complete lines
// become one query each, and a trailing fragment without newline is processed as
// received. Lines split across reads are not reassembled.
type LineCodec struct{}

// NewLineCodec returns the text line codec.
func NewLineCodec() *LineCodec { return &LineCodec{} }

// DecodeQueries splits chunk into trimmed queries. A chunk of "\n" yields a single
// empty query. When a line is not valid UTF-8 the queries before it are returned
// together with domain.ErrInvalidEncoding.
func (LineCodec) DecodeQueries(chunk []byte) ([]domain.Query, error) {
	if len(chunk) == 0 {
		return nil, nil
	}

	chunk = bytes.TrimSuffix(chunk, []byte("\n"))
	parts := bytes.Split(chunk, []byte("\n"))
	out := make([]domain.Query, 0, len(parts))
	for _, p := range parts {
		if !utf8.Valid(p) {
			return out, domain.ErrInvalidEncoding
		}
		out = append(out, domain.NewQuery(string(p)))
	}
	return out, nil
}

// SplitIncompleteRune separates a trailing, not yet complete UTF-8 sequence from b.
// tail holds at most utf8.UTFMax-1 bytes and aliases b. Invalid bytes are left in head
// so decoding still rejects them.
func SplitIncompleteRune(b []byte) (head, tail []byte) {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

// EncodeVerdict returns the response line for v. The slice must not be modified.
func (LineCodec) EncodeVerdict(v domain.Verdict) []byte {
	if v.IsFound() {
		return foundLine
	}
	return notFoundLine
}

var _ QueryCodec = (*LineCodec)(nil)
