// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StreamPosition is a position in the event stream assigned by a single writer.
type StreamPosition int64

// WriterPosition is the position at which a particular writer persisted an event.
// Positions from different writers must never be compared as bare integers when
// deciding whether a token has seen the event.
type WriterPosition struct {
	Writer   string         `json:"writer,omitempty" yaml:"writer"`
	Position StreamPosition `json:"pos" yaml:"pos"`
}

func (p WriterPosition) String() string {
	if p.Writer == "" {
		return strconv.FormatInt(int64(p.Position), 10)
	}
	return fmt.Sprintf("%s.%d", p.Writer, p.Position)
}

// StreamToken is an immutable position in the room event stream.
//
// A scalar token has no instance map and every writer is at MinStream. A
// multi-writer token behaves like a vector clock: writers listed in the
// instance map are at their listed position, every other writer is at
// MinStream.
type StreamToken struct {
	minStream   StreamPosition
	instanceMap map[string]StreamPosition
}

// NewScalarStreamToken returns a token where all writers are at pos.
func NewScalarStreamToken(pos StreamPosition) StreamToken {
	return StreamToken{minStream: pos}
}

// NewMultiWriterStreamToken returns a token with per-writer positions. Entries
// equal to min are redundant and dropped. An entry below min is rejected.
func NewMultiWriterStreamToken(min StreamPosition, positions map[string]StreamPosition) (StreamToken, error) {
	t := StreamToken{minStream: min}
	for writer, pos := range positions {
		if writer == "" || strings.ContainsAny(writer, "~") {
			return StreamToken{}, &MalformedTokenError{Reason: fmt.Sprintf("invalid writer name %q", writer)}
		}
		if pos < min {
			return StreamToken{}, &MalformedTokenError{
				Reason: fmt.Sprintf("writer %s at %d is behind min_stream %d", writer, pos, min),
			}
		}
		if pos == min {
			continue
		}
		if t.instanceMap == nil {
			t.instanceMap = make(map[string]StreamPosition, len(positions))
		}
		t.instanceMap[writer] = pos
	}
	return t, nil
}

// MinStream is the lower bound valid for every writer.
func (t StreamToken) MinStream() StreamPosition {
	return t.minStream
}

// IsMultiWriter reports whether any writer is ahead of MinStream.
func (t StreamToken) IsMultiWriter() bool {
	return len(t.instanceMap) > 0
}

// Position returns the position of the given writer.
func (t StreamToken) Position(writer string) StreamPosition {
	if pos, ok := t.instanceMap[writer]; ok {
		return pos
	}
	return t.minStream
}

// MaxPosition returns the highest position across all writers. It is only a
// conservative upper bound and must not be used to decide whether an event on a
// specific writer has been seen.
func (t StreamToken) MaxPosition() StreamPosition {
	max := t.minStream
	for _, pos := range t.instanceMap {
		if pos > max {
			max = pos
		}
	}
	return max
}

// Writers returns the writers in the instance map, sorted.
func (t StreamToken) Writers() []string {
	writers := make([]string, 0, len(t.instanceMap))
	for writer := range t.instanceMap {
		writers = append(writers, writer)
	}
	sort.Strings(writers)
	return writers
}

// CompareForWriter compares the two tokens from the point of view of a single
// writer, returning -1, 0 or 1.
func (t StreamToken) CompareForWriter(other StreamToken, writer string) int {
	a, b := t.Position(writer), other.Position(writer)
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsAfter reports whether the token has seen the event at pos.
func (t StreamToken) IsAfter(pos WriterPosition) bool {
	return pos.Position <= t.Position(pos.Writer)
}

// Equal reports whether both tokens resolve every writer to the same position.
func (t StreamToken) Equal(other StreamToken) bool {
	if t.minStream != other.minStream || len(t.instanceMap) != len(other.instanceMap) {
		return false
	}
	for writer, pos := range t.instanceMap {
		if other.Position(writer) != pos {
			return false
		}
	}
	return true
}

// InRange reports whether an event at pos falls in the window (from, to]. A nil
// from means the window starts at the beginning of the stream.
func InRange(from *StreamToken, to StreamToken, pos WriterPosition) bool {
	if from != nil && pos.Position <= from.Position(pos.Writer) {
		return false
	}
	return to.IsAfter(pos)
}

// String serialises the token as "s{pos}" or "m{min}~{writer}.{pos}~...".
func (t StreamToken) String() string {
	if len(t.instanceMap) == 0 {
		return fmt.Sprintf("s%d", t.minStream)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "m%d", t.minStream)
	for _, writer := range t.Writers() {
		fmt.Fprintf(&sb, "~%s.%d", writer, t.instanceMap[writer])
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (t StreamToken) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *StreamToken) UnmarshalText(text []byte) error {
	parsed, err := ParseStreamToken(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseStreamToken parses the output of StreamToken.String.
func ParseStreamToken(s string) (StreamToken, error) {
	malformed := func(reason string) (StreamToken, error) {
		return StreamToken{}, &MalformedTokenError{Token: s, Reason: reason}
	}
	if len(s) < 2 {
		return malformed("token too short")
	}
	switch s[0] {
	case 's':
		pos, err := strconv.ParseInt(s[1:], 10, 64)
		if err != nil || pos < 0 {
			return malformed("invalid scalar position")
		}
		return NewScalarStreamToken(StreamPosition(pos)), nil
	case 'm':
		parts := strings.Split(s[1:], "~")
		min, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || min < 0 {
			return malformed("invalid min_stream")
		}
		positions := make(map[string]StreamPosition, len(parts)-1)
		for _, part := range parts[1:] {
			i := strings.LastIndex(part, ".")
			if i <= 0 || i == len(part)-1 {
				return malformed(fmt.Sprintf("invalid writer entry %q", part))
			}
			writer := part[:i]
			pos, err := strconv.ParseInt(part[i+1:], 10, 64)
			if err != nil {
				return malformed(fmt.Sprintf("invalid position for writer %s", writer))
			}
			if _, dup := positions[writer]; dup {
				return malformed(fmt.Sprintf("duplicate writer %s", writer))
			}
			positions[writer] = StreamPosition(pos)
		}
		token, err := NewMultiWriterStreamToken(StreamPosition(min), positions)
		if err != nil {
			if mte, ok := err.(*MalformedTokenError); ok {
				mte.Token = s
			}
			return StreamToken{}, err
		}
		return token, nil
	default:
		return malformed("unknown token prefix")
	}
}
