/*
Copyright 2016 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package fixture loads captured iSCSI traffic for tests: Wireshark style
// hex dumps and pcap captures.
package fixture

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// bytes per dump line
const lineWidth = 16

func isHexByte(tok string) bool {
	if len(tok) != 2 {
		return false
	}
	_, err := strconv.ParseUint(tok, 16, 8)
	return err == nil
}

// isOffset reports whether tok is the offset column of a dump line,
// e.g. "0000", "0010:" or "00000020".
func isOffset(tok string) bool {
	tok = strings.TrimSuffix(tok, ":")
	if len(tok) < 4 {
		return false
	}
	_, err := strconv.ParseUint(tok, 16, 64)
	return err == nil
}

// parseLine returns the bytes of one dump line. A line with an offset
// column holds at most lineWidth bytes, anything after them is the
// ASCII column.
func parseLine(line string) ([]byte, error) {
	if i := strings.IndexByte(line, '|'); i >= 0 {
		line = line[:i]
	}
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil, nil
	}
	limit, hasOffset := len(toks), isOffset(toks[0])
	if hasOffset {
		toks = toks[1:]
		limit = lineWidth
	}
	var out []byte
	for _, tok := range toks {
		if len(out) == limit || !isHexByte(tok) {
			break
		}
		v, _ := strconv.ParseUint(tok, 16, 8)
		out = append(out, byte(v))
	}
	if len(out) == 0 && len(toks) > 0 && !hasOffset {
		return nil, fmt.Errorf("no hex bytes in %q", line)
	}
	return out, nil
}

// ParseHex decodes a hex dump held in a string, "43 00 02 02" or
// multi line dumps with offsets.
func ParseHex(s string) ([]byte, error) {
	msgs, err := ReadHexMessages(strings.NewReader(s))
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, m := range msgs {
		out = append(out, m...)
	}
	return out, nil
}

// ReadHexMessages reads hex dumps separated by blank lines. Lines
// starting with '#' are comments.
func ReadHexMessages(r io.Reader) ([][]byte, error) {
	var (
		msgs [][]byte
		cur  []byte
		n    int
	)
	flush := func() {
		if len(cur) > 0 {
			msgs = append(msgs, cur)
			cur = nil
		}
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		if line == "" {
			flush()
			continue
		}
		b, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		cur = append(cur, b...)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return msgs, nil
}

// HexDump creates a hex dump of data that ReadHexMessages reads back.
func HexDump(data []byte) string {
	var sb strings.Builder
	for i := 0; i < len(data); i += lineWidth {
		fmt.Fprintf(&sb, "%04x  ", i)
		for j := 0; j < lineWidth; j++ {
			if i+j < len(data) {
				fmt.Fprintf(&sb, "%02x ", data[i+j])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" |")
		for j := 0; j < lineWidth && i+j < len(data); j++ {
			b := data[i+j]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
