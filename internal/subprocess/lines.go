package subprocess

import (
	"bufio"
	"bytes"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// maxLineSize bounds a single captured line. Longer lines fail the run with
// ErrIO after the rest of the stream has been drained.
var maxLineSize = 64 << 20

// scanUniversalLines is a bufio.SplitFunc that terminates lines on "\n",
// "\r\n" or a lone "\r". Terminators are not part of the token and a final
// unterminated line is still returned.
func scanUniversalLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if !atEOF {
			// A "\r" at the end of the buffer may be the first half of "\r\n".
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// lineCollector drains one output stream into an ordered slice of lines.
type lineCollector struct {
	lines []string
	err   error
}

func (c *lineCollector) drain(r io.Reader, enc encoding.Encoding) {
	if enc != nil {
		r = transform.NewReader(r, enc.NewDecoder())
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(scanUniversalLines)
	for scanner.Scan() {
		c.lines = append(c.lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.err = err
		// Keep the pipe empty so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}
}
