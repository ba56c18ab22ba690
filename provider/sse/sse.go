// Package sse reads server-sent event streams the way LLM APIs emit them:
// "data: {json}" lines, blank separators, and an optional terminal
// sentinel handled by the caller.
package sse

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

// maxLine bounds a single SSE payload line.
const maxLine = 1024 * 1024

// Lines yields the data payload of each SSE event in order. Non-data lines
// (comments, event names, blanks) are skipped. A scan failure yields one
// ("", err) pair and stops.
func Lines(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			if !yield(data, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}
