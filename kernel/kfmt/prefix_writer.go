package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Sub-systems use it to tag their boot
// messages (e.g. "[pmm] ").
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is true when the last write did not end with a line feed.
	midLine bool
}

// Write forwards p to the sink, emitting the prefix before the first byte of
// every line. The returned byte count does not include injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, start int

	for start < len(p) {
		if !w.midLine {
			w.Sink.Write(w.Prefix)
			w.midLine = true
		}

		end := start
		for end < len(p) && p[end] != '\n' {
			end++
		}
		if end < len(p) {
			// include the line feed and start a new line
			end++
			w.midLine = false
		}

		n, err := w.Sink.Write(p[start:end])
		written += n
		if err != nil {
			return written, err
		}
		start = end
	}

	return written, nil
}
