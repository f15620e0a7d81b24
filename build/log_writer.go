package build

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

// LogWriter is an io.Writer that splits its input into lines and emits each
// complete line as a log entry. Tool output is streamed through it so that
// every line carries the tool's log fields.
type LogWriter struct {
	// Entry receives one log call per line.
	Entry *logrus.Entry

	// Level used for every line.
	Level logrus.Level

	// partial holds bytes written since the last line feed.
	partial []byte
}

// Write logs every complete line in p and buffers the trailing partial line
// until the next line feed or Flush. It never fails.
func (w *LogWriter) Write(p []byte) (int, error) {
	var startIndex, curIndex int

	for ; curIndex < len(p); curIndex++ {
		if p[curIndex] != '\n' {
			continue
		}

		if len(w.partial) != 0 {
			w.partial = append(w.partial, p[startIndex:curIndex]...)
			w.emit(w.partial)
			w.partial = w.partial[:0]
		} else {
			w.emit(p[startIndex:curIndex])
		}
		startIndex = curIndex + 1
	}

	if startIndex < curIndex {
		w.partial = append(w.partial, p[startIndex:curIndex]...)
	}

	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LogWriter) Flush() {
	if len(w.partial) != 0 {
		w.emit(w.partial)
		w.partial = w.partial[:0]
	}
}

func (w *LogWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.Entry.Log(w.Level, string(line))
}
