package cli

import (
	"bufio"
	"fmt"
	"os"
)

// fileSink appends NDJSON console records to a side file while tail keeps
// printing to stdout. Writes are buffered; Close flushes.
type fileSink struct {
	file *os.File
	buf  *bufio.Writer
}

func openFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &fileSink{file: f, buf: bufio.NewWriter(f)}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	if s == nil || s.buf == nil {
		return len(p), nil
	}
	return s.buf.Write(p)
}

func (s *fileSink) Close() {
	if s == nil {
		return
	}
	if s.buf != nil {
		_ = s.buf.Flush()
	}
	if s.file != nil {
		_ = s.file.Close()
	}
}
