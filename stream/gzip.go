package stream

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

func gzipBytes(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		zw.Close()
		return nil, fmt.Errorf("stream: gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("stream: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(p []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("stream: gzip open: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("stream: gzip read: %w", err)
	}
	return out, nil
}
