package mock

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
)

// Stream provides a simplified implementation of s3streamer.Streamer for
// testing purposes. It reads the object straight from the account,
// decompresses .gz keys and calls fn for every line from offset on.
func (c *S3Client) Stream(ctx context.Context, bucket, key string, offset int64, fn func([]byte, int64) error) error {
	content, ok := c.a.Object(bucket, key)
	if !ok {
		return fmt.Errorf("mock S3: key not found: %s/%s", bucket, key)
	}

	var r io.Reader = bytes.NewReader(content)
	if strings.HasSuffix(key, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("mock S3: failed to open gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var pos int64
	for scanner.Scan() {
		line := scanner.Bytes()
		start := pos
		pos += int64(len(line)) + 1
		if start < offset {
			continue
		}
		if err := fn(line, start); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error scanning lines: %w", err)
	}
	return nil
}
