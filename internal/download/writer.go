// Package download implements the streaming sink that pulls a file out of a
// remote image and onto local disk: a bounded producer/
// consumer queue feeding a worker-thread writer, with atomic temp-file +
// rename so the destination is never partially present.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// queueCapacity bounds the number of pending chunks between the producer
// (reading the HTTP stream) and the consumer (writing to disk).
const queueCapacity = 16

// circuitBreaker is the "don't deadlock if the writer stalls" timeout on the
// producer's wait for a free queue slot. It is defense-in-depth, not a correctness mechanism: the
// writer goroutine only ever blocks on a single os.File.Write, which cannot
// hang indefinitely on a local filesystem.
const circuitBreaker = 1 * time.Second

// WriteFile drains r into dst atomically: it streams chunks through a
// bounded channel to a writer goroutine that holds a sibling temp file, and
// renames the temp file into place only once the stream completes
// successfully. If r returns an error mid-stream, the temp file is removed
// and dst is left untouched; any pre-existing file at dst survives
// byte-for-byte.
//
// chunkSize controls how much is read from r per iteration; callers
// streaming from an HTTP response body typically pass its natural chunk
// size.
func WriteFile(ctx context.Context, dst string, r io.Reader, chunkSize int, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("download: creating destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("download: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	type writeResult struct {
		n   int64
		err error
	}

	chunks := make(chan []byte, queueCapacity)
	done := make(chan writeResult, 1)

	go func() {
		var total int64

		for chunk := range chunks {
			if _, werr := tmp.Write(chunk); werr != nil {
				done <- writeResult{n: total, err: werr}

				// Drain so the producer's send never blocks forever.
				for range chunks { //nolint:revive // intentional drain
				}

				return
			}

			total += int64(len(chunk))
		}

		done <- writeResult{n: total, err: nil}
	}()

	produceErr := produce(ctx, r, chunks, chunkSize, logger)
	close(chunks)

	result := <-done

	closeErr := tmp.Close()

	if produceErr != nil || result.err != nil {
		os.Remove(tmpPath)

		if produceErr != nil {
			return 0, fmt.Errorf("download: reading source stream: %w", produceErr)
		}

		return 0, fmt.Errorf("download: writing %s: %w", tmpPath, result.err)
	}

	if closeErr != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("download: closing temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("download: renaming temp file into place: %w", err)
	}

	return result.n, nil
}

// produce reads fixed-size chunks from r and sends them on chunks, applying
// the circuit-breaker timeout described above before each blocking send.
func produce(ctx context.Context, r io.Reader, chunks chan<- []byte, chunkSize int, logger *slog.Logger) error {
	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			if sendErr := sendWithBreaker(ctx, chunks, chunk, logger); sendErr != nil {
				return sendErr
			}
		}

		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}
	}
}

// sendWithBreaker sends chunk on chunks, logging (but not failing) if the
// consumer hasn't drained a slot within circuitBreaker — the producer keeps
// waiting afterward, since the channel send itself is what provides
// backpressure.
func sendWithBreaker(ctx context.Context, chunks chan<- []byte, chunk []byte, logger *slog.Logger) error {
	timer := time.NewTimer(circuitBreaker)
	defer timer.Stop()

	select {
	case chunks <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		logger.Debug("download writer queue still full after circuit-breaker timeout, continuing to wait")

		select {
		case chunks <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
