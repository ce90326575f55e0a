package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"url-relay/internal/pipe"
)

// downloadSession drives the inbound request and feeds the pipe.
type downloadSession struct {
	url       string
	header    http.Header
	client    Doer
	sink      *pipe.Pipe
	chunkSize int
	limiter   *rate.Limiter
	logger    *slog.Logger

	completed *atomic.Int64
	size      *atomic.Int64
}

// Run performs the GET and forwards the response header lines, exactly one
// EndOfHeaders, then the body as Bytes messages. EndOfHeaders is sent even
// when the request fails, so the consumer never waits on a header phase
// that will not come. The finishing signals are left to the caller.
func (d *downloadSession) Run(ctx context.Context) error {
	resp, err := d.do(ctx)
	if err != nil {
		if sendErr := d.sink.Send(ctx, pipe.EndOfHeaders()); sendErr != nil {
			d.logger.Debug("end of headers not delivered", "err", sendErr)
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	d.size.Store(resp.ContentLength)
	d.logger.Debug("download response",
		"status", resp.StatusCode,
		"content_length", resp.ContentLength,
	)

	for _, line := range responseHeaderLines(resp) {
		if err := d.sink.Send(ctx, pipe.HeaderLine(line)); err != nil {
			return fmt.Errorf("download: %w", err)
		}
	}
	if err := d.sink.Send(ctx, pipe.EndOfHeaders()); err != nil {
		return fmt.Errorf("download: %w", err)
	}

	buf := make([]byte, d.chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if d.limiter != nil {
				if err := d.limiter.WaitN(ctx, n); err != nil {
					return fmt.Errorf("download: %w", err)
				}
			}
			// buf is reused by the next Read.
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := d.sink.Send(ctx, pipe.Bytes(chunk)); err != nil {
				return fmt.Errorf("download: %w", err)
			}
			d.completed.Add(int64(n))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read download body: %w", readErr)
		}
	}
}

func (d *downloadSession) do(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	applyHeader(req, d.header)

	resp, err := d.client.Do(req) //nolint:bodyclose // closed by Run
	if err != nil {
		return nil, fmt.Errorf("download request: %w", err)
	}
	return resp, nil
}
