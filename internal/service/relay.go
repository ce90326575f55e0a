// Package service builds relays from configuration and requests, runs them
// and records their outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/go-http-utils/headers"

	"url-relay/internal/client"
	"url-relay/internal/config"
	"url-relay/internal/framing"
	"url-relay/internal/metrics"
	"url-relay/internal/model"
	"url-relay/internal/transfer"
)

// ErrInvalidRequest is returned when a relay request cannot be turned into a
// transfer: missing or disallowed URLs, unknown methods or malformed headers.
var ErrInvalidRequest = errors.New("invalid relay request")

const userAgent = "url-relay/1.0"

// forwardableResponseHeaders are the upload target's response headers passed
// on to API clients.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Encoding": true,
	"Content-Language": true,
	"Cache-Control":    true,
	"Etag":             true,
	"Location":         true,
	"Date":             true,
}

// RelayService runs relays with the shared HTTP client.
type RelayService struct {
	client  transfer.Doer
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayService creates a RelayService.
// The metrics parameter is optional; pass nil to disable relay metrics.
func NewRelayService(c *client.HTTPClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return newRelayService(c, cfg, logger, m)
}

func newRelayService(c transfer.Doer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
	}
}

// RelayOption customizes a single Relay call.
type RelayOption func(*relayRun)

type relayRun struct {
	progress   func(current, total int64)
	interval   time.Duration
	onResponse func(status int, header http.Header)
}

// WithProgress calls fn every interval with the bytes downloaded so far and
// the download size (-1 if unknown), and once more at the end.
func WithProgress(fn func(current, total int64), interval time.Duration) RelayOption {
	return func(r *relayRun) {
		r.progress = fn
		r.interval = interval
	}
}

// WithUploadResponse calls fn with the upload target's status and headers
// before any of its body is written to the output.
func WithUploadResponse(fn func(status int, header http.Header)) RelayOption {
	return func(r *relayRun) { r.onResponse = fn }
}

// Relay validates req, relays its download into its upload and writes the
// upload target's response body to out.
func (s *RelayService) Relay(ctx context.Context, req *model.RelayRequest, out io.Writer, opts ...RelayOption) (*model.RelayResult, error) {
	var run relayRun
	for _, opt := range opts {
		opt(&run)
	}

	spec, err := s.buildSpec(req)
	if err != nil {
		return nil, err
	}

	result := &model.RelayResult{Size: -1}
	// Called on the upload goroutine; Perform returning orders it before
	// the reads below.
	hook := func(status int, header http.Header) {
		result.UploadStatus = status
		if run.onResponse != nil {
			run.onResponse(status, header)
		}
	}

	m := transfer.NewManager(spec, s.client,
		transfer.WithLogger(s.logger),
		transfer.WithChunkSize(s.cfg.Transfer.ChunkSizeBytes()),
		transfer.WithRateLimit(s.cfg.Transfer.RateLimitBytes()),
		transfer.WithContentSniffing(s.cfg.Upload.DetectContentType),
		transfer.WithResponseHook(hook),
	)

	logger := s.logger.With(
		"download_host", hostOf(spec.DownloadURL),
		"upload_host", hostOf(spec.UploadURL),
	)
	logger.Info("relay started", "boundary", m.Boundary())

	if s.metrics != nil {
		s.metrics.RelaysInFlight.Inc()
		defer s.metrics.RelaysInFlight.Dec()
	}

	start := time.Now()
	if run.progress != nil {
		err = m.PerformAndPoll(ctx, out, run.progress, run.interval)
	} else {
		err = m.Perform(ctx, out)
	}
	result.Duration = time.Since(start)
	result.Bytes = m.Completed()
	result.Size = m.Size()

	s.record(ctx, logger, result, err)
	return result, err
}

// record logs the relay outcome and updates metrics.
func (s *RelayService) record(ctx context.Context, logger *slog.Logger, result *model.RelayResult, err error) {
	outcome := classify(ctx, err)

	if s.metrics != nil {
		s.metrics.RelaysTotal.WithLabelValues(outcome).Inc()
		s.metrics.RelayDuration.Observe(result.Duration.Seconds())
		s.metrics.RelayBytes.Add(float64(result.Bytes))
	}

	attrs := []any{
		"outcome", outcome,
		"bytes", result.Bytes,
		"size", units.HumanSize(float64(result.Bytes)),
		"duration", result.Duration.Round(time.Millisecond).String(),
		"upload_status", result.UploadStatus,
	}
	switch outcome {
	case metrics.OutcomeSuccess:
		logger.Info("relay finished", attrs...)
	case metrics.OutcomeCanceled:
		logger.Warn("relay canceled", append(attrs, "err", err)...)
	default:
		logger.Error("relay failed", append(attrs, "err", err)...)
	}
}

func classify(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, transfer.ErrProtocolViolation):
		return metrics.OutcomeProtocolError
	case ctx.Err() != nil:
		return metrics.OutcomeCanceled
	}
	if side, ok := transfer.FailedSide(err); ok && side == transfer.SideUpload {
		return metrics.OutcomeUploadError
	}
	return metrics.OutcomeDownloadError
}

// buildSpec merges configuration defaults with req. Request values are
// applied after configured ones, so they win.
func (s *RelayService) buildSpec(req *model.RelayRequest) (transfer.Spec, error) {
	downloadURL := strings.TrimSpace(req.DownloadURL)
	uploadURL := strings.TrimSpace(req.UploadURL)
	if downloadURL == "" || uploadURL == "" {
		return transfer.Spec{}, fmt.Errorf("%w: download_url and upload_url are required", ErrInvalidRequest)
	}
	if err := config.CheckHost(downloadURL, s.cfg.Server.AllowedDownloadHosts); err != nil {
		return transfer.Spec{}, fmt.Errorf("%w: download_url: %w", ErrInvalidRequest, err)
	}
	if err := config.CheckHost(uploadURL, s.cfg.Server.AllowedUploadHosts); err != nil {
		return transfer.Spec{}, fmt.Errorf("%w: upload_url: %w", ErrInvalidRequest, err)
	}

	var options []transfer.UploadOption
	for _, src := range []struct {
		fieldName, fileName, contentType, method string
	}{
		{s.cfg.Upload.FieldName, s.cfg.Upload.FileName, s.cfg.Upload.ContentType, s.cfg.Upload.Method},
		{req.FieldName, req.FileName, req.ContentType, req.Method},
	} {
		if src.fieldName != "" {
			options = append(options, transfer.FieldName(src.fieldName))
		}
		if src.fileName != "" {
			options = append(options, transfer.FileName(src.fileName))
		}
		if src.contentType != "" {
			if !framing.ValidHeaderValue(src.contentType) {
				return transfer.Spec{}, fmt.Errorf("%w: content_type must not contain line breaks", ErrInvalidRequest)
			}
			options = append(options, transfer.ContentType(src.contentType))
		}
		if strings.TrimSpace(src.method) != "" {
			method, ok := transfer.ParseMethod(src.method)
			if !ok {
				return transfer.Spec{}, fmt.Errorf("%w: method must be post or put; got %q", ErrInvalidRequest, src.method)
			}
			options = append(options, transfer.RequestMethod(method))
		}
	}

	downloadHeaders := withUserAgent(concatLines(s.cfg.Download.Headers, req.DownloadHeaders))
	uploadHeaders := withUserAgent(concatLines(s.cfg.Upload.Headers, req.UploadHeaders))
	if _, err := transfer.ParseHeaders(downloadHeaders); err != nil {
		return transfer.Spec{}, fmt.Errorf("%w: download headers: %w", ErrInvalidRequest, err)
	}
	if _, err := transfer.ParseHeaders(uploadHeaders); err != nil {
		return transfer.Spec{}, fmt.Errorf("%w: upload headers: %w", ErrInvalidRequest, err)
	}

	fields := make(map[string]string, len(s.cfg.Upload.FormFields)+len(req.FormFields))
	for k, v := range s.cfg.Upload.FormFields {
		fields[k] = v
	}
	for k, v := range req.FormFields {
		fields[k] = v
	}

	return transfer.Spec{
		DownloadURL:     downloadURL,
		UploadURL:       uploadURL,
		DownloadHeaders: downloadHeaders,
		UploadHeaders:   uploadHeaders,
		UploadOptions:   options,
		FormFields:      framing.SortedFields(fields),
		Boundary:        s.cfg.Transfer.Boundary,
	}, nil
}

// ResponseHeaders returns the subset of the upload target's response headers
// that is passed on to API clients.
func ResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

func concatLines(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// withUserAgent adds the relay's User-Agent unless lines already set one.
func withUserAgent(lines []string) []string {
	for _, line := range lines {
		name, _, _ := strings.Cut(line, ":")
		if strings.EqualFold(strings.TrimSpace(name), headers.UserAgent) {
			return lines
		}
	}
	return append(lines, headers.UserAgent+": "+userAgent)
}

// hostOf returns the host of rawURL for logging; paths and queries may carry
// credentials.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
