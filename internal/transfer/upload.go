package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-http-utils/headers"
	"go.uber.org/atomic"

	"url-relay/internal/framing"
	"url-relay/internal/pipe"
)

// drainTimeout bounds the wait for the client to collect Stop after the
// upload response has been copied.
const drainTimeout = 5 * time.Second

type uploadPhase uint8

const (
	// nothing written yet; the next Bytes gets the envelope head prepended
	phaseHead uploadPhase = iota
	phaseBody
	// epilogue handed out, waiting for Stop
	phaseFinishing
	phaseDone
)

// downloadInfo is what the upload side learns from the header phase.
type downloadInfo struct {
	contentType   string
	contentLength int64
}

// uploadSession drives the outbound request. It is the request body: the
// HTTP client pulls from Read, which pulls from the pipe, and calls Close
// when it is done with it.
type uploadSession struct {
	// closed once the body has yielded io.EOF or been closed
	drained   chan struct{}
	drainOnce sync.Once

	spec       *Spec
	header     http.Header
	client     Doer
	source     *pipe.Pipe
	sniff      bool
	onResponse func(status int, header http.Header)
	logger     *slog.Logger

	// Body state, touched only by the goroutine calling Read.
	ctx        context.Context
	cancelBody context.CancelFunc
	phase      uploadPhase
	head       []byte
	epilogue   []byte
	pending    []byte
	peeked     *pipe.Message

	finishing atomic.Bool
	fault     atomic.Error
}

// Run waits for the download's header phase, composes the envelope, sends
// the upload request and copies the response body to out.
func (u *uploadSession) Run(ctx context.Context, out io.Writer) error {
	u.ctx, u.cancelBody = context.WithCancel(ctx)
	defer u.cancelBody()

	info, err := u.readHeaders(ctx)
	if err != nil {
		return err
	}

	settings := resolveOptions(u.spec.UploadOptions)
	contentType := settings.contentType
	if contentType == "" {
		contentType = info.contentType
	}
	if contentType == "" && u.sniff {
		if contentType, err = u.sniffContentType(ctx); err != nil {
			return err
		}
	}
	fileName := settings.fileName
	if fileName == "" {
		fileName = framing.FileNameFromURL(u.spec.DownloadURL)
	}

	boundary := u.spec.Boundary
	u.head = append(framing.FieldEntries(boundary, u.spec.FormFields),
		framing.Preamble(boundary, settings.fieldName, fileName, contentType)...)
	u.epilogue = framing.Epilogue(boundary)

	req, err := http.NewRequestWithContext(ctx, string(settings.method), u.spec.UploadURL, u)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	applyHeader(req, u.header)
	req.Header.Set(headers.ContentType, framing.ContentTypeHeader(boundary))
	if info.contentLength >= 0 {
		req.ContentLength = int64(len(u.head)+len(u.epilogue)) + info.contentLength
	}

	u.logger.Debug("upload request",
		"method", req.Method,
		"field_name", settings.fieldName,
		"file_name", fileName,
		"content_type", contentType,
		"content_length", req.ContentLength,
	)

	resp, err := u.client.Do(req) //nolint:bodyclose // closed below
	if fault := u.fault.Load(); fault != nil {
		if err == nil {
			_ = resp.Body.Close()
		}
		return fault
	}
	if err != nil {
		return fmt.Errorf("upload request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if u.onResponse != nil {
		u.onResponse(resp.StatusCode, resp.Header)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read upload response: %w", err)
	}

	// A target may answer once the epilogue is in, while the client still
	// reads once more for EOF. Stop has to reach that read, or the client
	// sees a broken body and drops the connection.
	if u.Finishing() {
		u.awaitDrain(ctx)
	}
	return nil
}

// Close implements io.Closer for the HTTP client. A pending Read returns.
func (u *uploadSession) Close() error {
	u.markDrained()
	if u.cancelBody != nil {
		u.cancelBody()
	}
	return nil
}

func (u *uploadSession) markDrained() {
	if u.drained == nil {
		return
	}
	u.drainOnce.Do(func() { close(u.drained) })
}

func (u *uploadSession) awaitDrain(ctx context.Context) {
	t := time.NewTimer(drainTimeout)
	defer t.Stop()
	select {
	case <-u.drained:
	case <-ctx.Done():
	case <-t.C:
		u.logger.Debug("request body not drained", "timeout", drainTimeout)
	}
}

// Finishing reports whether the epilogue has been handed to the client,
// i.e. the whole multipart body has been produced.
func (u *uploadSession) Finishing() bool {
	return u.finishing.Load()
}

// readHeaders consumes the header phase. No Bytes may arrive before
// EndOfHeaders.
func (u *uploadSession) readHeaders(ctx context.Context) (downloadInfo, error) {
	info := downloadInfo{contentLength: -1}
	for {
		msg, err := u.source.Recv(ctx)
		if err != nil {
			return info, fmt.Errorf("upload: waiting for download headers: %w", err)
		}

		switch msg.Kind {
		case pipe.KindHeaderLine:
			name, value, ok := splitHeaderLine(msg.Line)
			if !ok {
				continue
			}
			switch {
			case strings.EqualFold(name, headers.ContentType):
				info.contentType = value
			case strings.EqualFold(name, headers.ContentLength):
				if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
					info.contentLength = n
				}
			}
		case pipe.KindEndOfHeaders:
			return info, nil
		default:
			return info, u.violation("header phase", msg, "HeaderLine or EndOfHeaders")
		}
	}
}

// sniffContentType peeks at the first body message and detects its type.
// The peeked message is replayed by the first Read.
func (u *uploadSession) sniffContentType(ctx context.Context) (string, error) {
	msg, err := u.source.Recv(ctx)
	if err != nil {
		return "", fmt.Errorf("upload: waiting for first chunk: %w", err)
	}
	u.peeked = &msg
	if msg.Kind != pipe.KindBytes {
		return "", nil
	}
	return mimetype.Detect(msg.Data).String(), nil
}

// Read implements io.Reader for the HTTP client. Payloads larger than p are
// carried over to the following calls.
func (u *uploadSession) Read(p []byte) (int, error) {
	for len(u.pending) == 0 {
		if fault := u.fault.Load(); fault != nil {
			return 0, fault
		}
		chunk, err := u.next(u.ctx)
		if err != nil {
			return 0, err
		}
		u.pending = chunk
	}
	n := copy(p, u.pending)
	u.pending = u.pending[n:]
	return n, nil
}

// next returns the outgoing bytes produced by the next pipe message, or
// io.EOF once Stop has been seen.
func (u *uploadSession) next(ctx context.Context) ([]byte, error) {
	if u.phase == phaseDone {
		return nil, io.EOF
	}

	msg, err := u.recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	switch u.phase {
	case phaseHead:
		switch msg.Kind {
		case pipe.KindBytes:
			u.phase = phaseBody
			return concat(u.head, msg.Data), nil
		case pipe.KindPrepareToFinish:
			// empty download
			u.phase = phaseFinishing
			u.finishing.Store(true)
			return concat(u.head, u.epilogue), nil
		}
		return nil, u.violation("first body read", msg, "Bytes or PrepareToFinish")
	case phaseBody:
		switch msg.Kind {
		case pipe.KindBytes:
			return msg.Data, nil
		case pipe.KindPrepareToFinish:
			u.phase = phaseFinishing
			u.finishing.Store(true)
			return u.epilogue, nil
		}
		return nil, u.violation("body", msg, "Bytes or PrepareToFinish")
	case phaseFinishing:
		if msg.Kind == pipe.KindStop {
			u.phase = phaseDone
			u.markDrained()
			return nil, io.EOF
		}
		return nil, u.violation("finishing", msg, "Stop")
	}
	return nil, u.violation("unknown phase", msg, "nothing")
}

func (u *uploadSession) recv(ctx context.Context) (pipe.Message, error) {
	if u.peeked != nil {
		msg := *u.peeked
		u.peeked = nil
		return msg, nil
	}
	return u.source.Recv(ctx)
}

func (u *uploadSession) violation(phase string, got pipe.Message, want string) error {
	err := &ProtocolError{Phase: phase, Got: got, Want: want}
	u.fault.Store(err)
	u.logger.Error("protocol violation", "err", err)
	return err
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
