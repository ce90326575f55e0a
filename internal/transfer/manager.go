package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"url-relay/internal/framing"
	"url-relay/internal/pipe"
)

// DefaultChunkSize is the size of the download read buffer.
const DefaultChunkSize = 32 * 1024

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithChunkSize sets the download read buffer size.
func WithChunkSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithRateLimit caps the download at bytesPerSecond. Zero disables it.
func WithRateLimit(bytesPerSecond int) Option {
	return func(m *Manager) { m.bytesPerSecond = bytesPerSecond }
}

// WithContentSniffing detects the file part's content type from the first
// chunk when neither an option nor the download provides one.
func WithContentSniffing(enabled bool) Option {
	return func(m *Manager) { m.sniff = enabled }
}

// WithResponseHook is called with the upload target's status and headers
// before its body is copied to the output.
func WithResponseHook(fn func(status int, header http.Header)) Option {
	return func(m *Manager) { m.onResponse = fn }
}

// Manager owns one relay: the spec, the pipe and both sessions.
type Manager struct {
	client         Doer
	logger         *slog.Logger
	chunkSize      int
	bytesPerSecond int
	sniff          bool
	onResponse     func(status int, header http.Header)

	mu      sync.Mutex
	spec    Spec
	started bool

	completed atomic.Int64
	size      atomic.Int64
}

// NewManager returns a Manager for spec. A random boundary is generated when
// spec.Boundary is empty.
func NewManager(spec Spec, client Doer, opts ...Option) *Manager {
	spec = spec.clone()
	if spec.Boundary == "" {
		spec.Boundary = framing.NewBoundary()
	}
	m := &Manager{
		client:    client,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		chunkSize: DefaultChunkSize,
		spec:      spec,
	}
	m.size.Store(-1)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetUploadOptions replaces the upload options.
func (m *Manager) SetUploadOptions(opts ...UploadOption) error {
	return m.update(func(s *Spec) { s.UploadOptions = append([]UploadOption(nil), opts...) })
}

// SetUploadHeaders replaces the extra upload headers ("Name: value").
func (m *Manager) SetUploadHeaders(lines ...string) error {
	return m.update(func(s *Spec) { s.UploadHeaders = append([]string(nil), lines...) })
}

// SetDownloadHeaders replaces the extra download headers ("Name: value").
func (m *Manager) SetDownloadHeaders(lines ...string) error {
	return m.update(func(s *Spec) { s.DownloadHeaders = append([]string(nil), lines...) })
}

// SetFormFields replaces the plain form fields sent before the file part.
func (m *Manager) SetFormFields(fields ...framing.Field) error {
	return m.update(func(s *Spec) { s.FormFields = append([]framing.Field(nil), fields...) })
}

func (m *Manager) update(fn func(*Spec)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	fn(&m.spec)
	return nil
}

// Boundary returns the multipart boundary of this relay.
func (m *Manager) Boundary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spec.Boundary
}

// Completed returns the number of body bytes downloaded so far.
func (m *Manager) Completed() int64 {
	return m.completed.Load()
}

// Size returns the download size, or -1 while unknown.
func (m *Manager) Size() int64 {
	return m.size.Load()
}

// Perform runs the relay: the upload side on its own goroutine, the
// download side on the caller's. The upload response body is copied to out.
// It can be called once; later calls return ErrAlreadyStarted.
//
// A download error is returned unless the download was only aborted because
// the upload failed or stopped reading, in which case the upload's error is
// returned. A download that fails on its own wins even if the upload then
// fails too. Either way the error is a *SideError naming the side that
// failed. Protocol violations take precedence over everything else and are
// returned as is.
func (m *Manager) Perform(ctx context.Context, out io.Writer) error {
	spec, err := m.start()
	if err != nil {
		return err
	}

	downloadHeader, err := ParseHeaders(spec.DownloadHeaders)
	if err != nil {
		return fmt.Errorf("download headers: %w", err)
	}
	uploadHeader, err := ParseHeaders(spec.UploadHeaders)
	if err != nil {
		return fmt.Errorf("upload headers: %w", err)
	}

	p := pipe.New()
	defer p.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	// Cancelled once the upload goroutine returns, so finishing signals
	// nobody will read are dropped instead of blocking.
	uploadCtx, uploadDone := context.WithCancelCause(ctx)
	defer uploadDone(nil)

	logger := m.logger.With("download_url", spec.DownloadURL, "upload_url", spec.UploadURL)

	up := &uploadSession{
		drained:    make(chan struct{}),
		spec:       &spec,
		header:     uploadHeader,
		client:     m.client,
		source:     p,
		sniff:      m.sniff,
		onResponse: m.onResponse,
		logger:     logger.With("side", "upload"),
	}
	down := &downloadSession{
		url:       spec.DownloadURL,
		header:    downloadHeader,
		client:    m.client,
		sink:      p,
		chunkSize: m.chunkSize,
		limiter:   m.limiter(),
		logger:    logger.With("side", "download"),
		completed: &m.completed,
		size:      &m.size,
	}

	var (
		g          errgroup.Group
		uploadFail bool
		endedEarly bool
	)
	g.Go(func() error {
		defer uploadDone(errors.New("upload returned"))
		err := up.Run(ctx, out)
		switch {
		case err != nil:
			uploadFail = true
			cancel(err)
		case !up.Finishing():
			endedEarly = true
			cancel(ErrUploadEndedEarly)
		}
		return err
	})

	logger.Debug("relay started", "boundary", spec.Boundary)
	downloadErr := down.Run(ctx)
	// Non-nil only if the download was cut short by a cancel.
	abortCause := context.Cause(ctx)

	for _, msg := range []pipe.Message{pipe.PrepareToFinish(), pipe.Stop()} {
		if err := p.Send(uploadCtx, msg); err != nil {
			logger.Debug("finishing signal dropped", "signal", msg.Kind, "err", err)
			break
		}
	}

	uploadErr := g.Wait()

	switch {
	case errors.Is(uploadErr, ErrProtocolViolation):
		return uploadErr
	case downloadErr != nil && uploadFail && errors.Is(abortCause, uploadErr):
		return &SideError{Side: SideUpload, Err: uploadErr}
	case downloadErr != nil && endedEarly && errors.Is(abortCause, ErrUploadEndedEarly):
		return &SideError{Side: SideUpload, Err: ErrUploadEndedEarly}
	case downloadErr != nil:
		return &SideError{Side: SideDownload, Err: downloadErr}
	case endedEarly:
		return &SideError{Side: SideUpload, Err: ErrUploadEndedEarly}
	case uploadErr != nil:
		return &SideError{Side: SideUpload, Err: uploadErr}
	}
	return nil
}

// PerformAsync runs Perform on a new goroutine. The result is delivered on
// the returned channel, which is closed afterwards.
func (m *Manager) PerformAsync(ctx context.Context, out io.Writer) <-chan error {
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		errc <- m.Perform(ctx, out)
	}()
	return errc
}

// PerformAndPoll runs the relay and calls poll every interval with the bytes
// downloaded so far and the total size (-1 if unknown). poll is called one
// last time when the relay ends.
func (m *Manager) PerformAndPoll(ctx context.Context, out io.Writer, poll func(current, total int64), interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	errc := m.PerformAsync(ctx, out)
	for {
		select {
		case <-t.C:
			poll(m.Completed(), m.Size())
		case err := <-errc:
			poll(m.Completed(), m.Size())
			return err
		}
	}
}

func (m *Manager) start() (Spec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return Spec{}, ErrAlreadyStarted
	}
	m.started = true
	return m.spec.clone(), nil
}

func (m *Manager) limiter() *rate.Limiter {
	if m.bytesPerSecond <= 0 {
		return nil
	}
	burst := m.bytesPerSecond
	if burst < m.chunkSize {
		burst = m.chunkSize
	}
	return rate.NewLimiter(rate.Limit(m.bytesPerSecond), burst)
}
