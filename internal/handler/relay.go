package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"url-relay/internal/model"
	"url-relay/internal/service"
	"url-relay/internal/transfer"
)

var (
	// userinfoPattern matches credentials embedded in URLs in error messages.
	userinfoPattern = regexp.MustCompile(`(?i)(https?://)[^/\s"@]+@`)
	// queryPattern matches URL query strings, which often carry signed tokens.
	queryPattern = regexp.MustCompile(`(?i)(https?://[^\s"?]*\?)[^\s"]+`)
)

// RelayHandler runs relays on behalf of API clients.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle decodes a RelayRequest, performs the relay and streams the upload
// target's response body back with status 200. The target's own status is
// reported in the X-Relay-Upload-Status header.
func (h *RelayHandler) Handle(c echo.Context) error {
	var req model.RelayRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body must be a JSON relay request",
		})
	}

	res := c.Response()
	onResponse := func(status int, header http.Header) {
		for key, vals := range service.ResponseHeaders(header) {
			for _, v := range vals {
				res.Header().Add(key, v)
			}
		}
		res.Header().Set(model.HeaderUploadStatus, strconv.Itoa(status))
		res.WriteHeader(http.StatusOK)
	}

	_, err := h.service.Relay(c.Request().Context(), &req, flushWriter{res}, service.WithUploadResponse(onResponse))
	if err == nil {
		return nil
	}

	if res.Committed {
		// The status line is gone; the client sees a truncated body.
		h.logger.Error("relay failed after response started",
			"err", sanitizeError(err),
			"upload_status", res.Header().Get(model.HeaderUploadStatus),
		)
		return nil
	}
	return h.mapError(c, err)
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrInvalidRequest) {
		h.logger.Warn("rejected relay request", "err", sanitizeError(err))
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": sanitizeError(err),
		})
	}

	h.logger.Error("relay error", "err", sanitizeError(err))

	if errors.Is(err, transfer.ErrProtocolViolation) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "internal relay error",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "relay timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	side := transfer.SideDownload
	if s, ok := transfer.FailedSide(err); ok {
		side = s
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": string(side) + " host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": string(side) + " connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": string(side) + " request failed",
	})
}

// flushWriter pushes every chunk of the upload response to the client.
type flushWriter struct {
	res *echo.Response
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.res.Write(p)
	if err == nil {
		w.res.Flush()
	}
	return n, err
}

// sanitizeError redacts URL credentials and query strings from error messages.
func sanitizeError(err error) string {
	s := userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
	return queryPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
