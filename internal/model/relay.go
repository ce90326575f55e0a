// Package model defines shared types for the relay.
package model

import "time"

// HeaderUploadStatus carries the upload target's status code on relay
// responses.
const HeaderUploadStatus = "X-Relay-Upload-Status"

// RelayRequest describes one relay, as accepted by POST /relay and built by
// the CLI from its arguments. Empty fields fall back to configuration.
type RelayRequest struct {
	DownloadURL     string            `json:"download_url"`
	UploadURL       string            `json:"upload_url"`
	FieldName       string            `json:"field_name,omitempty"`
	FileName        string            `json:"file_name,omitempty"`
	ContentType     string            `json:"content_type,omitempty"`
	Method          string            `json:"method,omitempty"`
	DownloadHeaders []string          `json:"download_headers,omitempty"`
	UploadHeaders   []string          `json:"upload_headers,omitempty"`
	FormFields      map[string]string `json:"form_fields,omitempty"`
}

// RelayResult summarizes a finished relay.
type RelayResult struct {
	Bytes    int64
	Size     int64 // -1 when the download did not announce one
	Duration time.Duration
	// UploadStatus is the upload target's status code, or 0 if no response
	// was received.
	UploadStatus int
}
