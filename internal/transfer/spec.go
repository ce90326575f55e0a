// Package transfer relays one HTTP download into one multipart HTTP upload
// through a bounded in-memory pipe.
package transfer

import (
	"net/http"
	"strings"

	"url-relay/internal/framing"
)

// Spec is the immutable description of one relay.
type Spec struct {
	DownloadURL string
	UploadURL   string

	// Headers are raw "Name: value" lines.
	DownloadHeaders []string
	UploadHeaders   []string

	UploadOptions []UploadOption
	FormFields    []framing.Field

	// Boundary is generated when empty.
	Boundary string
}

func (s Spec) clone() Spec {
	c := s
	c.DownloadHeaders = append([]string(nil), s.DownloadHeaders...)
	c.UploadHeaders = append([]string(nil), s.UploadHeaders...)
	c.UploadOptions = append([]UploadOption(nil), s.UploadOptions...)
	c.FormFields = append([]framing.Field(nil), s.FormFields...)
	return c
}

// Method is the HTTP method used for the upload.
type Method string

const (
	MethodPost Method = http.MethodPost
	MethodPut  Method = http.MethodPut
)

// ParseMethod parses "post" or "put" case-insensitively. An empty string is
// POST. ok is false for anything else, in which case POST is returned.
func ParseMethod(s string) (m Method, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", http.MethodPost:
		return MethodPost, true
	case http.MethodPut:
		return MethodPut, true
	default:
		return MethodPost, false
	}
}

// OptionKind identifies the variant carried by an UploadOption.
type OptionKind uint8

const (
	OptionFieldName OptionKind = iota + 1
	OptionFileName
	OptionContentType
	OptionRequestMethod
)

// UploadOption tunes the file part or the upload request. When the same
// kind occurs more than once the last occurrence wins.
type UploadOption struct {
	Kind   OptionKind
	Value  string
	Method Method
}

// FieldName sets the form field name of the file part.
func FieldName(name string) UploadOption {
	return UploadOption{Kind: OptionFieldName, Value: name}
}

// FileName sets the file name of the file part.
func FileName(name string) UploadOption {
	return UploadOption{Kind: OptionFileName, Value: name}
}

// ContentType sets the Content-Type of the file part, overriding the one
// reported by the download.
func ContentType(ct string) UploadOption {
	return UploadOption{Kind: OptionContentType, Value: ct}
}

// RequestMethod selects POST or PUT.
func RequestMethod(m Method) UploadOption {
	return UploadOption{Kind: OptionRequestMethod, Method: m}
}

const defaultFieldName = "file"

type uploadSettings struct {
	fieldName   string
	fileName    string
	contentType string
	method      Method
}

// resolveOptions folds opts over the defaults. fileName and contentType stay
// empty when not set; their defaults depend on the download.
func resolveOptions(opts []UploadOption) uploadSettings {
	s := uploadSettings{fieldName: defaultFieldName, method: MethodPost}
	for _, o := range opts {
		switch o.Kind {
		case OptionFieldName:
			s.fieldName = o.Value
		case OptionFileName:
			s.fileName = o.Value
		case OptionContentType:
			s.contentType = o.Value
		case OptionRequestMethod:
			s.method = o.Method
		}
	}
	return s
}
