// Package framing computes the multipart/form-data envelope written around a
// streamed file part. All functions are pure.
package framing

import (
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// DefaultBoundary is a fixed boundary token for callers that need a stable
// request body, e.g. for signing.
const DefaultBoundary = "---------------------------15875380808008"

// PlaceholderFileName is used when no file name was configured and none can be
// derived from the download URL.
const PlaceholderFileName = "file.bin"

// Field is a plain form field sent before the file part.
type Field struct {
	Name  string
	Value string
}

// SortedFields returns m as fields ordered by name.
func SortedFields(m map[string]string) []Field {
	fields := make([]Field, 0, len(m))
	for name, value := range m {
		fields = append(fields, Field{Name: name, Value: value})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields
}

// quoteEscaper follows mime/multipart; CR and LF are percent-encoded the way
// browsers do so a name can never end the header line.
var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "%0D", "\n", "%0A")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

var lineBreakStripper = strings.NewReplacer("\r", "", "\n", "")

// ValidHeaderValue reports whether s can be written as a part header value
// as is, i.e. contains no line breaks.
func ValidHeaderValue(s string) bool {
	return !strings.ContainsAny(s, "\r\n")
}

// NewBoundary returns a random boundary token.
func NewBoundary() string {
	return strings.Repeat("-", 28) + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ContentTypeHeader returns the value of the upload's Content-Type header.
func ContentTypeHeader(boundary string) string {
	return "multipart/form-data; boundary=" + boundary
}

// Preamble returns the bytes written immediately before the file content.
// The Content-Type line is omitted when contentType is empty; line breaks in
// it are dropped.
func Preamble(boundary, fieldName, fileName, contentType string) []byte {
	var b strings.Builder
	b.WriteString("--")
	b.WriteString(boundary)
	b.WriteString("\r\nContent-Disposition: form-data; name=\"")
	b.WriteString(escapeQuotes(fieldName))
	b.WriteString("\"; filename=\"")
	b.WriteString(escapeQuotes(fileName))
	b.WriteString("\"")
	if contentType != "" {
		b.WriteString("\r\nContent-Type: ")
		b.WriteString(lineBreakStripper.Replace(contentType))
	}
	b.WriteString("\r\n\r\n")
	return []byte(b.String())
}

// FieldEntry returns one boundary-delimited plain form field.
func FieldEntry(boundary, name, value string) []byte {
	return []byte("--" + boundary +
		"\r\nContent-Disposition: form-data; name=\"" + escapeQuotes(name) + "\"\r\n\r\n" +
		value + "\r\n")
}

// FieldEntries concatenates the entries of fields in order.
func FieldEntries(boundary string, fields []Field) []byte {
	var out []byte
	for _, f := range fields {
		out = append(out, FieldEntry(boundary, f.Name, f.Value)...)
	}
	return out
}

// Epilogue returns the closing boundary written after the file content.
func Epilogue(boundary string) []byte {
	return []byte("\r\n--" + boundary + "--\r\n")
}

// EnvelopeSize is the number of bytes the envelope adds to the file content.
func EnvelopeSize(boundary string, fields []Field, fieldName, fileName, contentType string) int64 {
	return int64(len(FieldEntries(boundary, fields)) +
		len(Preamble(boundary, fieldName, fileName, contentType)) +
		len(Epilogue(boundary)))
}

// FileNameFromURL returns the last path segment of rawURL, unescaped, without
// its query string, or PlaceholderFileName when there is none. An escaped
// slash stays part of the segment.
func FileNameFromURL(rawURL string) string {
	var p string
	if u, err := url.Parse(rawURL); err == nil {
		p = u.EscapedPath()
	} else {
		p = rawURL
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
	}

	name := p[strings.LastIndex(p, "/")+1:]
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == "" || name == "." || name == ".." {
		return PlaceholderFileName
	}
	return name
}
