package transfer

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ParseHeaders converts raw "Name: value" lines into an http.Header.
func ParseHeaders(lines []string) (http.Header, error) {
	h := make(http.Header, len(lines))
	for _, line := range lines {
		name, value, ok := splitHeaderLine(line)
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("malformed header %q: want \"Name: value\"", line)
		}
		h.Add(name, value)
	}
	return h, nil
}

func splitHeaderLine(line string) (name, value string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	name, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(name), strings.TrimSpace(value), true
}

// responseHeaderLines renders the status line and the header fields of resp
// as raw lines, header names sorted.
func responseHeaderLines(resp *http.Response) []string {
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names)+1)
	lines = append(lines, resp.Proto+" "+resp.Status)
	for _, name := range names {
		for _, v := range resp.Header[name] {
			lines = append(lines, name+": "+v)
		}
	}
	return lines
}

// applyHeader copies h onto req. A Host entry sets req.Host, since the
// transport ignores it in req.Header.
func applyHeader(req *http.Request, h http.Header) {
	for name, vals := range h {
		if name == "Host" {
			req.Host = vals[len(vals)-1]
			continue
		}
		req.Header[name] = append([]string(nil), vals...)
	}
}
