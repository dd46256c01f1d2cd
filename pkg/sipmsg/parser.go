package sipmsg

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ParseError marks a datagram that could not be understood as SIP.
// The proxy engine drops or 400s these without touching proxy state.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "sip parse: " + e.Reason }

func parseErrorf(format string, args ...interface{}) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// requestNeeds lists the headers a request must carry to be routable.
var requestNeeds = []string{"Call-ID", "From", "To", "CSeq", "Via"}

// Parse converts a raw UDP payload into a Message. CRLF line endings
// are canonical; bare LF is tolerated. Compact header names expand to
// their canonical forms, and comma-separated Via/Route/Record-Route/
// Contact values are normalized into one header per value.
func Parse(data []byte) (*Message, error) {
	head, body := splitHeadBody(data)

	lines := strings.Split(string(head), "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimSuffix(ln, "\r")
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, parseErrorf("empty start line")
	}

	msg := &Message{Body: body}
	if err := parseStartLine(msg, lines[0]); err != nil {
		return nil, err
	}

	// Unfold continuation lines, then split into name/value pairs.
	var folded []string
	for _, ln := range lines[1:] {
		if ln == "" {
			continue
		}
		if (ln[0] == ' ' || ln[0] == '\t') && len(folded) > 0 {
			folded[len(folded)-1] += " " + strings.TrimSpace(ln)
			continue
		}
		folded = append(folded, ln)
	}

	for _, ln := range folded {
		colon := strings.IndexByte(ln, ':')
		if colon <= 0 {
			continue
		}
		canon := CanonicalName(ln[:colon])
		value := strings.TrimSpace(ln[colon+1:])

		values := []string{value}
		if multiValued(canon) {
			values = splitTopLevel(value)
		}
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			h, err := buildHeader(canon, v)
			if err != nil {
				return nil, err
			}
			msg.Headers = append(msg.Headers, h)
		}
	}

	if msg.Request {
		for _, need := range requestNeeds {
			if !hasHeader(msg, need) {
				return nil, parseErrorf("request missing %s", need)
			}
		}
	}
	return msg, nil
}

func hasHeader(m *Message, name string) bool {
	for _, h := range m.Headers {
		if h.Name() == name {
			return true
		}
	}
	return false
}

// splitHeadBody separates the header block from the body, accepting
// CRLFCRLF or LFLF as the boundary.
func splitHeadBody(data []byte) ([]byte, []byte) {
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		return data[:idx], data[idx+4:]
	}
	if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		return data[:idx], data[idx+2:]
	}
	return data, nil
}

func parseStartLine(msg *Message, line string) error {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "SIP/2.0 ") {
		rest := strings.TrimPrefix(line, "SIP/2.0 ")
		sp := strings.IndexByte(rest, ' ')
		codeStr, reason := rest, ""
		if sp >= 0 {
			codeStr, reason = rest[:sp], strings.TrimSpace(rest[sp+1:])
		}
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 699 {
			return parseErrorf("malformed status line: %q", line)
		}
		msg.StatusCode = code
		msg.Reason = reason
		return nil
	}

	fields := strings.Fields(line)
	if len(fields) != 3 || fields[2] != "SIP/2.0" {
		return parseErrorf("malformed request line: %q", line)
	}
	uri, err := ParseURI(fields[1])
	if err != nil {
		return err
	}
	msg.Request = true
	msg.Method = strings.ToUpper(fields[0])
	msg.RequestURI = uri
	return nil
}
