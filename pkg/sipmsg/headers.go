package sipmsg

import (
	"fmt"
	"strconv"
	"strings"
)

// Header is one parsed header field. Structured headers (Via, Route,
// Record-Route, Contact, From, To, CSeq, Call-ID, Max-Forwards,
// Content-Length, Expires) get their own types; everything else is a
// GenericHeader. Handlers work on the typed forms and never re-parse
// raw values.
type Header interface {
	// Name returns the canonical header name.
	Name() string
	// Value returns the serialized field value, without the name.
	Value() string
}

// GenericHeader carries any header the engine does not interpret.
type GenericHeader struct {
	HeaderName  string
	HeaderValue string
}

func (g *GenericHeader) Name() string  { return g.HeaderName }
func (g *GenericHeader) Value() string { return g.HeaderValue }

// Via is one hop of the Via stack.
type Via struct {
	Transport string // "UDP"
	Host      string
	Port      int
	Params    Params
}

func (v *Via) Name() string { return "Via" }

func (v *Via) Value() string {
	sentBy := v.Host
	if v.Port > 0 {
		sentBy = fmt.Sprintf("%s:%d", v.Host, v.Port)
	}
	return fmt.Sprintf("SIP/2.0/%s %s%s", v.Transport, sentBy, v.Params.String())
}

// Branch returns the branch parameter, or "".
func (v *Via) Branch() string {
	b, _ := v.Params.Get("branch")
	return b
}

// SentByAddr returns the address responses should be sent to: the
// received/rport parameters when present, else the sent-by host and
// port (port defaulting to 5060).
func (v *Via) SentByAddr() (string, int) {
	host := v.Host
	port := v.Port
	if recv, ok := v.Params.Get("received"); ok && recv != "" {
		host = recv
	}
	if rp, ok := v.Params.Get("rport"); ok && rp != "" {
		if p, err := strconv.Atoi(rp); err == nil {
			port = p
		}
	}
	if port == 0 {
		port = 5060
	}
	return host, port
}

func parseVia(s string) (*Via, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "SIP/2.0/")
	if !ok {
		return nil, parseErrorf("malformed Via: %q", s)
	}
	sp := strings.IndexAny(rest, " \t")
	if sp < 0 {
		return nil, parseErrorf("Via has no sent-by: %q", s)
	}
	v := &Via{Transport: strings.ToUpper(rest[:sp])}
	rest = strings.TrimSpace(rest[sp+1:])
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		v.Params = parseParams(rest[semi+1:])
		rest = strings.TrimSpace(rest[:semi])
	}
	v.Host, v.Port = splitHostPort(rest)
	if v.Host == "" {
		return nil, parseErrorf("Via has no host: %q", s)
	}
	return v, nil
}

// NameAddr is the display-name + <uri> + params shape shared by From,
// To, Contact, Route and Record-Route.
type NameAddr struct {
	Display string
	URI     *URI
	Params  Params // params outside the angle brackets
}

// Tag returns the tag parameter, or "".
func (n *NameAddr) Tag() string {
	t, _ := n.Params.Get("tag")
	return t
}

func (n NameAddr) clone() NameAddr {
	n.URI = n.URI.Clone()
	n.Params = n.Params.Clone()
	return n
}

func (n *NameAddr) value() string {
	var b strings.Builder
	if n.Display != "" {
		fmt.Fprintf(&b, "%q ", n.Display)
	}
	b.WriteByte('<')
	b.WriteString(n.URI.String())
	b.WriteByte('>')
	b.WriteString(n.Params.String())
	return b.String()
}

func parseNameAddr(s string) (NameAddr, error) {
	var n NameAddr
	s = strings.TrimSpace(s)

	if lt := strings.IndexByte(s, '<'); lt >= 0 {
		gt := strings.IndexByte(s, '>')
		if gt < lt {
			return n, parseErrorf("unbalanced angle brackets: %q", s)
		}
		n.Display = strings.Trim(strings.TrimSpace(s[:lt]), `"`)
		uri, err := ParseURI(s[lt+1 : gt])
		if err != nil {
			return n, err
		}
		n.URI = uri
		n.Params = parseParams(strings.TrimPrefix(strings.TrimSpace(s[gt+1:]), ";"))
		return n, nil
	}

	// addr-spec form: everything after the first semicolon is header
	// parameters, not URI parameters.
	uriPart := s
	if semi := strings.IndexByte(s, ';'); semi >= 0 {
		n.Params = parseParams(s[semi+1:])
		uriPart = s[:semi]
	}
	uri, err := ParseURI(uriPart)
	if err != nil {
		return n, err
	}
	n.URI = uri
	return n, nil
}

// From is the originator of the request.
type From struct{ NameAddr }

func (f *From) Name() string  { return "From" }
func (f *From) Value() string { return f.value() }

// To is the logical recipient.
type To struct{ NameAddr }

func (t *To) Name() string  { return "To" }
func (t *To) Value() string { return t.value() }

// Contact is one contact binding advertised by the peer. Star is the
// wildcard form a client sends to drop every binding at once.
type Contact struct {
	NameAddr
	Star bool
}

func (c *Contact) Name() string { return "Contact" }

func (c *Contact) Value() string {
	if c.Star {
		return "*"
	}
	return c.value()
}

// Route is one element of the route set.
type Route struct{ NameAddr }

func (r *Route) Name() string  { return "Route" }
func (r *Route) Value() string { return r.value() }

// RecordRoute is one element of the recorded path.
type RecordRoute struct{ NameAddr }

func (r *RecordRoute) Name() string  { return "Record-Route" }
func (r *RecordRoute) Value() string { return r.value() }

// CallID identifies the call.
type CallID string

func (c CallID) Name() string  { return "Call-ID" }
func (c CallID) Value() string { return string(c) }

// CSeq orders requests within a dialog.
type CSeq struct {
	Seq    uint32
	Method string
}

func (c *CSeq) Name() string  { return "CSeq" }
func (c *CSeq) Value() string { return fmt.Sprintf("%d %s", c.Seq, c.Method) }

func parseCSeq(s string) (*CSeq, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, parseErrorf("malformed CSeq: %q", s)
	}
	seq, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, parseErrorf("non-numeric CSeq: %q", s)
	}
	return &CSeq{Seq: uint32(seq), Method: strings.ToUpper(fields[1])}, nil
}

// MaxForwards bounds the number of proxy hops left.
type MaxForwards struct{ Hops int }

func (m *MaxForwards) Name() string  { return "Max-Forwards" }
func (m *MaxForwards) Value() string { return strconv.Itoa(m.Hops) }

// ContentLength is recomputed from the body on serialization; the
// parsed value is only validated.
type ContentLength struct{ Length int }

func (c *ContentLength) Name() string  { return "Content-Length" }
func (c *ContentLength) Value() string { return strconv.Itoa(c.Length) }

// Expires is the registration lifetime requested by the client.
type Expires struct{ Seconds int }

func (e *Expires) Name() string  { return "Expires" }
func (e *Expires) Value() string { return strconv.Itoa(e.Seconds) }

// compactForms maps single-letter header names to canonical ones.
var compactForms = map[string]string{
	"v": "Via",
	"f": "From",
	"t": "To",
	"m": "Contact",
	"i": "Call-ID",
	"l": "Content-Length",
	"s": "Subject",
	"c": "Content-Type",
	"k": "Supported",
}

// canonicalNames normalizes known header names so lookups and the
// serializer agree on spelling.
var canonicalNames = map[string]string{
	"via":                 "Via",
	"from":                "From",
	"to":                  "To",
	"contact":             "Contact",
	"call-id":             "Call-ID",
	"cseq":                "CSeq",
	"max-forwards":        "Max-Forwards",
	"content-length":      "Content-Length",
	"content-type":        "Content-Type",
	"expires":             "Expires",
	"route":               "Route",
	"record-route":        "Record-Route",
	"user-agent":          "User-Agent",
	"authorization":       "Authorization",
	"www-authenticate":    "WWW-Authenticate",
	"proxy-authorization": "Proxy-Authorization",
	"proxy-authenticate":  "Proxy-Authenticate",
	"supported":           "Supported",
	"subject":             "Subject",
	"allow":               "Allow",
	"server":              "Server",
	"date":                "Date",
	"accept":              "Accept",
}

// CanonicalName expands compact forms and fixes the case of known
// header names. Unknown names are title-cased per part.
func CanonicalName(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	if canon, ok := compactForms[lower]; ok {
		return canon
	}
	if canon, ok := canonicalNames[lower]; ok {
		return canon
	}
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

// multiValued reports whether a header's comma-separated values must
// be normalized into one header per value.
func multiValued(canon string) bool {
	switch canon {
	case "Via", "Route", "Record-Route", "Contact":
		return true
	}
	return false
}

// buildHeader constructs the typed variant for a single header value.
func buildHeader(canon, value string) (Header, error) {
	switch canon {
	case "Via":
		return parseVia(value)
	case "From":
		n, err := parseNameAddr(value)
		if err != nil {
			return nil, err
		}
		return &From{n}, nil
	case "To":
		n, err := parseNameAddr(value)
		if err != nil {
			return nil, err
		}
		return &To{n}, nil
	case "Contact":
		if strings.TrimSpace(value) == "*" {
			return &Contact{Star: true}, nil
		}
		n, err := parseNameAddr(value)
		if err != nil {
			return nil, err
		}
		return &Contact{NameAddr: n}, nil
	case "Route":
		n, err := parseNameAddr(value)
		if err != nil {
			return nil, err
		}
		return &Route{n}, nil
	case "Record-Route":
		n, err := parseNameAddr(value)
		if err != nil {
			return nil, err
		}
		return &RecordRoute{n}, nil
	case "Call-ID":
		return CallID(strings.TrimSpace(value)), nil
	case "CSeq":
		return parseCSeq(value)
	case "Max-Forwards":
		hops, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, parseErrorf("non-numeric Max-Forwards: %q", value)
		}
		return &MaxForwards{Hops: hops}, nil
	case "Content-Length":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, parseErrorf("non-numeric Content-Length: %q", value)
		}
		return &ContentLength{Length: n}, nil
	case "Expires":
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, parseErrorf("non-numeric Expires: %q", value)
		}
		return &Expires{Seconds: secs}, nil
	}
	return &GenericHeader{HeaderName: canon, HeaderValue: strings.TrimSpace(value)}, nil
}

// splitTopLevel splits a multi-valued header on commas that are not
// inside quotes or angle brackets.
func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	quoted := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				depth++
			}
		case '>':
			if !quoted && depth > 0 {
				depth--
			}
		case ',':
			if !quoted && depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
