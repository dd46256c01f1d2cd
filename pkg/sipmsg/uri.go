package sipmsg

import (
	"fmt"
	"strconv"
	"strings"
)

// Param is a single ;key=value parameter. Value is empty for flag
// parameters such as ;lr or a bare ;rport.
type Param struct {
	Key   string
	Value string
}

// Params preserves parameter order so a rewritten header round-trips
// the way the peer sent it.
type Params []Param

// Get returns the value of the named parameter and whether it exists.
// Key comparison is case-insensitive.
func (p Params) Get(key string) (string, bool) {
	for _, prm := range p {
		if strings.EqualFold(prm.Key, key) {
			return prm.Value, true
		}
	}
	return "", false
}

// Has reports whether the named parameter is present, with or without
// a value.
func (p Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Set replaces the named parameter in place or appends it.
func (p *Params) Set(key, value string) {
	for i, prm := range *p {
		if strings.EqualFold(prm.Key, key) {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Param{Key: key, Value: value})
}

// Del removes the named parameter if present.
func (p *Params) Del(key string) {
	out := (*p)[:0]
	for _, prm := range *p {
		if !strings.EqualFold(prm.Key, key) {
			out = append(out, prm)
		}
	}
	*p = out
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// String renders the parameters as ";k=v;flag", including the leading
// semicolon. Empty Params render as "".
func (p Params) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, prm := range p {
		b.WriteByte(';')
		b.WriteString(prm.Key)
		if prm.Value != "" {
			b.WriteByte('=')
			b.WriteString(prm.Value)
		}
	}
	return b.String()
}

// parseParams parses "k=v;flag;k2=v2" (no leading semicolon).
func parseParams(s string) Params {
	var out Params
	for _, tok := range strings.Split(s, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if eq := strings.IndexByte(tok, '='); eq >= 0 {
			out = append(out, Param{Key: tok[:eq], Value: tok[eq+1:]})
		} else {
			out = append(out, Param{Key: tok})
		}
	}
	return out
}

// URI is a SIP URI: scheme:user@host:port;params. Port is 0 when the
// URI does not name one explicitly.
type URI struct {
	Scheme  string
	User    string
	Host    string
	Port    int
	Params  Params
	Headers string // raw ?header part, carried opaquely
}

// ParseURI parses a bare SIP URI (no surrounding angle brackets).
func ParseURI(s string) (*URI, error) {
	s = strings.TrimSpace(s)
	u := &URI{Scheme: "sip"}

	if colon := strings.IndexByte(s, ':'); colon > 0 && !strings.ContainsAny(s[:colon], "@.") {
		u.Scheme = strings.ToLower(s[:colon])
		s = s[colon+1:]
	}

	if q := strings.IndexByte(s, '?'); q >= 0 {
		u.Headers = s[q+1:]
		s = s[:q]
	}
	if semi := strings.IndexByte(s, ';'); semi >= 0 {
		u.Params = parseParams(s[semi+1:])
		s = s[:semi]
	}
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		u.User = s[:at]
		s = s[at+1:]
	}

	host, port := splitHostPort(s)
	if host == "" {
		return nil, parseErrorf("uri has no host: %q", s)
	}
	u.Host = host
	u.Port = port
	return u, nil
}

// splitHostPort splits "host:port", returning port 0 when absent or
// unparsable.
func splitHostPort(s string) (string, int) {
	if colon := strings.LastIndexByte(s, ':'); colon >= 0 {
		if p, err := strconv.Atoi(s[colon+1:]); err == nil {
			return s[:colon], p
		}
	}
	return s, 0
}

// Addr returns the host and the port to contact, defaulting to 5060.
func (u *URI) Addr() (string, int) {
	if u.Port > 0 {
		return u.Host, u.Port
	}
	return u.Host, 5060
}

// Clone returns a deep copy.
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	out := *u
	out.Params = u.Params.Clone()
	return &out
}

func (u *URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteByte(':')
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	if u.Port > 0 {
		fmt.Fprintf(&b, ":%d", u.Port)
	}
	b.WriteString(u.Params.String())
	if u.Headers != "" {
		b.WriteByte('?')
		b.WriteString(u.Headers)
	}
	return b.String()
}
