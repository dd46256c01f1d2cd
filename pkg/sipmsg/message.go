package sipmsg

import (
	"bytes"
	"fmt"
)

// Message is a parsed SIP request or response. Headers keeps the
// original field order; repeated fields (Via, Route, Record-Route,
// Contact) appear once per value in arrival order.
type Message struct {
	Request bool

	// Request fields.
	Method     string
	RequestURI *URI

	// Response fields.
	StatusCode int
	Reason     string

	Headers []Header
	Body    []byte
}

// StartLine renders the first line, mostly for logging.
func (m *Message) StartLine() string {
	if m.Request {
		return fmt.Sprintf("%s %s SIP/2.0", m.Method, m.RequestURI)
	}
	return fmt.Sprintf("SIP/2.0 %d %s", m.StatusCode, m.Reason)
}

// AddHeader appends a header to the message.
func (m *Message) AddHeader(h Header) {
	m.Headers = append(m.Headers, h)
}

// RemoveHeaders drops every header with the given canonical name.
func (m *Message) RemoveHeaders(name string) {
	out := m.Headers[:0]
	for _, h := range m.Headers {
		if h.Name() != name {
			out = append(out, h)
		}
	}
	m.Headers = out
}

// HeaderValue returns the value of the first header with the given
// canonical name, or "".
func (m *Message) HeaderValue(name string) string {
	for _, h := range m.Headers {
		if h.Name() == name {
			return h.Value()
		}
	}
	return ""
}

// CallID returns the Call-ID value, or "".
func (m *Message) CallID() string {
	for _, h := range m.Headers {
		if id, ok := h.(CallID); ok {
			return string(id)
		}
	}
	return ""
}

// FromHeader returns the From header, or nil.
func (m *Message) FromHeader() *From {
	for _, h := range m.Headers {
		if f, ok := h.(*From); ok {
			return f
		}
	}
	return nil
}

// ToHeader returns the To header, or nil.
func (m *Message) ToHeader() *To {
	for _, h := range m.Headers {
		if t, ok := h.(*To); ok {
			return t
		}
	}
	return nil
}

// CSeqHeader returns the CSeq header, or nil.
func (m *Message) CSeqHeader() *CSeq {
	for _, h := range m.Headers {
		if c, ok := h.(*CSeq); ok {
			return c
		}
	}
	return nil
}

// Vias returns the Via stack, top first.
func (m *Message) Vias() []*Via {
	var out []*Via
	for _, h := range m.Headers {
		if v, ok := h.(*Via); ok {
			out = append(out, v)
		}
	}
	return out
}

// TopVia returns the first Via, or nil.
func (m *Message) TopVia() *Via {
	for _, h := range m.Headers {
		if v, ok := h.(*Via); ok {
			return v
		}
	}
	return nil
}

// PushVia puts v on top of the Via stack.
func (m *Message) PushVia(v *Via) {
	for i, h := range m.Headers {
		if _, ok := h.(*Via); ok {
			m.Headers = append(m.Headers[:i], append([]Header{v}, m.Headers[i:]...)...)
			return
		}
	}
	m.Headers = append([]Header{v}, m.Headers...)
}

// PopVia removes and returns the top Via, or nil.
func (m *Message) PopVia() *Via {
	for i, h := range m.Headers {
		if v, ok := h.(*Via); ok {
			m.Headers = append(m.Headers[:i], m.Headers[i+1:]...)
			return v
		}
	}
	return nil
}

// Routes returns the route set in order.
func (m *Message) Routes() []*Route {
	var out []*Route
	for _, h := range m.Headers {
		if r, ok := h.(*Route); ok {
			out = append(out, r)
		}
	}
	return out
}

// RemoveTopRoute drops the first Route header.
func (m *Message) RemoveTopRoute() {
	for i, h := range m.Headers {
		if _, ok := h.(*Route); ok {
			m.Headers = append(m.Headers[:i], m.Headers[i+1:]...)
			return
		}
	}
}

// RecordRoutes returns the recorded path in order.
func (m *Message) RecordRoutes() []*RecordRoute {
	var out []*RecordRoute
	for _, h := range m.Headers {
		if r, ok := h.(*RecordRoute); ok {
			out = append(out, r)
		}
	}
	return out
}

// PrependRecordRoute inserts rr ahead of any existing Record-Route so
// it serializes as the topmost entry.
func (m *Message) PrependRecordRoute(rr *RecordRoute) {
	for i, h := range m.Headers {
		if _, ok := h.(*RecordRoute); ok {
			m.Headers = append(m.Headers[:i], append([]Header{rr}, m.Headers[i:]...)...)
			return
		}
	}
	m.Headers = append(m.Headers, rr)
}

// Contacts returns the Contact headers in order.
func (m *Message) Contacts() []*Contact {
	var out []*Contact
	for _, h := range m.Headers {
		if c, ok := h.(*Contact); ok {
			out = append(out, c)
		}
	}
	return out
}

// MaxForwards returns the Max-Forwards hop count and whether the
// header is present.
func (m *Message) MaxForwards() (int, bool) {
	for _, h := range m.Headers {
		if mf, ok := h.(*MaxForwards); ok {
			return mf.Hops, true
		}
	}
	return 0, false
}

// SetMaxForwards overwrites or adds the Max-Forwards header.
func (m *Message) SetMaxForwards(hops int) {
	for _, h := range m.Headers {
		if mf, ok := h.(*MaxForwards); ok {
			mf.Hops = hops
			return
		}
	}
	m.AddHeader(&MaxForwards{Hops: hops})
}

// ExpiresValue returns the Expires header value and whether it is
// present.
func (m *Message) ExpiresValue() (int, bool) {
	for _, h := range m.Headers {
		if e, ok := h.(*Expires); ok {
			return e.Seconds, true
		}
	}
	return 0, false
}

// serializeFirst lists the headers emitted in a fixed leading order;
// everything else follows in original order, with Content-Length
// recomputed last.
var serializeFirst = []string{
	"Via", "Record-Route", "Route", "From", "To",
	"Call-ID", "CSeq", "Max-Forwards", "Contact",
}

// Bytes serializes the message. Header order is normalized (Via first,
// then Record-Route, Route, From, To, Call-ID, CSeq, Max-Forwards,
// Contact, the rest, Content-Length); relative order within a repeated
// field is preserved. Content-Length always reflects the actual body.
func (m *Message) Bytes() []byte {
	var b bytes.Buffer
	b.WriteString(m.StartLine())
	b.WriteString("\r\n")

	leading := make(map[string]bool, len(serializeFirst))
	for _, name := range serializeFirst {
		leading[name] = true
		for _, h := range m.Headers {
			if h.Name() == name {
				fmt.Fprintf(&b, "%s: %s\r\n", name, h.Value())
			}
		}
	}
	for _, h := range m.Headers {
		name := h.Name()
		if leading[name] || name == "Content-Length" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", name, h.Value())
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(m.Body))
	b.WriteString("\r\n")
	b.Write(m.Body)
	return b.Bytes()
}

// NewResponse builds a response to req with the mandatory headers
// copied over: every Via in order, From, To, Call-ID and CSeq. All
// copies are deep so decorating the response (To tags, received
// params) never touches the request.
func NewResponse(req *Message, code int, reason string) *Message {
	resp := &Message{
		StatusCode: code,
		Reason:     reason,
	}
	for _, h := range req.Headers {
		switch v := h.(type) {
		case *Via:
			cp := *v
			cp.Params = v.Params.Clone()
			resp.Headers = append(resp.Headers, &cp)
		case *From:
			resp.Headers = append(resp.Headers, &From{v.NameAddr.clone()})
		case *To:
			resp.Headers = append(resp.Headers, &To{v.NameAddr.clone()})
		case CallID:
			resp.Headers = append(resp.Headers, v)
		case *CSeq:
			cp := *v
			resp.Headers = append(resp.Headers, &cp)
		}
	}
	return resp
}
