package sipmsg

import (
	"errors"
	"strings"
	"testing"
)

const sampleInvite = "INVITE sip:1002@sip.local SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bK776asdhds;rport\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: <sip:1002@sip.local>\r\n" +
	"From: \"Alice\" <sip:1001@sip.local>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@10.0.0.2\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Contact: <sip:1001@10.0.0.2:5060;ob>\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 4\r\n" +
	"\r\n" +
	"v=0\n"

func TestParseRequest(t *testing.T) {
	msg, err := Parse([]byte(sampleInvite))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !msg.Request {
		t.Fatal("expected a request")
	}
	if msg.Method != "INVITE" {
		t.Errorf("method = %q", msg.Method)
	}
	if msg.RequestURI.User != "1002" || msg.RequestURI.Host != "sip.local" {
		t.Errorf("request uri = %v", msg.RequestURI)
	}
	if got := msg.CallID(); got != "a84b4c76e66710@10.0.0.2" {
		t.Errorf("call-id = %q", got)
	}
	if cseq := msg.CSeqHeader(); cseq == nil || cseq.Seq != 314159 || cseq.Method != "INVITE" {
		t.Errorf("cseq = %v", msg.CSeqHeader())
	}
	if from := msg.FromHeader(); from == nil || from.Tag() != "1928301774" || from.Display != "Alice" {
		t.Errorf("from = %v", msg.FromHeader())
	}
	if to := msg.ToHeader(); to == nil || to.Tag() != "" {
		t.Errorf("to = %v", msg.ToHeader())
	}
	via := msg.TopVia()
	if via == nil || via.Host != "10.0.0.2" || via.Port != 5060 || via.Branch() != "z9hG4bK776asdhds" {
		t.Errorf("via = %v", via)
	}
	if !via.Params.Has("rport") {
		t.Error("via rport flag lost")
	}
	contacts := msg.Contacts()
	if len(contacts) != 1 || !contacts[0].URI.Params.Has("ob") {
		t.Errorf("contacts = %v", contacts)
	}
	if string(msg.Body) != "v=0\n" {
		t.Errorf("body = %q", msg.Body)
	}
}

func TestParseCompactForms(t *testing.T) {
	raw := "MESSAGE sip:1002@sip.local SIP/2.0\r\n" +
		"v: SIP/2.0/UDP 10.0.0.2:5062;branch=z9hG4bKabc\r\n" +
		"f: <sip:1001@sip.local>;tag=x\r\n" +
		"t: <sip:1002@sip.local>\r\n" +
		"i: msg-1@10.0.0.2\r\n" +
		"CSeq: 1 MESSAGE\r\n" +
		"l: 5\r\n" +
		"c: text/plain\r\n" +
		"\r\n" +
		"hello"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.CallID() != "msg-1@10.0.0.2" {
		t.Errorf("compact Call-ID not expanded: %q", msg.CallID())
	}
	if msg.TopVia() == nil {
		t.Error("compact Via not expanded")
	}
	if msg.HeaderValue("Content-Type") != "text/plain" {
		t.Errorf("content-type = %q", msg.HeaderValue("Content-Type"))
	}
}

func TestParseCommaSeparatedVia(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP proxy.example.com:5060;branch=z9hG4bKa, SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bKb\r\n" +
		"From: <sip:1001@sip.local>;tag=a\r\n" +
		"To: <sip:1002@sip.local>;tag=b\r\n" +
		"Call-ID: abc\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	vias := msg.Vias()
	if len(vias) != 2 {
		t.Fatalf("expected 2 vias, got %d", len(vias))
	}
	if vias[0].Host != "proxy.example.com" || vias[1].Host != "10.0.0.2" {
		t.Errorf("via order wrong: %v / %v", vias[0], vias[1])
	}
}

func TestParseBareLFLines(t *testing.T) {
	raw := strings.ReplaceAll(sampleInvite, "\r\n", "\n")
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed on LF-only message: %v", err)
	}
	if msg.Method != "INVITE" {
		t.Errorf("method = %q", msg.Method)
	}
}

func TestParseRejectsMissingMandatoryHeaders(t *testing.T) {
	raw := "INVITE sip:1002@sip.local SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bKx\r\n" +
		"From: <sip:1001@sip.local>;tag=a\r\n" +
		"To: <sip:1002@sip.local>\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"\r\n"
	_, err := Parse([]byte(raw))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError for missing Call-ID, got %v", err)
	}
}

func TestParseRejectsNonNumericHeaders(t *testing.T) {
	for _, bad := range []string{"Max-Forwards: abc", "Expires: soon", "Content-Length: x"} {
		raw := "REGISTER sip:sip.local SIP/2.0\r\n" +
			"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bKx\r\n" +
			"From: <sip:1001@sip.local>;tag=a\r\n" +
			"To: <sip:1001@sip.local>\r\n" +
			"Call-ID: abc\r\n" +
			"CSeq: 1 REGISTER\r\n" +
			bad + "\r\n" +
			"\r\n"
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "NOT A SIP LINE", "SIP/2.0 abc OK\r\n\r\n"} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestParseStarContact(t *testing.T) {
	raw := "REGISTER sip:sip.local SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bKx\r\n" +
		"From: <sip:1001@sip.local>;tag=a\r\n" +
		"To: <sip:1001@sip.local>\r\n" +
		"Call-ID: abc\r\n" +
		"CSeq: 2 REGISTER\r\n" +
		"Contact: *\r\n" +
		"Expires: 0\r\n" +
		"\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	contacts := msg.Contacts()
	if len(contacts) != 1 || !contacts[0].Star {
		t.Fatalf("expected star contact, got %v", contacts)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	msg, err := Parse([]byte(sampleInvite))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	again, err := Parse(msg.Bytes())
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if again.Method != msg.Method || again.CallID() != msg.CallID() {
		t.Errorf("round trip changed identity: %s vs %s", again.StartLine(), msg.StartLine())
	}
	if len(again.Vias()) != len(msg.Vias()) {
		t.Errorf("via count changed: %d vs %d", len(again.Vias()), len(msg.Vias()))
	}
	if string(again.Body) != string(msg.Body) {
		t.Errorf("body changed: %q", again.Body)
	}
	if again.FromHeader().Tag() != msg.FromHeader().Tag() {
		t.Error("from tag changed")
	}
}

func TestSerializeHeaderOrderAndContentLength(t *testing.T) {
	msg, err := Parse([]byte(sampleInvite))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	msg.Body = []byte("0123456789")
	out := string(msg.Bytes())

	lines := strings.Split(out, "\r\n")
	if !strings.HasPrefix(lines[1], "Via:") {
		t.Errorf("Via is not the first header: %q", lines[1])
	}
	if !strings.Contains(out, "Content-Length: 10\r\n") {
		t.Errorf("content-length not recomputed:\n%s", out)
	}
	if strings.Contains(out, "Content-Length: 4") {
		t.Error("stale content-length survived")
	}
}

func TestPushPopVia(t *testing.T) {
	msg, err := Parse([]byte(sampleInvite))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ours := &Via{Transport: "UDP", Host: "198.51.100.1", Port: 5060,
		Params: Params{{Key: "branch", Value: "z9hG4bK-ours"}, {Key: "rport"}}}
	msg.PushVia(ours)
	if top := msg.TopVia(); top.Host != "198.51.100.1" {
		t.Fatalf("push did not land on top: %v", top)
	}
	popped := msg.PopVia()
	if popped != ours {
		t.Fatal("pop returned wrong via")
	}
	if top := msg.TopVia(); top.Host != "10.0.0.2" {
		t.Errorf("stack damaged after pop: %v", top)
	}
}

func TestViaSentByAddr(t *testing.T) {
	via, err := parseVia("SIP/2.0/UDP 192.168.1.50:5062;branch=z9hG4bKx;rport=5060;received=203.0.113.9")
	if err != nil {
		t.Fatalf("parse via: %v", err)
	}
	host, port := via.SentByAddr()
	if host != "203.0.113.9" || port != 5060 {
		t.Errorf("sent-by addr = %s:%d", host, port)
	}

	via, err = parseVia("SIP/2.0/UDP 192.168.1.50;branch=z9hG4bKy")
	if err != nil {
		t.Fatalf("parse via: %v", err)
	}
	host, port = via.SentByAddr()
	if host != "192.168.1.50" || port != 5060 {
		t.Errorf("default port not applied: %s:%d", host, port)
	}
}

func TestURIRoundTrip(t *testing.T) {
	u, err := ParseURI("sip:1002@192.168.1.60:5066;transport=udp;ob")
	if err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	if u.User != "1002" || u.Host != "192.168.1.60" || u.Port != 5066 {
		t.Errorf("uri = %+v", u)
	}
	if v, _ := u.Params.Get("transport"); v != "udp" {
		t.Errorf("transport param = %q", v)
	}
	if got := u.String(); got != "sip:1002@192.168.1.60:5066;transport=udp;ob" {
		t.Errorf("uri string = %q", got)
	}
}

func TestNewResponseCopiesWithoutAliasing(t *testing.T) {
	req, err := Parse([]byte(sampleInvite))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	resp := NewResponse(req, 200, "OK")
	resp.ToHeader().Params.Set("tag", "srv1")
	if req.ToHeader().Tag() != "" {
		t.Error("response To tag leaked into the request")
	}
	if resp.CallID() != req.CallID() {
		t.Error("call-id not copied")
	}
	if len(resp.Vias()) != len(req.Vias()) {
		t.Error("vias not copied")
	}
}
