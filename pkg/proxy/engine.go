package proxy

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sipproxy-server/pkg/auth"
	"sipproxy-server/pkg/cdr"
	"sipproxy-server/pkg/config"
	"sipproxy-server/pkg/metrics"
	"sipproxy-server/pkg/registrar"
	"sipproxy-server/pkg/sipmsg"
	"sipproxy-server/pkg/transport"
)

const (
	serverSoftware = "sipproxy-server/0.1.0"
	allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, PRACK, UPDATE, REFER, NOTIFY, SUBSCRIBE, MESSAGE, REGISTER"
)

// Sender is the outbound half of the transport.
type Sender interface {
	Send(payload []byte, peer transport.Endpoint) error
}

// Engine is the routing and forwarding core. It owns the dialog,
// pending-request and invite-branch tables; each table carries its own
// lock and no operation holds more than one at a time.
type Engine struct {
	cfg    *config.Provider
	tp     Sender
	auth   *auth.DigestAuthenticator
	reg    *registrar.Registrar
	rec    *cdr.Recorder
	nat    *NATRewriter
	logger *logrus.Logger

	dialogs  *DialogTable
	pending  *PendingTable
	branches *BranchTable
}

// New wires the engine together.
func New(cfg *config.Provider, tp Sender, authn *auth.DigestAuthenticator,
	reg *registrar.Registrar, rec *cdr.Recorder, logger *logrus.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		tp:       tp,
		auth:     authn,
		reg:      reg,
		rec:      rec,
		nat:      NewNATRewriter(logger),
		logger:   logger,
		dialogs:  NewDialogTable(logger),
		pending:  NewPendingTable(logger),
		branches: NewBranchTable(logger),
	}
}

// Dialogs exposes the dialog table to the timer wheel.
func (e *Engine) Dialogs() *DialogTable { return e.dialogs }

// Pending exposes the pending-request table to the timer wheel.
func (e *Engine) Pending() *PendingTable { return e.pending }

// Branches exposes the invite-branch table to the timer wheel.
func (e *Engine) Branches() *BranchTable { return e.branches }

// HandleDatagram is the transport dispatch function: one inbound
// datagram in, zero or more sends out. All state updates between the
// receive and the send are synchronous.
func (e *Engine) HandleDatagram(payload []byte, peer transport.Endpoint) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		// UA keepalive, not a message.
		return
	}

	snap := e.cfg.Current()
	peer = e.nat.EffectivePeer(snap, peer)

	msg, err := sipmsg.Parse(payload)
	if err != nil {
		metrics.ParseErrors.Inc()
		if looksLikeRequest(trimmed) {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"event": "DROP",
				"peer":  peer.String(),
			}).Warning("Unparsable SIP request")
			e.respondToRaw(snap, payload, peer)
		} else {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"event": "DROP",
				"peer":  peer.String(),
			}).Debug("Unparsable SIP datagram")
		}
		return
	}

	e.logger.WithFields(logrus.Fields{
		"event":   "RX",
		"peer":    peer.String(),
		"line":    msg.StartLine(),
		"call_id": msg.CallID(),
	}).Info("Datagram received")

	if msg.Request {
		metrics.RequestsTotal.WithLabelValues(msg.Method).Inc()
		e.dispatchRequest(snap, msg, peer)
	} else {
		metrics.ResponsesTotal.WithLabelValues(strconv.Itoa(msg.StatusCode)).Inc()
		e.forwardResponse(snap, msg, peer)
	}

	metrics.ActiveDialogs.Set(float64(e.dialogs.Count()))
	metrics.ActiveBindings.Set(float64(e.reg.AORCount()))
}

func (e *Engine) dispatchRequest(snap *config.Snapshot, msg *sipmsg.Message, peer transport.Endpoint) {
	// Stamp received/rport on the peer's Via so responses can route
	// back through NAT. ACK is left untouched: its Via stack must
	// match the INVITE's.
	if msg.Method != "ACK" && e.nat.ShouldRewrite(snap, peer) {
		e.nat.DecorateVia(msg.TopVia(), peer)
	}

	switch msg.Method {
	case "REGISTER":
		e.handleRegister(snap, msg, peer)
	case "OPTIONS":
		// A probe addressed to the proxy itself is answered locally;
		// OPTIONS aimed at a user goes through the forwarding path.
		if msg.RequestURI.User == "" {
			e.serveOptions(snap, msg, peer)
			return
		}
		e.forwardRequest(snap, msg, peer)
	case "INVITE", "ACK", "BYE", "CANCEL", "PRACK", "UPDATE", "REFER", "NOTIFY", "SUBSCRIBE", "MESSAGE":
		e.forwardRequest(snap, msg, peer)
	default:
		e.logger.WithFields(logrus.Fields{
			"event":  "DROP",
			"method": msg.Method,
		}).Warning("Unsupported SIP method")
		e.respond(snap, msg, peer, 405, "Method Not Allowed")
	}
}

// serveOptions answers a capability probe addressed to the proxy
// itself.
func (e *Engine) serveOptions(snap *config.Snapshot, msg *sipmsg.Message, peer transport.Endpoint) {
	resp := sipmsg.NewResponse(msg, 200, "OK")
	resp.AddHeader(&sipmsg.GenericHeader{HeaderName: "Accept", HeaderValue: "application/sdp"})
	resp.AddHeader(&sipmsg.GenericHeader{HeaderName: "Supported", HeaderValue: "100rel, timer, path"})
	e.decorate(resp)
	e.sendMessage(resp, peer)

	cseq := msg.HeaderValue("CSeq")
	e.rec.Options(msg.CallID(), msg.HeaderValue("From"), msg.HeaderValue("To"), peer,
		msg.HeaderValue("User-Agent"), cseq)
	metrics.CDRRowsWritten.WithLabelValues(cdr.TypeOptions).Inc()
}

// respond builds, decorates and sends a locally generated response.
func (e *Engine) respond(snap *config.Snapshot, req *sipmsg.Message, peer transport.Endpoint, code int, reason string, extra ...sipmsg.Header) {
	resp := sipmsg.NewResponse(req, code, reason)
	for _, h := range extra {
		resp.AddHeader(h)
	}
	e.decorate(resp)
	e.sendMessage(resp, peer)
}

// decorate adds the headers every locally generated response carries
// and tags To on final responses.
func (e *Engine) decorate(resp *sipmsg.Message) {
	if to := resp.ToHeader(); to != nil && to.Tag() == "" && resp.StatusCode >= 200 {
		to.Params.Set("tag", genTag())
	}
	resp.AddHeader(&sipmsg.GenericHeader{HeaderName: "Server", HeaderValue: serverSoftware})
	resp.AddHeader(&sipmsg.GenericHeader{HeaderName: "Allow", HeaderValue: allowedMethods})
	resp.AddHeader(&sipmsg.GenericHeader{HeaderName: "Date", HeaderValue: time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")})
}

// sendMessage serializes and transmits, logging the outcome. Local
// responses are best-effort; a failed send is logged and dropped.
func (e *Engine) sendMessage(msg *sipmsg.Message, dest transport.Endpoint) {
	if err := e.tp.Send(msg.Bytes(), dest); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"event": "NETWORK",
			"dest":  dest.String(),
		}).Warning("Send failed")
		if se, ok := err.(*transport.SendError); ok {
			metrics.SendErrors.WithLabelValues(sendErrorLabel(se.Kind)).Inc()
		}
		return
	}
	e.logger.WithFields(logrus.Fields{
		"event": "TX",
		"dest":  dest.String(),
		"line":  msg.StartLine(),
	}).Info("Datagram sent")
}

// respondToRaw answers 400 to a request we could not parse, provided
// the raw text carries enough headers to route the response. Anything
// less is dropped.
func (e *Engine) respondToRaw(snap *config.Snapshot, payload []byte, peer transport.Endpoint) {
	needed := map[string]string{"via": "", "from": "", "to": "", "call-id": "", "cseq": ""}
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSuffix(line, "\r")
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		if _, want := needed[name]; want && needed[name] == "" {
			needed[name] = strings.TrimSpace(line[colon+1:])
		}
	}
	for _, v := range needed {
		if v == "" {
			return
		}
	}
	raw := fmt.Sprintf("SIP/2.0 400 Bad Request\r\nVia: %s\r\nFrom: %s\r\nTo: %s;tag=%s\r\nCall-ID: %s\r\nCSeq: %s\r\nServer: %s\r\nContent-Length: 0\r\n\r\n",
		needed["via"], needed["from"], needed["to"], genTag(), needed["call-id"], needed["cseq"], serverSoftware)
	if err := e.tp.Send([]byte(raw), peer); err == nil {
		e.logger.WithFields(logrus.Fields{
			"event": "TX",
			"dest":  peer.String(),
			"line":  "SIP/2.0 400 Bad Request",
		}).Info("Datagram sent")
	}
}

// isSelfHost reports whether host names this proxy.
func (e *Engine) isSelfHost(snap *config.Snapshot, host string) bool {
	return host == snap.AdvertisedHost || host == snap.ServerIP
}

// isSelf reports whether the endpoint is this proxy's SIP address.
func (e *Engine) isSelf(snap *config.Snapshot, host string, port int) bool {
	if port == 0 {
		port = 5060
	}
	return e.isSelfHost(snap, host) && port == snap.ServerPort
}

// selfURI is the Record-Route/Route identity: <sip:host:port;lr>.
func (e *Engine) selfURI(snap *config.Snapshot) *sipmsg.URI {
	return &sipmsg.URI{
		Scheme: "sip",
		Host:   snap.AdvertisedHost,
		Port:   snap.ServerPort,
		Params: sipmsg.Params{{Key: "lr"}},
	}
}

// routePointsAtUs reports whether a Route entry names this proxy with
// the loose-routing flag.
func (e *Engine) routePointsAtUs(snap *config.Snapshot, r *sipmsg.Route) bool {
	if r == nil || r.URI == nil {
		return false
	}
	host, port := r.URI.Addr()
	return e.isSelf(snap, host, port) && r.URI.Params.Has("lr")
}

func looksLikeRequest(payload []byte) bool {
	return !bytes.HasPrefix(payload, []byte("SIP/2.0 "))
}

func sendErrorLabel(kind transport.SendErrorKind) string {
	if kind == transport.SendErrorUnreachable {
		return "unreachable"
	}
	return "other"
}

func genTag() string {
	return randHex(8)
}

func genBranch() string {
	return "z9hG4bK-" + randHex(10)
}

func randHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)[:n]
}
