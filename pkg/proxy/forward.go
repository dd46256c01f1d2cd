package proxy

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"sipproxy-server/pkg/cdr"
	"sipproxy-server/pkg/config"
	"sipproxy-server/pkg/metrics"
	"sipproxy-server/pkg/registrar"
	"sipproxy-server/pkg/sipmsg"
	"sipproxy-server/pkg/transport"
)

// forwardRequest routes a request downstream: target lookup and
// Request-URI rewrite for initial requests, Route consumption for
// in-dialog ones, Max-Forwards decrement for every request, and a Via
// push for everything except ACK.
func (e *Engine) forwardRequest(snap *config.Snapshot, msg *sipmsg.Message, peer transport.Endpoint) {
	if msg.Method == "ACK" {
		e.forwardACK(snap, msg, peer)
		return
	}

	if !e.decrementMaxForwards(snap, msg) {
		e.logger.WithFields(logrus.Fields{
			"event":   "DROP",
			"call_id": msg.CallID(),
			"reason":  "max-forwards exhausted",
		}).Warning("Too many hops")
		metrics.DroppedTotal.WithLabelValues("max_forwards").Inc()
		e.respond(snap, msg, peer, 483, "Too Many Hops")
		return
	}

	callID := msg.CallID()
	cseqValue := msg.HeaderValue("CSeq")

	// Loop detection: our own Via already on the stack means the
	// request came around once before.
	for _, via := range msg.Vias() {
		if e.isSelf(snap, via.Host, via.Port) && strings.HasPrefix(via.Branch(), "z9hG4bK-") {
			e.logger.WithFields(logrus.Fields{
				"event":   "DROP",
				"call_id": callID,
				"reason":  "loop detected",
			}).Warning("Loop detected, rejecting")
			metrics.DroppedTotal.WithLabelValues("loop").Inc()
			e.respond(snap, msg, peer, 482, "Loop Detected")
			if msg.Method == "INVITE" || msg.Method == "MESSAGE" {
				e.rec.CallFail(callID, 482, "Loop Detected", "")
			}
			return
		}
	}

	// Consume our own loose Route before anything else.
	routes := msg.Routes()
	if len(routes) > 0 && e.routePointsAtUs(snap, routes[0]) {
		msg.RemoveTopRoute()
	}

	toTag := ""
	if to := msg.ToHeader(); to != nil {
		toTag = to.Tag()
	}

	// A repeated initial INVITE for a live dialog is a retransmission;
	// answer 100 Trying so the client backs off, forward nothing.
	if msg.Method == "INVITE" && toTag == "" && e.dialogs.Has(callID) {
		e.logger.WithFields(logrus.Fields{
			"call_id": callID,
		}).Debug("Duplicate initial INVITE, answering 100 Trying")
		e.respond(snap, msg, peer, 100, "Trying")
		return
	}

	var target transport.Endpoint
	var branch string

	switch {
	case msg.Method == "CANCEL":
		target, branch = e.prepareCancel(snap, msg, callID)
		if target.IsZero() {
			e.logger.WithFields(logrus.Fields{
				"event":   "DROP",
				"call_id": callID,
				"reason":  "cancel without matching invite",
			}).Warning("CANCEL has nothing to cancel")
			metrics.DroppedTotal.WithLabelValues("orphan_cancel").Inc()
			e.respond(snap, msg, peer, 481, "Call/Transaction Does Not Exist")
			return
		}

	case toTag == "" && (msg.Method == "INVITE" || msg.Method == "MESSAGE" || msg.Method == "OPTIONS"):
		ok := false
		target, ok = e.prepareInitial(snap, msg, peer)
		if !ok {
			return
		}
		branch = genBranch()

	default:
		// In-dialog: the route set, or failing that the Request-URI,
		// names the next hop.
		if remaining := msg.Routes(); len(remaining) > 0 && remaining[0].URI != nil {
			host, port := remaining[0].URI.Addr()
			target = transport.Endpoint{Host: host, Port: port}
		} else {
			host, port := msg.RequestURI.Addr()
			target = transport.Endpoint{Host: host, Port: port}
		}
		// The registrar's NAT-corrected contact beats whatever address
		// the peer advertised in its own headers.
		var binding *registrar.Binding
		if to := msg.ToHeader(); to != nil {
			binding = e.reg.FirstActive(registrar.AOR(to.URI))
		}
		if binding != nil {
			host, port := binding.ContactURI.Addr()
			target = transport.Endpoint{Host: host, Port: port}
		} else if toTag == "" {
			// Out-of-dialog NOTIFY/REFER/SUBSCRIBE to someone who
			// never registered.
			e.respond(snap, msg, peer, 480, "Temporarily Unavailable")
			e.logger.WithFields(logrus.Fields{
				"event":   "DROP",
				"call_id": callID,
				"method":  msg.Method,
				"reason":  "no binding",
			}).Warning("Target not registered")
			return
		}
		if toTag != "" {
			e.dialogs.Get(callID) // touch activity
		}
		branch = genBranch()
	}

	// Never forward to ourselves; fall back to dialog memory or the
	// registrar before giving up.
	if e.isSelf(snap, target.Host, target.Port) {
		target = e.resolveSelfTarget(snap, msg, peer, callID)
		if target.IsZero() {
			e.logger.WithFields(logrus.Fields{
				"event":   "DROP",
				"call_id": callID,
				"reason":  "self loop",
			}).Warning("Dropping self-addressed forward")
			metrics.DroppedTotal.WithLabelValues("self_forward").Inc()
			return
		}
	}

	ourVia := &sipmsg.Via{
		Transport: "UDP",
		Host:      snap.AdvertisedHost,
		Port:      snap.ServerPort,
		Params:    sipmsg.Params{{Key: "branch", Value: branch}, {Key: "rport"}},
	}
	msg.PushVia(ourVia)
	if msg.Method == "INVITE" {
		e.branches.Set(callID, branch)
	}

	if err := e.tp.Send(msg.Bytes(), target); err != nil {
		e.handleSendFailure(snap, msg, peer, target, callID, cseqValue, err)
		return
	}

	e.logger.WithFields(logrus.Fields{
		"event":   "FWD",
		"method":  msg.Method,
		"call_id": callID,
		"target":  target.String(),
		"ruri":    msg.RequestURI.String(),
	}).Info("Request forwarded")
	metrics.ForwardedTotal.WithLabelValues(msg.Method).Inc()

	e.pending.Set(callID, peer)

	switch msg.Method {
	case "INVITE":
		if toTag == "" && e.dialogs.Create(callID, peer, target) {
			callerURI, calleeURI := e.partyURIs(msg)
			e.rec.CallStart(callID, callerURI, calleeURI, peer, target,
				msg.HeaderValue("User-Agent"), cseqValue, snap.AdvertisedHost, snap.ServerPort)
		}
	case "BYE":
		// Retransmitted BYEs after cleanup still forward but never
		// produce a second row.
		if e.dialogs.Has(callID) {
			e.dialogs.SetState(callID, DialogTerminating)
			e.rec.CallEnd(callID, "Normal", cseqValue)
			metrics.CDRRowsWritten.WithLabelValues(cdr.TypeCall).Inc()
		}
	case "CANCEL":
		if e.dialogs.Has(callID) {
			e.rec.CallCancel(callID, cseqValue)
			metrics.CDRRowsWritten.WithLabelValues(cdr.TypeCall).Inc()
		}
	case "MESSAGE":
		if toTag == "" {
			callerURI, calleeURI := e.partyURIs(msg)
			dedupKey := callID + "-" + cseqValue
			e.rec.Message(dedupKey, callID, callerURI, calleeURI, peer,
				string(msg.Body), msg.HeaderValue("User-Agent"), cseqValue,
				snap.AdvertisedHost, snap.ServerPort)
			metrics.CDRRowsWritten.WithLabelValues(cdr.TypeMessage).Inc()
		}
	}
}

// prepareInitial resolves the callee binding, rewrites the
// Request-URI and records our path with a Record-Route. Returns false
// after answering the requester when no binding exists.
func (e *Engine) prepareInitial(snap *config.Snapshot, msg *sipmsg.Message, peer transport.Endpoint) (transport.Endpoint, bool) {
	// Clients sometimes preload Route headers; as the registrar for
	// both sides we route by location service instead.
	msg.RemoveHeaders("Route")

	binding := e.lookupBinding(snap, msg)
	if binding == nil {
		callID := msg.CallID()
		callerURI, calleeURI := e.partyURIs(msg)
		if msg.Method == "OPTIONS" {
			e.respond(snap, msg, peer, 404, "Not Found")
			e.rec.RequestFail(callID, cdr.TypeOptions, 404, "Not Found", callerURI, calleeURI, peer)
		} else {
			e.respond(snap, msg, peer, 480, "Temporarily Unavailable")
			if msg.Method == "INVITE" {
				e.rec.CallFail(callID, 480, "Temporarily Unavailable", "")
			} else {
				e.rec.RequestFail(callID, cdr.TypeMessage, 480, "Temporarily Unavailable", callerURI, calleeURI, peer)
			}
		}
		e.logger.WithFields(logrus.Fields{
			"event":   "DROP",
			"call_id": callID,
			"reason":  "no binding",
		}).Warning("Target not registered")
		return transport.Endpoint{}, false
	}

	ruri := binding.ContactURI.Clone()
	// Flow tokens and transport hints from the client's Contact only
	// confuse the downstream hop.
	ruri.Params.Del("ob")
	ruri.Params.Del("transport")
	msg.RequestURI = ruri

	// We rewrote the Request-URI, so we must stay on the path of
	// subsequent in-dialog requests.
	msg.PrependRecordRoute(&sipmsg.RecordRoute{NameAddr: sipmsg.NameAddr{URI: e.selfURI(snap)}})

	host, port := ruri.Addr()
	return transport.Endpoint{Host: host, Port: port}, true
}

// prepareCancel aligns the CANCEL with the INVITE it cancels: same
// rewritten Request-URI, same top-Via branch, same downstream hop.
func (e *Engine) prepareCancel(snap *config.Snapshot, msg *sipmsg.Message, callID string) (transport.Endpoint, string) {
	dialog, ok := e.dialogs.Get(callID)
	if !ok {
		return transport.Endpoint{}, ""
	}

	if binding := e.lookupBinding(snap, msg); binding != nil {
		ruri := binding.ContactURI.Clone()
		ruri.Params.Del("ob")
		ruri.Params.Del("transport")
		msg.RequestURI = ruri
	}

	branch, ok := e.branches.Get(callID)
	if !ok {
		branch = genBranch()
	}
	return dialog.Callee, branch
}

// lookupBinding finds the callee's registered contact, trying the
// Request-URI first and the To URI as fallback.
func (e *Engine) lookupBinding(snap *config.Snapshot, msg *sipmsg.Message) *registrar.Binding {
	if b := e.reg.FirstActive(registrar.AOR(msg.RequestURI)); b != nil {
		return b
	}
	if to := msg.ToHeader(); to != nil {
		return e.reg.FirstActive(registrar.AOR(to.URI))
	}
	return nil
}

// resolveSelfTarget replaces a next hop that points back at us with
// dialog memory or the registrar's view of the callee.
func (e *Engine) resolveSelfTarget(snap *config.Snapshot, msg *sipmsg.Message, peer transport.Endpoint, callID string) transport.Endpoint {
	if dialog, ok := e.dialogs.Get(callID); ok {
		if dialog.Caller.String() == peer.String() {
			return dialog.Callee
		}
		return dialog.Caller
	}
	if binding := e.lookupBinding(snap, msg); binding != nil {
		host, port := binding.ContactURI.Addr()
		return transport.Endpoint{Host: host, Port: port}
	}
	return transport.Endpoint{}
}

// decrementMaxForwards applies the hop-count rule, defaulting the
// header when absent. False means the request must be rejected.
func (e *Engine) decrementMaxForwards(snap *config.Snapshot, msg *sipmsg.Message) bool {
	hops, ok := msg.MaxForwards()
	if !ok {
		hops = snap.MaxForwards
	}
	hops--
	if hops < 0 {
		return false
	}
	msg.SetMaxForwards(hops)
	return true
}

// partyURIs returns the From and To values for CDR rows.
func (e *Engine) partyURIs(msg *sipmsg.Message) (string, string) {
	return msg.HeaderValue("From"), msg.HeaderValue("To")
}

// handleSendFailure converts a failed downstream send into the
// method-appropriate SIP failure toward the requester and cleans up
// the state the dead hop strands.
func (e *Engine) handleSendFailure(snap *config.Snapshot, msg *sipmsg.Message, peer, target transport.Endpoint, callID, cseqValue string, err error) {
	var se *transport.SendError
	unreachable := errors.As(err, &se) && se.Kind == transport.SendErrorUnreachable

	if unreachable {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"event":  "NETWORK",
			"target": target.String(),
		}).Warning("Target unreachable")
		metrics.SendErrors.WithLabelValues("unreachable").Inc()
	} else {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"event":  "NETWORK",
			"target": target.String(),
		}).Error("Send failed")
		metrics.SendErrors.WithLabelValues("other").Inc()
	}

	// Our Via went on before the send; pull it back off so a locally
	// generated response mirrors the original request.
	msg.PopVia()

	switch {
	case !unreachable:
		e.respond(snap, msg, peer, 502, "Bad Gateway")
	case msg.Method == "INVITE" || msg.Method == "MESSAGE" || msg.Method == "OPTIONS" || msg.Method == "REGISTER":
		e.respond(snap, msg, peer, 480, "Temporarily Unavailable")
		if msg.Method == "INVITE" && e.dialogs.Has(callID) {
			// Unreachable mid-call re-INVITE: the call is over for us.
			e.dialogs.Remove(callID)
			e.rec.CallFail(callID, 480, "Temporarily Unavailable", "Unreachable")
		}
	case msg.Method == "BYE":
		e.respond(snap, msg, peer, 408, "Request Timeout")
		if e.dialogs.Remove(callID) {
			e.rec.CallEnd(callID, "Timeout", cseqValue)
			metrics.CDRRowsWritten.WithLabelValues(cdr.TypeCall).Inc()
		}
		e.pending.Remove(callID)
		e.branches.Remove(callID)
	default:
		e.respond(snap, msg, peer, 503, "Service Unavailable")
	}
}

// forwardACK relays an ACK without adding a Via; a stateless proxy
// never owns an ACK transaction.
func (e *Engine) forwardACK(snap *config.Snapshot, msg *sipmsg.Message, peer transport.Endpoint) {
	if !e.decrementMaxForwards(snap, msg) {
		metrics.DroppedTotal.WithLabelValues("max_forwards").Inc()
		return
	}

	callID := msg.CallID()
	dialog, inDialog := e.dialogs.Get(callID)

	var target transport.Endpoint
	if inDialog {
		// 2xx-ACK: consume our Route, then the route set or the
		// Request-URI produced by the UAC names the hop.
		routes := msg.Routes()
		if len(routes) > 0 && e.routePointsAtUs(snap, routes[0]) {
			msg.RemoveTopRoute()
			routes = msg.Routes()
		}
		if len(routes) > 0 && routes[0].URI != nil {
			host, port := routes[0].URI.Addr()
			target = transport.Endpoint{Host: host, Port: port}
		} else {
			host, port := msg.RequestURI.Addr()
			target = transport.Endpoint{Host: host, Port: port}
		}
		if e.isSelf(snap, target.Host, target.Port) {
			if dialog.Caller.String() == peer.String() {
				target = dialog.Callee
			} else {
				target = dialog.Caller
			}
		}
	} else {
		// non-2xx-ACK: Request-URI and top-Via branch still match the
		// original INVITE; forward once so the downstream transaction
		// stops retransmitting its failure.
		host, port := msg.RequestURI.Addr()
		target = transport.Endpoint{Host: host, Port: port}
		if e.isSelf(snap, target.Host, target.Port) {
			if binding := e.lookupBinding(snap, msg); binding != nil {
				host, port = binding.ContactURI.Addr()
				target = transport.Endpoint{Host: host, Port: port}
			} else {
				e.logger.WithFields(logrus.Fields{
					"event":   "DROP",
					"call_id": callID,
					"reason":  "unroutable ack",
				}).Warning("ACK has no route")
				metrics.DroppedTotal.WithLabelValues("unroutable_ack").Inc()
				return
			}
		}
	}

	if err := e.tp.Send(msg.Bytes(), target); err != nil {
		// Nothing to answer: ACK has no response.
		e.logger.WithError(err).WithFields(logrus.Fields{
			"event":  "NETWORK",
			"target": target.String(),
		}).Warning("ACK forward failed")
		return
	}
	e.logger.WithFields(logrus.Fields{
		"event":   "FWD",
		"method":  "ACK",
		"call_id": callID,
		"target":  target.String(),
	}).Info("ACK forwarded")
	metrics.ForwardedTotal.WithLabelValues("ACK").Inc()
	e.pending.Set(callID, peer)
}
