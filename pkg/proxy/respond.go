package proxy

import (
	"github.com/sirupsen/logrus"

	"sipproxy-server/pkg/cdr"
	"sipproxy-server/pkg/config"
	"sipproxy-server/pkg/metrics"
	"sipproxy-server/pkg/sipmsg"
	"sipproxy-server/pkg/transport"
)

// endOfPathStatuses are never propagated further up a chain we
// initiated; forwarding them would bounce errors between proxies.
var endOfPathStatuses = map[int]bool{
	482: true,
	483: true,
	502: true,
	503: true,
	504: true,
}

// forwardResponse pops our Via and relays the response toward the
// next hop, preferring dialog memory over Via analysis for final
// INVITE responses whose caller sits behind NAT.
func (e *Engine) forwardResponse(snap *config.Snapshot, resp *sipmsg.Message, peer transport.Endpoint) {
	top := resp.TopVia()
	if top == nil {
		return
	}
	if !e.isSelf(snap, top.Host, top.Port) {
		e.logger.WithFields(logrus.Fields{
			"event":   "DROP",
			"call_id": resp.CallID(),
			"reason":  "response not for us",
		}).Debug("Top Via names another hop")
		metrics.DroppedTotal.WithLabelValues("foreign_response").Inc()
		return
	}

	callID := resp.CallID()

	if endOfPathStatuses[resp.StatusCode] {
		e.logger.WithFields(logrus.Fields{
			"event":   "DROP",
			"call_id": callID,
			"status":  resp.StatusCode,
		}).Warning("Dropping end-of-path error response")
		metrics.DroppedTotal.WithLabelValues("end_of_path").Inc()
		return
	}

	// Single-host testing mode: peers only ever see loopback.
	if snap.ForceLocalAddr {
		for _, contact := range resp.Contacts() {
			if contact.URI != nil {
				contact.URI.Host = "127.0.0.1"
			}
		}
	}

	resp.PopVia()
	next := resp.TopVia()
	if next == nil {
		e.logger.WithFields(logrus.Fields{
			"event":   "DROP",
			"call_id": callID,
			"reason":  "no remaining via",
		}).Debug("Response ran out of Via hops")
		metrics.DroppedTotal.WithLabelValues("no_via").Inc()
		return
	}

	host, port := next.SentByAddr()
	dest := transport.Endpoint{Host: host, Port: port}

	// A Via naming a non-local address is useless behind NAT; the
	// pending-request table remembers where the request really came
	// from.
	if !snap.IsLocalPeer(dest.IP()) {
		if source, ok := e.pending.Get(callID); ok {
			dest = source
		}
	}

	cseq := resp.CSeqHeader()
	isInvite := cseq != nil && cseq.Method == "INVITE"
	dialog, hasDialog := e.dialogs.Get(callID)

	// Dialog memory beats Via analysis for final INVITE responses:
	// the caller's Via may not be reachable post-NAT.
	if isInvite && resp.StatusCode >= 200 && hasDialog {
		dest = dialog.Caller
	}

	if e.isSelf(snap, dest.Host, dest.Port) {
		e.logger.WithFields(logrus.Fields{
			"event":   "DROP",
			"call_id": callID,
			"reason":  "response loop",
		}).Warning("Prevented response loop to self")
		metrics.DroppedTotal.WithLabelValues("self_response").Inc()
		return
	}

	if err := e.tp.Send(resp.Bytes(), dest); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"event": "NETWORK",
			"dest":  dest.String(),
		}).Error("Response forward failed")
		metrics.SendErrors.WithLabelValues("other").Inc()
		// One retry toward the recorded requester, then give up.
		if source, ok := e.pending.Get(callID); ok && source.String() != dest.String() {
			if err := e.tp.Send(resp.Bytes(), source); err == nil {
				e.logger.WithFields(logrus.Fields{
					"event": "FWD",
					"dest":  source.String(),
				}).Info("Response forwarded on retry")
			}
		}
		return
	}

	e.logger.WithFields(logrus.Fields{
		"event":   "FWD",
		"status":  resp.StatusCode,
		"call_id": callID,
		"dest":    dest.String(),
	}).Info("Response forwarded")
	metrics.ForwardedTotal.WithLabelValues("response").Inc()

	e.applyResponseState(resp, peer, callID, isInvite, hasDialog)
}

// applyResponseState runs the dialog state machine and the CDR side
// effects after a response went out. Retransmissions of terminal
// responses find the dialog gone and change nothing.
func (e *Engine) applyResponseState(resp *sipmsg.Message, peer transport.Endpoint, callID string, isInvite, hadDialog bool) {
	status := resp.StatusCode
	cseq := resp.CSeqHeader()

	if isInvite {
		switch {
		case status == 180:
			if hadDialog {
				e.rec.CallRinging(callID)
			}
		case status >= 200 && status < 300:
			if hadDialog {
				e.dialogs.SetState(callID, DialogConfirmed)
				e.rec.CallAnswer(callID, peer)
			}
		case status == 401 || status == 407:
			// The authentication dance, not a failure.
		case status >= 400:
			if e.dialogs.Remove(callID) {
				e.rec.CallFail(callID, status, resp.Reason, "")
				metrics.CDRRowsWritten.WithLabelValues(cdr.TypeCall).Inc()
			}
			e.pending.Remove(callID)
			e.branches.Remove(callID)
		}
		return
	}

	if status >= 200 && status < 300 && cseq != nil {
		switch cseq.Method {
		case "BYE":
			if e.dialogs.Remove(callID) {
				e.logger.WithFields(logrus.Fields{
					"event":   "DIALOG",
					"call_id": callID,
				}).Debug("Dialog closed after BYE")
			}
			e.pending.Remove(callID)
			e.branches.Remove(callID)
		case "CANCEL":
			// The 487 on the INVITE does the teardown; the CANCEL 200
			// is just transactional.
		default:
			e.pending.Remove(callID)
		}
	}
}
