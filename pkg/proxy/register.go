package proxy

import (
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"sipproxy-server/pkg/cdr"
	"sipproxy-server/pkg/config"
	"sipproxy-server/pkg/metrics"
	"sipproxy-server/pkg/registrar"
	"sipproxy-server/pkg/sipmsg"
	"sipproxy-server/pkg/transport"
)

const defaultExpires = 3600

// handleRegister authenticates, updates the binding table and answers
// with the full remaining binding set. A 401 challenge is part of the
// normal flow and never produces a CDR row.
func (e *Engine) handleRegister(snap *config.Snapshot, msg *sipmsg.Message, peer transport.Endpoint) {
	authHeader := msg.HeaderValue("Authorization")
	result := e.auth.Authenticate(authHeader, "REGISTER", peer.Host, snap.Users)
	if !result.Success {
		if authHeader != "" {
			metrics.AuthFailures.Inc()
		}
		metrics.AuthChallenges.Inc()
		e.respond(snap, msg, peer, 401, "Unauthorized",
			&sipmsg.GenericHeader{HeaderName: "WWW-Authenticate", HeaderValue: result.Challenge})
		return
	}

	to := msg.ToHeader()
	if to == nil || to.URI == nil {
		e.respond(snap, msg, peer, 400, "Bad Request")
		return
	}
	aor := registrar.AOR(to.URI)

	headerExpires, hasHeaderExpires := msg.ExpiresValue()
	contacts := msg.Contacts()
	callID := msg.CallID()
	cseqHeader := msg.CSeqHeader()
	userAgent := msg.HeaderValue("User-Agent")

	rewrite := e.nat.ShouldRewrite(snap, peer)
	unregistered := false
	var firstContact string

	// Wildcard deregistration drops the whole AOR at once.
	if len(contacts) == 1 && contacts[0].Star {
		if hasHeaderExpires && headerExpires == 0 {
			e.reg.RemoveAll(aor)
			unregistered = true
			firstContact = "*"
		} else {
			e.respond(snap, msg, peer, 400, "Bad Request")
			return
		}
	}

	now := time.Now()
	for _, contact := range contacts {
		if contact.Star {
			continue
		}
		if rewrite {
			e.nat.RewriteContact(contact, peer)
		}

		expires := defaultExpires
		if hasHeaderExpires {
			expires = headerExpires
		}
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				expires = n
			}
		}
		if expires > snap.RegistrationExpires {
			expires = snap.RegistrationExpires
		}

		if firstContact == "" {
			firstContact = contact.URI.String()
		}

		if expires == 0 {
			e.reg.Remove(aor, contact.URI, peer)
			unregistered = true
			continue
		}

		var cseqNum uint32
		if cseqHeader != nil {
			cseqNum = cseqHeader.Seq
		}
		e.reg.Upsert(aor, &registrar.Binding{
			ContactURI: contact.URI.Clone(),
			Source:     peer,
			Expiry:     now.Add(time.Duration(expires) * time.Second),
			CallID:     callID,
			CSeq:       cseqNum,
			UserAgent:  userAgent,
		})
	}

	remaining := e.reg.Lookup(aor)
	resp := sipmsg.NewResponse(msg, 200, "OK")
	for _, b := range remaining {
		contactURI := b.ContactURI.Clone()
		resp.AddHeader(&sipmsg.Contact{NameAddr: sipmsg.NameAddr{
			URI:    contactURI,
			Params: sipmsg.Params{{Key: "expires", Value: strconv.Itoa(b.RemainingExpires(now))}},
		}})
	}
	e.decorate(resp)
	e.sendMessage(resp, peer)

	e.logger.WithFields(logrus.Fields{
		"aor":      aor,
		"bindings": len(remaining),
		"user":     result.Username,
	}).Info("REGISTER processed")

	cseqValue := msg.HeaderValue("CSeq")
	if unregistered {
		e.rec.Unregister(callID, aor, peer, firstContact, userAgent, cseqValue)
	} else {
		contact := firstContact
		expires := defaultExpires
		if len(remaining) > 0 {
			contact = remaining[0].ContactURI.String()
			expires = remaining[0].RemainingExpires(now)
		}
		e.rec.Register(callID, aor, peer, contact, expires, userAgent, cseqValue,
			snap.AdvertisedHost, snap.ServerPort)
	}
	metrics.CDRRowsWritten.WithLabelValues(cdr.TypeRegister).Inc()
}
