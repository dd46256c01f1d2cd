package proxy

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"sipproxy-server/pkg/config"
	"sipproxy-server/pkg/sipmsg"
	"sipproxy-server/pkg/transport"
)

// NATRewriter corrects addresses broken by NAT: Contact hosts are
// replaced with the observed datagram source and Via headers gain
// received/rport so responses route back through the same hole.
type NATRewriter struct {
	logger *logrus.Logger
}

func NewNATRewriter(logger *logrus.Logger) *NATRewriter {
	return &NATRewriter{logger: logger}
}

// EffectivePeer collapses every peer to loopback in force-local-address
// testing mode; otherwise the peer is returned unchanged.
func (n *NATRewriter) EffectivePeer(snap *config.Snapshot, peer transport.Endpoint) transport.Endpoint {
	if snap.ForceLocalAddr {
		return transport.Endpoint{Host: "127.0.0.1", Port: peer.Port}
	}
	return peer
}

// ShouldRewrite reports whether the peer's headers need correcting:
// everything in force-local mode, otherwise only non-local peers.
func (n *NATRewriter) ShouldRewrite(snap *config.Snapshot, peer transport.Endpoint) bool {
	if snap.ForceLocalAddr {
		return true
	}
	return !snap.IsLocalPeer(peer.IP())
}

// RewriteContact replaces the contact's host and port with the real
// source endpoint, preserving user, scheme and every URI parameter.
func (n *NATRewriter) RewriteContact(contact *sipmsg.Contact, source transport.Endpoint) {
	if contact == nil || contact.Star || contact.URI == nil {
		return
	}
	before := contact.URI.String()
	contact.URI.Host = source.Host
	contact.URI.Port = source.Port
	n.logger.WithFields(logrus.Fields{
		"before": before,
		"after":  contact.URI.String(),
	}).Debug("Contact rewritten for NAT")
}

// DecorateVia stamps received and rport onto the peer's top Via so the
// response path targets the observed source instead of the sent-by.
func (n *NATRewriter) DecorateVia(via *sipmsg.Via, source transport.Endpoint) {
	if via == nil {
		return
	}
	if via.Host != source.Host {
		via.Params.Set("received", source.Host)
	}
	if _, hasRport := via.Params.Get("rport"); hasRport || via.Port != source.Port {
		via.Params.Set("rport", strconv.Itoa(source.Port))
	}
}
