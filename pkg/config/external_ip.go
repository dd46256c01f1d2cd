package config

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// defaultSTUNServers are queried when the operator enables external IP
// autodetection without naming servers.
var defaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.stunprotocol.org:3478",
}

// DetectExternalIP resolves the server's public address via STUN and,
// on success, republishes the snapshot with that address as the
// advertised host. A failure leaves the configuration untouched.
func DetectExternalIP(ctx context.Context, provider *Provider, logger *logrus.Logger) {
	snap := provider.Current()
	servers := snap.STUNServers
	if len(servers) == 0 {
		servers = defaultSTUNServers
	}

	for _, server := range servers {
		ip, err := querySTUNServer(ctx, server, 5*time.Second)
		if err != nil {
			logger.WithError(err).WithField("server", server).Debug("STUN query failed")
			continue
		}
		logger.WithFields(logrus.Fields{
			"server":      server,
			"external_ip": ip,
		}).Info("Detected external IP via STUN")

		updated := *snap
		updated.AdvertisedHost = ip
		provider.Replace(&updated)
		return
	}
	logger.Warning("External IP detection failed on every STUN server, keeping configured address")
}

func querySTUNServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return "", fmt.Errorf("resolve STUN server: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return "", fmt.Errorf("connect to STUN server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := queryCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(message.Raw); err != nil {
		return "", fmt.Errorf("send STUN request: %w", err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("read STUN response: %w", err)
	}

	response := new(stun.Message)
	response.Raw = buf[:n]
	if err := response.Decode(); err != nil {
		return "", fmt.Errorf("decode STUN response: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(response); err != nil {
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(response); err != nil {
			return "", fmt.Errorf("no address in STUN response")
		}
		return mappedAddr.IP.String(), nil
	}
	return xorAddr.IP.String(), nil
}
