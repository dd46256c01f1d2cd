package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Snapshot is an immutable view of the operator-settable configuration.
// Handlers take one reference per datagram and never see a partially
// updated value; updates publish a whole new Snapshot through the
// Provider.
type Snapshot struct {
	// ServerIP and ServerPort are the UDP bind address. Changing them
	// requires a restart; hot reloads keep the running values.
	ServerIP   string
	ServerPort int

	// AdvertisedHost is the host written into Via and Record-Route.
	// Defaults to ServerIP, optionally replaced by STUN detection.
	AdvertisedHost string

	// Users maps username to digest password.
	Users map[string]string

	// LocalNetworks lists peers exempt from NAT rewriting.
	LocalNetworks []*net.IPNet

	// ForceLocalAddr collapses every peer to loopback. Testing mode.
	ForceLocalAddr bool

	LogLevel logrus.Level

	// CDRMergeMode merges all milestones of a call-id into one row;
	// when false a row is written per milestone.
	CDRMergeMode bool

	// RegistrationExpires caps the binding lifetime a client may ask for.
	RegistrationExpires int

	// MaxForwards is the default applied when a request carries none.
	MaxForwards int

	CDRDir string

	// AMQP publication of finalized CDR rows. Disabled when URL is empty.
	AMQPURL       string
	AMQPQueueName string

	// MetricsAddr is the Prometheus listen address; empty disables it.
	MetricsAddr string

	// External IP autodetection for the advertised host.
	AutodetectExternalIP bool
	STUNServers          []string
}

// AdvertisedAddr returns "host:port" as placed in Via and Record-Route.
func (s *Snapshot) AdvertisedAddr() string {
	return fmt.Sprintf("%s:%d", s.AdvertisedHost, s.ServerPort)
}

// IsLocalPeer reports whether ip is a loopback address or falls inside
// any configured local network. Local peers keep their Contact headers
// untouched.
func (s *Snapshot) IsLocalPeer(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, network := range s.LocalNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Provider hands out the current Snapshot and accepts replacements.
type Provider struct {
	current atomic.Pointer[Snapshot]
	logger  *logrus.Logger
	envFile string
}

// NewProvider wraps an already-built snapshot, bypassing the
// environment. Embedders and tests construct providers this way.
func NewProvider(snap *Snapshot, logger *logrus.Logger) *Provider {
	p := &Provider{logger: logger, envFile: ".env"}
	p.current.Store(snap)
	return p
}

// Load reads the environment (optionally seeded from a .env file) and
// builds the initial snapshot.
func Load(logger *logrus.Logger) (*Provider, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err == nil {
		logger.WithField("file", envFile).Info("Loaded environment from file")
	} else if !os.IsNotExist(err) {
		logger.WithError(err).WithField("file", envFile).Warning("Failed to load environment file")
	}

	snap, err := fromEnv()
	if err != nil {
		return nil, err
	}

	p := &Provider{logger: logger, envFile: envFile}
	p.current.Store(snap)

	logger.WithFields(logrus.Fields{
		"server_ip":   snap.ServerIP,
		"server_port": snap.ServerPort,
		"users":       len(snap.Users),
		"local_nets":  len(snap.LocalNetworks),
		"force_local": snap.ForceLocalAddr,
		"cdr_merge":   snap.CDRMergeMode,
	}).Info("Configuration loaded")
	return p, nil
}

// EnvFile returns the path of the environment file backing this
// provider, for the hot-reload watcher.
func (p *Provider) EnvFile() string { return p.envFile }

// Current returns the active snapshot.
func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

// Replace atomically publishes a new snapshot.
func (p *Provider) Replace(snap *Snapshot) {
	p.current.Store(snap)
}

// Reload re-reads the environment file and publishes a fresh snapshot.
// The bind address and port are pinned to the running values. The log
// level is applied to the logger at once, and the keys the engine reads
// per request apply at the next request boundary. Keys consumed only at
// startup (CDR_DIR, CDR_MERGE_MODE, METRICS_ADDR, the AMQP settings and
// STUN autodetection) keep their startup effect until a restart.
func (p *Provider) Reload() error {
	if err := godotenv.Overload(p.envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reload %s: %w", p.envFile, err)
	}
	snap, err := fromEnv()
	if err != nil {
		return err
	}
	old := p.Current()
	snap.ServerIP = old.ServerIP
	snap.ServerPort = old.ServerPort
	if os.Getenv("ADVERTISED_HOST") == "" {
		snap.AdvertisedHost = old.AdvertisedHost
	}
	p.Replace(snap)
	p.logger.SetLevel(snap.LogLevel)
	p.logger.WithFields(logrus.Fields{
		"users":      len(snap.Users),
		"local_nets": len(snap.LocalNetworks),
		"log_level":  snap.LogLevel.String(),
	}).Info("Configuration reloaded")
	return nil
}

func fromEnv() (*Snapshot, error) {
	snap := &Snapshot{
		ServerIP:             envOr("SERVER_IP", "0.0.0.0"),
		ServerPort:           envIntOr("SERVER_PORT", 5060),
		Users:                parseUsers(os.Getenv("USERS")),
		ForceLocalAddr:       envBoolOr("FORCE_LOCAL_ADDR", false),
		CDRMergeMode:         envBoolOr("CDR_MERGE_MODE", true),
		RegistrationExpires:  envIntOr("REGISTRATION_EXPIRES", 3600),
		MaxForwards:          envIntOr("MAX_FORWARDS", 70),
		CDRDir:               envOr("CDR_DIR", "CDR"),
		AMQPURL:              os.Getenv("AMQP_URL"),
		AMQPQueueName:        envOr("AMQP_QUEUE_NAME", "sipproxy-cdr"),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
		AutodetectExternalIP: envBoolOr("EXTERNAL_IP_AUTODETECT", false),
	}

	snap.AdvertisedHost = envOr("ADVERTISED_HOST", snap.ServerIP)

	level, err := logrus.ParseLevel(strings.ToLower(envOr("LOG_LEVEL", "info")))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	snap.LogLevel = level

	nets, err := parseNetworks(os.Getenv("LOCAL_NETWORKS"))
	if err != nil {
		return nil, err
	}
	snap.LocalNetworks = nets

	if servers := os.Getenv("STUN_SERVERS"); servers != "" {
		for _, s := range strings.Split(servers, ",") {
			if s = strings.TrimSpace(s); s != "" {
				snap.STUNServers = append(snap.STUNServers, s)
			}
		}
	}

	if snap.ServerPort <= 0 || snap.ServerPort > 65535 {
		return nil, fmt.Errorf("SERVER_PORT out of range: %d", snap.ServerPort)
	}
	return snap, nil
}

// parseUsers parses "user:password,user2:password2".
func parseUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if colon := strings.IndexByte(pair, ':'); colon > 0 {
			users[pair[:colon]] = pair[colon+1:]
		}
	}
	return users
}

// parseNetworks parses a comma-separated list of CIDR prefixes or bare
// hosts; bare hosts become single-address networks.
func parseNetworks(raw string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid LOCAL_NETWORKS entry %q: %w", entry, err)
			}
			nets = append(nets, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			if entry == "localhost" {
				ip = net.ParseIP("127.0.0.1")
			} else {
				return nil, fmt.Errorf("invalid LOCAL_NETWORKS entry %q", entry)
			}
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
