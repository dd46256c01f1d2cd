package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DigestAuthenticator implements the HTTP Digest challenge/verify
// dance for SIP requests. Nonces are single-issuer and expire.
type DigestAuthenticator struct {
	nonces       map[string]*nonceInfo
	mutex        sync.RWMutex
	logger       *logrus.Logger
	realm        string
	nonceTimeout time.Duration

	// failures counts consecutive bad responses per source for the
	// operator log; the core only counts, it never blocks.
	failures map[string]int
}

type nonceInfo struct {
	issued   time.Time
	clientIP string
}

// AuthResult is the outcome of a verification attempt.
type AuthResult struct {
	Success   bool
	Username  string
	Reason    string
	Challenge string // WWW-Authenticate value for the 401
}

// DigestCredentials are the fields of an Authorization header.
type DigestCredentials struct {
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Response  string
	Algorithm string
	Opaque    string
	QOP       string
	NC        string
	CNonce    string
}

// NewDigestAuthenticator creates an authenticator for the given realm.
func NewDigestAuthenticator(realm string, logger *logrus.Logger) *DigestAuthenticator {
	a := &DigestAuthenticator{
		nonces:       make(map[string]*nonceInfo),
		failures:     make(map[string]int),
		logger:       logger,
		realm:        realm,
		nonceTimeout: 300 * time.Second,
	}
	logger.WithField("realm", realm).Info("Digest authenticator initialized")
	return a
}

// Realm returns the challenge realm.
func (a *DigestAuthenticator) Realm() string { return a.realm }

// Authenticate verifies the Authorization header of a request against
// the user table. An empty header yields a fresh challenge. Unknown
// users fail exactly like wrong passwords.
func (a *DigestAuthenticator) Authenticate(authHeader, method, clientIP string, users map[string]string) *AuthResult {
	if authHeader == "" {
		return &AuthResult{
			Success:   false,
			Reason:    "No authentication provided",
			Challenge: a.generateChallenge(clientIP),
		}
	}

	creds, err := parseDigestAuth(authHeader)
	if err != nil {
		a.logger.WithError(err).WithField("client_ip", clientIP).Warning("Failed to parse digest authentication")
		return &AuthResult{
			Success:   false,
			Reason:    "Invalid authentication format",
			Challenge: a.generateChallenge(clientIP),
		}
	}

	if !a.consumeNonce(creds.Nonce, clientIP) {
		a.logger.WithFields(logrus.Fields{
			"username":  creds.Username,
			"client_ip": clientIP,
		}).Warning("Authentication failed: invalid or expired nonce")
		return &AuthResult{
			Success:   false,
			Username:  creds.Username,
			Reason:    "Invalid or expired nonce",
			Challenge: a.generateChallenge(clientIP),
		}
	}

	// Unknown users get a fixed password so the hash work and the
	// comparison take the same time as a wrong password.
	password, known := users[creds.Username]
	if !known {
		password = "-"
	}

	expected := calculateResponse(password, method, creds)
	match := subtle.ConstantTimeCompare([]byte(strings.ToLower(creds.Response)), []byte(expected)) == 1

	if !known || !match || creds.Realm != a.realm {
		a.mutex.Lock()
		a.failures[clientIP]++
		count := a.failures[clientIP]
		a.mutex.Unlock()
		a.logger.WithFields(logrus.Fields{
			"username":     creds.Username,
			"client_ip":    clientIP,
			"fail_streak":  count,
		}).Warning("Authentication failed: invalid credentials")
		return &AuthResult{
			Success:   false,
			Username:  creds.Username,
			Reason:    "Invalid credentials",
			Challenge: a.generateChallenge(clientIP),
		}
	}

	a.mutex.Lock()
	delete(a.failures, clientIP)
	a.mutex.Unlock()

	a.logger.WithFields(logrus.Fields{
		"username":  creds.Username,
		"client_ip": clientIP,
		"method":    method,
	}).Debug("SIP authentication successful")

	return &AuthResult{Success: true, Username: creds.Username}
}

// generateChallenge creates a WWW-Authenticate value with a fresh nonce.
func (a *DigestAuthenticator) generateChallenge(clientIP string) string {
	nonce := a.issueNonce(clientIP)
	return fmt.Sprintf(`Digest realm="%s", nonce="%s", algorithm=MD5, qop="auth"`, a.realm, nonce)
}

func (a *DigestAuthenticator) issueNonce(clientIP string) string {
	randomBytes := make([]byte, 16)
	rand.Read(randomBytes)
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%s:%x", time.Now().UnixNano(), clientIP, randomBytes)))
	nonce := hex.EncodeToString(sum[:])

	a.mutex.Lock()
	a.nonces[nonce] = &nonceInfo{issued: time.Now(), clientIP: clientIP}
	a.mutex.Unlock()
	return nonce
}

// consumeNonce checks validity without deleting: clients reuse a nonce
// across the nc counter until it expires.
func (a *DigestAuthenticator) consumeNonce(nonce, clientIP string) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	info, exists := a.nonces[nonce]
	if !exists {
		return false
	}
	if time.Since(info.issued) > a.nonceTimeout {
		delete(a.nonces, nonce)
		return false
	}
	return info.clientIP == clientIP
}

// SweepNonces drops expired nonces; called from the timer wheel.
func (a *DigestAuthenticator) SweepNonces() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	removed := 0
	now := time.Now()
	for nonce, info := range a.nonces {
		if now.Sub(info.issued) > a.nonceTimeout {
			delete(a.nonces, nonce)
			removed++
		}
	}
	return removed
}

// parseDigestAuth parses an Authorization header value.
func parseDigestAuth(authHeader string) (*DigestCredentials, error) {
	if !strings.HasPrefix(authHeader, "Digest ") {
		return nil, fmt.Errorf("not a digest authentication header")
	}

	creds := &DigestCredentials{}
	for _, pair := range splitAuthParams(strings.TrimPrefix(authHeader, "Digest ")) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.Trim(strings.TrimSpace(parts[1]), `"`)

		switch key {
		case "username":
			creds.Username = value
		case "realm":
			creds.Realm = value
		case "nonce":
			creds.Nonce = value
		case "uri":
			creds.URI = value
		case "response":
			creds.Response = value
		case "algorithm":
			creds.Algorithm = strings.ToUpper(value)
		case "opaque":
			creds.Opaque = value
		case "qop":
			creds.QOP = value
		case "nc":
			creds.NC = value
		case "cnonce":
			creds.CNonce = value
		}
	}

	if creds.Username == "" || creds.Realm == "" || creds.Nonce == "" ||
		creds.URI == "" || creds.Response == "" {
		return nil, fmt.Errorf("missing required digest authentication fields")
	}
	return creds, nil
}

// splitAuthParams splits on commas outside quoted strings.
func splitAuthParams(s string) []string {
	var out []string
	quoted := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(s[start:]))
	return out
}

// calculateResponse computes the expected digest response. MD5 is the
// default; SHA-256 is honored when the client asks for it.
func calculateResponse(password, method string, creds *DigestCredentials) string {
	hash := func(s string) string {
		if creds.Algorithm == "SHA-256" {
			sum := sha256.Sum256([]byte(s))
			return hex.EncodeToString(sum[:])
		}
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	}

	ha1 := hash(fmt.Sprintf("%s:%s:%s", creds.Username, creds.Realm, password))
	ha2 := hash(fmt.Sprintf("%s:%s", method, creds.URI))

	if creds.QOP == "auth" || creds.QOP == "auth-int" {
		return hash(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, creds.Nonce, creds.NC, creds.CNonce, creds.QOP, ha2))
	}
	return hash(fmt.Sprintf("%s:%s:%s", ha1, creds.Nonce, ha2))
}
