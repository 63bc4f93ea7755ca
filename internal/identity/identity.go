// Package identity derives stable session identifiers from weak client
// signals, letting the service recognize a returning user without a login.
//
// The identifier is a hash of the client signature (user-agent string plus
// platform tag) combined with an hour-granularity time bucket. The same
// signals within the same bucket always produce the same id; crossing a
// bucket boundary may mint a new one, which the caller simply treats as a
// new user. Two physical users sharing identical signals in one bucket
// collide; this is a documented limitation of login-free identity, not a
// security boundary. Clients that want stronger continuity can present a
// previously issued id, which DeriveOrAccept honors.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionID is an opaque, stable session identifier. It is the sole key
// into the workspace store and the session registry.
type SessionID string

const (
	idPrefix = "user_"
	hashLen  = 16 // hex chars kept from the digest

	// bucket is the time window within which identical signals map to the
	// same SessionID.
	bucket = time.Hour
)

// wellFormed matches ids this package could have minted.
var wellFormed = regexp.MustCompile(`^user_[0-9a-f]{16}$`)

// Signature carries the weak client-identifying inputs.
type Signature struct {
	UserAgent string // user-agent-equivalent string from the transport layer
	Platform  string // host platform tag, e.g. "linux", "darwin"
}

func (s Signature) empty() bool {
	return strings.TrimSpace(s.UserAgent) == "" && strings.TrimSpace(s.Platform) == ""
}

// Derive produces the SessionID for a signature at time now.
// Pure: same signature and bucket always yield the same id.
func Derive(sig Signature, now time.Time) SessionID {
	if sig.empty() {
		return random()
	}
	window := now.UTC().Truncate(bucket).Format("2006010215")
	sum := sha256.Sum256([]byte(sig.UserAgent + "|" + sig.Platform + "|" + window))
	return SessionID(idPrefix + hex.EncodeToString(sum[:])[:hashLen])
}

// DeriveOrAccept returns existing when it is a well-formed id this package
// could have issued, otherwise derives a fresh one from the signature.
// Accepting a client-presented id lets a stored token survive the time
// bucket rolling over.
func DeriveOrAccept(sig Signature, existing string, now time.Time) SessionID {
	if Valid(existing) {
		return SessionID(existing)
	}
	return Derive(sig, now)
}

// Valid reports whether s has the shape of a minted SessionID. Used to
// reject registry and filesystem keys that did not come from this package.
func Valid(s string) bool {
	return wellFormed.MatchString(s)
}

// random mints an unpredictable id for clients that present no signals at
// all. Such sessions are single-visit: the client cannot re-derive the id.
func random() SessionID {
	return SessionID(idPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:hashLen])
}
