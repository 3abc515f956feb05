package pin

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Length is the number of digits in a generated PIN
const Length = 4

// DefaultTTL is how long an issued PIN stays valid
const DefaultTTL = 5 * time.Minute

// ErrDeliveryFailed is returned by the issue operations when the PIN was
// generated but could not be handed to the SMS gateway. The PIN is
// withdrawn in that case.
var ErrDeliveryFailed = errors.New("pin delivery failed")

// Outcome is the result of a consumption attempt.
// Every value except Consumed is a denial. The zero value is a denial.
type Outcome int

const (
	NotFound Outcome = iota
	Expired
	Mismatch
	AlreadyConsumed
	UntrustedClient
	Consumed
)

var outcomeNames = map[Outcome]string{
	NotFound:        "PIN_NOT_FOUND",
	Expired:         "PIN_EXPIRED",
	Mismatch:        "PIN_MISMATCH",
	AlreadyConsumed: "PIN_ALREADY_CONSUMED",
	UntrustedClient: "UNTRUSTED_CLIENT",
	Consumed:        "PIN_CONSUMED",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// OK reports whether the attempt consumed the PIN
func (o Outcome) OK() bool { return o == Consumed }

// Record is the stored form of an issued PIN, keyed by phone number
type Record struct {
	Pin      string    `json:"pin"`
	IssuedAt time.Time `json:"issued_at"`
}

// TrustedClientRecord is a pending trust handshake, keyed by phone number
type TrustedClientRecord struct {
	Pin      string    `json:"pin"`
	ClientID string    `json:"client_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// expired reports whether issuedAt is older than ttl at now.
// A record exactly ttl old is still valid.
func expired(issuedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(issuedAt) > ttl
}

// Pad left-pads pin with zeros to Length digits. Longer PINs are returned
// unchanged.
func Pad(pin string) string {
	if len(pin) >= Length {
		return pin
	}
	return strings.Repeat("0", Length-len(pin)) + pin
}

// wellFormed reports whether a supplied PIN is one or more ASCII digits.
// Anything else never matches and is not padded.
func wellFormed(pin string) bool {
	if pin == "" {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

// Generate returns a uniformly random zero-padded PIN
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return Pad(n.String()), nil
}
