// Package scram generates SCRAM credential verifiers (RFC 5802) for
// upserting into a Kafka broker's SCRAM credential store: a salt,
// iteration count, and PBKDF2-derived salted password, computed the
// same way for whichever of SCRAM-SHA-256 or SCRAM-SHA-512 the broker
// mechanism requires.
package scram

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

// Mechanism identifies a SCRAM hash mechanism.
type Mechanism int8

const (
	MechanismUnknown Mechanism = 0
	MechanismSHA256  Mechanism = 1
	MechanismSHA512  Mechanism = 2
)

func (m Mechanism) String() string {
	switch m {
	case MechanismSHA256:
		return "SCRAM-SHA-256"
	case MechanismSHA512:
		return "SCRAM-SHA-512"
	default:
		return "UNKNOWN"
	}
}

func (m Mechanism) hashFunc() (func() hash.Hash, error) {
	switch m {
	case MechanismSHA256:
		return sha256.New, nil
	case MechanismSHA512:
		return sha512.New, nil
	default:
		return nil, &InvalidInputError{Field: "mechanism", Reason: fmt.Sprintf("unsupported mechanism %d", m)}
	}
}

// MinIterations is the lowest iteration count this package will
// generate or accept, matching the Kafka broker's own SCRAM admin RPC
// floor.
const MinIterations = 4096

// SaltSize is the number of random bytes used for a generated salt.
const SaltSize = 32

// InvalidInputError reports a verifier generation request that cannot
// be satisfied: an empty password, an iteration count below
// MinIterations, or an unsupported mechanism.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid scram input for %s: %s", e.Field, e.Reason)
}

// Verifier is the material the Kafka broker's SCRAM credential admin
// RPC needs to upsert a principal: the mechanism, iteration count,
// salt, and PBKDF2-derived salted password.
type Verifier struct {
	Mechanism      Mechanism
	Iterations     int32
	Salt           []byte
	SaltedPassword []byte
}

// Options controls verifier generation. Salt may be left nil to
// generate a random SaltSize-byte salt. Iterations defaults to
// MinIterations when zero.
type Options struct {
	Mechanism  Mechanism
	Iterations int32
	Salt       []byte
}

// Generate derives a Verifier for password under opts. Returns
// *InvalidInputError if password is empty, the mechanism is
// unsupported, or iterations is below MinIterations.
func Generate(password string, opts Options) (*Verifier, error) {
	if password == "" {
		return nil, &InvalidInputError{Field: "password", Reason: "must not be empty"}
	}

	h, err := opts.Mechanism.hashFunc()
	if err != nil {
		return nil, err
	}

	iterations := opts.Iterations
	if iterations == 0 {
		iterations = MinIterations
	}
	if iterations < MinIterations {
		return nil, &InvalidInputError{
			Field:  "iterations",
			Reason: fmt.Sprintf("must be at least %d, got %d", MinIterations, iterations),
		}
	}

	salt := opts.Salt
	if len(salt) == 0 {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate random salt: %w", err)
		}
	}

	passwordBytes := []byte(password)
	saltedPassword := pbkdf2.Key(passwordBytes, salt, int(iterations), h().Size(), h)
	zero(passwordBytes)

	return &Verifier{
		Mechanism:      opts.Mechanism,
		Iterations:     iterations,
		Salt:           salt,
		SaltedPassword: saltedPassword,
	}, nil
}

// zero overwrites b with zero bytes in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Verify recomputes the salted password for password under salt,
// iterations, and mechanism, and reports whether it matches
// saltedPassword in constant time. Used by tests and diagnostics to
// confirm a generated Verifier actually authenticates its password; the
// broker itself never calls this, since it only ever stores what
// Generate produced.
func Verify(saltedPassword []byte, password string, salt []byte, iterations int32, mechanism Mechanism) (bool, error) {
	h, err := mechanism.hashFunc()
	if err != nil {
		return false, err
	}
	if iterations < MinIterations {
		return false, &InvalidInputError{
			Field:  "iterations",
			Reason: fmt.Sprintf("must be at least %d, got %d", MinIterations, iterations),
		}
	}
	candidate := pbkdf2.Key([]byte(password), salt, int(iterations), h().Size(), h)
	return subtle.ConstantTimeCompare(candidate, saltedPassword) == 1, nil
}

// ParseMechanism maps a case-insensitive mechanism name ("SCRAM-SHA-256",
// "SCRAM-SHA-512", also accepting the bare "sha256"/"sha512" forms) to a
// Mechanism. Returns MechanismUnknown for anything else.
func ParseMechanism(name string) Mechanism {
	switch normalizeMechanismName(name) {
	case "scramsha256", "sha256":
		return MechanismSHA256
	case "scramsha512", "sha512":
		return MechanismSHA512
	default:
		return MechanismUnknown
	}
}

func normalizeMechanismName(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		case c == '-' || c == '_' || c == ' ':
			continue
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
