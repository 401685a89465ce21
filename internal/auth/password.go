package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnsupportedHash is returned for stored hashes that are neither argon2id
// nor bcrypt.
var ErrUnsupportedHash = errors.New("unsupported password hash format")

// Argon2Params are the argon2id cost settings encoded into every hash
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams: 64 MiB, 3 passes, 4 lanes.
func DefaultParams() *Argon2Params {
	return NewParams(64*1024, 3, 4)
}

// NewParams builds params with a 16 byte salt and a 32 byte key
func NewParams(memory, iterations uint32, parallelism uint8) *Argon2Params {
	return &Argon2Params{
		Memory:      memory,
		Iterations:  iterations,
		Parallelism: parallelism,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func (p *Argon2Params) weakerThan(q *Argon2Params) bool {
	return p.Memory < q.Memory || p.Iterations < q.Iterations || p.Parallelism < q.Parallelism
}

// argon2Hash is the decoded form of "$argon2id$v=19$m=..,t=..,p=..$salt$key"
type argon2Hash struct {
	params Argon2Params
	salt   []byte
	key    []byte
}

func (h argon2Hash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(h.salt),
		base64.RawStdEncoding.EncodeToString(h.key))
}

func (h argon2Hash) matches(password string) bool {
	p := h.params
	candidate := argon2.IDKey([]byte(password), h.salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(h.key, candidate) == 1
}

func parseArgon2Hash(encoded string) (argon2Hash, error) {
	var h argon2Hash

	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return h, fmt.Errorf("%w: malformed argon2id hash", ErrUnsupportedHash)
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil {
		return h, fmt.Errorf("argon2id version: %w", err)
	}
	if version != argon2.Version {
		return h, fmt.Errorf("%w: argon2 version %d", ErrUnsupportedHash, version)
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.params.Memory, &h.params.Iterations, &h.params.Parallelism); err != nil {
		return h, fmt.Errorf("argon2id params: %w", err)
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return h, fmt.Errorf("argon2id salt: %w", err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil {
		return h, fmt.Errorf("argon2id key: %w", err)
	}
	h.params.SaltLength = uint32(len(h.salt))
	h.params.KeyLength = uint32(len(h.key))
	return h, nil
}

// HashPassword derives a fresh argon2id hash. nil params means DefaultParams.
func HashPassword(password string, params *Argon2Params) (string, error) {
	if params == nil {
		params = DefaultParams()
	}

	h := argon2Hash{params: *params, salt: make([]byte, params.SaltLength)}
	if _, err := rand.Read(h.salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	h.key = argon2.IDKey([]byte(password), h.salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return h.String(), nil
}

func isBcrypt(encoded string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(encoded, prefix) {
			return true
		}
	}
	return false
}

// VerifyPassword checks password against a stored argon2id or bcrypt hash.
// A mismatch is (false, nil); an error means the stored hash is unusable.
func VerifyPassword(password, encoded string) (bool, error) {
	if isBcrypt(encoded) {
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, fmt.Errorf("bcrypt: %w", err)
		}
	}

	h, err := parseArgon2Hash(encoded)
	if err != nil {
		return false, err
	}
	return h.matches(password), nil
}

// NeedsRehash reports whether a hash that just verified should be replaced:
// bcrypt hashes and argon2id hashes weaker than target.
func NeedsRehash(encoded string, target *Argon2Params) bool {
	if target == nil {
		target = DefaultParams()
	}
	if isBcrypt(encoded) {
		return true
	}
	h, err := parseArgon2Hash(encoded)
	if err != nil {
		return false
	}
	return h.params.weakerThan(target)
}

// dummyHash gives unknown accounts the same verification cost as real ones
var dummyHash = mustHash("coursemart-unknown-account")

func mustHash(password string) argon2Hash {
	encoded, err := HashPassword(password, DefaultParams())
	if err != nil {
		panic(fmt.Sprintf("auth: build dummy hash: %v", err))
	}
	h, err := parseArgon2Hash(encoded)
	if err != nil {
		panic(fmt.Sprintf("auth: parse dummy hash: %v", err))
	}
	return h
}

// VerifyDummy spends one argon2id derivation and discards the result
func VerifyDummy(password string) {
	_ = dummyHash.matches(password)
}
