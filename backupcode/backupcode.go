// Package backupcode generates and hashes the one-time recovery codes that
// substitute for a TOTP code when the authenticator device is unavailable.
// Plaintext codes leave this package exactly once, at generation; only the
// per-account salted hashes are ever stored. Atomic one-time consumption is
// the storage layer's contract, keyed by the hash produced here.
package backupcode

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"strings"
)

const (
	// Count is the fixed set size; regeneration always replaces all of them.
	Count = 8
	// Length is the code length in characters, separator excluded.
	Length = 8
	// Alphabet avoids visually ambiguous characters (0/O, 1/I/L).
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Record is the stored representation of a single code.
type Record struct {
	Hash     [32]byte
	Consumed bool
}

// Generate mints a full set of codes for an account. It returns the display
// forms (the caller's only chance to show them) and the records to persist.
func Generate(accountID string) ([]string, []Record, error) {
	codes := make([]string, 0, Count)
	records := make([]Record, 0, Count)

	for i := 0; i < Count; i++ {
		raw, err := newCode()
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, Format(raw))
		records = append(records, Record{Hash: Hash(accountID, raw)})
	}
	return codes, records, nil
}

// Format renders a code for display as XXXX-XXXX.
func Format(code string) string {
	if len(code) != Length {
		return code
	}
	return code[:Length/2] + "-" + code[Length/2:]
}

// Canonicalize normalizes user input for comparison: uppercase, separators
// stripped.
func Canonicalize(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

// ValidFormat reports whether a canonicalized code has the shape of a backup
// code. Used to fail fast before hashing.
func ValidFormat(canonical string) bool {
	if len(canonical) != Length {
		return false
	}
	for i := 0; i < len(canonical); i++ {
		c := canonical[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Hash computes the stored form of a canonicalized code. The account id is
// mixed in so identical codes on different accounts never share a hash.
func Hash(accountID, canonical string) [32]byte {
	data := make([]byte, 0, len(accountID)+1+len(canonical))
	data = append(data, accountID...)
	data = append(data, 0)
	data = append(data, canonical...)
	return sha256.Sum256(data)
}

func newCode() (string, error) {
	var b strings.Builder
	b.Grow(Length)

	max := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < Length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}
