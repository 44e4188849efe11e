// Package totp implements the time-step code engine (RFC 6238) used for
// second-factor verification: secret provisioning, otpauth:// URIs, and
// drift-tolerant code verification.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	// SecretSize is the raw secret length in bytes (160 bits, HMAC-SHA1 block).
	SecretSize = 20
	// Digits is the fixed code length.
	Digits = 6
	// Period is the time-step size in seconds.
	Period = 30
	// Skew is the accepted clock drift in steps, each direction.
	Skew = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret returns a fresh random secret in raw and base32 form.
// The base32 form is what ends up in the provisioning URI and the one-time
// manual-entry display; it is never persisted in encoded form.
func GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, SecretSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	return raw, b32.EncodeToString(raw), nil
}

// KeyURI builds the otpauth://totp provisioning URI for QR rendering.
func KeyURI(secretBase32, account, issuer string) string {
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", issuer)
	v.Set("period", strconv.Itoa(Period))
	v.Set("digits", strconv.Itoa(Digits))
	v.Set("algorithm", "SHA1")

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// ValidFormat reports whether code is exactly six ASCII digits. Verification
// rejects anything else before touching the secret.
func ValidFormat(code string) bool {
	if len(code) != Digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// GenerateCode computes the code for the time step containing t.
func GenerateCode(secret []byte, t time.Time) string {
	return hotpCode(secret, t.Unix()/Period)
}

// VerifyCode checks code against the steps {now-1, now, now+1}, bounding
// accepted drift to one step each direction. It returns the matched step
// counter so callers can reject replays of an already-accepted code.
// A malformed code fails fast without any HMAC computation.
func VerifyCode(secret []byte, code string, now time.Time) (bool, int64) {
	if !ValidFormat(code) || len(secret) == 0 {
		return false, 0
	}

	base := now.Unix() / Period
	for step := int64(-Skew); step <= Skew; step++ {
		counter := base + step
		if counter < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotpCode(secret, counter)), []byte(code)) == 1 {
			return true, counter
		}
	}
	return false, 0
}

func hotpCode(secret []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	return fmt.Sprintf("%06d", bin%1000000)
}
