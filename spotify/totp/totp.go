// Package totp generates the rotating one-time code the reference
// catalog's web player presents when requesting a bearer token. The code
// derives from a versioned shared secret that the web player ships and
// rotates; known versions are pinned here.
package totp

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is the time-step width of the generated codes.
const Period = 30 * time.Second

// ActiveVersion is the newest secret version. Older versions stay in the
// table so a rollback on the server side keeps working.
const ActiveVersion = 61

var secrets = map[int][]byte{
	59: {
		123, 105, 79, 70, 110, 59, 52, 125, 60, 49, 80, 70, 89, 75, 80, 86,
		63, 53, 123, 37, 117, 49, 52, 93, 77, 62, 47, 86, 48, 104, 68, 72,
	},
	60: {
		79, 109, 69, 123, 90, 65, 46, 74, 94, 34, 58, 48, 70, 71, 92, 85,
		122, 63, 91, 64, 87, 87,
	},
	61: {
		44, 55, 47, 42, 70, 40, 34, 114, 76, 74, 50, 111, 120, 97, 75, 76,
		94, 102, 43, 69, 49, 120, 118, 80, 64, 78,
	},
}

// Generate produces the 6-digit code for the active secret version at the
// given wall-clock time, along with the version to report alongside it.
func Generate(now time.Time) (string, int, error) {
	code, err := GenerateVersion(now, ActiveVersion)
	if nil != err {
		return "", 0, err
	}

	return code, ActiveVersion, nil
}

// GenerateVersion produces the code for a specific secret version. An
// unknown version is a configuration error: there is nothing to retry,
// the account simply cannot authenticate without the matching secret.
func GenerateVersion(now time.Time, version int) (string, error) {
	secret, ok := secrets[version]
	if !ok {
		return "", fmt.Errorf("no shared secret registered for version %d", version)
	}

	key, err := deriveKey(secret)
	if nil != err {
		return "", fmt.Errorf("derive key for version %d: %v", version, err)
	}

	counter := uint64(now.Unix()) / uint64(Period.Seconds())

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%06d", code%1_000_000), nil
}

// deriveKey runs the web player's secret transformation pipeline: XOR each
// byte with ((index % 33) + 9), join the resulting values as a decimal
// string, hex-encode that string, decode the hex back to bytes, and use
// the unpadded base32 rendering of those bytes as the HMAC key.
func deriveKey(secret []byte) ([]byte, error) {
	var joined strings.Builder
	for i, b := range secret {
		joined.WriteString(strconv.Itoa(int(b ^ byte((i%33)+9))))
	}

	encoded := hex.EncodeToString([]byte(joined.String()))
	raw, err := hex.DecodeString(encoded)
	if nil != err {
		return nil, fmt.Errorf("decode hex-encoded secret: %v", err)
	}

	b32 := base32.StdEncoding.WithPadding(base32.NoPadding)
	key, err := b32.DecodeString(b32.EncodeToString(raw))
	if nil != err {
		return nil, fmt.Errorf("decode base32 key: %v", err)
	}

	return key, nil
}
