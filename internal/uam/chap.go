package uam

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrBadChallenge is returned for a challenge that is not valid hex.
var ErrBadChallenge = errors.New("uam: invalid challenge")

// ChapResponse computes the response the gateway's logon endpoint expects:
// hex(md5(0x00 || password || challenge')), where challenge' is md5(challenge || secret)
// when secret is set and the raw challenge bytes otherwise.
func ChapResponse(password, challengeHex, secret string) (string, error) {
	challenge, errDecode := hex.DecodeString(strings.TrimSpace(challengeHex))
	if errDecode != nil || len(challenge) == 0 {
		return "", ErrBadChallenge
	}
	if secret != "" {
		sum := md5.Sum(append(challenge, secret...))
		challenge = sum[:]
	}
	h := md5.New()
	h.Write([]byte{0x00})
	h.Write([]byte(password))
	h.Write(challenge)
	return hex.EncodeToString(h.Sum(nil)), nil
}
