package vault

import (
	"github.com/dmitrijs2005/listenalong/internal/common"
	"golang.org/x/oauth2"
)

// verifierLength is the upper bound RFC 7636 allows.
const verifierLength = 128

// Challenge is one PKCE verifier/challenge pair.
type Challenge struct {
	Verifier  string
	Challenge string
}

// NewChallenge draws a fresh verifier over [A-Za-z0-9] and derives its S256
// challenge (unpadded base64url of the SHA-256 digest).
func NewChallenge() (Challenge, error) {
	v, err := common.RandomAlphanumeric(verifierLength)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{Verifier: v, Challenge: oauth2.S256ChallengeFromVerifier(v)}, nil
}
