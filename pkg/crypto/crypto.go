package crypto

import "crypto/rand"

import "encoding/base64"

// GenerateToken returns a random URL-safe token of the requested byte length,
// used to mint runtime secrets (e.g. the control-channel bearer secret) when
// none is configured.
func GenerateToken(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
