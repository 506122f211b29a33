package secrets

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedToken = errors.New("malformed service token")

// ServiceToken is a short lived credential for service to service calls,
// carried in a request header instead of the session cookie. It is derived
// on demand and never stored.
type ServiceToken struct {
	IssuedAt  time.Time
	SessionID string
	Vhosts    []string
}

// EncodeServiceToken builds the encrypted wire form
// "<epochSeconds>:<sessionID>:<vhost>[:<vhost>...]".
func EncodeServiceToken(c *Cipher, issuedAt time.Time, sessionID string, vhosts ...string) (string, error) {
	if sessionID == "" || len(vhosts) == 0 {
		return "", errors.New("service token requires a session id and at least one vhost")
	}
	parts := append([]string{strconv.FormatInt(issuedAt.Unix(), 10), sessionID}, vhosts...)
	return c.Encrypt(strings.Join(parts, ":"))
}

// DecodeServiceToken decrypts and splits a service token. Validity window
// and vhost checks are the caller's responsibility.
func DecodeServiceToken(c *Cipher, token string) (*ServiceToken, error) {
	plain, err := c.Decrypt(token)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(plain, ":")
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: expected at least 3 fields, got %d", ErrMalformedToken, len(parts))
	}
	epoch, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp %q", ErrMalformedToken, parts[0])
	}
	return &ServiceToken{
		IssuedAt:  time.Unix(epoch, 0),
		SessionID: parts[1],
		Vhosts:    parts[2:],
	}, nil
}

// Covers reports whether the token was issued for the given vhost.
func (t *ServiceToken) Covers(vhost string) bool {
	for _, v := range t.Vhosts {
		if v == vhost {
			return true
		}
	}
	return false
}
