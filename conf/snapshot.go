package conf

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ssogate/ssogate/rules"
	"github.com/ssogate/ssogate/secrets"
)

// Snapshot is one fully compiled configuration. It is immutable: a reload
// builds a new Snapshot and swaps the pointer, it never patches a live one,
// so concurrent readers observe either fully old or fully new state.
type Snapshot struct {
	cfgNum int64

	CookieName    string
	SecuredCookie bool
	HTTPOnly      bool
	SameSite      http.SameSite

	Timeout         time.Duration
	TimeoutActivity time.Duration

	Portal *url.URL

	ServiceTokenTTL    time.Duration
	ServiceTokenHeader string

	Engine *rules.Engine
	Cipher *secrets.Cipher

	LastVhostUpdate map[string]int64
}

func (s *Snapshot) CfgNum() int64 { return s.cfgNum }

// Compile builds a Snapshot from a raw configuration document. Any rule or
// header expression failing to compile rejects the document, the caller
// keeps serving the previous snapshot.
func Compile(raw *Raw) (*Snapshot, error) {
	r := raw.withDefaults()

	s := &Snapshot{
		cfgNum:             r.CfgNum,
		CookieName:         r.CookieName,
		SecuredCookie:      r.SecuredCookie,
		HTTPOnly:           r.HTTPOnly,
		SameSite:           parseSameSite(r.SameSite),
		Timeout:            time.Duration(r.Timeout) * time.Second,
		TimeoutActivity:    time.Duration(r.TimeoutActivity) * time.Second,
		ServiceTokenTTL:    time.Duration(r.ServiceTokenTTL) * time.Second,
		ServiceTokenHeader: r.ServiceTokenHeader,
		LastVhostUpdate:    r.LastVhostUpdate,
	}

	if r.Portal != "" {
		u, err := url.Parse(r.Portal)
		if err != nil {
			return nil, fmt.Errorf("invalid portal URL %q: %w", r.Portal, err)
		}
		s.Portal = u
	}

	if r.Key != "" {
		c, err := secrets.NewCipher(r.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid key: %w", err)
		}
		s.Cipher = c
	}

	engine, err := rules.NewEngine(rules.Options{
		DefaultRule:  r.DefaultRule,
		DefaultVhost: r.DefaultVhost,
		Vhosts:       r.Vhosts,
	})
	if err != nil {
		return nil, err
	}
	s.Engine = engine

	return s, nil
}

func parseSameSite(s string) http.SameSite {
	switch s {
	case "Strict", "strict":
		return http.SameSiteStrictMode
	case "None", "none":
		return http.SameSiteNoneMode
	case "Lax", "lax":
		return http.SameSiteLaxMode
	default:
		return http.SameSiteDefaultMode
	}
}
