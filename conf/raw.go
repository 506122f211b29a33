package conf

import (
	"github.com/ssogate/ssogate/rules"
)

const (
	DefaultCookieName         = "ssogate"
	DefaultTimeout            = 72000 // seconds
	DefaultServiceTokenTTL    = 30    // seconds
	DefaultServiceTokenHeader = "X-Sso-Token"
)

// Raw is one configuration document as stored by a configuration backend,
// before compilation. Fields mirror what the portal writes.
type Raw struct {
	CfgNum int64 `yaml:"cfgNum" json:"cfgNum"`

	// Key is the shared secret for cookies and service tokens.
	Key string `yaml:"key" json:"key"`

	CookieName    string `yaml:"cookieName" json:"cookieName"`
	SecuredCookie bool   `yaml:"securedCookie" json:"securedCookie"`
	HTTPOnly      bool   `yaml:"httpOnly" json:"httpOnly"`
	SameSite      string `yaml:"sameSite" json:"sameSite"`

	// Timeout bounds session lifetime since creation, TimeoutActivity
	// since last activity. Seconds, zero TimeoutActivity disables the
	// activity check.
	Timeout         int64 `yaml:"timeout" json:"timeout"`
	TimeoutActivity int64 `yaml:"timeoutActivity" json:"timeoutActivity"`

	// Portal is the login portal base URL unauthenticated requests are
	// redirected to.
	Portal string `yaml:"portal" json:"portal"`

	DefaultRule  string `yaml:"defaultRule" json:"defaultRule"`
	DefaultVhost string `yaml:"defaultVhost" json:"defaultVhost"`

	ServiceTokenTTL    int64  `yaml:"serviceTokenTTL" json:"serviceTokenTTL"`
	ServiceTokenHeader string `yaml:"serviceTokenHeader" json:"serviceTokenHeader"`

	Vhosts map[string]rules.VhostConfig `yaml:"vhosts" json:"vhosts"`

	// LastVhostUpdate tracks per-vhost modification times for incremental
	// invalidation by the portal. The handler only carries it through.
	LastVhostUpdate map[string]int64 `yaml:"lastVhostUpdate" json:"lastVhostUpdate"`
}

func (r *Raw) withDefaults() *Raw {
	c := *r
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ServiceTokenTTL <= 0 {
		c.ServiceTokenTTL = DefaultServiceTokenTTL
	}
	if c.ServiceTokenHeader == "" {
		c.ServiceTokenHeader = DefaultServiceTokenHeader
	}
	return &c
}
