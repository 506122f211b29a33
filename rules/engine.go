package rules

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Protection is the level of access control a location requires.
type Protection int

const (
	// ProtectionSkip forwards requests untouched.
	ProtectionSkip Protection = iota
	// ProtectionNone requires no authentication, headers are still forged
	// for authenticated callers.
	ProtectionNone
	// ProtectionAuthenticate requires a valid session.
	ProtectionAuthenticate
	// ProtectionAuthorize requires a valid session passing the location
	// rule.
	ProtectionAuthorize
)

// Location pairs a path pattern with a rule, both still in source form.
type Location struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Rule    string `yaml:"rule" json:"rule"`
}

// Header names an exported header and the expression producing its value.
type Header struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// VhostConfig is the per-virtual-host rule configuration in source form.
type VhostConfig struct {
	Locations   []Location `yaml:"locations" json:"locations"`
	Headers     []Header   `yaml:"exportedHeaders" json:"exportedHeaders"`
	Aliases     []string   `yaml:"aliases" json:"aliases"`
	Maintenance bool       `yaml:"maintenance" json:"maintenance"`
	HTTPS       bool       `yaml:"https" json:"https"`
	Port        int        `yaml:"port" json:"port"`
	// ServiceTokenTTL bounds the service token validity window for this
	// vhost, seconds. Zero means the engine default.
	ServiceTokenTTL int `yaml:"serviceTokenTTL" json:"serviceTokenTTL"`
}

// Options configures an Engine build.
type Options struct {
	// DefaultRule applies when no location pattern matches the request
	// path. Empty means "accept".
	DefaultRule string
	// DefaultVhost is used for unknown Host headers. Empty means unknown
	// hosts stay unresolved and the caller decides.
	DefaultVhost string
	Vhosts       map[string]VhostConfig
	// Now is the clock used by time based helpers, for tests.
	Now func() time.Time
}

type location struct {
	re   *regexp.Regexp
	prog *Program
}

type header struct {
	name string
	prog *Program
}

type vhost struct {
	name        string
	locations   []location
	headers     []header
	maintenance bool
	https       bool
	tokenTTL    time.Duration
}

// ForgedHeader is one computed header in declaration order.
type ForgedHeader struct {
	Name  string
	Value string
}

// Engine holds the compiled rules of one configuration snapshot. It is
// immutable after NewEngine and safe for concurrent use.
type Engine struct {
	defaultRule  *Program
	defaultVhost string
	vhosts       map[string]*vhost
	aliases      map[string]string
	now          func() time.Time
}

// NewEngine compiles every location rule and header expression of every
// vhost. Any compile error rejects the whole build so a broken
// configuration never becomes current.
func NewEngine(o Options) (*Engine, error) {
	e := &Engine{
		defaultVhost: strings.ToLower(o.DefaultVhost),
		vhosts:       make(map[string]*vhost, len(o.Vhosts)),
		aliases:      make(map[string]string),
		now:          o.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}

	defaultRule := o.DefaultRule
	if defaultRule == "" {
		defaultRule = "accept"
	}
	prog, err := Compile(defaultRule)
	if err != nil {
		return nil, fmt.Errorf("default rule: %w", err)
	}
	e.defaultRule = prog

	for name, vc := range o.Vhosts {
		// keys and aliases are matched against lowercased Host headers
		name = strings.ToLower(name)
		v := &vhost{
			name:        name,
			maintenance: vc.Maintenance,
			https:       vc.HTTPS,
			tokenTTL:    time.Duration(vc.ServiceTokenTTL) * time.Second,
		}
		for _, loc := range vc.Locations {
			re, err := regexp.Compile(loc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: vhost %s location %q: %w", ErrCompile, name, loc.Pattern, err)
			}
			prog, err := Compile(loc.Rule)
			if err != nil {
				return nil, fmt.Errorf("vhost %s location %q: %w", name, loc.Pattern, err)
			}
			v.locations = append(v.locations, location{re: re, prog: prog})
		}
		for _, h := range vc.Headers {
			prog, err := CompileExpr(h.Expr)
			if err != nil {
				return nil, fmt.Errorf("vhost %s header %s: %w", name, h.Name, err)
			}
			v.headers = append(v.headers, header{name: h.Name, prog: prog})
		}
		e.vhosts[name] = v
		for _, a := range vc.Aliases {
			e.aliases[strings.ToLower(a)] = name
		}
	}
	return e, nil
}

// ResolveVhost maps a Host header to a configured vhost key. The port is
// stripped, aliases are followed, and the default vhost applies last.
func (e *Engine) ResolveVhost(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if _, ok := e.vhosts[host]; ok {
		return host, true
	}
	if target, ok := e.aliases[host]; ok {
		return target, true
	}
	if e.defaultVhost != "" {
		if _, ok := e.vhosts[e.defaultVhost]; ok {
			return e.defaultVhost, true
		}
	}
	return "", false
}

// Maintenance reports whether the vhost is flagged for maintenance.
func (e *Engine) Maintenance(vhostKey string) bool {
	v, ok := e.vhosts[vhostKey]
	return ok && v.maintenance
}

// HTTPS reports whether the vhost is served over TLS, for rebuilding the
// original URL on portal redirects.
func (e *Engine) HTTPS(vhostKey string) bool {
	v, ok := e.vhosts[vhostKey]
	return ok && v.https
}

// ServiceTokenTTL returns the vhost's service token validity window, or
// zero when the vhost has none configured.
func (e *Engine) ServiceTokenTTL(vhostKey string) time.Duration {
	if v, ok := e.vhosts[vhostKey]; ok {
		return v.tokenTTL
	}
	return 0
}

// match returns the program of the first location whose pattern matches the
// path, or the default rule. First match wins, a matching location is
// final.
func (e *Engine) match(vhostKey, path string) *Program {
	if v, ok := e.vhosts[vhostKey]; ok {
		for _, loc := range v.locations {
			if loc.re.MatchString(path) {
				return loc.prog
			}
		}
	}
	return e.defaultRule
}

// ProtectionOf returns the protection level the matching rule implies for
// the path.
func (e *Engine) ProtectionOf(vhostKey, path string) Protection {
	switch e.match(vhostKey, path).Kind() {
	case KindSkip:
		return ProtectionSkip
	case KindUnprotect:
		return ProtectionNone
	case KindAccept:
		return ProtectionAuthenticate
	default:
		return ProtectionAuthorize
	}
}

// Authorized evaluates the matching rule against the session attributes.
func (e *Engine) Authorized(vhostKey, path string, attrs map[string]any) (bool, error) {
	return e.match(vhostKey, path).Eval(attrs, e.now)
}

// ForgeHeaders computes the exported headers of the vhost in declaration
// order. Values for a repeated header name are joined with "; ". A failing
// expression drops only that header.
func (e *Engine) ForgeHeaders(vhostKey string, attrs map[string]any) []ForgedHeader {
	v, ok := e.vhosts[vhostKey]
	if !ok {
		return nil
	}
	var (
		out   []ForgedHeader
		index = make(map[string]int)
	)
	for _, h := range v.headers {
		val, err := h.prog.EvalString(attrs, e.now)
		if err != nil {
			log.Errorf("failed to compute header %s for vhost %s: %v", h.name, v.name, err)
			continue
		}
		if i, ok := index[h.name]; ok {
			out[i].Value = out[i].Value + "; " + val
			continue
		}
		index[h.name] = len(out)
		out = append(out, ForgedHeader{Name: h.name, Value: val})
	}
	return out
}
