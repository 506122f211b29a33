package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Options{
		Vhosts: map[string]VhostConfig{
			"app.example.org": {
				Locations: []Location{
					{Pattern: "^/admin", Rule: `inGroup("admin")`},
					{Pattern: "^/health", Rule: "skip"},
					{Pattern: "^/public", Rule: "unprotect"},
					{Pattern: "^/deny", Rule: "deny"},
					{Pattern: "^/", Rule: "accept"},
				},
				Headers: []Header{
					{Name: "Auth-User", Expr: "$uid"},
					{Name: "Auth-Mail", Expr: "$mail"},
					{Name: "Auth-Groups", Expr: "$groups"},
				},
				Aliases: []string{"www.example.org"},
			},
			"closed.example.org": {
				Maintenance: true,
			},
		},
	})
	require.NoError(t, err)
	return e
}

func TestResolveVhost(t *testing.T) {
	e := testEngine(t)

	for host, want := range map[string]string{
		"app.example.org":      "app.example.org",
		"APP.example.org":      "app.example.org",
		"app.example.org:8443": "app.example.org",
		"www.example.org":      "app.example.org",
	} {
		got, ok := e.ResolveVhost(host)
		require.True(t, ok, host)
		assert.Equal(t, want, got, host)
	}

	_, ok := e.ResolveVhost("unknown.example.org")
	assert.False(t, ok)
}

func TestResolveVhostMixedCaseConfig(t *testing.T) {
	e, err := NewEngine(Options{
		DefaultVhost: "App.Example.Org",
		Vhosts: map[string]VhostConfig{
			"App.Example.Org": {
				Maintenance: true,
				Aliases:     []string{"WWW.Example.Org"},
			},
		},
	})
	require.NoError(t, err)

	for _, host := range []string{
		"app.example.org",
		"App.Example.Org",
		"www.example.org",
		"unknown.example.org",
	} {
		got, ok := e.ResolveVhost(host)
		require.True(t, ok, host)
		assert.Equal(t, "app.example.org", got, host)
	}
	assert.True(t, e.Maintenance("app.example.org"))
}

func TestResolveVhostDefault(t *testing.T) {
	e, err := NewEngine(Options{
		DefaultVhost: "app.example.org",
		Vhosts: map[string]VhostConfig{
			"app.example.org": {},
		},
	})
	require.NoError(t, err)

	got, ok := e.ResolveVhost("unknown.example.org")
	require.True(t, ok)
	assert.Equal(t, "app.example.org", got)
}

func TestRulePrecedenceFirstMatchWins(t *testing.T) {
	e := testEngine(t)
	noAdmin := map[string]any{"uid": "jdoe", "groups": "dev"}
	admin := map[string]any{"uid": "root", "groups": "admin; dev"}

	ok, err := e.Authorized("app.example.org", "/admin/x", noAdmin)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Authorized("app.example.org", "/admin/x", admin)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Authorized("app.example.org", "/anything", noAdmin)
	require.NoError(t, err)
	assert.True(t, ok)

	// a matching deny is final, no fallthrough to the catch-all
	ok, err = e.Authorized("app.example.org", "/deny/x", admin)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDefaultRuleAppliesOnlyWithoutMatch(t *testing.T) {
	e, err := NewEngine(Options{
		DefaultRule: "deny",
		Vhosts: map[string]VhostConfig{
			"app.example.org": {
				Locations: []Location{
					{Pattern: "^/open", Rule: "accept"},
				},
			},
		},
	})
	require.NoError(t, err)

	ok, err := e.Authorized("app.example.org", "/open/x", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Authorized("app.example.org", "/elsewhere", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProtectionOf(t *testing.T) {
	e := testEngine(t)

	for path, want := range map[string]Protection{
		"/health":  ProtectionSkip,
		"/public":  ProtectionNone,
		"/home":    ProtectionAuthenticate,
		"/admin/x": ProtectionAuthorize,
		"/deny/x":  ProtectionAuthorize,
	} {
		assert.Equal(t, want, e.ProtectionOf("app.example.org", path), path)
	}
}

func TestMaintenance(t *testing.T) {
	e := testEngine(t)
	assert.True(t, e.Maintenance("closed.example.org"))
	assert.False(t, e.Maintenance("app.example.org"))
	assert.False(t, e.Maintenance("unknown.example.org"))
}

func TestForgeHeaders(t *testing.T) {
	e := testEngine(t)
	attrs := map[string]any{
		"uid":    "jdoe",
		"mail":   "jdoe@example.org",
		"groups": []string{"dev", "ops"},
	}

	got := e.ForgeHeaders("app.example.org", attrs)
	assert.Equal(t, []ForgedHeader{
		{Name: "Auth-User", Value: "jdoe"},
		{Name: "Auth-Mail", Value: "jdoe@example.org"},
		{Name: "Auth-Groups", Value: "dev; ops"},
	}, got)
}

func TestForgeHeadersJoinsRepeatedNames(t *testing.T) {
	e, err := NewEngine(Options{
		Vhosts: map[string]VhostConfig{
			"app.example.org": {
				Headers: []Header{
					{Name: "Auth-Info", Expr: "$uid"},
					{Name: "Auth-Info", Expr: "$mail"},
				},
			},
		},
	})
	require.NoError(t, err)

	got := e.ForgeHeaders("app.example.org", map[string]any{"uid": "jdoe", "mail": "j@x"})
	assert.Equal(t, []ForgedHeader{{Name: "Auth-Info", Value: "jdoe; j@x"}}, got)
}

func TestNewEngineRejectsBrokenRules(t *testing.T) {
	_, err := NewEngine(Options{
		Vhosts: map[string]VhostConfig{
			"app.example.org": {
				Locations: []Location{{Pattern: "^/", Rule: "$uid =="}},
			},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompile)

	_, err = NewEngine(Options{
		Vhosts: map[string]VhostConfig{
			"app.example.org": {
				Locations: []Location{{Pattern: "(unclosed", Rule: "accept"}},
			},
		},
	})
	require.Error(t, err)

	_, err = NewEngine(Options{
		Vhosts: map[string]VhostConfig{
			"app.example.org": {
				Headers: []Header{{Name: "X", Expr: "nonsense("}},
			},
		},
	})
	require.Error(t, err)
}
