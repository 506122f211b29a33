package conf_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssogate/ssogate/conf"
	"github.com/ssogate/ssogate/conf/conftest"
	"github.com/ssogate/ssogate/rules"
)

func rawConfig(cfgNum int64) *conf.Raw {
	return &conf.Raw{
		CfgNum: cfgNum,
		Key:    "test key",
		Portal: "https://auth.example.org/",
		Vhosts: map[string]rules.VhostConfig{
			"app.example.org": {
				Locations: []rules.Location{{Pattern: "^/", Rule: "accept"}},
			},
		},
	}
}

func TestReloadLoadsLatest(t *testing.T) {
	a := conftest.New()
	a.Set(rawConfig(1))
	s := conf.NewStore(a, conf.StoreOptions{})

	require.Nil(t, s.Current())

	swapped, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, swapped)

	snap := s.Current()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.CfgNum())
	assert.Equal(t, conf.DefaultCookieName, snap.CookieName)
}

func TestReloadIdempotent(t *testing.T) {
	a := conftest.New()
	a.Set(rawConfig(1))
	s := conf.NewStore(a, conf.StoreOptions{})

	_, err := s.Reload(context.Background())
	require.NoError(t, err)
	first := s.Current()

	// no new cfgNum available: the snapshot object must stay the same
	swapped, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Same(t, first, s.Current())
}

func TestReloadMonotonic(t *testing.T) {
	a := conftest.New()
	a.Set(rawConfig(5))
	s := conf.NewStore(a, conf.StoreOptions{})

	_, err := s.Reload(context.Background())
	require.NoError(t, err)
	loaded := s.Current()

	// a stale reload announcement must not replace the snapshot
	a.Set(rawConfig(3))
	a.ForceLast = 3

	swapped, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Same(t, loaded, s.Current())
	assert.Equal(t, int64(5), s.Current().CfgNum())
}

func TestReloadUpgrade(t *testing.T) {
	a := conftest.New()
	a.Set(rawConfig(1))
	s := conf.NewStore(a, conf.StoreOptions{})

	_, err := s.Reload(context.Background())
	require.NoError(t, err)

	a.Set(rawConfig(2))
	swapped, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, int64(2), s.Current().CfgNum())
}

func TestReloadFetchFailureKeepsSnapshot(t *testing.T) {
	a := conftest.New()
	a.Set(rawConfig(1))
	s := conf.NewStore(a, conf.StoreOptions{})

	_, err := s.Reload(context.Background())
	require.NoError(t, err)
	loaded := s.Current()

	a.FailNext = errors.New("backend down")
	swapped, err := s.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, conf.ErrFetch)
	assert.False(t, swapped)
	assert.Same(t, loaded, s.Current())
}

func TestReloadRejectsBrokenRules(t *testing.T) {
	a := conftest.New()
	a.Set(rawConfig(1))
	s := conf.NewStore(a, conf.StoreOptions{})

	_, err := s.Reload(context.Background())
	require.NoError(t, err)
	loaded := s.Current()

	broken := rawConfig(2)
	broken.Vhosts["app.example.org"] = rules.VhostConfig{
		Locations: []rules.Location{{Pattern: "^/", Rule: "$uid =="}},
	}
	a.Set(broken)

	swapped, err := s.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rules.ErrCompile)
	assert.False(t, swapped)
	assert.Same(t, loaded, s.Current())

	// a later good config still loads
	a.Set(rawConfig(3))
	swapped, err = s.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, int64(3), s.Current().CfgNum())
}

func TestReloadNoConfig(t *testing.T) {
	s := conf.NewStore(conftest.New(), conf.StoreOptions{})
	_, err := s.Reload(context.Background())
	assert.ErrorIs(t, err, conf.ErrNoConfig)
}

func TestOnReloadCallbacks(t *testing.T) {
	a := conftest.New()
	a.Set(rawConfig(1))
	s := conf.NewStore(a, conf.StoreOptions{})

	var seen []int64
	s.OnReload(func(snap *conf.Snapshot) {
		seen = append(seen, snap.CfgNum())
	})

	_, err := s.Reload(context.Background())
	require.NoError(t, err)
	_, err = s.Reload(context.Background()) // no-op, no callback
	require.NoError(t, err)
	a.Set(rawConfig(2))
	_, err = s.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, seen)
}

func TestNewAccessorUnknownKind(t *testing.T) {
	_, err := conf.NewAccessor("nosuch", nil)
	require.Error(t, err)
}
