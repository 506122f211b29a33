package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssogate/ssogate/broker"
	"github.com/ssogate/ssogate/broker/brokertest"
	"github.com/ssogate/ssogate/conf"
	"github.com/ssogate/ssogate/conf/conftest"
	"github.com/ssogate/ssogate/rules"
	"github.com/ssogate/ssogate/session"
	"github.com/ssogate/ssogate/session/sessiontest"
)

type fixture struct {
	broker   *brokertest.Broker
	accessor *conftest.Accessor
	store    *conf.Store
	sessions *session.Cache
	backend  *sessiontest.Accessor
	coord    *broker.Coordinator
	handled  chan *broker.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		broker:   brokertest.New(),
		accessor: conftest.New(),
		backend:  sessiontest.New(),
		handled:  make(chan *broker.Message, 16),
	}
	f.accessor.Set(&conf.Raw{
		CfgNum: 1,
		Key:    "coordination test",
		Vhosts: map[string]rules.VhostConfig{
			"app.example.org": {Locations: []rules.Location{{Pattern: "^/", Rule: "accept"}}},
		},
	})
	f.store = conf.NewStore(f.accessor, conf.StoreOptions{})
	_, err := f.store.Reload(context.Background())
	require.NoError(t, err)

	f.sessions = session.NewCache(session.CacheOptions{Accessor: f.backend})

	f.coord, err = broker.NewCoordinator(broker.CoordinatorOptions{
		Broker:   f.broker,
		Channel:  "ssogate",
		Store:    f.store,
		Sessions: f.sessions,
		OnMessage: func(m *broker.Message) {
			f.handled <- m
		},
	})
	require.NoError(t, err)

	f.coord.Start()
	t.Cleanup(f.coord.Stop)
	return f
}

func (f *fixture) publishAndWait(t *testing.T, msg broker.Message) {
	t.Helper()
	require.NoError(t, f.coord.Publish(context.Background(), msg))
	select {
	case <-f.handled:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not handled in time")
	}
}

func TestCoordinatorReload(t *testing.T) {
	f := newFixture(t)

	f.accessor.Set(&conf.Raw{CfgNum: 2, Key: "coordination test"})
	f.publishAndWait(t, broker.Message{Action: broker.ActionReload})

	assert.Equal(t, int64(2), f.store.Current().CfgNum())
}

func TestCoordinatorReloadDuplicateIsNoop(t *testing.T) {
	f := newFixture(t)

	f.accessor.Set(&conf.Raw{CfgNum: 2, Key: "coordination test"})
	f.publishAndWait(t, broker.Message{Action: broker.ActionReload})
	loaded := f.store.Current()

	f.publishAndWait(t, broker.Message{Action: broker.ActionReload})
	assert.Same(t, loaded, f.store.Current())
}

func TestCoordinatorDelSessionInvalidates(t *testing.T) {
	f := newFixture(t)

	// prime the cache like a prior request on this process would
	f.backend.Set("abc", session.Record{"uid": "jdoe"})
	_, err := f.sessions.Get(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, int32(1), f.backend.Gets.Load())

	f.publishAndWait(t, broker.Message{Action: broker.ActionDelSession, ID: "abc"})

	// next lookup must hit the backend again
	_, err = f.sessions.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.backend.Gets.Load())
}

func TestCoordinatorUnlogRemovedSession(t *testing.T) {
	f := newFixture(t)

	f.backend.Set("gone", session.Record{"uid": "jdoe"})
	_, err := f.sessions.Get(context.Background(), "gone")
	require.NoError(t, err)

	// the portal deletes the record, then broadcasts the unlog
	f.backend.Delete("gone")
	f.publishAndWait(t, broker.Message{Action: broker.ActionUnlog, ID: "gone"})

	_, err = f.sessions.Get(context.Background(), "gone")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCoordinatorIgnoresNoise(t *testing.T) {
	f := newFixture(t)

	f.publishAndWait(t, broker.Message{Action: broker.ActionPing})
	f.publishAndWait(t, broker.Message{Action: broker.ActionNewSession, ID: "xyz"})
	f.publishAndWait(t, broker.Message{Action: "frobnicate"})
	f.publishAndWait(t, broker.Message{Action: broker.ActionDelSession}) // no id

	// the loop is still alive and dispatching
	f.accessor.Set(&conf.Raw{CfgNum: 2, Key: "coordination test"})
	f.publishAndWait(t, broker.Message{Action: broker.ActionReload})
	assert.Equal(t, int64(2), f.store.Current().CfgNum())
}

func TestCoordinatorRecoversFromSubscribeFailure(t *testing.T) {
	b := brokertest.New()
	b.FailSubscribe = errors.New("transport down")

	store := conf.NewStore(conftest.New(), conf.StoreOptions{})
	sessions := session.NewCache(session.CacheOptions{Accessor: sessiontest.New()})
	handled := make(chan *broker.Message, 64)

	coord, err := broker.NewCoordinator(broker.CoordinatorOptions{
		Broker:   b,
		Channel:  "ssogate",
		Store:    store,
		Sessions: sessions,
		OnMessage: func(m *broker.Message) {
			handled <- m
		},
	})
	require.NoError(t, err)
	coord.Start()
	defer coord.Stop()

	// first Subscribe fails, the retry succeeds and consuming resumes
	require.Eventually(t, func() bool {
		if err := coord.Publish(context.Background(), broker.Message{Action: broker.ActionPing}); err != nil {
			return false
		}
		select {
		case <-handled:
			return true
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
}

func TestCoordinatorRejectsBadChannel(t *testing.T) {
	_, err := broker.NewCoordinator(broker.CoordinatorOptions{Channel: "bad channel"})
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrBadChannel)
}
