// Package ssogate implements an SSO access control layer sitting in front
// of protected web applications. It authenticates every request against
// the shared session store, authorizes it against per virtual host rules,
// forges identity headers and proxies allowed requests to the application.
// A fleet of independent ssogate processes converges through a pub/sub
// broker carrying configuration reload and session invalidation events.
package ssogate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"

	"github.com/ssogate/ssogate/broker"
	"github.com/ssogate/ssogate/conf"
	"github.com/ssogate/ssogate/handler"
	"github.com/ssogate/ssogate/logging"
	"github.com/ssogate/ssogate/metrics"
	"github.com/ssogate/ssogate/session"
)

// Options to start ssogate.
type Options struct {
	// Address to listen on, defaults to :9090.
	Address string

	// SupportListener serves /metrics when set.
	SupportListener string

	// BackendURL is the protected application requests are proxied to.
	BackendURL string

	// ConfigBackend selects the configuration accessor, with its backend
	// specific options.
	ConfigBackend        string
	ConfigBackendOptions map[string]any

	// SessionBackend selects the session accessor.
	SessionBackend        string
	SessionBackendOptions map[string]any

	// Broker selects the pub/sub transport, "noop" for single instance
	// setups.
	Broker        string
	BrokerOptions map[string]any
	BrokerChannel string

	// SessionCacheSize and SessionCacheTTL bound the local session cache
	// tier.
	SessionCacheSize    int
	SessionCacheTTL     time.Duration
	SessionFetchTimeout time.Duration
	ConfigFetchTimeout  time.Duration

	// ReloadInterval polls the configuration backend as a safety net for
	// missed broker messages. Zero disables polling.
	ReloadInterval time.Duration

	ApplicationLogPrefix      string
	ApplicationLogLevel       string
	ApplicationLogJSONEnabled bool
}

// Run starts the handler and blocks until SIGTERM/SIGINT.
func Run(o Options) error {
	if err := logging.Init(logging.Options{
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
		Level:                     o.ApplicationLogLevel,
	}); err != nil {
		return err
	}

	if o.Address == "" {
		o.Address = ":9090"
	}
	if o.BrokerChannel == "" {
		o.BrokerChannel = "ssogate"
	}
	if o.BackendURL == "" {
		return errors.New("backend URL is required")
	}
	backendURL, err := url.Parse(o.BackendURL)
	if err != nil {
		return fmt.Errorf("invalid backend URL: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configAccessor, err := conf.NewAccessor(o.ConfigBackend, o.ConfigBackendOptions)
	if err != nil {
		return err
	}
	if err := configAccessor.Available(ctx); err != nil {
		return fmt.Errorf("configuration backend not available: %w", err)
	}
	store := conf.NewStore(configAccessor, conf.StoreOptions{FetchTimeout: o.ConfigFetchTimeout})

	sessionAccessor, err := session.NewAccessor(o.SessionBackend, o.SessionBackendOptions)
	if err != nil {
		return err
	}
	sessions := session.NewCache(session.CacheOptions{
		Accessor:     sessionAccessor,
		Size:         o.SessionCacheSize,
		TTL:          o.SessionCacheTTL,
		FetchTimeout: o.SessionFetchTimeout,
	})

	m := metrics.New()
	sessions.Hit = m.IncCacheHit
	sessions.Miss = m.IncCacheMiss
	sessions.FetchObserved = func(d time.Duration) {
		m.ObserveSessionFetch(d.Seconds())
	}

	store.OnReload(func(snap *conf.Snapshot) {
		sessions.SetTimeouts(snap.Timeout, snap.TimeoutActivity)
		m.IncReload()
	})

	if err := initialReload(ctx, store); err != nil {
		return err
	}

	b, err := broker.New(o.Broker, o.BrokerOptions)
	if err != nil {
		return err
	}
	coordinator, err := broker.NewCoordinator(broker.CoordinatorOptions{
		Broker:   b,
		Channel:  o.BrokerChannel,
		Store:    store,
		Sessions: sessions,
		OnMessage: func(msg *broker.Message) {
			m.IncBrokerMessage(msg.Action)
		},
	})
	if err != nil {
		return err
	}
	coordinator.Start()
	defer coordinator.Stop()

	if o.ReloadInterval > 0 {
		go pollReload(ctx, store, o.ReloadInterval)
	}

	if o.SupportListener != "" {
		go serveSupport(o.SupportListener, m)
	}

	h := handler.New(handler.Options{
		Store:    store,
		Sessions: sessions,
		Next:     httputil.NewSingleHostReverseProxy(backendURL),
		Metrics:  m,
	})

	server := &http.Server{Addr: o.Address, Handler: h}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("ssogate instance %s listening on %s", coordinator.Instance(), o.Address)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// initialReload retries until a first snapshot is loaded or the process is
// stopped. Serving without configuration would answer 503 to everything.
func initialReload(ctx context.Context, store *conf.Store) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for {
		if _, err := store.Reload(ctx); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			wait := bo.NextBackOff()
			log.Errorf("initial configuration load failed, retrying in %v: %v", wait, err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// pollReload is the safety net for missed broker messages: the monotonic
// cfgNum check makes redundant polls cheap no-ops.
func pollReload(ctx context.Context, store *conf.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := store.Reload(ctx); err != nil {
				log.Errorf("periodic reload failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func serveSupport(address string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if err := http.ListenAndServe(address, mux); err != nil {
		log.Errorf("support listener failed: %v", err)
	}
}
