package daemon

import (
	"context"
	"errors"

	"github.com/convodesk/convodesk/internal/backend"
	"github.com/convodesk/convodesk/internal/bus"
	"github.com/convodesk/convodesk/internal/config"
	"github.com/convodesk/convodesk/internal/live"
	"github.com/convodesk/convodesk/internal/lock"
	"github.com/convodesk/convodesk/internal/logging"
	"github.com/convodesk/convodesk/internal/phone"
	"github.com/convodesk/convodesk/internal/session"
	"github.com/convodesk/convodesk/internal/status"
	"github.com/convodesk/convodesk/internal/store"
	"github.com/convodesk/convodesk/internal/syncer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx
// module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideIdentity,
			provideBus,
			provideStateMachine,
			provideLock,
			provideNormalizer,
			provideBackendClient,
			provideDirectory,
			provideTranscript,
			provideUnread,
			provideEngine,
			provideTransport,
			provideChannel,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("backend_url", cfg.BackendURL),
		zap.String("push_url", cfg.PushURL))
	return cfg, nil
}

func provideIdentity(p Params) (*session.Identity, error) {
	return session.LoadIdentity(session.IdentityPath(p.SessionName))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideNormalizer(cfg *config.Config) phone.Normalizer {
	return phone.Normalizer{CountryCode: cfg.CountryCode}
}

func provideBackendClient(cfg *config.Config, id *session.Identity, n phone.Normalizer, logger *zap.Logger) (*backend.Client, error) {
	return backend.New(backend.Config{
		BaseURL:    cfg.BackendURL,
		Token:      id.Token,
		Normalizer: n,
		Logger:     logger,
	})
}

func provideDirectory(client *backend.Client, cfg *config.Config) *store.Directory {
	return store.NewDirectory(client, cfg.PageSize)
}

func provideTranscript() *store.Transcript {
	return store.NewTranscript()
}

func provideUnread() *store.UnreadSet {
	return store.NewUnreadSet()
}

func provideEngine(d *store.Directory, t *store.Transcript, u *store.UnreadSet, client *backend.Client, b *bus.Bus, n phone.Normalizer, logger *zap.Logger) *syncer.Engine {
	return syncer.NewEngine(d, t, u, client, b, n, logger)
}

func provideTransport(cfg *config.Config, id *session.Identity) live.Transport {
	return &live.WebsocketTransport{
		URL:       cfg.PushURL,
		CompanyID: id.CompanyID,
		Token:     id.Token,
	}
}

func provideChannel(t live.Transport, m *status.Machine, b *bus.Bus, e *syncer.Engine, n phone.Normalizer, logger *zap.Logger) *live.Channel {
	return live.NewChannel(t, m, b, e, n, logger)
}

func registerLifecycle(lc fx.Lifecycle, ch *live.Channel, e *syncer.Engine, lk *lock.Lock, id *session.Identity, b *bus.Bus, logger *zap.Logger) {
	filters := store.Filters{Role: id.Role, AdvisorFilter: id.AdvisorFilter}
	var cancelResync context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			cancelResync = cancel

			// Subscribe before the channel starts so the first
			// connect event cannot be missed. Every (re)connect
			// re-derives the directory from the backend; events
			// missed while disconnected are not replayed by the
			// channel.
			events, unsub := b.Subscribe(bus.KindChannelConnected, 4)
			go func() {
				defer unsub()
				runSync(ctx, events, e, filters, logger)
			}()

			ch.Start(context.Background())
			return nil
		},
		OnStop: func(_ context.Context) error {
			ch.Stop()
			if cancelResync != nil {
				cancelResync()
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// firstPageLoader is the slice of the engine the resync loop needs.
type firstPageLoader interface {
	LoadFirstPage(ctx context.Context, f store.Filters) error
}

// runSync loads the first directory page immediately, then keeps it
// fresh across push reconnects. The initial load runs regardless of
// the push gateway; the REST backend can be healthy while the gateway
// is down, and the directory must not stay empty in that case.
func runSync(ctx context.Context, events <-chan bus.Event, loader firstPageLoader, f store.Filters, logger *zap.Logger) {
	if err := loader.LoadFirstPage(ctx, f); err != nil {
		logger.Error("initial directory load failed", zap.Error(err))
	}
	watchReconnects(ctx, events, loader, f, logger)
}

// watchReconnects reloads the first directory page each time the push
// channel (re)connects.
func watchReconnects(ctx context.Context, events <-chan bus.Event, loader firstPageLoader, f store.Filters, logger *zap.Logger) {
	for {
		select {
		case <-events:
			err := loader.LoadFirstPage(ctx, f)
			switch {
			case err == nil:
				logger.Info("directory resynced")
			case errors.Is(err, store.ErrLoadInFlight):
				// A load is already underway; its result covers
				// this resync.
			default:
				logger.Error("directory resync failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
