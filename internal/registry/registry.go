// Package registry owns the process-wide connection lifecycle: one
// terminal connection and sync engine per configured user, one state store
// per enabled account. The registry map is built once at startup and
// read-only afterwards; new accounts require a restart. External layers
// (REST, WebSocket) are handed the registry and consume only its query,
// command and subscribe interfaces.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marketdesk/dasmon/internal/broadcast"
	"github.com/marketdesk/dasmon/internal/config"
	"github.com/marketdesk/dasmon/internal/engine"
	"github.com/marketdesk/dasmon/internal/export"
	"github.com/marketdesk/dasmon/internal/state"
	"github.com/marketdesk/dasmon/internal/terminal"
)

// ErrUnknownAccount is returned for account ids the registry does not know.
var ErrUnknownAccount = errors.New("registry: unknown account")

// AccountStatus describes one configured account and its connection state.
type AccountStatus struct {
	UserID      string         `json:"user_id"`
	UserName    string         `json:"user_name"`
	AccountID   string         `json:"account_id"`
	AccountName string         `json:"account_name"`
	Enabled     bool           `json:"enabled"`
	Connection  terminal.State `json:"-"`
	Connected   bool           `json:"connected"`
}

// Alert is an opaque inbound notification from the webhook collaborator.
// The core only records it as a system note; dispatching notifications is
// the collaborator's job.
type Alert struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Shares    int64   `json:"shares"`
	AlertType string  `json:"alert_type"`
	Source    string  `json:"source"`
}

type userRuntime struct {
	user config.User
	conn *terminal.Conn
	eng  *engine.Engine
}

// Registry is the process-scoped account/connection map.
type Registry struct {
	logger   *zap.Logger
	bc       *broadcast.Broadcaster
	exporter *export.TradeExporter

	users   []*userRuntime
	stores  map[string]*state.Store
	engines map[string]*engine.Engine
	status  map[string]AccountStatus

	cancel context.CancelFunc
	g      *errgroup.Group
}

// New constructs the registry from configuration. Nothing connects until
// Start is called.
func New(cfg *config.Config, logger *zap.Logger) *Registry {
	r := &Registry{
		logger:   logger.Named("registry"),
		exporter: export.NewTradeExporter(logger),
		stores:   make(map[string]*state.Store),
		engines:  make(map[string]*engine.Engine),
		status:   make(map[string]AccountStatus),
	}

	r.bc = broadcast.New(logger, cfg.BroadcastQueue, func(accountID, message string) {
		if store, ok := r.stores[accountID]; ok {
			store.AppendActivity(state.ActivitySystemNote, "%s", message)
		}
	})

	for _, u := range cfg.Users {
		for _, a := range u.Accounts {
			r.status[a.AccountID] = AccountStatus{
				UserID:      u.UserID,
				UserName:    u.Name,
				AccountID:   a.AccountID,
				AccountName: a.Name,
				Enabled:     a.Enabled,
			}
		}

		enabled := u.EnabledAccounts()
		if len(enabled) == 0 {
			r.logger.Info("user has no enabled accounts, skipping connection",
				zap.String("user", u.UserID))
			// Kept without a connection so Accounts() still lists them.
			r.users = append(r.users, &userRuntime{user: u})
			continue
		}

		accounts := make([]engine.Account, 0, len(enabled))
		for _, a := range enabled {
			store := state.NewStore(a.AccountID, logger)
			r.stores[a.AccountID] = store
			accounts = append(accounts, engine.Account{ID: a.AccountID, Code: a.Code})
		}

		conn := terminal.New(terminal.Config{
			Host:           u.Host,
			Port:           u.Port,
			Username:       u.Username,
			Password:       u.Password,
			Account:        enabled[0].Code,
			ConnectTimeout: cfg.ConnectTimeout,
			CommandTimeout: cfg.CommandTimeout,
		}, logger.With(zap.String("user", u.UserID)))

		eng := engine.New(engine.Config{
			PollInterval:   cfg.PollInterval,
			RefreshTimeout: cfg.RefreshTimeout,
		}, conn, accounts, r.storesFor(accounts), r.bc, logger.With(zap.String("user", u.UserID)))

		rt := &userRuntime{user: u, conn: conn, eng: eng}
		r.users = append(r.users, rt)
		for _, a := range accounts {
			r.engines[a.ID] = eng
		}
	}

	return r
}

func (r *Registry) storesFor(accounts []engine.Account) map[string]*state.Store {
	out := make(map[string]*state.Store, len(accounts))
	for _, a := range accounts {
		out[a.ID] = r.stores[a.ID]
	}
	return out
}

// Start connects every user's terminal and launches its sync engine.
// Initial dials run concurrently so one unreachable host never delays the
// others; a rejected login disables that connection only.
func (r *Registry) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.g, runCtx = errgroup.WithContext(runCtx)

	var startup errgroup.Group
	var mu sync.Mutex
	var started []*userRuntime
	for _, rt := range r.users {
		rt := rt
		if rt.conn == nil {
			continue
		}
		startup.Go(func() error {
			if err := rt.conn.Start(runCtx); err != nil {
				if errors.Is(err, terminal.ErrAuthentication) {
					r.logger.Error("terminal rejected credentials, connection disabled",
						zap.String("user", rt.user.UserID), zap.Error(err))
					for _, a := range rt.user.EnabledAccounts() {
						r.stores[a.AccountID].AppendActivity(state.ActivityError,
							"terminal login rejected for user %s", rt.user.UserID)
					}
					return nil
				}
				return fmt.Errorf("registry: start connection for %s: %w", rt.user.UserID, err)
			}
			mu.Lock()
			started = append(started, rt)
			mu.Unlock()
			return nil
		})
	}
	if err := startup.Wait(); err != nil {
		return err
	}

	for _, rt := range started {
		rt := rt
		r.g.Go(func() error { return rt.eng.Run(runCtx) })
	}

	r.logger.Info("registry started",
		zap.Int("connections", len(started)),
		zap.Int("accounts", len(r.stores)))
	return nil
}

// Shutdown stops polling, closes sockets and waits for the engines to
// drain, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down")
	if r.cancel != nil {
		r.cancel()
	}
	for _, rt := range r.users {
		if rt.conn == nil {
			continue
		}
		if err := rt.conn.Close(); err != nil {
			r.logger.Warn("connection close failed",
				zap.String("user", rt.user.UserID), zap.Error(err))
		}
	}

	done := make(chan error, 1)
	go func() {
		if r.g != nil {
			done <- r.g.Wait()
			return
		}
		done <- nil
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("registry: shutdown drain timeout: %w", ctx.Err())
	}

	_ = r.bc.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	r.logger.Info("shutdown complete")
	return nil
}

// Accounts lists every configured account with its connection state,
// including accounts of users that have nothing enabled.
func (r *Registry) Accounts() []AccountStatus {
	out := make([]AccountStatus, 0, len(r.status))
	for _, rt := range r.users {
		st := terminal.StateDisconnected
		if rt.conn != nil {
			st = rt.conn.State()
		}
		for _, a := range rt.user.Accounts {
			s := r.status[a.AccountID]
			if a.Enabled {
				s.Connection = st
				s.Connected = st == terminal.StateConnected
			}
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) storeFor(accountID string) (*state.Store, error) {
	store, ok := r.stores[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return store, nil
}

// Positions returns the current position section for an account.
func (r *Registry) Positions(accountID string) ([]state.Position, error) {
	store, err := r.storeFor(accountID)
	if err != nil {
		return nil, err
	}
	return store.Positions(), nil
}

// Orders returns the current order section for an account.
func (r *Registry) Orders(accountID string) ([]state.Order, error) {
	store, err := r.storeFor(accountID)
	if err != nil {
		return nil, err
	}
	return store.Orders(), nil
}

// Trades returns the bounded trade tape for an account.
func (r *Registry) Trades(accountID string) ([]state.Trade, error) {
	store, err := r.storeFor(accountID)
	if err != nil {
		return nil, err
	}
	return store.Trades(), nil
}

// Overview returns the account summary.
func (r *Registry) Overview(accountID string) (state.Overview, error) {
	store, err := r.storeFor(accountID)
	if err != nil {
		return state.Overview{}, err
	}
	return store.Overview(), nil
}

// Activity returns the bounded activity log in insertion order.
func (r *Registry) Activity(accountID string) ([]state.ActivityEntry, error) {
	store, err := r.storeFor(accountID)
	if err != nil {
		return nil, err
	}
	return store.Activity(), nil
}

// Snapshot returns a consistent point-in-time view of the whole account.
func (r *Registry) Snapshot(accountID string) (state.AccountView, error) {
	store, err := r.storeFor(accountID)
	if err != nil {
		return state.AccountView{}, err
	}
	return store.Snapshot(), nil
}

// ForceRefresh runs one immediate coalesced refresh for the account and
// returns the resulting snapshot.
func (r *Registry) ForceRefresh(ctx context.Context, accountID string) (state.AccountView, error) {
	eng, ok := r.engines[accountID]
	if !ok {
		return state.AccountView{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return eng.ForceRefresh(ctx, accountID)
}

// Subscribe registers a change-descriptor stream for an external consumer.
func (r *Registry) Subscribe() broadcast.Subscription { return r.bc.Subscribe() }

// Unsubscribe drops a subscription.
func (r *Registry) Unsubscribe(id string) { r.bc.Unsubscribe(id) }

// ExportTrades writes the account's trade tape to a file and returns its
// path.
func (r *Registry) ExportTrades(accountID string, opts export.Options) (string, error) {
	store, err := r.storeFor(accountID)
	if err != nil {
		return "", err
	}
	path, err := r.exporter.ExportTrades(accountID, store.Trades(), opts)
	if err != nil {
		return "", err
	}
	store.AppendActivity(state.ActivitySystemNote, "trade tape exported to %s", path)
	return path, nil
}

// ExportDailyReport writes a one-day trading report for the account.
func (r *Registry) ExportDailyReport(accountID string, date time.Time, outputDir string) (string, error) {
	store, err := r.storeFor(accountID)
	if err != nil {
		return "", err
	}
	return r.exporter.ExportDailyReport(accountID, store.Trades(), date, outputDir)
}

// RecordAlert logs an inbound alert against the account's activity as a
// system note. The core does not interpret or act on it.
func (r *Registry) RecordAlert(accountID string, a Alert) error {
	store, err := r.storeFor(accountID)
	if err != nil {
		return err
	}
	store.AppendActivity(state.ActivitySystemNote,
		"alert from %s: %s %s %d @ %.4f", a.Source, a.AlertType, a.Symbol, a.Shares, a.Price)
	r.bc.Publish(broadcast.Change{
		AccountID: accountID,
		Kinds:     []broadcast.EntityKind{broadcast.KindActivity},
		At:        time.Now(),
	})
	return nil
}
