// Package engine keeps each account's state store eventually consistent
// with the terminal. One engine runs per terminal connection and is the
// sole writer for the stores of every account multiplexed over it. Two
// paths feed the stores: a periodic poll (full section replacement) and the
// push-event stream (targeted low-latency updates). Manual refreshes
// coalesce with whichever pass is already in flight for that account.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/marketdesk/dasmon/internal/broadcast"
	"github.com/marketdesk/dasmon/internal/state"
	"github.com/marketdesk/dasmon/internal/terminal"
	"github.com/marketdesk/dasmon/internal/wire"
)

// Commander is the slice of the terminal connection the engine drives.
type Commander interface {
	Send(ctx context.Context, cmd string, args ...string) (*terminal.Response, error)
	Push() <-chan terminal.PushEvent
	Reconnected() <-chan struct{}
	State() terminal.State
}

// Account pairs a monitored account id with its upstream code.
type Account struct {
	ID   string
	Code string
}

// Config tunes the engine cadence.
type Config struct {
	PollInterval   time.Duration // default 5s
	RefreshTimeout time.Duration // bound on a manual refresh wait, default 10s
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 10 * time.Second
	}
}

// Engine synchronizes the accounts of one terminal connection.
type Engine struct {
	cfg      Config
	conn     Commander
	accounts []Account
	stores   map[string]*state.Store
	bc       *broadcast.Broadcaster
	logger   *zap.Logger

	refreshGroup singleflight.Group

	now func() time.Time
}

// New wires an engine onto a connection. stores must hold one store per
// account; the engine becomes their only writer.
func New(cfg Config, conn Commander, accounts []Account, stores map[string]*state.Store, bc *broadcast.Broadcaster, logger *zap.Logger) *Engine {
	cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		conn:     conn,
		accounts: accounts,
		stores:   stores,
		bc:       bc,
		logger:   logger.Named("sync_engine"),
		now:      time.Now,
	}
}

// Run drives the periodic and event-driven paths until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pollLoop(gCtx) })
	g.Go(func() error { return e.pushLoop(gCtx) })
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// pollLoop runs a full refresh of every account each interval, and
// immediately after each reconnect so no stale pre-drop data survives.
func (e *Engine) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.refreshAll(ctx)
		case <-e.conn.Reconnected():
			e.logger.Info("connection re-established, re-polling all accounts")
			e.refreshAll(ctx)
		}
	}
}

func (e *Engine) refreshAll(ctx context.Context) {
	if e.conn.State() != terminal.StateConnected {
		return
	}
	for _, acct := range e.accounts {
		if ctx.Err() != nil {
			return
		}
		// A failure in one account never delays or corrupts another's pass.
		if err := e.refreshAccount(ctx, acct); err != nil {
			e.logger.Warn("account refresh failed",
				zap.String("account", acct.ID), zap.Error(err))
		}
	}
}

// refreshAccount runs one coalesced full refresh for an account.
func (e *Engine) refreshAccount(ctx context.Context, acct Account) error {
	_, err, _ := e.refreshGroup.Do(acct.ID, func() (interface{}, error) {
		return nil, e.doRefresh(ctx, acct)
	})
	return err
}

// ForceRefresh triggers one immediate refresh for a single account,
// coalesced with any pass already in flight. It waits at most the
// configured bound, then returns the last known snapshot; the staleness
// flag tells the caller how fresh it is.
func (e *Engine) ForceRefresh(ctx context.Context, accountID string) (state.AccountView, error) {
	store, ok := e.stores[accountID]
	if !ok {
		return state.AccountView{}, fmt.Errorf("engine: unknown account %q", accountID)
	}
	acct, ok := e.account(accountID)
	if !ok {
		return state.AccountView{}, fmt.Errorf("engine: unknown account %q", accountID)
	}

	ch := e.refreshGroup.DoChan(acct.ID, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RefreshTimeout)
		defer cancel()
		return nil, e.doRefresh(refreshCtx, acct)
	})

	timer := time.NewTimer(e.cfg.RefreshTimeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return store.Snapshot(), ctx.Err()
	}
	return store.Snapshot(), nil
}

func (e *Engine) account(id string) (Account, bool) {
	for _, a := range e.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// doRefresh issues the ordered refresh commands for one account and applies
// each section wholesale. Every command is retried once immediately on
// failure, then deferred to the next cycle. The store is only marked
// refreshed when the whole pass succeeded.
func (e *Engine) doRefresh(ctx context.Context, acct Account) error {
	store := e.stores[acct.ID]
	var changed []broadcast.EntityKind
	var firstErr error

	positions, posOK := e.refreshPositions(ctx, acct, store, &changed, &firstErr)
	ordersOK := e.refreshOrders(ctx, acct, store, &changed, &firstErr)
	overviewOK := e.refreshOverview(ctx, acct, store, positions, &changed, &firstErr)

	if posOK && ordersOK && overviewOK {
		store.MarkRefreshed(e.now())
	}
	if len(changed) > 0 {
		e.bc.Publish(broadcast.Change{AccountID: acct.ID, Kinds: changed, At: e.now()})
	}
	return firstErr
}

func (e *Engine) refreshPositions(ctx context.Context, acct Account, store *state.Store, changed *[]broadcast.EntityKind, firstErr *error) ([]state.Position, bool) {
	resp, err := e.sendWithRetry(ctx, wire.CmdGetPosition, acct.Code)
	if err != nil {
		e.recordRefreshError(store, firstErr, "positions", err)
		return nil, false
	}
	positions := make([]state.Position, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		if m, ok := msg.(wire.PositionMsg); ok {
			positions = append(positions, positionFromMsg(m))
		}
	}
	e.recordParseErrors(store, resp.ParseErrs)
	store.ApplyPositions(positions)
	*changed = append(*changed, broadcast.KindPositions)
	return positions, true
}

func (e *Engine) refreshOrders(ctx context.Context, acct Account, store *state.Store, changed *[]broadcast.EntityKind, firstErr *error) bool {
	resp, err := e.sendWithRetry(ctx, wire.CmdGetOrders, acct.Code)
	if err != nil {
		e.recordRefreshError(store, firstErr, "orders", err)
		return false
	}
	orders := make([]state.Order, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		if m, ok := msg.(wire.OrderMsg); ok {
			orders = append(orders, orderFromMsg(m))
		}
	}
	e.recordParseErrors(store, resp.ParseErrs)
	store.ApplyOrders(orders)
	*changed = append(*changed, broadcast.KindOrders)
	return true
}

func (e *Engine) refreshOverview(ctx context.Context, acct Account, store *state.Store, positions []state.Position, changed *[]broadcast.EntityKind, firstErr *error) bool {
	infoResp, err := e.sendWithRetry(ctx, wire.CmdGetAccount, acct.Code)
	if err != nil {
		e.recordRefreshError(store, firstErr, "account info", err)
		return false
	}
	bpResp, err := e.sendWithRetry(ctx, wire.CmdGetBP, acct.Code)
	if err != nil {
		e.recordRefreshError(store, firstErr, "buying power", err)
		return false
	}
	e.recordParseErrors(store, infoResp.ParseErrs)
	e.recordParseErrors(store, bpResp.ParseErrs)

	var overview state.Overview
	found := false
	for _, msg := range infoResp.Messages {
		if m, ok := msg.(wire.AccountInfoMsg); ok {
			overview = overviewFromMsg(m, e.now())
			found = true
		}
	}
	if !found {
		e.recordRefreshError(store, firstErr, "account info", fmt.Errorf("engine: empty account info response"))
		return false
	}
	for _, msg := range bpResp.Messages {
		if m, ok := msg.(wire.BuyingPowerMsg); ok {
			overview.BuyingPower = m.Current
			overview.OvernightBP = m.Overnight
		}
	}

	// Exposure and cash are derived from the freshly polled positions, the
	// terminal reports neither directly.
	if positions == nil {
		positions = store.Positions()
	}
	var exposure, unrealized float64
	for _, p := range positions {
		mark := p.MarkPrice
		if mark == 0 {
			mark = p.AvgCost
		}
		exposure += abs(float64(p.Quantity) * mark)
		unrealized += p.UnrealizedPnL
	}
	overview.MarginUsed = exposure
	overview.CashBalance = overview.CurrentEquity - exposure
	if unrealized != 0 {
		overview.UnrealizedPnL = unrealized
	}

	store.ApplyOverview(overview)
	*changed = append(*changed, broadcast.KindOverview)
	return true
}

// sendWithRetry retries a failed command exactly once before giving up.
func (e *Engine) sendWithRetry(ctx context.Context, cmd string, args ...string) (*terminal.Response, error) {
	resp, err := e.conn.Send(ctx, cmd, args...)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}
	e.logger.Debug("command failed, retrying once", zap.String("command", cmd), zap.Error(err))
	return e.conn.Send(ctx, cmd, args...)
}

func (e *Engine) recordRefreshError(store *state.Store, firstErr *error, section string, err error) {
	store.AppendActivity(state.ActivityError, "refresh %s failed: %v", section, err)
	if *firstErr == nil {
		*firstErr = err
	}
}

func (e *Engine) recordParseErrors(store *state.Store, errs []error) {
	for _, err := range errs {
		store.AppendActivity(state.ActivityError, "protocol parse error: %v", err)
		e.logger.Warn("protocol parse error", zap.Error(err))
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
