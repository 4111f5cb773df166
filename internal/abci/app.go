// Package abci contains the ABCI application that connects one shard ledger
// to the Tendermint consensus engine. CheckTx validates signed transactions,
// DeliverTx executes them against the vault, and Commit persists a snapshot
// of the shard and returns its hash. Every ledger state transition of a
// shard node passes through here.
package abci

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	abci "github.com/tendermint/tendermint/abci/types"
	"go.uber.org/zap"

	"shareledger.dev/ysl/internal/custody"
	"shareledger.dev/ysl/internal/metrics"
	"shareledger.dev/ysl/internal/store"
	"shareledger.dev/ysl/internal/types"
	"shareledger.dev/ysl/internal/vault"
)

// Codespace of the failures raised by the application itself; vault
// failures carry their own codespace.
const Codespace = "app"

const (
	CodeTypeOK            uint32 = 0
	CodeTypeEncodingError uint32 = 1
	CodeTypeAuthError     uint32 = 2
	CodeTypeInvalidTx     uint32 = 3
	CodeTypeDuplicateTx   uint32 = 4
	CodeTypeUnknownQuery  uint32 = 5
	CodeTypeExpiredTx     uint32 = 6
)

// replayWindow bounds how old a transaction timestamp may be at execution.
// Ids of applied transactions are remembered until their timestamp leaves
// the window; older transactions are rejected as expired instead.
const replayWindow = 24 * time.Hour

// SnapshotStore persists committed state.
type SnapshotStore interface {
	SaveSnapshot(snap store.Snapshot, keep int) error
	Latest() (store.Snapshot, error)
	RecordDistribution(d types.Distribution) error
}

// snapshot is the serialized application state hashed into the app hash.
type snapshot struct {
	Height    int64            `json:"height"`
	BlockTime time.Time        `json:"block_time"`
	Vault     vault.State      `json:"vault"`
	Custody   custody.Snapshot `json:"custody"`
	Applied   []appliedTx      `json:"applied"`
}

type appliedTx struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
}

// Application implements the ABCI interface for one shard.
type Application struct {
	abci.BaseApplication

	mu        sync.Mutex
	vault     *vault.Vault
	// view holds the state of the last commit and answers queries
	view      *vault.Vault
	custody   *custody.Memory
	store     SnapshotStore
	logger    *zap.Logger
	metrics   *metrics.Metrics
	sink      vault.EventSink
	keep      int
	blockTime time.Time
	committed time.Time
	height    int64
	appHash   []byte

	// timestamps of applied transactions inside the replay window, by id
	applied map[string]time.Time
	// events of the transaction being delivered
	txEvents []types.Event
	// events and distributions of the block, released on Commit
	blockEvents   []types.Event
	distributions []types.Distribution
}

// Option configures an Application.
type Option func(*Application)

func WithLogger(l *zap.Logger) Option { return func(a *Application) { a.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Application) { a.metrics = m } }

// WithEventSink receives the events of each block once it is committed.
func WithEventSink(s vault.EventSink) Option { return func(a *Application) { a.sink = s } }

// WithKeepSnapshots sets how many snapshots the store retains.
func WithKeepSnapshots(n int) Option { return func(a *Application) { a.keep = n } }

// NewApplication builds the shard vault on top of c and restores the latest
// snapshot from st when there is one. vaultOpts configure the vault; the
// application supplies its custody, clock and event sink.
func NewApplication(shardID string, c *custody.Memory, st SnapshotStore, vaultOpts []vault.Option, opts ...Option) (*Application, error) {
	if c == nil {
		return nil, errors.New("custody cannot be nil")
	}
	if st == nil {
		return nil, errors.New("snapshot store cannot be nil")
	}
	app := &Application{
		custody: c,
		store:   st,
		logger:  zap.NewNop(),
		applied: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(app)
	}

	vopts := append([]vault.Option{}, vaultOpts...)
	vopts = append(vopts,
		vault.WithLogger(app.logger.Named("vault")),
		vault.WithCustody(c),
		vault.WithClock(app.now),
		vault.WithEventSink(vault.EventSinkFunc(app.collect)))
	v, err := vault.New(shardID, vopts...)
	if err != nil {
		return nil, fmt.Errorf("create vault: %w", err)
	}
	app.vault = v

	viewOpts := append([]vault.Option{}, vaultOpts...)
	viewOpts = append(viewOpts, vault.WithCustody(c), vault.WithClock(app.viewNow))
	if app.view, err = vault.New(shardID, viewOpts...); err != nil {
		return nil, fmt.Errorf("create query view: %w", err)
	}

	if err := app.restore(); err != nil {
		return nil, err
	}
	if err := app.view.Restore(app.vault.Export()); err != nil {
		return nil, fmt.Errorf("seed query view: %w", err)
	}
	return app, nil
}

func (app *Application) restore() error {
	latest, err := app.store.Latest()
	if errors.Is(err, store.ErrNoSnapshot) {
		app.logger.Info("no snapshot found, starting from genesis")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(latest.State, &snap); err != nil {
		return fmt.Errorf("decode snapshot at height %d: %w", latest.Height, err)
	}
	if err := app.vault.Restore(snap.Vault); err != nil {
		return fmt.Errorf("restore vault: %w", err)
	}
	app.custody.Restore(snap.Custody)
	for _, a := range snap.Applied {
		app.applied[a.ID] = a.Time
	}
	app.height, app.appHash, app.blockTime = snap.Height, latest.AppHash, snap.BlockTime
	app.committed = snap.BlockTime
	app.logger.Info("restored snapshot",
		zap.Int64("height", app.height),
		zap.Uint64("last_epoch", app.vault.LastEpoch()))
	return nil
}

// now is the vault clock: the time of the block being executed.
func (app *Application) now() time.Time {
	if app.blockTime.IsZero() {
		return time.Now().UTC()
	}
	return app.blockTime
}

// viewNow is the query clock: the time of the last committed block.
func (app *Application) viewNow() time.Time {
	if app.committed.IsZero() {
		return time.Now().UTC()
	}
	return app.committed
}

func (app *Application) collect(e types.Event) {
	app.txEvents = append(app.txEvents, e)
}

// Vault returns the shard ledger. Callers outside ABCI must go through
// Query; the vault is not safe for concurrent use.
func (app *Application) Vault() *vault.Vault { return app.vault }

// Height returns the last committed height.
func (app *Application) Height() int64 {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.height
}

func (app *Application) Info(req abci.RequestInfo) abci.ResponseInfo {
	app.mu.Lock()
	defer app.mu.Unlock()
	return abci.ResponseInfo{
		Data:             "ysl/" + app.vault.ShardID(),
		Version:          types.Version,
		LastBlockHeight:  app.height,
		LastBlockAppHash: app.appHash,
	}
}

func (app *Application) BeginBlock(req abci.RequestBeginBlock) abci.ResponseBeginBlock {
	app.mu.Lock()
	defer app.mu.Unlock()
	// block time never moves backwards for the vault clock
	if req.Header.Time.After(app.blockTime) {
		app.blockTime = req.Header.Time.UTC()
	}
	return abci.ResponseBeginBlock{}
}

// decode verifies and unpacks a raw transaction.
func (app *Application) decode(raw []byte) (*types.SignedTransaction, *types.Transaction, uint32, error) {
	var signedTx types.SignedTransaction
	if err := json.Unmarshal(raw, &signedTx); err != nil {
		return nil, nil, CodeTypeEncodingError, errors.New("failed to decode signed tx")
	}
	if !signedTx.Verify() {
		return nil, nil, CodeTypeAuthError, errors.New("invalid signature")
	}
	tx, err := signedTx.GetTransaction()
	if err != nil {
		return nil, nil, CodeTypeEncodingError, errors.New("failed to decode inner tx")
	}
	if !tx.Type.Known() {
		return nil, nil, CodeTypeInvalidTx, fmt.Errorf("unknown transaction type %q", tx.Type)
	}
	if tx.ID == "" {
		return nil, nil, CodeTypeInvalidTx, errors.New("transaction id is required")
	}
	if _, ok := app.applied[tx.ID]; ok {
		return nil, nil, CodeTypeDuplicateTx, fmt.Errorf("transaction %s already applied", tx.ID)
	}
	if cutoff := app.now().Add(-replayWindow); tx.Timestamp.Before(cutoff) {
		return nil, nil, CodeTypeExpiredTx, fmt.Errorf("transaction %s signed at %s is older than %s", tx.ID, tx.Timestamp.Format(time.RFC3339), replayWindow)
	}
	return &signedTx, tx, CodeTypeOK, nil
}

func (app *Application) CheckTx(req abci.RequestCheckTx) abci.ResponseCheckTx {
	app.mu.Lock()
	defer app.mu.Unlock()

	_, tx, code, err := app.decode(req.Tx)
	if err != nil {
		return abci.ResponseCheckTx{Code: code, Codespace: Codespace, Log: err.Error()}
	}
	if _, err := decodePayload(tx); err != nil {
		return abci.ResponseCheckTx{Code: CodeTypeEncodingError, Codespace: Codespace, Log: err.Error()}
	}
	return abci.ResponseCheckTx{Code: CodeTypeOK}
}

func (app *Application) DeliverTx(req abci.RequestDeliverTx) abci.ResponseDeliverTx {
	app.mu.Lock()
	defer app.mu.Unlock()

	signedTx, tx, code, err := app.decode(req.Tx)
	if err != nil {
		return abci.ResponseDeliverTx{Code: code, Codespace: Codespace, Log: err.Error()}
	}
	payload, err := decodePayload(tx)
	if err != nil {
		return abci.ResponseDeliverTx{Code: CodeTypeEncodingError, Codespace: Codespace, Log: err.Error()}
	}

	app.txEvents = app.txEvents[:0]
	start := time.Now()
	data, err := app.execute(context.Background(), signedTx.Signer(), tx.Type, payload)
	if app.metrics != nil {
		app.metrics.RecordTx(tx.Type, time.Since(start), err)
	}
	if err != nil {
		codespace, code, log := errorsmod.ABCIInfo(err, false)
		app.logger.Debug("transaction rejected",
			zap.String("id", tx.ID),
			zap.String("type", string(tx.Type)),
			zap.Error(err))
		return abci.ResponseDeliverTx{Code: code, Codespace: codespace, Log: log}
	}

	app.applied[tx.ID] = tx.Timestamp
	events := toABCIEvents(app.txEvents)
	app.blockEvents = append(app.blockEvents, app.txEvents...)
	app.logger.Info("transaction applied",
		zap.String("id", tx.ID),
		zap.String("type", string(tx.Type)),
		zap.Stringer("signer", signedTx.Signer()))
	return abci.ResponseDeliverTx{Code: CodeTypeOK, Data: data, Events: events}
}

func (app *Application) Commit() abci.ResponseCommit {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.height++
	cutoff := app.blockTime.Add(-replayWindow)
	for id, ts := range app.applied {
		if ts.Before(cutoff) {
			delete(app.applied, id)
		}
	}
	snap := snapshot{
		Height:    app.height,
		BlockTime: app.blockTime,
		Vault:     app.vault.Export(),
		Custody:   app.custody.Export(),
		Applied:   make([]appliedTx, 0, len(app.applied)),
	}
	for id, ts := range app.applied {
		snap.Applied = append(snap.Applied, appliedTx{ID: id, Time: ts})
	}
	sort.Slice(snap.Applied, func(i, j int) bool { return snap.Applied[i].ID < snap.Applied[j].ID })

	blob, err := json.Marshal(snap)
	if err != nil {
		// state that cannot be serialized cannot be agreed on
		panic(fmt.Errorf("marshal snapshot: %w", err))
	}
	sum := sha256.Sum256(blob)
	app.appHash = sum[:]

	app.committed = app.blockTime
	if err := app.view.Restore(snap.Vault); err != nil {
		panic(fmt.Errorf("refresh query view: %w", err))
	}

	if err := app.store.SaveSnapshot(store.Snapshot{
		Height:    app.height,
		AppHash:   app.appHash,
		State:     blob,
		CreatedAt: app.blockTime,
	}, app.keep); err != nil {
		app.logger.Error("save snapshot", zap.Int64("height", app.height), zap.Error(err))
	}
	for _, d := range app.distributions {
		if err := app.store.RecordDistribution(d); err != nil {
			app.logger.Error("record distribution", zap.Uint64("epoch", d.Epoch), zap.Error(err))
		}
	}

	for _, e := range app.blockEvents {
		if app.metrics != nil {
			app.metrics.RecordEvent(e)
		}
		if app.sink != nil {
			app.sink.Emit(e)
		}
	}
	app.blockEvents = nil
	app.distributions = nil

	if app.metrics != nil {
		app.metrics.SetHeight(app.height)
		app.metrics.ObserveLedger(app.ledgerStats())
	}

	return abci.ResponseCommit{Data: app.appHash}
}

func (app *Application) ledgerStats() metrics.Ledger {
	v := app.vault
	return metrics.Ledger{
		Shard:          v.ShardID(),
		TotalAssets:    v.TotalAssets(),
		TotalSupply:    v.TotalSupply(),
		Unvested:       v.UnvestedAmount(),
		Requested:      v.TotalRequestedAmount(),
		ExchangeRate:   v.ExchangeRate(),
		LastEpoch:      v.LastEpoch(),
		Paused:         v.Paused(),
		TreasuryShares: v.BalanceOf(v.Treasury()),
	}
}

func toABCIEvents(events []types.Event) []abci.Event {
	out := make([]abci.Event, 0, len(events))
	for _, e := range events {
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		attrs := make([]abci.EventAttribute, 0, len(keys)+1)
		attrs = append(attrs, abci.EventAttribute{Key: []byte("shard"), Value: []byte(e.Shard), Index: true})
		for _, k := range keys {
			attrs = append(attrs, abci.EventAttribute{Key: []byte(k), Value: []byte(e.Attributes[k]), Index: true})
		}
		out = append(out, abci.Event{Type: string(e.Kind), Attributes: attrs})
	}
	return out
}

func (app *Application) Query(req abci.RequestQuery) abci.ResponseQuery {
	app.mu.Lock()
	defer app.mu.Unlock()

	value, err := app.query(req.Path)
	if err != nil {
		var qerr queryError
		if errors.As(err, &qerr) {
			return abci.ResponseQuery{Code: qerr.code, Codespace: Codespace, Log: qerr.msg, Height: app.height}
		}
		codespace, code, log := errorsmod.ABCIInfo(err, false)
		return abci.ResponseQuery{Code: code, Codespace: codespace, Log: log, Height: app.height}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return abci.ResponseQuery{Code: CodeTypeEncodingError, Codespace: Codespace, Log: err.Error(), Height: app.height}
	}
	return abci.ResponseQuery{Code: CodeTypeOK, Key: []byte(req.Path), Value: b, Height: app.height}
}

type queryError struct {
	code uint32
	msg  string
}

func (e queryError) Error() string { return e.msg }

// ExchangeRateView is returned by the /exchange_rate query.
type ExchangeRateView struct {
	Rate          math.Int `json:"rate"`
	SharePrice    string   `json:"share_price"`
	RateScaled    math.Int `json:"rate_scaled"`
	TotalAssets   math.Int `json:"total_assets"`
	TotalSupply   math.Int `json:"total_supply"`
	Unvested      math.Int `json:"unvested"`
	Requested     math.Int `json:"requested"`
	VirtualAssets math.Int `json:"virtual_assets"`
	LastEpoch     uint64   `json:"last_epoch"`
	Paused        bool     `json:"paused"`
}

// RequestView is returned by the /request/<holder> query.
type RequestView struct {
	Holder     types.Address       `json:"holder"`
	Request    types.RedeemRequest `json:"request"`
	CanExecute bool                `json:"can_execute"`
	UnlocksAt  time.Time           `json:"unlocks_at"`
}

// BalanceView is returned by the /balance/<holder> query.
type BalanceView struct {
	Holder        types.Address `json:"holder"`
	Shares        math.Int      `json:"shares"`
	SharesDisplay string        `json:"shares_display"`
	Assets        math.Int      `json:"assets"`
}

// PreviewView is returned by the /preview/<op>/<amount> query.
type PreviewView struct {
	Op     string   `json:"op"`
	Amount math.Int `json:"amount"`
	Result math.Int `json:"result"`
}

func (app *Application) query(path string) (interface{}, error) {
	v := app.view
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "state":
		return v.Export(), nil

	case len(parts) == 1 && parts[0] == "exchange_rate":
		rate := v.ExchangeRate()
		return ExchangeRateView{
			Rate:          rate,
			SharePrice:    types.FormatAmount(rate, vault.ShareDecimals),
			RateScaled:    v.ExchangeRateScaled(),
			TotalAssets:   v.TotalAssets(),
			TotalSupply:   v.TotalSupply(),
			Unvested:      v.UnvestedAmount(),
			Requested:     v.TotalRequestedAmount(),
			VirtualAssets: v.VirtualAssets(),
			LastEpoch:     v.LastEpoch(),
			Paused:        v.Paused(),
		}, nil

	case len(parts) == 2 && parts[0] == "request":
		holder := types.Address(parts[1])
		req, ok := v.GetRedeemRequest(holder)
		if !ok {
			return nil, errorsmod.Wrapf(vault.ErrNoRedemptionRequest, "holder %s", holder)
		}
		return RequestView{
			Holder:     holder,
			Request:    req,
			CanExecute: v.CanExecuteRedeem(holder),
			UnlocksAt:  req.Timestamp.Add(v.Params().CooldownPeriod),
		}, nil

	case len(parts) == 2 && parts[0] == "balance":
		holder := types.Address(parts[1])
		shares := v.BalanceOf(holder)
		return BalanceView{
			Holder:        holder,
			Shares:        shares,
			SharesDisplay: types.FormatAmount(shares, vault.ShareDecimals),
			Assets:        v.AssetsOf(holder),
		}, nil

	case len(parts) == 3 && parts[0] == "preview":
		amount, ok := types.ParseAmount(parts[2])
		if !ok {
			return nil, queryError{CodeTypeEncodingError, fmt.Sprintf("invalid amount %q", parts[2])}
		}
		var (
			result math.Int
			err    error
		)
		switch parts[1] {
		case "deposit":
			result, err = v.PreviewDeposit(amount)
		case "mint":
			result, err = v.PreviewMint(amount)
		case "redeem":
			result, err = v.PreviewRedeem(amount)
		case "withdraw":
			result, err = v.PreviewWithdraw(amount)
		default:
			return nil, queryError{CodeTypeUnknownQuery, fmt.Sprintf("unknown preview %q", parts[1])}
		}
		if err != nil {
			return nil, err
		}
		return PreviewView{Op: parts[1], Amount: amount, Result: result}, nil
	}
	return nil, queryError{CodeTypeUnknownQuery, fmt.Sprintf("unknown query path %q", path)}
}

// decodePayload unmarshals the payload matching tx.Type.
func decodePayload(tx *types.Transaction) (interface{}, error) {
	var p interface{}
	switch tx.Type {
	case types.TxDeposit:
		p = &types.DepositPayload{}
	case types.TxMint:
		p = &types.MintPayload{}
	case types.TxTransfer:
		p = &types.TransferPayload{}
	case types.TxRequestRedeem:
		p = &types.RequestRedeemPayload{}
	case types.TxWithdraw:
		p = &types.WithdrawPayload{}
	case types.TxRedeem:
		p = &types.RedeemPayload{}
	case types.TxRedeemFor:
		p = &types.RedeemForPayload{}
	case types.TxDistributeYield:
		p = &types.DistributeYieldPayload{}
	case types.TxUpdateParam:
		p = &types.UpdateParamPayload{}
	case types.TxEmergencyRecover:
		p = &types.EmergencyRecoverPayload{}
	case types.TxPause, types.TxUnpause:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transaction type %q", tx.Type)
	}
	if len(tx.Payload) == 0 {
		return nil, fmt.Errorf("%s payload is required", tx.Type)
	}
	if err := json.Unmarshal(tx.Payload, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", tx.Type, err)
	}
	return p, nil
}

// execute dispatches a decoded transaction to the vault and returns the
// JSON result placed in the DeliverTx data.
func (app *Application) execute(ctx context.Context, caller types.Address, txType types.TransactionType, payload interface{}) ([]byte, error) {
	v := app.vault
	var (
		result interface{}
		err    error
	)
	switch p := payload.(type) {
	case *types.DepositPayload:
		result, err = v.Deposit(ctx, caller, p.Assets, p.Receiver)
	case *types.MintPayload:
		result, err = v.Mint(ctx, caller, p.Shares, p.Receiver)
	case *types.TransferPayload:
		err = v.Transfer(ctx, caller, p.To, p.Shares)
	case *types.RequestRedeemPayload:
		result, err = v.RequestRedeem(ctx, caller, p.Shares)
	case *types.WithdrawPayload:
		result, err = v.Withdraw(ctx, caller, p.Assets, p.Receiver, p.Owner)
	case *types.RedeemPayload:
		result, err = v.Redeem(ctx, caller, p.Shares, p.Receiver, p.Owner)
	case *types.RedeemForPayload:
		if len(p.Holders) == 1 && len(p.Expected) == 0 {
			result, err = v.RedeemFor(ctx, caller, p.Holders[0])
		} else {
			result, err = v.RedeemForBatch(ctx, caller, p.Holders, p.Expected)
		}
	case *types.DistributeYieldPayload:
		var d types.Distribution
		d, err = v.DistributeYield(ctx, caller, p.Amount, p.FeeAmount, p.Epoch, p.IsProfit)
		if err == nil {
			app.distributions = append(app.distributions, d)
		}
		result = d
	case *types.UpdateParamPayload:
		err = v.UpdateParam(caller, p.Param, p.Value)
	case *types.EmergencyRecoverPayload:
		err = v.EmergencyRecover(ctx, caller, p.Asset, p.Amount, p.To)
	case nil:
		switch txType {
		case types.TxPause:
			err = v.Pause(caller)
		case types.TxUnpause:
			err = v.Unpause(caller)
		default:
			err = fmt.Errorf("no payload for %s", txType)
		}
	default:
		err = fmt.Errorf("unhandled payload %T", payload)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}
