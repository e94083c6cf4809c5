// Package ledger implements the process-wide balance ledger: per-user asset
// balances and locked (reserved) balances, with atomic lock/unlock/deposit/
// withdraw primitives. It is the only path for balance mutation in the
// system; the matching engine composes fills out of these primitives.
package ledger

import (
	"sync"

	"github.com/shopspring/decimal"

	"clobengine/internal/apierr"
	"clobengine/internal/asset"
)

// account holds one user's balances. Never exposed directly — all access
// goes through Ledger's locked methods.
type account struct {
	balance map[asset.Asset]decimal.Decimal
	locked  map[asset.Asset]decimal.Decimal
}

func newAccount() *account {
	return &account{
		balance: make(map[asset.Asset]decimal.Decimal),
		locked:  make(map[asset.Asset]decimal.Decimal),
	}
}

// Ledger is the shared, serialized balance store. A single mutex protects
// every account; critical sections are short (map lookups and decimal
// arithmetic), so there is no benefit to sharding it per the design notes
// in spec.md §9 unless contention is measured to require it.
type Ledger struct {
	mu    sync.Mutex
	users map[uint64]*account
}

// New constructs an empty ledger.
func New() *Ledger {
	return &Ledger{users: make(map[uint64]*account)}
}

// NewUser inserts a user with zeroed balances for every registered asset.
// Re-registering an existing id resets it, matching the reference
// implementation's insert-on-new-user semantics.
func (l *Ledger) NewUser(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := newAccount()
	for _, a := range asset.All {
		acc.balance[a] = decimal.Zero
		acc.locked[a] = decimal.Zero
	}
	l.users[id] = acc
}

// Recover installs a user record loaded from persisted storage, used only
// during cold-start recovery before any order-book replay.
func (l *Ledger) Recover(id uint64, balance, locked map[asset.Asset]decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := newAccount()
	for _, a := range asset.All {
		acc.balance[a] = decimal.Zero
		acc.locked[a] = decimal.Zero
	}
	for a, v := range balance {
		acc.balance[a] = v
	}
	for a, v := range locked {
		acc.locked[a] = v
	}
	l.users[id] = acc
}

func (l *Ledger) get(id uint64) (*account, error) {
	acc, ok := l.users[id]
	if !ok {
		return nil, apierr.New(apierr.KindUserNotFound, map[string]any{"user_id": id})
	}
	return acc, nil
}

// Deposit adds qty to the user's balance for asset a.
func (l *Ledger) Deposit(user uint64, a asset.Asset, qty decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.get(user)
	if err != nil {
		return err
	}
	acc.balance[a] = acc.balance[a].Add(qty)
	return nil
}

// Withdraw deducts qty from the user's balance. Per the spec's decided
// Open Question, this guards against withdrawing locked funds: it requires
// qty <= available(user, a), not merely qty <= balance(user, a).
func (l *Ledger) Withdraw(user uint64, a asset.Asset, qty decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.get(user)
	if err != nil {
		return err
	}
	avail := acc.balance[a].Sub(acc.locked[a])
	if qty.GreaterThan(avail) {
		return apierr.New(apierr.KindOverWithdrawl, map[string]any{
			"available": avail, "required": qty, "asset": a,
		})
	}
	acc.balance[a] = acc.balance[a].Sub(qty)
	return nil
}

// withdrawUnchecked deducts qty from balance without the available-funds
// guard, for internal use only during a fill, where the caller has already
// unlocked exactly this amount and the qty is guaranteed <= balance.
func (l *Ledger) withdrawUnchecked(acc *account, a asset.Asset, qty decimal.Decimal) {
	acc.balance[a] = acc.balance[a].Sub(qty)
}

// Lock increases locked_balance[a] by qty. Precondition: available >= qty;
// callers that have not already checked this should use ValidateAndLock.
func (l *Ledger) Lock(user uint64, a asset.Asset, qty decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.get(user)
	if err != nil {
		return decimal.Zero, err
	}
	acc.locked[a] = acc.locked[a].Add(qty)
	return acc.locked[a], nil
}

// Unlock decreases locked_balance[a] by qty. Precondition: locked >= qty.
func (l *Ledger) Unlock(user uint64, a asset.Asset, qty decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.get(user)
	if err != nil {
		return decimal.Zero, err
	}
	acc.locked[a] = acc.locked[a].Sub(qty)
	return acc.locked[a], nil
}

// ValidateAndLock atomically checks available(user,a) >= need and locks it,
// or returns InsufficientBalance leaving the ledger unchanged. This is the
// only entry point pre-trade validation should use.
func (l *Ledger) ValidateAndLock(user uint64, a asset.Asset, need decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.get(user)
	if err != nil {
		return decimal.Zero, err
	}
	avail := acc.balance[a].Sub(acc.locked[a])
	if avail.LessThan(need) {
		return decimal.Zero, apierr.New(apierr.KindInsufficientBalance, map[string]any{
			"available": avail, "required": need, "asset": a,
		})
	}
	acc.locked[a] = acc.locked[a].Add(need)
	return acc.locked[a], nil
}

// Available returns balance[a] - locked_balance[a].
func (l *Ledger) Available(user uint64, a asset.Asset) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.get(user)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.balance[a].Sub(acc.locked[a]), nil
}

// Balance returns balance[a].
func (l *Ledger) Balance(user uint64, a asset.Asset) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.get(user)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.balance[a], nil
}

// LockedBalance returns locked_balance[a].
func (l *Ledger) LockedBalance(user uint64, a asset.Asset) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.get(user)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.locked[a], nil
}

// Snapshot returns a copy of the user's full locked-balance map, used by
// CancelAll responses and persistence batches.
func (l *Ledger) Snapshot(user uint64) (map[asset.Asset]decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.get(user)
	if err != nil {
		return nil, err
	}
	out := make(map[asset.Asset]decimal.Decimal, len(acc.locked))
	for a, v := range acc.locked {
		out[a] = v
	}
	return out, nil
}

// ExchangeBalances applies the four-step fill mutation for one trade of qty
// at price on the given exchange, atomically: the ask-side user's base is
// unlocked, withdrawn and deposited to the bid-side user; the bid-side
// user's quote (qty*price) is unlocked, withdrawn and deposited to the
// ask-side user. This mirrors original_source's exchange_balance, which
// always moves base from whoever is Ask and quote from whoever is Bid
// regardless of which side is taker or maker. Spec §4.2.5 requires this
// four-step sequence be observed atomically with respect to external
// reads, which the single ledger mutex guarantees.
func (l *Ledger) ExchangeBalances(exchange asset.Exchange, askUser, bidUser uint64, qty, price decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	askAcc, err := l.get(askUser)
	if err != nil {
		return err
	}
	bidAcc, err := l.get(bidUser)
	if err != nil {
		return err
	}

	askAcc.locked[exchange.Base] = askAcc.locked[exchange.Base].Sub(qty)
	l.withdrawUnchecked(askAcc, exchange.Base, qty)
	bidAcc.balance[exchange.Base] = bidAcc.balance[exchange.Base].Add(qty)

	quoteQty := qty.Mul(price)
	bidAcc.locked[exchange.Quote] = bidAcc.locked[exchange.Quote].Sub(quoteQty)
	l.withdrawUnchecked(bidAcc, exchange.Quote, quoteQty)
	askAcc.balance[exchange.Quote] = askAcc.balance[exchange.Quote].Add(quoteQty)

	return nil
}
