package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"clobengine/internal/apierr"
	"clobengine/internal/asset"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	l := New()
	l.NewUser(1)

	require.NoError(t, l.Deposit(1, asset.USDT, dec("100")))
	bal, err := l.Balance(1, asset.USDT)
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("100")))

	require.NoError(t, l.Withdraw(1, asset.USDT, dec("40")))
	bal, err = l.Balance(1, asset.USDT)
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("60")))
}

func TestWithdrawRejectsBeyondAvailable(t *testing.T) {
	l := New()
	l.NewUser(1)
	require.NoError(t, l.Deposit(1, asset.USDT, dec("100")))

	if _, err := l.ValidateAndLock(1, asset.USDT, dec("70")); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	err := l.Withdraw(1, asset.USDT, dec("50"))
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindOverWithdrawl))

	bal, _ := l.Balance(1, asset.USDT)
	require.True(t, bal.Equal(dec("100")), "balance must be unchanged on rejected withdraw")
}

func TestValidateAndLockInsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	l := New()
	l.NewUser(1)
	require.NoError(t, l.Deposit(1, asset.USDT, dec("10")))

	_, err := l.ValidateAndLock(1, asset.USDT, dec("11"))
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindInsufficientBalance))

	locked, _ := l.LockedBalance(1, asset.USDT)
	require.True(t, locked.IsZero())
}

func TestUnlockReversesLock(t *testing.T) {
	l := New()
	l.NewUser(1)
	require.NoError(t, l.Deposit(1, asset.USDT, dec("50")))

	_, err := l.ValidateAndLock(1, asset.USDT, dec("20"))
	require.NoError(t, err)
	avail, _ := l.Available(1, asset.USDT)
	require.True(t, avail.Equal(dec("30")))

	_, err = l.Unlock(1, asset.USDT, dec("20"))
	require.NoError(t, err)
	avail, _ = l.Available(1, asset.USDT)
	require.True(t, avail.Equal(dec("50")))
}

func TestExchangeBalancesMovesBaseFromAskAndQuoteFromBid(t *testing.T) {
	l := New()
	l.NewUser(1) // ask side
	l.NewUser(2) // bid side
	require.NoError(t, l.Deposit(1, asset.BTC, dec("5")))
	require.NoError(t, l.Deposit(2, asset.USDT, dec("100000")))

	_, err := l.ValidateAndLock(1, asset.BTC, dec("2"))
	require.NoError(t, err)
	_, err = l.ValidateAndLock(2, asset.USDT, dec("60000"))
	require.NoError(t, err)

	exchange := asset.NewExchange(asset.BTC, asset.USDT)
	require.NoError(t, l.ExchangeBalances(exchange, 1, 2, dec("2"), dec("30000")))

	askBase, _ := l.Balance(1, asset.BTC)
	askQuote, _ := l.Balance(1, asset.USDT)
	bidBase, _ := l.Balance(2, asset.BTC)
	bidQuote, _ := l.Balance(2, asset.USDT)

	require.True(t, askBase.Equal(dec("3")), "ask user loses traded base")
	require.True(t, askQuote.Equal(dec("60000")), "ask user receives quote")
	require.True(t, bidBase.Equal(dec("2")), "bid user receives base")
	require.True(t, bidQuote.Equal(dec("40000")), "bid user pays quote")

	askLocked, _ := l.LockedBalance(1, asset.BTC)
	bidLocked, _ := l.LockedBalance(2, asset.USDT)
	require.True(t, askLocked.IsZero())
	require.True(t, bidLocked.IsZero())
}

func TestRecoverSeedsBalancesAndLockState(t *testing.T) {
	l := New()
	l.Recover(7, map[asset.Asset]decimal.Decimal{asset.USDT: dec("500")}, map[asset.Asset]decimal.Decimal{asset.USDT: dec("50")})

	bal, err := l.Balance(7, asset.USDT)
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("500")))

	locked, err := l.LockedBalance(7, asset.USDT)
	require.NoError(t, err)
	require.True(t, locked.Equal(dec("50")))

	other, err := l.Balance(7, asset.BTC)
	require.NoError(t, err)
	require.True(t, other.IsZero(), "assets absent from the recovered map default to zero")
}

func TestUnknownUserReturnsUserNotFound(t *testing.T) {
	l := New()
	_, err := l.Balance(999, asset.USDT)
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindUserNotFound))
}
