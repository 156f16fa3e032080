package ubscore

import (
	"fmt"

	"exchange-core/internal/walerr"
)

// ledger is the plain in-memory account map plus the transition functions
// that both the runtime command path and WAL replay use, so the two can
// never drift apart. validate* functions are pure (read-only); apply*
// functions mutate.
type ledger struct {
	accounts map[AccountKey]Account
}

func newLedger() *ledger {
	return &ledger{accounts: make(map[AccountKey]Account)}
}

func (l *ledger) get(k AccountKey) Account {
	return l.accounts[k]
}

func (l *ledger) validatePlaceOrder(cmd PlaceOrderCmd) error {
	acc := l.get(AccountKey{User: cmd.User, Asset: cmd.Asset})
	if cmd.Amount <= 0 {
		return fmt.Errorf("place order: amount must be positive")
	}
	if acc.Available < cmd.Amount {
		return fmt.Errorf("place order: insufficient available balance (%d < %d)", acc.Available, cmd.Amount)
	}
	return nil
}

func (l *ledger) applyPlaceOrder(cmd PlaceOrderCmd) {
	k := AccountKey{User: cmd.User, Asset: cmd.Asset}
	acc := l.get(k)
	acc.Available -= cmd.Amount
	acc.Frozen += cmd.Amount
	acc.LockVersion++
	l.accounts[k] = acc
}

func (l *ledger) validateCancelOrder(cmd CancelOrderCmd) error {
	acc := l.get(AccountKey{User: cmd.User, Asset: cmd.Asset})
	if acc.Frozen < cmd.Amount {
		return fmt.Errorf("cancel order: frozen balance %d less than release amount %d", acc.Frozen, cmd.Amount)
	}
	return nil
}

func (l *ledger) applyCancelOrder(cmd CancelOrderCmd) {
	k := AccountKey{User: cmd.User, Asset: cmd.Asset}
	acc := l.get(k)
	acc.Frozen -= cmd.Amount
	acc.Available += cmd.Amount
	acc.LockVersion++
	l.accounts[k] = acc
}

func (l *ledger) validateDeposit(cmd DepositCmd) error {
	if cmd.Amount <= 0 {
		return fmt.Errorf("deposit: amount must be positive")
	}
	return nil
}

func (l *ledger) applyDeposit(cmd DepositCmd) {
	k := AccountKey{User: cmd.Account, Asset: cmd.Asset}
	acc := l.get(k)
	acc.Available += cmd.Amount
	l.accounts[k] = acc
}

func (l *ledger) validateWithdraw(cmd WithdrawCmd) error {
	acc := l.get(AccountKey{User: cmd.Account, Asset: cmd.Asset})
	if cmd.Amount <= 0 {
		return fmt.Errorf("withdraw: amount must be positive")
	}
	if acc.Available < cmd.Amount {
		return fmt.Errorf("withdraw: insufficient available balance (%d < %d)", acc.Available, cmd.Amount)
	}
	return nil
}

func (l *ledger) applyWithdraw(cmd WithdrawCmd) {
	k := AccountKey{User: cmd.Account, Asset: cmd.Asset}
	acc := l.get(k)
	acc.Available -= cmd.Amount
	l.accounts[k] = acc
}

func (l *ledger) validateBalanceSettlement(cmd BalanceSettlementCmd) error {
	acc := l.get(AccountKey{User: cmd.Account, Asset: cmd.Asset})
	if acc.Frozen+cmd.FrozenDelta < 0 {
		return fmt.Errorf("settlement: frozen balance would go negative")
	}
	if acc.Available+cmd.AvailableDelta < 0 {
		return fmt.Errorf("settlement: available balance would go negative")
	}
	return nil
}

func (l *ledger) applyBalanceSettlement(cmd BalanceSettlementCmd) {
	k := AccountKey{User: cmd.Account, Asset: cmd.Asset}
	acc := l.get(k)
	acc.Available += cmd.AvailableDelta
	acc.Frozen += cmd.FrozenDelta
	acc.SettleVersion++
	l.accounts[k] = acc
}

// snapshotCopy returns a deep-enough copy (Account is a value type) for a
// point-in-time snapshot, taken while the caller holds the service mutex.
func (l *ledger) snapshotCopy() map[AccountKey]Account {
	out := make(map[AccountKey]Account, len(l.accounts))
	for k, v := range l.accounts {
		out[k] = v
	}
	return out
}

// rejectedErr wraps validation failures as walerr.Rejected, matching the
// error-kind table: a Rejected command is never written to the WAL.
func rejectedErr(err error) error {
	if err == nil {
		return nil
	}
	return walerr.NewRejected(err.Error())
}
