package ubscore

import (
	"encoding/json"
	"fmt"

	"exchange-core/internal/wal"
)

// encodePayload serialises a command for one of UBSCore's WAL entry types.
// JSON keeps the payload debuggable (you can `xxd` a WAL file and read the
// tail of each record); the codec's 20-byte header is what carries framing,
// not the payload encoding.
func encodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodePlaceOrder(b []byte) (PlaceOrderCmd, error) {
	var v PlaceOrderCmd
	err := json.Unmarshal(b, &v)
	return v, err
}

func decodeCancelOrder(b []byte) (CancelOrderCmd, error) {
	var v CancelOrderCmd
	err := json.Unmarshal(b, &v)
	return v, err
}

func decodeDeposit(b []byte) (DepositCmd, error) {
	var v DepositCmd
	err := json.Unmarshal(b, &v)
	return v, err
}

func decodeWithdraw(b []byte) (WithdrawCmd, error) {
	var v WithdrawCmd
	err := json.Unmarshal(b, &v)
	return v, err
}

func decodeBalanceSettlement(b []byte) (BalanceSettlementCmd, error) {
	var v BalanceSettlementCmd
	err := json.Unmarshal(b, &v)
	return v, err
}

// decodeAny dispatches on entry type, used by replay. Returns the decoded
// command as an `any`.
func decodeAny(entryType wal.EntryType, payload []byte) (any, error) {
	switch entryType {
	case wal.EntryPlaceOrder:
		return decodePlaceOrder(payload)
	case wal.EntryCancelOrder:
		return decodeCancelOrder(payload)
	case wal.EntryDeposit:
		return decodeDeposit(payload)
	case wal.EntryWithdraw:
		return decodeWithdraw(payload)
	case wal.EntryBalanceSettlement:
		return decodeBalanceSettlement(payload)
	default:
		return nil, fmt.Errorf("ubscore: unexpected entry type 0x%02x", byte(entryType))
	}
}
