package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/token"
)

// CustodyAddress is the address the market presents to payment tokens as the
// custody holder for pull/push operations. Token implementations (real or
// mock) must treat this address as the market's own account.
var CustodyAddress = common.HexToAddress("0x00000000000000000000000000004d61726b6574")

// pullExact pulls exactly amount of paymentToken from from into the
// market's custody, verifying the balance delta to reject fee-on-transfer or
// rebasing tokens deterministically, per the specification's "pull + verify
// delta" custody discipline.
func pullExact(ctx context.Context, tok token.Token, from common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	before, err := tok.BalanceOf(ctx, CustodyAddress)
	if err != nil {
		return xerrors.Wrap(CodeCustodyViolation, err, "read balance before pull")
	}
	if err := tok.TransferFrom(ctx, from, CustodyAddress, amount); err != nil {
		return xerrors.Wrap(CodeCustodyViolation, err, "pull tokens from caller")
	}
	after, err := tok.BalanceOf(ctx, CustodyAddress)
	if err != nil {
		return xerrors.Wrap(CodeCustodyViolation, err, "read balance after pull")
	}
	if after < before || after-before != amount {
		return xerrors.New(CodeCustodyViolation, "deposit delta did not equal requested amount; fee-on-transfer tokens are unsupported")
	}
	return nil
}

// pushExact pays out exactly amount of paymentToken from the market's
// custody to to. A zero amount is a no-op, per the settlement math's
// "skip any zero-amount transfer" rule.
func pushExact(ctx context.Context, tok token.Token, to common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := tok.Transfer(ctx, to, amount); err != nil {
		return xerrors.Wrap(CodeCustodyViolation, err, "push tokens to recipient")
	}
	return nil
}
