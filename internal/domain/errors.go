package domain

import "errors"

var (
	// ErrUnacceptableBond means a candidate bond failed admission: not
	// recognized by the issuer, outside the maturity window, or out of order.
	ErrUnacceptableBond = errors.New("unacceptable bond")

	// ErrUnacceptableDeposit means the deposited tranche is not part of the
	// current minting bond.
	ErrUnacceptableDeposit = errors.New("unacceptable deposit")

	// ErrUnacceptableRedemption means a redemption precondition failed, e.g.
	// icebox redemption while the bond queue is non-empty.
	ErrUnacceptableRedemption = errors.New("unacceptable redemption")

	// ErrInsufficientDeployment means usable collateral is below the
	// configured deployment floor.
	ErrInsufficientDeployment = errors.New("insufficient deployment")

	// ErrDeployedCountOverLimit means a deploy would push the tracked-asset
	// count past the configured ceiling.
	ErrDeployedCountOverLimit = errors.New("deployed count over limit")

	// ErrUnexpectedAsset means a recovery or transfer target is not a
	// recognized reserve or deployed asset.
	ErrUnexpectedAsset = errors.New("unexpected asset")

	// ErrUnacceptableParams means a conversion was attempted with a zero
	// yield or zero price divisor.
	ErrUnacceptableParams = errors.New("unacceptable params")

	// ErrLiquidityOutOfBounds means a swap would push reserve liquidity
	// outside the configured bounds.
	ErrLiquidityOutOfBounds = errors.New("liquidity out of bounds")

	// ErrInsufficientBalance means a book transfer or burn exceeds the
	// holder's balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrNotFound = errors.New("not found")
	ErrLockHeld = errors.New("lock already held")
)
