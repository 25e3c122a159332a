package ledger

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testOwner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testIssuer   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	testOperator = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	testAlice    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	testBob      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newTestLedger(t *testing.T, now *time.Time) *Ledger {
	t.Helper()
	l, err := New(testOwner, testIssuer, testOperator, big.NewInt(1000), WithClock(func() time.Time {
		return *now
	}))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func TestMintAssetRequiresIssuer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLedger(t, &now)

	if _, err := l.MintAsset(testAlice, testAlice); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	first, err := l.MintAsset(testIssuer, testAlice)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	second, err := l.MintAsset(testIssuer, testBob)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if first != 1 || second != 2 {
		t.Fatalf("expected monotonic asset ids 1,2, got %d,%d", first, second)
	}
}

func TestSetPriceRequiresBeneficiary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLedger(t, &now)

	id, err := l.MintAsset(testIssuer, testAlice)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := l.SetPrice(testBob, id, big.NewInt(5)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := l.SetPrice(testAlice, id, big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative price to be rejected")
	}
	if err := l.SetPrice(testAlice, id, big.NewInt(5)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	asset, ok := l.Asset(id)
	if !ok || asset.PricePerSecond.Int64() != 5 {
		t.Fatalf("unexpected asset price: %+v", asset)
	}
}

func TestRentProration(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLedger(t, &now)

	id, _ := l.MintAsset(testIssuer, testAlice)

	if _, err := l.Rent(testBob, id, 3600, big.NewInt(3600)); !errors.Is(err, ErrNotForRent) {
		t.Fatalf("expected ErrNotForRent before pricing, got %v", err)
	}

	if err := l.SetPrice(testAlice, id, big.NewInt(7)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	required := int64(7 * 3600)
	if _, err := l.Rent(testBob, id, 3600, big.NewInt(required-1)); !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}
	if _, err := l.Rent(testBob, id, 3600, big.NewInt(required+1)); !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch on overpayment, got %v", err)
	}

	lease, err := l.Rent(testBob, id, 3600, big.NewInt(required))
	if err != nil {
		t.Fatalf("rent: %v", err)
	}
	if lease.ExpiresAt != now.Unix()+3600 {
		t.Fatalf("unexpected expiry: got %d want %d", lease.ExpiresAt, now.Unix()+3600)
	}
	if earned := l.Earnings(testAlice); earned.Int64() != required {
		t.Fatalf("unexpected beneficiary earnings: %s", earned)
	}
}

func TestLeaseExpiryBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLedger(t, &now)

	id, _ := l.MintAsset(testIssuer, testAlice)
	if err := l.SetPrice(testAlice, id, big.NewInt(1)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	start := now
	if _, err := l.Rent(testBob, id, 3600, big.NewInt(3600)); err != nil {
		t.Fatalf("rent: %v", err)
	}

	now = start.Add(3599 * time.Second)
	if !l.IsRentalActive(id, testBob) {
		t.Fatalf("lease should be active one second before expiry")
	}
	// 到期时刻本身已失效。
	now = start.Add(3600 * time.Second)
	if l.IsRentalActive(id, testBob) {
		t.Fatalf("lease should be inactive exactly at expiry")
	}
	now = start.Add(3601 * time.Second)
	if l.IsRentalActive(id, testBob) {
		t.Fatalf("lease should be inactive after expiry")
	}
	if l.IsRentalActive(id, testAlice) {
		t.Fatalf("lease must only be active for the lessee")
	}
}

func TestRentOverwritesActiveLease(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLedger(t, &now)

	id, _ := l.MintAsset(testIssuer, testAlice)
	if err := l.SetPrice(testAlice, id, big.NewInt(2)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := l.Rent(testBob, id, 100, big.NewInt(200)); err != nil {
		t.Fatalf("first rent: %v", err)
	}
	if _, err := l.Rent(testAlice, id, 50, big.NewInt(100)); err != nil {
		t.Fatalf("second rent: %v", err)
	}
	if l.IsRentalActive(id, testBob) {
		t.Fatalf("evicted lessee should no longer be active")
	}
	if !l.IsRentalActive(id, testAlice) {
		t.Fatalf("new lessee should hold the lease")
	}
	if earned := l.Earnings(testAlice); earned.Int64() != 300 {
		t.Fatalf("beneficiary should be paid for both rentals, got %s", earned)
	}
}

func TestPurchaseCreditsFloorsAndRetainsRemainder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLedger(t, &now)

	if _, err := l.PurchaseCredits(testBob, big.NewInt(999)); !errors.Is(err, ErrPaymentTooLow) {
		t.Fatalf("expected ErrPaymentTooLow, got %v", err)
	}

	balance, err := l.PurchaseCredits(testBob, big.NewInt(2500))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if balance.Int64() != 2 {
		t.Fatalf("expected 2 credits, got %s", balance)
	}

	withdrawn, err := l.Withdraw(testOwner)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// 留存包含 500 wei 的购买余数。
	if withdrawn.Int64() != 2500 {
		t.Fatalf("expected full retained balance 2500, got %s", withdrawn)
	}
	if again, err := l.Withdraw(testOwner); err != nil || again.Sign() != 0 {
		t.Fatalf("second withdraw should drain nothing: %s %v", again, err)
	}
}

func TestWithdrawRequiresOwner(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLedger(t, &now)
	if _, err := l.Withdraw(testOperator); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSpendCreditsNonceReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLedger(t, &now)

	if _, err := l.PurchaseCredits(testBob, big.NewInt(1000_000)); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	nonce := common.HexToHash("0x01")
	balance, err := l.SpendCredits(testOperator, testBob, big.NewInt(100), nonce)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if balance.Int64() != 900 {
		t.Fatalf("expected balance 900, got %s", balance)
	}
	if !l.NonceUsed(nonce) {
		t.Fatalf("nonce should be recorded as used")
	}

	// 同一 nonce 不论账户与数量，第二次消费必须失败且不改变余额。
	if _, err := l.SpendCredits(testOperator, testAlice, big.NewInt(1), nonce); !errors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("expected ErrNonceAlreadyUsed, got %v", err)
	}
	if got := l.CreditBalance(testBob); got.Int64() != 900 {
		t.Fatalf("rejected replay must not change balance, got %s", got)
	}
}

func TestSpendCreditsAuthorizationAndBalanceFloor(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLedger(t, &now)

	if _, err := l.PurchaseCredits(testBob, big.NewInt(10_000)); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if _, err := l.SpendCredits(testAlice, testBob, big.NewInt(1), common.HexToHash("0x02")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-operator, got %v", err)
	}

	if _, err := l.SpendCredits(testOperator, testBob, big.NewInt(11), common.HexToHash("0x03")); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := l.CreditBalance(testBob); got.Int64() != 10 {
		t.Fatalf("rejected spend must not change balance, got %s", got)
	}
	// 被拒绝的扣减不得消耗 nonce。
	if l.NonceUsed(common.HexToHash("0x03")) {
		t.Fatalf("nonce of a rejected spend must remain unused")
	}
}

func TestEndToEndRentalAndCredits(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l, err := New(testOwner, testIssuer, testOperator, big.NewInt(1_000_000_000_000_000), WithClock(func() time.Time {
		return now
	}))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	id, err := l.MintAsset(testIssuer, testAlice)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	// 0.0001 ether 每秒。
	pricePerSecond := new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000_000))
	if err := l.SetPrice(testAlice, id, pricePerSecond); err != nil {
		t.Fatalf("set price: %v", err)
	}

	payment := new(big.Int).Mul(pricePerSecond, big.NewInt(3600))
	if _, err := l.Rent(testBob, id, 3600, payment); err != nil {
		t.Fatalf("rent: %v", err)
	}
	if !l.IsRentalActive(id, testBob) {
		t.Fatalf("rental should be active")
	}

	// 1 ether 按 0.001 ether 单价买入 1000 积分。
	oneEther := new(big.Int).Mul(big.NewInt(1), big.NewInt(1_000_000_000_000_000_000))
	balance, err := l.PurchaseCredits(testBob, oneEther)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if balance.Int64() != 1000 {
		t.Fatalf("expected 1000 credits, got %s", balance)
	}

	nonce := common.HexToHash("0xbeef")
	balance, err = l.SpendCredits(testOperator, testBob, big.NewInt(100), nonce)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if balance.Int64() != 900 {
		t.Fatalf("expected 900 credits, got %s", balance)
	}
	if _, err := l.SpendCredits(testOperator, testBob, big.NewInt(100), nonce); !errors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}
