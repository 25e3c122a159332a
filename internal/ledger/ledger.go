package ledger

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLease-Chain/internal/errors"
)

var (
	// ErrUnauthorized 表示调用方不是操作所要求的特权主体。
	ErrUnauthorized = xerrors.New(CodeLedgerUnauthorized, "caller is not authorized for this ledger operation")
	// ErrAssetNotFound 表示指定的智能体资产不存在。
	ErrAssetNotFound = xerrors.New(CodeLedgerAssetNotFound, "agent asset not found")
	// ErrNotForRent 表示资产未设置租赁价格。
	ErrNotForRent = xerrors.New(CodeLedgerNotForRent, "This agent is not for rent")
	// ErrInsufficientPayment 表示支付金额低于租期所需。
	ErrInsufficientPayment = xerrors.New(CodeLedgerInsufficientPayment, "Insufficient payment for the rental duration")
	// ErrPaymentMismatch 表示支付金额超过租期所需。超付会被整体拒绝而不是找零。
	ErrPaymentMismatch = xerrors.New(CodeLedgerPaymentMismatch, "payment exceeds the required rental amount")
	// ErrPaymentTooLow 表示支付金额不足以购买任何积分。
	ErrPaymentTooLow = xerrors.New(CodeCreditPaymentTooLow, "Payment too low to purchase any credits")
	// ErrNonceAlreadyUsed 表示扣费凭证已被消费过。
	ErrNonceAlreadyUsed = xerrors.New(CodeCreditNonceReused, "X402: Nonce already used")
	// ErrInsufficientCredits 表示账户积分余额不足。
	ErrInsufficientCredits = xerrors.New(CodeCreditInsufficient, "X402: Insufficient credits")
)

const (
	CodeLedgerUnauthorized        xerrors.Code = "LEDGER_UNAUTHORIZED"
	CodeLedgerAssetNotFound       xerrors.Code = "LEDGER_ASSET_NOT_FOUND"
	CodeLedgerNotForRent          xerrors.Code = "LEDGER_NOT_FOR_RENT"
	CodeLedgerInsufficientPayment xerrors.Code = "LEDGER_INSUFFICIENT_PAYMENT"
	CodeLedgerPaymentMismatch     xerrors.Code = "LEDGER_PAYMENT_MISMATCH"
	CodeCreditPaymentTooLow       xerrors.Code = "CREDIT_PAYMENT_TOO_LOW"
	CodeCreditNonceReused         xerrors.Code = "CREDIT_NONCE_REUSED"
	CodeCreditInsufficient        xerrors.Code = "CREDIT_INSUFFICIENT"
)

func init() {
	xerrors.Register(CodeLedgerUnauthorized, xerrors.Attributes{
		Message:   "caller is not authorized for this ledger operation",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLedgerAssetNotFound, xerrors.Attributes{
		Message:   "agent asset not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLedgerNotForRent, xerrors.Attributes{
		Message:   "agent is not for rent",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLedgerInsufficientPayment, xerrors.Attributes{
		Message:   "insufficient payment for the rental duration",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLedgerPaymentMismatch, xerrors.Attributes{
		Message:   "payment exceeds the required rental amount",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCreditPaymentTooLow, xerrors.Attributes{
		Message:   "payment too low to purchase any credits",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCreditNonceReused, xerrors.Attributes{
		Message:   "spend nonce already used",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeCreditInsufficient, xerrors.Attributes{
		Message:   "insufficient credits",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Asset 描述一个可出租的智能体资产。
type Asset struct {
	ID             uint64         `json:"id"`
	Beneficiary    common.Address `json:"beneficiary"`
	PricePerSecond *big.Int       `json:"price_per_second_wei"`
}

// Lease 记录某资产当前的租约。租约不会被显式删除，只会因到期失效或被新租约覆盖。
type Lease struct {
	AssetID   uint64         `json:"asset_id"`
	Lessee    common.Address `json:"lessee"`
	ExpiresAt int64          `json:"expires_at"`
}

// Ledger 持有租赁账本与积分账本的全部状态。
// 出租收入计入受益人的应得款，积分销售收入与购买余数计入账本留存，
// 留存部分只能由账本所有者一次性提走。
type Ledger struct {
	mu sync.Mutex

	owner    common.Address
	issuer   common.Address
	operator common.Address

	creditPrice *big.Int

	nextAssetID uint64
	assets      map[uint64]*Asset
	leases      map[uint64]*Lease

	credits  map[common.Address]*big.Int
	nonces   map[common.Hash]struct{}
	earnings map[common.Address]*big.Int
	retained *big.Int

	now func() time.Time
}

// Option 定义账本的可选配置。
type Option func(*Ledger)

// WithClock 注入时间源，便于测试租约到期边界。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New 构造一个空账本。owner 可提走积分销售留存，issuer 可铸造资产，
// operator 是唯一允许扣减积分的特权身份。
func New(owner, issuer, operator common.Address, creditPrice *big.Int, opts ...Option) (*Ledger, error) {
	if creditPrice == nil || creditPrice.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "积分单价必须为正数")
	}
	l := &Ledger{
		owner:       owner,
		issuer:      issuer,
		operator:    operator,
		creditPrice: new(big.Int).Set(creditPrice),
		nextAssetID: 1,
		assets:      make(map[uint64]*Asset),
		leases:      make(map[uint64]*Lease),
		credits:     make(map[common.Address]*big.Int),
		nonces:      make(map[common.Hash]struct{}),
		earnings:    make(map[common.Address]*big.Int),
		retained:    new(big.Int),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// MintAsset 铸造一个新的智能体资产并返回其编号。仅发行方可调用。
func (l *Ledger) MintAsset(caller, beneficiary common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.issuer {
		return 0, ErrUnauthorized
	}
	id := l.nextAssetID
	l.nextAssetID++
	l.assets[id] = &Asset{ID: id, Beneficiary: beneficiary, PricePerSecond: new(big.Int)}
	return id, nil
}

// SetPrice 设置资产的每秒租金。仅当前受益人可调用；价格不得为负。
func (l *Ledger) SetPrice(caller common.Address, assetID uint64, pricePerSecond *big.Int) error {
	if pricePerSecond == nil || pricePerSecond.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "每秒租金不能为负数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	asset, ok := l.assets[assetID]
	if !ok {
		return ErrAssetNotFound
	}
	if caller != asset.Beneficiary {
		return ErrUnauthorized
	}
	asset.PricePerSecond = new(big.Int).Set(pricePerSecond)
	return nil
}

// Rent 以精确支付租下资产 durationSeconds 秒。
// 要求支付金额恰好等于 price*duration：不足返回 ErrInsufficientPayment，
// 超付返回 ErrPaymentMismatch（拒绝而非找零）。
// 成功时在同一临界区内把租金计入受益人应得款并覆盖租约，
// 即便上一份租约尚未到期也会被覆盖（驱逐者为此付出整段租金）。
func (l *Ledger) Rent(caller common.Address, assetID uint64, durationSeconds int64, payment *big.Int) (*Lease, error) {
	if durationSeconds <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "租期必须为正数")
	}
	if payment == nil || payment.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支付金额不能为负数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	asset, ok := l.assets[assetID]
	if !ok {
		return nil, ErrAssetNotFound
	}
	if asset.PricePerSecond.Sign() == 0 {
		return nil, ErrNotForRent
	}
	required := new(big.Int).Mul(asset.PricePerSecond, big.NewInt(durationSeconds))
	switch payment.Cmp(required) {
	case -1:
		return nil, ErrInsufficientPayment
	case 1:
		return nil, ErrPaymentMismatch
	}

	earned, ok := l.earnings[asset.Beneficiary]
	if !ok {
		earned = new(big.Int)
		l.earnings[asset.Beneficiary] = earned
	}
	earned.Add(earned, required)

	lease := &Lease{
		AssetID:   assetID,
		Lessee:    caller,
		ExpiresAt: l.now().Unix() + durationSeconds,
	}
	l.leases[assetID] = lease
	clone := *lease
	return &clone, nil
}

// IsRentalActive 判断 identity 当前是否持有该资产的有效租约。
// 到期时刻本身视为已失效（now < expiresAt 才算有效）。
func (l *Ledger) IsRentalActive(assetID uint64, identity common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.leases[assetID]
	if !ok {
		return false
	}
	return lease.Lessee == identity && l.now().Unix() < lease.ExpiresAt
}

// ActiveRental 返回资产当前的租约记录，不判断是否到期。
func (l *Ledger) ActiveRental(assetID uint64) (*Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.leases[assetID]
	if !ok {
		return nil, false
	}
	clone := *lease
	return &clone, true
}

// Asset 返回资产信息。
func (l *Ledger) Asset(assetID uint64) (*Asset, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	asset, ok := l.assets[assetID]
	if !ok {
		return nil, false
	}
	clone := *asset
	clone.PricePerSecond = new(big.Int).Set(asset.PricePerSecond)
	return &clone, true
}

// PurchaseCredits 按账本单价购买积分，向下取整，余数归账本留存。
func (l *Ledger) PurchaseCredits(buyer common.Address, payment *big.Int) (*big.Int, error) {
	if payment == nil || payment.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支付金额不能为负数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bought := new(big.Int).Div(payment, l.creditPrice)
	if bought.Sign() == 0 {
		return nil, ErrPaymentTooLow
	}
	balance, ok := l.credits[buyer]
	if !ok {
		balance = new(big.Int)
		l.credits[buyer] = balance
	}
	balance.Add(balance, bought)
	l.retained.Add(l.retained, payment)
	return new(big.Int).Set(balance), nil
}

// SpendCredits 由运营方扣减账户积分，nonce 保证同一授权只被消费一次。
// nonce 检查、余额检查与扣减在同一临界区内完成，被拒绝的调用不产生任何变更。
func (l *Ledger) SpendCredits(caller, account common.Address, amount *big.Int, nonce common.Hash) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "扣减数量必须为正数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.operator {
		return nil, ErrUnauthorized
	}
	if _, used := l.nonces[nonce]; used {
		return nil, ErrNonceAlreadyUsed
	}
	balance, ok := l.credits[account]
	if !ok || balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientCredits
	}
	balance.Sub(balance, amount)
	l.nonces[nonce] = struct{}{}
	return new(big.Int).Set(balance), nil
}

// CreditBalance 返回账户的积分余额。
func (l *Ledger) CreditBalance(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if balance, ok := l.credits[account]; ok {
		return new(big.Int).Set(balance)
	}
	return new(big.Int)
}

// NonceUsed 报告某个扣费凭证是否已被消费。
// 凭证集合只增不减：保留全部历史才能识别任意旧凭证的重放。
func (l *Ledger) NonceUsed(nonce common.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, used := l.nonces[nonce]
	return used
}

// Earnings 返回受益人累计的出租收入。
func (l *Ledger) Earnings(beneficiary common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if earned, ok := l.earnings[beneficiary]; ok {
		return new(big.Int).Set(earned)
	}
	return new(big.Int)
}

// Withdraw 由账本所有者提走全部留存（积分销售收入与购买余数），不支持部分提取。
func (l *Ledger) Withdraw(caller common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.owner {
		return nil, ErrUnauthorized
	}
	withdrawn := l.retained
	l.retained = new(big.Int)
	return withdrawn, nil
}

// Operator 返回允许扣减积分的特权身份。
func (l *Ledger) Operator() common.Address {
	return l.operator
}
