// Package issuer provides the reference bond factory: it mints sequential
// fixed-maturity bonds with a fixed seniority split and performs the
// collateral<->tranche operations against the balance book. The engines only
// ever see it through the domain.Issuer and domain.BondController interfaces.
package issuer

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// Config describes the bond series the issuer mints.
type Config struct {
	Collateral    common.Address
	Ratios        []uint32 // seniority split, most senior first, sums to RatioGranularity
	BondDuration  time.Duration
	IssueInterval time.Duration
}

// Validate checks the ratio split.
func (c Config) Validate() error {
	if len(c.Ratios) == 0 {
		return fmt.Errorf("issuer: at least one tranche ratio required")
	}
	var sum uint32
	for _, r := range c.Ratios {
		sum += r
	}
	if sum != domain.RatioGranularity {
		return fmt.Errorf("issuer: ratios sum to %d, want %d", sum, domain.RatioGranularity)
	}
	if c.BondDuration <= 0 {
		return fmt.Errorf("issuer: bond_duration must be positive")
	}
	return nil
}

// Sequential issues one bond per interval, each maturing BondDuration after
// issue. Bond and tranche token addresses are derived deterministically from
// the issue sequence number.
type Sequential struct {
	mu sync.Mutex

	cfg    Config
	book   domain.TokenBook
	clock  domain.Clock
	logger *slog.Logger

	seq       uint64
	lastIssue time.Time
	bonds     map[common.Address]*domain.BondBatch
	byTranche map[common.Address]common.Address // tranche token -> bond
	last      *domain.BondBatch
}

// New creates a Sequential issuer. A nil clock defaults to time.Now.
func New(cfg Config, bk domain.TokenBook, clock domain.Clock, logger *slog.Logger) (*Sequential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	return &Sequential{
		cfg:       cfg,
		book:      bk,
		clock:     clock,
		logger:    logger.With(slog.String("component", "issuer")),
		bonds:     make(map[common.Address]*domain.BondBatch),
		byTranche: make(map[common.Address]common.Address),
	}, nil
}

func derive(tag string, seq uint64, seniority int) common.Address {
	buf := make([]byte, 0, len(tag)+12)
	buf = append(buf, tag...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	buf = append(buf, b[:]...)
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], uint32(seniority))
	buf = append(buf, s[:]...)
	return common.BytesToAddress(ethcrypto.Keccak256(buf)[12:])
}

// Issue mints the next bond in the series and returns it.
func (s *Sequential) Issue(ctx context.Context) (*domain.BondBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked()
}

// MaybeIssue issues a new bond when the configured interval has elapsed since
// the last issue. Returns the new bond, or nil when it is not yet time.
func (s *Sequential) MaybeIssue(ctx context.Context) (*domain.BondBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && s.clock().Sub(s.lastIssue) < s.cfg.IssueInterval {
		return nil, nil
	}
	return s.issueLocked()
}

func (s *Sequential) issueLocked() (*domain.BondBatch, error) {
	now := s.clock()
	seq := s.seq
	s.seq++

	addr := derive("perpvault/bond/", seq, -1)
	bond := &domain.BondBatch{
		Address:    addr,
		Collateral: s.cfg.Collateral,
		Maturity:   now.Add(s.cfg.BondDuration),
	}
	for i, ratio := range s.cfg.Ratios {
		tok := derive("perpvault/tranche/", seq, i)
		bond.Tranches = append(bond.Tranches, domain.Tranche{
			Token:     tok,
			Bond:      addr,
			Seniority: i,
			Ratio:     ratio,
		})
		s.byTranche[tok] = addr
	}
	s.bonds[addr] = bond
	s.last = bond
	s.lastIssue = now
	s.logger.Info("bond issued",
		slog.Uint64("seq", seq),
		slog.String("bond", addr.Hex()),
		slog.Time("maturity", bond.Maturity),
	)
	return cloneBond(bond), nil
}

// Restore reloads persisted bonds after a restart, in issue order. The
// sequence counter resumes past them so future address derivations do not
// collide with restored bonds.
func (s *Sequential) Restore(bonds []domain.BondBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range bonds {
		b := cloneBond(&bonds[i])
		s.bonds[b.Address] = b
		for _, tr := range b.Tranches {
			s.byTranche[tr.Token] = b.Address
		}
		s.last = b
		s.lastIssue = b.Maturity.Add(-s.cfg.BondDuration)
	}
	if n := uint64(len(bonds)); n > s.seq {
		s.seq = n
	}
}

// LastBond returns the most recently issued bond.
func (s *Sequential) LastBond(ctx context.Context) (*domain.BondBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, nil
	}
	return cloneBond(s.last), nil
}

// IsInstance reports whether the bond came from this issuer.
func (s *Sequential) IsInstance(ctx context.Context, bond common.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bonds[bond]
	return ok, nil
}

// Lookup resolves a bond address.
func (s *Sequential) Lookup(ctx context.Context, bond common.Address) (*domain.BondBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bonds[bond]
	if !ok {
		return nil, fmt.Errorf("issuer: bond %s: %w", bond.Hex(), domain.ErrNotFound)
	}
	return cloneBond(b), nil
}

// TrancheOf resolves a tranche token to its bond and tranche description.
func (s *Sequential) TrancheOf(ctx context.Context, token common.Address) (*domain.BondBatch, domain.Tranche, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bondAddr, ok := s.byTranche[token]
	if !ok {
		return nil, domain.Tranche{}, fmt.Errorf("issuer: tranche %s: %w", token.Hex(), domain.ErrNotFound)
	}
	b := s.bonds[bondAddr]
	tr, _ := b.TrancheByToken(token)
	return cloneBond(b), tr, nil
}

// Split moves collateral from the holder into the bond and mints tranche
// tokens per the seniority ratios. Returns minted amounts, most senior first.
func (s *Sequential) Split(ctx context.Context, bond, holder common.Address, amount *big.Int) ([]domain.AssetAmount, error) {
	s.mu.Lock()
	b, ok := s.bonds[bond]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("issuer: split: bond %s: %w", bond.Hex(), domain.ErrNotFound)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil
	}
	if err := s.book.Transfer(b.Collateral, holder, bond, amount); err != nil {
		return nil, err
	}
	gran := big.NewInt(domain.RatioGranularity)
	out := make([]domain.AssetAmount, 0, len(b.Tranches))
	for _, tr := range b.Tranches {
		amt := new(big.Int).Mul(amount, big.NewInt(int64(tr.Ratio)))
		amt.Quo(amt, gran)
		if err := s.book.Mint(tr.Token, holder, amt); err != nil {
			return nil, err
		}
		out = append(out, domain.AssetAmount{Asset: tr.Token, Amount: amt})
	}
	return out, nil
}

// RedeemMature burns a mature bond's tranche tokens and releases collateral
// one-for-one, capped by the collateral still held by the bond.
func (s *Sequential) RedeemMature(ctx context.Context, bond, tranche, holder common.Address, amount *big.Int) (*big.Int, error) {
	s.mu.Lock()
	b, ok := s.bonds[bond]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("issuer: redeem: bond %s: %w", bond.Hex(), domain.ErrNotFound)
	}
	if _, ok := b.TrancheByToken(tranche); !ok {
		return nil, fmt.Errorf("issuer: redeem: %s not a tranche of %s: %w", tranche.Hex(), bond.Hex(), domain.ErrUnexpectedAsset)
	}
	if !b.IsMature(s.clock()) {
		return nil, fmt.Errorf("issuer: redeem: bond %s not mature: %w", bond.Hex(), domain.ErrUnacceptableRedemption)
	}
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int), nil
	}
	release := new(big.Int).Set(amount)
	if held := s.book.BalanceOf(b.Collateral, bond); held.Cmp(release) < 0 {
		release = held
	}
	if err := s.book.Burn(tranche, holder, amount); err != nil {
		return nil, err
	}
	if err := s.book.Transfer(b.Collateral, bond, holder, release); err != nil {
		return nil, err
	}
	return release, nil
}

func cloneBond(b *domain.BondBatch) *domain.BondBatch {
	cp := *b
	cp.Tranches = append([]domain.Tranche(nil), b.Tranches...)
	return &cp
}

var (
	_ domain.Issuer         = (*Sequential)(nil)
	_ domain.BondController = (*Sequential)(nil)
)
