package state

import (
	"fmt"
	"math/big"

	"councilchain/native/council"
)

// CouncilCurrency adapts Manager's account and reserve bookkeeping to
// native/council.Currency, mirroring the reserve/unreserve shape of
// GovernanceEscrowLock/Unlock and the full-balance lock convention used by
// the potso stake module.
type CouncilCurrency struct {
	m *Manager
}

// CouncilCurrency returns the currency capability adapter for this manager.
func (m *Manager) CouncilCurrency() *CouncilCurrency {
	return &CouncilCurrency{m: m}
}

func (c *CouncilCurrency) reservedBalance(addr []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := c.m.KVGet(councilReservedKey(addr), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (c *CouncilCurrency) setReservedBalance(addr []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return c.m.KVPut(councilReservedKey(addr), amount)
}

func (c *CouncilCurrency) Reserve(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	account, err := c.m.GetAccount(addr[:])
	if err != nil {
		return err
	}
	free := account.BalanceZNHB
	if free == nil {
		free = big.NewInt(0)
	}
	if free.Cmp(amount) < 0 {
		return fmt.Errorf("council: insufficient free balance to reserve")
	}
	account.BalanceZNHB = new(big.Int).Sub(free, amount)
	if err := c.m.PutAccount(addr[:], account); err != nil {
		return err
	}
	reserved, err := c.reservedBalance(addr[:])
	if err != nil {
		return err
	}
	return c.setReservedBalance(addr[:], new(big.Int).Add(reserved, amount))
}

func (c *CouncilCurrency) Unreserve(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	reserved, err := c.reservedBalance(addr[:])
	if err != nil {
		return err
	}
	if reserved.Cmp(amount) < 0 {
		amount = reserved
	}
	if err := c.setReservedBalance(addr[:], new(big.Int).Sub(reserved, amount)); err != nil {
		return err
	}
	account, err := c.m.GetAccount(addr[:])
	if err != nil {
		return err
	}
	free := account.BalanceZNHB
	if free == nil {
		free = big.NewInt(0)
	}
	account.BalanceZNHB = new(big.Int).Add(free, amount)
	return c.m.PutAccount(addr[:], account)
}

// Slash burns amount directly from addr's free balance to the named sink.
// The sink is an accounting label only; slashed funds leave total supply.
func (c *CouncilCurrency) Slash(addr [20]byte, amount *big.Int, sink string) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	account, err := c.m.GetAccount(addr[:])
	if err != nil {
		return err
	}
	free := account.BalanceZNHB
	if free == nil {
		free = big.NewInt(0)
	}
	if free.Cmp(amount) < 0 {
		amount = free
	}
	account.BalanceZNHB = new(big.Int).Sub(free, amount)
	_ = sink
	return c.m.PutAccount(addr[:], account)
}

// SlashReserved burns up to amount from addr's reserved bucket, returning the
// amount actually slashed.
func (c *CouncilCurrency) SlashReserved(addr [20]byte, amount *big.Int, sink string) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	reserved, err := c.reservedBalance(addr[:])
	if err != nil {
		return nil, err
	}
	actual := new(big.Int).Set(amount)
	if reserved.Cmp(actual) < 0 {
		actual = reserved
	}
	if err := c.setReservedBalance(addr[:], new(big.Int).Sub(reserved, actual)); err != nil {
		return nil, err
	}
	_ = sink
	return actual, nil
}

// RepatriateReserved moves up to amount from from's reserved bucket into to's
// free balance, returning the amount actually moved.
func (c *CouncilCurrency) RepatriateReserved(from, to [20]byte, amount *big.Int, sink string) (*big.Int, error) {
	actual, err := c.SlashReserved(from, amount, sink)
	if err != nil {
		return nil, err
	}
	if actual.Sign() <= 0 {
		return actual, nil
	}
	account, err := c.m.GetAccount(to[:])
	if err != nil {
		return nil, err
	}
	free := account.BalanceZNHB
	if free == nil {
		free = big.NewInt(0)
	}
	account.BalanceZNHB = new(big.Int).Add(free, actual)
	if err := c.m.PutAccount(to[:], account); err != nil {
		return nil, err
	}
	return actual, nil
}

// TotalBalance reports addr's free balance plus anything it currently holds
// reserved against council bonds.
func (c *CouncilCurrency) TotalBalance(addr [20]byte) (*big.Int, error) {
	account, err := c.m.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	free := account.BalanceZNHB
	if free == nil {
		free = big.NewInt(0)
	}
	reserved, err := c.reservedBalance(addr[:])
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(free, reserved), nil
}

func (c *CouncilCurrency) CanSlash(addr [20]byte, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return true, nil
	}
	account, err := c.m.GetAccount(addr[:])
	if err != nil {
		return false, err
	}
	free := account.BalanceZNHB
	if free == nil {
		free = big.NewInt(0)
	}
	return free.Cmp(amount) >= 0, nil
}

func (c *CouncilCurrency) SetLock(id [8]byte, addr [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return c.m.KVPut(councilLockKey(id, addr[:]), amount)
}

func (c *CouncilCurrency) RemoveLock(id [8]byte, addr [20]byte) error {
	return c.m.KVDelete(councilLockKey(id, addr[:]))
}

var _ council.Currency = (*CouncilCurrency)(nil)
