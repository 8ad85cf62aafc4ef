package config

// Governance captures global governance policy knobs that must be validated
// before applying runtime configuration updates.
type Governance struct {
	QuorumBPS        uint32
	PassThresholdBPS uint32
	VotingPeriodSecs uint64
}

// Slashing defines the allowed window bounds for penalty evaluation.
type Slashing struct {
	MinWindowSecs uint64
	MaxWindowSecs uint64
}

// Mempool controls global transaction admission limits.
type Mempool struct {
	MaxBytes int64
}

// Blocks captures block production limits for transaction counts.
type Blocks struct {
	MaxTxs int64
}

// Quota bounds a single module's request rate and NHB spend over a rolling
// epoch. Mirrors native/common.Quota so config can describe per-module quotas
// without the config package importing native code.
type Quota struct {
	MaxRequestsPerMin uint32
	MaxNHBPerEpoch    uint64
	EpochSeconds      uint32
}

// Pauses flags which native modules are currently halted by governance.
type Pauses struct {
	Lending bool
	Swap    bool
	Escrow  bool
	Trade   bool
	Loyalty bool
	POTSO   bool
	Staking bool
	Council bool
}

// Quotas bundles the per-module request/spend quotas enforced alongside Pauses.
type Quotas struct {
	Lending Quota
	Swap    Quota
	Escrow  Quota
	Trade   Quota
	Loyalty Quota
	POTSO   Quota
}

// Staking captures the reward and bonding parameters for the staking module.
type Staking struct {
	AprBps                uint32
	PayoutPeriodDays      uint32
	UnbondingDays         uint32
	MinStakeWei           string
	MaxEmissionPerYearWei string
	RewardAsset           string
	CompoundDefault       bool
}

// FeeAsset overrides the merchant discount rate for a single settlement asset.
type FeeAsset struct {
	Asset          string
	MDRBasisPoints uint32
	OwnerWallet    string
}

// Fees captures the platform's merchant discount rate policy.
type Fees struct {
	FreeTierTxPerMonth uint64
	MDRBasisPoints     uint32
	OwnerWallet        string
	Assets             []FeeAsset
}

// LoyaltyPriceGuard bounds the dynamic loyalty engine's reliance on a spot
// price feed when converting USD-denominated caps into ZNHB.
type LoyaltyPriceGuard struct {
	PricePair          string
	TwapWindowSeconds  uint32
	MaxDeviationBPS    uint32
	PriceMaxAgeSeconds uint32
}

// LoyaltyDynamic describes the dynamic base-reward-rate policy the loyalty
// engine enforces between MinBPS and MaxBPS.
type LoyaltyDynamic struct {
	TargetBPS                   uint32
	MinBPS                      uint32
	MaxBPS                      uint32
	SmoothingStepBPS            uint32
	CoverageMax                 float64
	CoverageLookbackDays        uint32
	DailyCapPctOf7dFees         float64
	DailyCapUSD                 float64
	YearlyCapPctOfInitialSupply float64
	PriceGuard                  LoyaltyPriceGuard
}

// Loyalty bundles the loyalty module's governance-controlled policy.
type Loyalty struct {
	Dynamic LoyaltyDynamic
}

// Global bundles the runtime configuration values enforced by ValidateConfig
// and threaded through governance policy preflight checks.
type Global struct {
	Governance Governance
	Slashing   Slashing
	Mempool    Mempool
	Blocks     Blocks
	Pauses     Pauses
	Quotas     Quotas
	Staking    Staking
	Fees       Fees
	Loyalty    Loyalty
}
