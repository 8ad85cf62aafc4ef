package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"councilchain/native/council"
)

func TestLoadCreatesDefaultConfigWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":6001" {
		t.Fatalf("ListenAddress = %q, want :6001", cfg.ListenAddress)
	}
	if cfg.RPCAddress != ":8080" {
		t.Fatalf("RPCAddress = %q, want :8080", cfg.RPCAddress)
	}
	if cfg.ValidatorKey == "" {
		t.Fatalf("expected a generated validator key")
	}
	if cfg.Council.DesiredSeats != 2 {
		t.Fatalf("Council.DesiredSeats = %d, want 2", cfg.Council.DesiredSeats)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
}

func TestLoadRoundTripsPersistedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	first, err := Load(path)
	if err != nil {
		t.Fatalf("Load (create): %v", err)
	}

	second, err := Load(path)
	if err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	if second.ValidatorKey != first.ValidatorKey {
		t.Fatalf("reloaded ValidatorKey = %q, want %q", second.ValidatorKey, first.ValidatorKey)
	}
	if second.DataDir != first.DataDir {
		t.Fatalf("reloaded DataDir = %q, want %q", second.DataDir, first.DataDir)
	}
}

func TestLoadBackfillsMissingCouncilSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = ":6001"
RPCAddress = ":8080"
DataDir = "./data"
ValidatorKey = "aabbcc"
BootstrapPeers = []
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Council.DesiredSeats != 2 {
		t.Fatalf("backfilled Council.DesiredSeats = %d, want 2 (default)", cfg.Council.DesiredSeats)
	}
	if cfg.Council.CandidacyBondWei != "3" {
		t.Fatalf("backfilled Council.CandidacyBondWei = %q, want \"3\"", cfg.Council.CandidacyBondWei)
	}
}

func TestCouncilConfigParamsUsesDefaults(t *testing.T) {
	params := defaultCouncilConfig().Params()
	want := council.DefaultParams()
	if params.DesiredSeats != want.DesiredSeats {
		t.Fatalf("DesiredSeats = %d, want %d", params.DesiredSeats, want.DesiredSeats)
	}
	if params.CandidacyBond.Cmp(want.CandidacyBond) != 0 {
		t.Fatalf("CandidacyBond = %s, want %s", params.CandidacyBond, want.CandidacyBond)
	}
	if params.DecayRatio != want.DecayRatio {
		t.Fatalf("DecayRatio = %d, want %d", params.DecayRatio, want.DecayRatio)
	}
}

func TestCouncilConfigParamsAppliesOverrides(t *testing.T) {
	cc := CouncilConfig{
		CandidacyBondWei:           "100",
		VotingBondWei:              "50",
		PresentSlashPerVoterWei:    "5",
		CarryCount:                 3,
		PresentationDurationBlocks: 10,
		VotingPeriodBlocks:         20,
		TermDurationBlocks:         30,
		InactivityGracePeriod:      4,
		DesiredSeats:               7,
		DecayRatio:                 12,
	}
	params := cc.Params()
	if params.DesiredSeats != 7 {
		t.Fatalf("DesiredSeats = %d, want 7", params.DesiredSeats)
	}
	if params.CandidacyBond.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("CandidacyBond = %s, want 100", params.CandidacyBond)
	}
	if params.CarryCount != 3 {
		t.Fatalf("CarryCount = %d, want 3", params.CarryCount)
	}
	if params.DecayRatio != 12 {
		t.Fatalf("DecayRatio = %d, want 12", params.DecayRatio)
	}
}

func TestCouncilConfigParamsFallsBackOnMalformedAmounts(t *testing.T) {
	cc := defaultCouncilConfig()
	cc.CandidacyBondWei = "not-a-number"
	params := cc.Params()
	want := council.DefaultParams()
	if params.CandidacyBond.Cmp(want.CandidacyBond) != 0 {
		t.Fatalf("CandidacyBond = %s, want fallback %s", params.CandidacyBond, want.CandidacyBond)
	}
}

func TestValidateConfigRejectsQuorumBelowThreshold(t *testing.T) {
	g := Global{
		Governance: Governance{QuorumBPS: 4000, PassThresholdBPS: 5000, VotingPeriodSecs: MinVotingPeriodSeconds},
		Slashing:   Slashing{MinWindowSecs: 60, MaxWindowSecs: 600},
		Mempool:    Mempool{MaxBytes: 1024},
		Blocks:     Blocks{MaxTxs: 64},
	}
	if err := ValidateConfig(g); err == nil {
		t.Fatalf("expected rejection when quorum is below pass threshold")
	}
}

func TestValidateConfigAcceptsWellFormedGlobal(t *testing.T) {
	g := Global{
		Governance: Governance{QuorumBPS: 6000, PassThresholdBPS: 5000, VotingPeriodSecs: MinVotingPeriodSeconds},
		Slashing:   Slashing{MinWindowSecs: 60, MaxWindowSecs: 600},
		Mempool:    Mempool{MaxBytes: 1024},
		Blocks:     Blocks{MaxTxs: 64},
	}
	if err := ValidateConfig(g); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
