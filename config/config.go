package config

import (
	"encoding/hex"
	"math/big"
	"os"

	"councilchain/crypto"
	"councilchain/native/council"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	RPCAddress     string   `toml:"RPCAddress"`
	DataDir        string   `toml:"DataDir"`
	ValidatorKey   string   `toml:"ValidatorKey"`
	BootstrapPeers []string `toml:"BootstrapPeers"` // THE MISSING FIELD
	Council        CouncilConfig `toml:"Council"`
}

// CouncilConfig holds the genesis defaults for the council election module's
// parameter store (native/council.Params).
type CouncilConfig struct {
	CandidacyBondWei           string `toml:"CandidacyBondWei"`
	VotingBondWei              string `toml:"VotingBondWei"`
	PresentSlashPerVoterWei    string `toml:"PresentSlashPerVoterWei"`
	CarryCount                 uint32 `toml:"CarryCount"`
	PresentationDurationBlocks uint64 `toml:"PresentationDurationBlocks"`
	VotingPeriodBlocks         uint64 `toml:"VotingPeriodBlocks"`
	TermDurationBlocks         uint64 `toml:"TermDurationBlocks"`
	InactivityGracePeriod      uint64 `toml:"InactivityGracePeriod"`
	DesiredSeats               uint32 `toml:"DesiredSeats"`
	DecayRatio                 uint64 `toml:"DecayRatio"`
}

func defaultCouncilConfig() CouncilConfig {
	return CouncilConfig{
		CandidacyBondWei:           "3",
		VotingBondWei:              "2",
		PresentSlashPerVoterWei:    "1",
		CarryCount:                 2,
		PresentationDurationBlocks: 2,
		VotingPeriodBlocks:         4,
		TermDurationBlocks:         5,
		InactivityGracePeriod:      1,
		DesiredSeats:               2,
		DecayRatio:                 24,
	}
}

// Params converts the loaded TOML config into native/council.Params. Malformed
// integer fields fall back to the corresponding DefaultParams() value.
func (c CouncilConfig) Params() council.Params {
	params := council.DefaultParams()
	if v, ok := new(big.Int).SetString(c.CandidacyBondWei, 10); ok {
		params.CandidacyBond = v
	}
	if v, ok := new(big.Int).SetString(c.VotingBondWei, 10); ok {
		params.VotingBond = v
	}
	if v, ok := new(big.Int).SetString(c.PresentSlashPerVoterWei, 10); ok {
		params.PresentSlashPerVoter = v
	}
	if c.CarryCount > 0 {
		params.CarryCount = c.CarryCount
	}
	if c.PresentationDurationBlocks > 0 {
		params.PresentationDuration = c.PresentationDurationBlocks
	}
	if c.VotingPeriodBlocks > 0 {
		params.VotingPeriod = c.VotingPeriodBlocks
	}
	if c.TermDurationBlocks > 0 {
		params.TermDuration = c.TermDurationBlocks
	}
	if c.InactivityGracePeriod > 0 {
		params.InactivityGrace = c.InactivityGracePeriod
	}
	if c.DesiredSeats > 0 {
		params.DesiredSeats = c.DesiredSeats
	}
	if c.DecayRatio > 0 {
		params.DecayRatio = c.DecayRatio
	}
	return params
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.Council.DesiredSeats == 0 {
		cfg.Council = defaultCouncilConfig()
	}

	if cfg.ValidatorKey == "" {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		cfg.ValidatorKey = hex.EncodeToString(key.Bytes())

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, os.ModePerm)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: ":6001",
		RPCAddress:    ":8080",
		DataDir:       "./nhb-data",
		ValidatorKey:  hex.EncodeToString(key.Bytes()),
		// Initialize with an empty list of peers by default.
		BootstrapPeers: []string{},
		Council:        defaultCouncilConfig(),
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
