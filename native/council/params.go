package council

import "math/big"

// Params holds the configurable constants read by the election driver.
// Values are loaded by the host (see config.Config.Council) and read-only
// during a block; the engine never mutates them except through the
// privileged set_desired_seats / set_presentation_duration / set_term_duration
// dispatch operations.
type Params struct {
	CandidacyBond        *big.Int
	VotingBond           *big.Int
	PresentSlashPerVoter *big.Int
	CarryCount           uint32
	PresentationDuration uint64
	VotingPeriod         uint64
	TermDuration         uint64
	InactivityGrace      uint64
	DesiredSeats         uint32
	DecayRatio           uint64
}

// DefaultParams mirrors the scenario constants used by spec.md's S1-S6
// walkthroughs; hosts override these via config at genesis.
func DefaultParams() Params {
	return Params{
		CandidacyBond:        big.NewInt(3),
		VotingBond:           big.NewInt(2),
		PresentSlashPerVoter: big.NewInt(1),
		CarryCount:           2,
		PresentationDuration: 2,
		VotingPeriod:         4,
		TermDuration:         5,
		InactivityGrace:      1,
		DesiredSeats:         2,
		DecayRatio:           24,
	}
}

// Clone returns a deep copy of p, safe to store or mutate independently.
func (p Params) Clone() Params {
	return p.clone()
}

func (p Params) clone() Params {
	clone := p
	clone.CandidacyBond = cloneBig(p.CandidacyBond)
	clone.VotingBond = cloneBig(p.VotingBond)
	clone.PresentSlashPerVoter = cloneBig(p.PresentSlashPerVoter)
	return clone
}
