// Package council implements the on-chain council seat election pallet: a
// dense slot-indexed candidate registry, an approval-weighted voter book, a
// geometric decay engine, and the two-phase (voting / presentation) election
// driver that rotates the active council.
package council

import "math/big"

// SentinelAccount occupies a hole in the candidate sequence. It is never a
// valid registrable account (the zero address), matching the "default
// account" hole convention of the source pallet.
var SentinelAccount = [20]byte{}

// CandidateReg records where and when an account registered its candidacy.
type CandidateReg struct {
	RegisteredAtVoteIndex uint64
	Slot                  uint32
}

// Activity tracks a voter's last participation and last election win.
//
// LastWin == LastActive's vote index + 1 the block a voter's candidate won;
// LastWin == 0 means the voter has never won.
type Activity struct {
	LastActive uint64
	LastWin    uint64
}

// VoterEntry is one row of the ordered voter book. Position in the owning
// slice is the voter's index, used for O(1) swap-removal.
type VoterEntry struct {
	Account       [20]byte
	SnapshotStake *big.Int
}

// CouncilMember is one seat on the active council, sorted ascending by
// Expiry within ActiveCouncil.
type CouncilMember struct {
	Account [20]byte
	Expiry  uint64
}

// NextFinalize captures the transient state of an in-progress tally.
type NextFinalize struct {
	FinalizeBlock    uint64
	EmptySeats       uint32
	ExpiringMembers  []CouncilMember
}

// LeaderboardEntry is one row of the presentation leaderboard, kept sorted
// ascending by Weight; index 0 is always the replacement target.
type LeaderboardEntry struct {
	Weight  *big.Int
	Account [20]byte
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func isSentinel(account [20]byte) bool {
	return account == SentinelAccount
}
