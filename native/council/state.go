package council

import "math/big"

// State is the persistence contract the engine depends on. The concrete
// implementation lives in core/state (Manager), backed by the node's trie,
// mirroring native/governance's proposalState interface.
type State interface {
	VoteIndex() (uint64, error)
	SetVoteIndex(uint64) error

	Approvals(account [20]byte) ([]bool, bool, error)
	SetApprovals(account [20]byte, votes []bool) error
	DeleteApprovals(account [20]byte) error

	CandidateReg(account [20]byte) (*CandidateReg, bool, error)
	SetCandidateReg(account [20]byte, reg *CandidateReg) error
	DeleteCandidateReg(account [20]byte) error

	Activity(account [20]byte) (*Activity, bool, error)
	SetActivity(account [20]byte, activity *Activity) error
	DeleteActivity(account [20]byte) error

	OffsetPot(account [20]byte) (*big.Int, bool, error)
	SetOffsetPot(account [20]byte, amount *big.Int) error
	DeleteOffsetPot(account [20]byte) error

	Voters() ([]VoterEntry, error)
	SetVoters([]VoterEntry) error

	Candidates() ([][20]byte, error)
	SetCandidates([][20]byte) error
	CandidateCount() (uint64, error)
	SetCandidateCount(uint64) error

	ActiveCouncil() ([]CouncilMember, error)
	SetActiveCouncil([]CouncilMember) error

	NextFinalize() (*NextFinalize, bool, error)
	SetNextFinalize(*NextFinalize) error
	ClearNextFinalize() error

	Leaderboard() ([]LeaderboardEntry, bool, error)
	SetLeaderboard([]LeaderboardEntry) error
	ClearLeaderboard() error
}
