package state

import (
	"math/big"

	"councilchain/native/council"
)

// CouncilState adapts Manager to native/council.State, giving the election
// engine a narrow persistence contract over the node's trie.
type CouncilState struct {
	m *Manager
}

// CouncilState returns the council persistence adapter for this manager.
func (m *Manager) CouncilState() *CouncilState {
	return &CouncilState{m: m}
}

func (c *CouncilState) VoteIndex() (uint64, error) {
	var idx uint64
	if _, err := c.m.KVGet(councilVoteIndexKey, &idx); err != nil {
		return 0, err
	}
	return idx, nil
}

func (c *CouncilState) SetVoteIndex(idx uint64) error {
	return c.m.KVPut(councilVoteIndexKey, idx)
}

func (c *CouncilState) Approvals(account [20]byte) ([]bool, bool, error) {
	var votes []bool
	ok, err := c.m.KVGet(councilApprovalsKey(account[:]), &votes)
	if err != nil {
		return nil, false, err
	}
	return votes, ok, nil
}

func (c *CouncilState) SetApprovals(account [20]byte, votes []bool) error {
	return c.m.KVPut(councilApprovalsKey(account[:]), votes)
}

func (c *CouncilState) DeleteApprovals(account [20]byte) error {
	return c.m.KVDelete(councilApprovalsKey(account[:]))
}

func (c *CouncilState) CandidateReg(account [20]byte) (*council.CandidateReg, bool, error) {
	var reg council.CandidateReg
	ok, err := c.m.KVGet(councilCandidateRegKey(account[:]), &reg)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &reg, true, nil
}

func (c *CouncilState) SetCandidateReg(account [20]byte, reg *council.CandidateReg) error {
	return c.m.KVPut(councilCandidateRegKey(account[:]), reg)
}

func (c *CouncilState) DeleteCandidateReg(account [20]byte) error {
	return c.m.KVDelete(councilCandidateRegKey(account[:]))
}

func (c *CouncilState) Activity(account [20]byte) (*council.Activity, bool, error) {
	var activity council.Activity
	ok, err := c.m.KVGet(councilActivityKey(account[:]), &activity)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &activity, true, nil
}

func (c *CouncilState) SetActivity(account [20]byte, activity *council.Activity) error {
	return c.m.KVPut(councilActivityKey(account[:]), activity)
}

func (c *CouncilState) DeleteActivity(account [20]byte) error {
	return c.m.KVDelete(councilActivityKey(account[:]))
}

func (c *CouncilState) OffsetPot(account [20]byte) (*big.Int, bool, error) {
	amount := new(big.Int)
	ok, err := c.m.KVGet(councilOffsetPotKey(account[:]), amount)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return big.NewInt(0), false, nil
	}
	return amount, true, nil
}

func (c *CouncilState) SetOffsetPot(account [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return c.m.KVPut(councilOffsetPotKey(account[:]), amount)
}

func (c *CouncilState) DeleteOffsetPot(account [20]byte) error {
	return c.m.KVDelete(councilOffsetPotKey(account[:]))
}

func (c *CouncilState) Voters() ([]council.VoterEntry, error) {
	var voters []council.VoterEntry
	if _, err := c.m.KVGet(councilVotersKey, &voters); err != nil {
		return nil, err
	}
	return voters, nil
}

func (c *CouncilState) SetVoters(voters []council.VoterEntry) error {
	return c.m.KVPut(councilVotersKey, voters)
}

func (c *CouncilState) Candidates() ([][20]byte, error) {
	var candidates [][20]byte
	if _, err := c.m.KVGet(councilCandidatesKey, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (c *CouncilState) SetCandidates(candidates [][20]byte) error {
	return c.m.KVPut(councilCandidatesKey, candidates)
}

func (c *CouncilState) CandidateCount() (uint64, error) {
	var count uint64
	if _, err := c.m.KVGet(councilCandidateCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *CouncilState) SetCandidateCount(count uint64) error {
	return c.m.KVPut(councilCandidateCountKey, count)
}

func (c *CouncilState) ActiveCouncil() ([]council.CouncilMember, error) {
	var members []council.CouncilMember
	if _, err := c.m.KVGet(councilActiveCouncilKey, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *CouncilState) SetActiveCouncil(members []council.CouncilMember) error {
	return c.m.KVPut(councilActiveCouncilKey, members)
}

func (c *CouncilState) NextFinalize() (*council.NextFinalize, bool, error) {
	var nf council.NextFinalize
	ok, err := c.m.KVGet(councilNextFinalizeKey, &nf)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &nf, true, nil
}

func (c *CouncilState) SetNextFinalize(nf *council.NextFinalize) error {
	return c.m.KVPut(councilNextFinalizeKey, nf)
}

func (c *CouncilState) ClearNextFinalize() error {
	return c.m.KVDelete(councilNextFinalizeKey)
}

func (c *CouncilState) Leaderboard() ([]council.LeaderboardEntry, bool, error) {
	var leaderboard []council.LeaderboardEntry
	ok, err := c.m.KVGet(councilLeaderboardKey, &leaderboard)
	if err != nil {
		return nil, false, err
	}
	return leaderboard, ok, nil
}

func (c *CouncilState) SetLeaderboard(leaderboard []council.LeaderboardEntry) error {
	return c.m.KVPut(councilLeaderboardKey, leaderboard)
}

func (c *CouncilState) ClearLeaderboard() error {
	return c.m.KVDelete(councilLeaderboardKey)
}

var _ council.State = (*CouncilState)(nil)
