package state

import "fmt"

var (
	councilVoteIndexKey       = []byte("council/voteIndex")
	councilApprovalsPrefix    = []byte("council/approvals/")
	councilCandidateRegPrefix = []byte("council/candidateReg/")
	councilActivityPrefix     = []byte("council/activity/")
	councilOffsetPotPrefix    = []byte("council/offsetPot/")
	councilVotersKey          = []byte("council/voters")
	councilCandidatesKey      = []byte("council/candidates")
	councilCandidateCountKey  = []byte("council/candidateCount")
	councilActiveCouncilKey   = []byte("council/activeCouncil")
	councilNextFinalizeKey    = []byte("council/nextFinalize")
	councilLeaderboardKey     = []byte("council/leaderboard")
	councilReservedPrefix     = []byte("council/reserved/")
	councilLockPrefix         = []byte("council/lock/")
)

func councilReservedKey(addr []byte) []byte {
	return []byte(fmt.Sprintf("%s%x", councilReservedPrefix, addr))
}

func councilLockKey(id [8]byte, addr []byte) []byte {
	return []byte(fmt.Sprintf("%s%x/%x", councilLockPrefix, id, addr))
}

func councilApprovalsKey(addr []byte) []byte {
	return []byte(fmt.Sprintf("%s%x", councilApprovalsPrefix, addr))
}

func councilCandidateRegKey(addr []byte) []byte {
	return []byte(fmt.Sprintf("%s%x", councilCandidateRegPrefix, addr))
}

func councilActivityKey(addr []byte) []byte {
	return []byte(fmt.Sprintf("%s%x", councilActivityPrefix, addr))
}

func councilOffsetPotKey(addr []byte) []byte {
	return []byte(fmt.Sprintf("%s%x", councilOffsetPotPrefix, addr))
}
