package council

import (
	"fmt"
	"math/big"
	"sort"

	"councilchain/core/events"
	"councilchain/core/types"
	"councilchain/native/common"
)

// ModuleName identifies this module to the host's module-pause registry.
const ModuleName = "council"

// Engine orchestrates approval bookkeeping, the two-phase tally, and decay
// accumulation described by the council election pallet.
type Engine struct {
	state    State
	currency Currency
	proxy    ProxyLookup
	emitter  events.Emitter
	pause    common.PauseView
	admin    func(addr [20]byte) bool
	params   Params
}

// NewEngine constructs a council engine with default parameters and no-op
// dependencies; SetState/SetCurrency must be called before dispatch.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		params:  DefaultParams(),
	}
}

func (e *Engine) SetState(state State)          { e.state = state }
func (e *Engine) SetCurrency(currency Currency) { e.currency = currency }
func (e *Engine) SetProxyLookup(proxy ProxyLookup) { e.proxy = proxy }
func (e *Engine) SetPauseView(pause common.PauseView) { e.pause = pause }

// SetAdminCheck registers the predicate used to authorise the privileged
// set_desired_seats / set_presentation_duration / set_term_duration /
// remove_member operations.
func (e *Engine) SetAdminCheck(check func(addr [20]byte) bool) { e.admin = check }

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetParams updates the runtime parameters governing the election. It is the
// host's responsibility to only call this between elections.
func (e *Engine) SetParams(params Params) { e.params = params.clone() }

// Params returns a copy of the currently configured parameters.
func (e *Engine) Params() Params { return e.params.clone() }

type councilEvent struct {
	evt *types.Event
}

func (c councilEvent) EventType() string {
	if c.evt == nil {
		return ""
	}
	return c.evt.Type
}

func (c councilEvent) Event() *types.Event { return c.evt }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(councilEvent{evt: event})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errStateNotConfigured
	}
	if e.currency == nil {
		return errCurrencyNotConfigured
	}
	return nil
}

func (e *Engine) guard() error {
	if err := e.ready(); err != nil {
		return err
	}
	return common.Guard(e.pause, ModuleName)
}

func (e *Engine) presentationActive() (bool, *NextFinalize, error) {
	nf, ok, err := e.state.NextFinalize()
	if err != nil {
		return false, nil, err
	}
	return ok, nf, nil
}

// ---------------------------------------------------------------------
// C2 Candidate registry
// ---------------------------------------------------------------------

// SubmitCandidacy registers who as a candidate at the requested slot,
// refilling a hole or strictly appending when the sequence has none.
func (e *Engine) SubmitCandidacy(who [20]byte, slot uint32) error {
	if err := e.guard(); err != nil {
		return err
	}
	if _, ok, err := e.state.CandidateReg(who); err != nil {
		return err
	} else if ok {
		return ErrDuplicateCandidacy
	}

	candidates, err := e.state.Candidates()
	if err != nil {
		return err
	}
	count, err := e.state.CandidateCount()
	if err != nil {
		return err
	}

	appending := uint64(slot) == uint64(len(candidates)) && uint64(slot) == count
	refillsHole := int(slot) < len(candidates) && isSentinel(candidates[slot])
	if !appending && !refillsHole {
		return ErrInvalidSlot
	}

	if err := e.currency.Reserve(who, e.params.CandidacyBond); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}

	voteIndex, err := e.state.VoteIndex()
	if err != nil {
		return err
	}
	if appending {
		candidates = append(candidates, who)
	} else {
		candidates[slot] = who
	}
	if err := e.state.SetCandidates(candidates); err != nil {
		return err
	}
	if err := e.state.SetCandidateCount(count + 1); err != nil {
		return err
	}
	return e.state.SetCandidateReg(who, &CandidateReg{RegisteredAtVoteIndex: voteIndex, Slot: slot})
}

// ---------------------------------------------------------------------
// C3 Voter book
// ---------------------------------------------------------------------

func findVoter(voters []VoterEntry, who [20]byte) int {
	for i := range voters {
		if voters[i].Account == who {
			return i
		}
	}
	return -1
}

// SetApprovals records who's approval vector against the currently
// registered candidate slots.
func (e *Engine) SetApprovals(who [20]byte, votes []bool, assumedVoteIndex uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if active, _, err := e.presentationActive(); err != nil {
		return err
	} else if active {
		return ErrPresentationActive
	}
	voteIndex, err := e.state.VoteIndex()
	if err != nil {
		return err
	}
	if assumedVoteIndex != voteIndex {
		return ErrStaleVoteIndex
	}
	candidates, err := e.state.Candidates()
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return ErrNoCandidates
	}
	if len(votes) > len(candidates) {
		return ErrOversizeApprovals
	}

	voters, err := e.state.Voters()
	if err != nil {
		return err
	}
	idx := findVoter(voters, who)

	var stake *big.Int
	if idx < 0 {
		total, err := e.currency.TotalBalance(who)
		if err != nil {
			return err
		}
		stake = total
		if err := e.currency.Reserve(who, e.params.VotingBond); err != nil {
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		voters = append(voters, VoterEntry{Account: who, SnapshotStake: stake})
	} else {
		activity, ok, err := e.state.Activity(who)
		if err != nil {
			return err
		}
		if ok {
			distance := voteIndex - activity.LastWin
			offset := Offset(voters[idx].SnapshotStake, distance, e.params.DecayRatio)
			pot, _, err := e.state.OffsetPot(who)
			if err != nil {
				return err
			}
			newPot := new(big.Int).Add(cloneBig(pot), offset)
			if err := e.state.SetOffsetPot(who, newPot); err != nil {
				return err
			}
		}
		total, err := e.currency.TotalBalance(who)
		if err != nil {
			return err
		}
		stake = total
		voters[idx].SnapshotStake = stake
	}
	if err := e.currency.SetLock(lockID, who, stake); err != nil {
		return err
	}
	if err := e.state.SetVoters(voters); err != nil {
		return err
	}
	if err := e.state.SetActivity(who, &Activity{LastActive: voteIndex, LastWin: voteIndex}); err != nil {
		return err
	}
	return e.state.SetApprovals(who, votes)
}

// ProxySetApprovals resolves the delegate origin to its principal and
// records the approval vector on the principal's behalf.
func (e *Engine) ProxySetApprovals(delegate [20]byte, votes []bool, assumedVoteIndex uint64) error {
	if e.proxy == nil {
		return ErrNotAProxy
	}
	principal, ok, err := e.proxy.ProxiedAccount(delegate)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAProxy
	}
	return e.SetApprovals(principal, votes, assumedVoteIndex)
}

// RetractVoter removes the caller from the voter book, returning their bond
// and dropping the balance lock.
func (e *Engine) RetractVoter(who [20]byte, index uint32) error {
	if err := e.guard(); err != nil {
		return err
	}
	if active, _, err := e.presentationActive(); err != nil {
		return err
	} else if active {
		return ErrPresentationActive
	}
	voters, err := e.state.Voters()
	if err != nil {
		return err
	}
	if int(index) >= len(voters) || voters[index].Account != who {
		return ErrVoterIndexMismatch
	}
	voters = swapRemoveVoter(voters, index)
	if err := e.state.SetVoters(voters); err != nil {
		return err
	}
	if err := e.currency.Unreserve(who, e.params.VotingBond); err != nil {
		return err
	}
	if err := e.currency.RemoveLock(lockID, who); err != nil {
		return err
	}
	if err := e.state.DeleteApprovals(who); err != nil {
		return err
	}
	if err := e.state.DeleteActivity(who); err != nil {
		return err
	}
	return e.state.DeleteOffsetPot(who)
}

func swapRemoveVoter(voters []VoterEntry, index uint32) []VoterEntry {
	last := len(voters) - 1
	voters[index] = voters[last]
	return voters[:last]
}

// ReapInactiveVoter judges whether target is stale (none of their approved
// slots hold a candidate registered at or before their last activity) and
// removes exactly one of reporter or target accordingly.
func (e *Engine) ReapInactiveVoter(reporter [20]byte, reporterIndex uint32, target [20]byte, targetIndex uint32, assumedVoteIndex uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if active, _, err := e.presentationActive(); err != nil {
		return err
	} else if active {
		return ErrPresentationActive
	}
	voteIndex, err := e.state.VoteIndex()
	if err != nil {
		return err
	}
	if assumedVoteIndex != voteIndex {
		return ErrStaleVoteIndex
	}
	voters, err := e.state.Voters()
	if err != nil {
		return err
	}
	if int(reporterIndex) >= len(voters) || voters[reporterIndex].Account != reporter {
		return ErrVoterIndexMismatch
	}
	if int(targetIndex) >= len(voters) || voters[targetIndex].Account != target {
		return ErrVoterIndexMismatch
	}
	targetActivity, ok, err := e.state.Activity(target)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVoterIndexMismatch
	}
	if assumedVoteIndex <= targetActivity.LastActive+e.params.InactivityGrace {
		return ErrGraceNotElapsed
	}

	stale, err := e.isStale(target, targetActivity)
	if err != nil {
		return err
	}

	if stale {
		if err := e.removeVoterAt(voters, targetIndex, target); err != nil {
			return err
		}
		if _, err := e.currency.RepatriateReserved(target, reporter, e.params.VotingBond, SinkBadReaper); err != nil {
			return err
		}
		if err := e.currency.RemoveLock(lockID, target); err != nil {
			return err
		}
		if err := e.deleteVoterRecords(target); err != nil {
			return err
		}
		e.emit(newVoterReapedEvent(target, reporter))
		return nil
	}

	if err := e.removeVoterAt(voters, reporterIndex, reporter); err != nil {
		return err
	}
	if _, err := e.currency.SlashReserved(reporter, e.params.VotingBond, SinkBadReaper); err != nil {
		return err
	}
	if err := e.currency.RemoveLock(lockID, reporter); err != nil {
		return err
	}
	if err := e.deleteVoterRecords(reporter); err != nil {
		return err
	}
	e.emit(newBadReaperSlashedEvent(reporter))
	return nil
}

func (e *Engine) isStale(target [20]byte, activity *Activity) (bool, error) {
	approvals, ok, err := e.state.Approvals(target)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	candidates, err := e.state.Candidates()
	if err != nil {
		return false, err
	}
	for slot, approved := range approvals {
		if !approved || slot >= len(candidates) {
			continue
		}
		occupant := candidates[slot]
		if isSentinel(occupant) {
			continue
		}
		reg, ok, err := e.state.CandidateReg(occupant)
		if err != nil {
			return false, err
		}
		if ok && reg.RegisteredAtVoteIndex <= activity.LastActive {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) removeVoterAt(voters []VoterEntry, index uint32, expect [20]byte) error {
	if int(index) >= len(voters) || voters[index].Account != expect {
		return ErrVoterIndexMismatch
	}
	return e.state.SetVoters(swapRemoveVoter(voters, index))
}

func (e *Engine) deleteVoterRecords(who [20]byte) error {
	if err := e.state.DeleteApprovals(who); err != nil {
		return err
	}
	if err := e.state.DeleteActivity(who); err != nil {
		return err
	}
	return e.state.DeleteOffsetPot(who)
}

// ---------------------------------------------------------------------
// C6 Presentation leaderboard
// ---------------------------------------------------------------------

// PresentWinner asserts that candidate deserves a leaderboard place with the
// claimed stake-weighted total, slashing the presenter for incorrect claims.
func (e *Engine) PresentWinner(presenter, candidate [20]byte, claimedTotal *big.Int, assumedVoteIndex uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	active, nf, err := e.presentationActive()
	if err != nil {
		return err
	}
	if !active {
		return ErrPresentationNotActive
	}
	voteIndex, err := e.state.VoteIndex()
	if err != nil {
		return err
	}
	if assumedVoteIndex != voteIndex {
		return ErrStaleVoteIndex
	}
	if claimedTotal == nil || claimedTotal.Sign() <= 0 {
		return ErrZeroStake
	}
	leaderboard, ok, err := e.state.Leaderboard()
	if err != nil {
		return err
	}
	if !ok || len(leaderboard) == 0 {
		return ErrPresentationNotActive
	}
	if claimedTotal.Cmp(leaderboard[0].Weight) <= 0 {
		return ErrNotWorthy
	}
	reg, ok, err := e.state.CandidateReg(candidate)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCandidateNotRegistered
	}
	voters, err := e.state.Voters()
	if err != nil {
		return err
	}
	slashAmount := new(big.Int).Mul(e.params.PresentSlashPerVoter, big.NewInt(int64(len(voters))))
	if canSlash, err := e.currency.CanSlash(presenter, slashAmount); err != nil {
		return err
	} else if !canSlash {
		return ErrNotSlashable
	}

	council, err := e.state.ActiveCouncil()
	if err != nil {
		return err
	}
	for _, member := range council {
		if member.Account != candidate {
			continue
		}
		inExpiring := false
		for _, expiring := range nf.ExpiringMembers {
			if expiring.Account == candidate {
				inExpiring = true
				break
			}
		}
		if !inExpiring {
			return ErrDuplicateMember
		}
		break
	}

	actual, err := e.actualTotal(reg, voters, voteIndex)
	if err != nil {
		return err
	}

	alreadyPresent := false
	for _, entry := range leaderboard {
		if entry.Account == candidate {
			alreadyPresent = true
			break
		}
	}

	if claimedTotal.Cmp(actual) == 0 && !alreadyPresent {
		leaderboard[0] = LeaderboardEntry{Weight: new(big.Int).Set(claimedTotal), Account: candidate}
		sort.Slice(leaderboard, func(i, j int) bool { return leaderboard[i].Weight.Cmp(leaderboard[j].Weight) < 0 })
		return e.state.SetLeaderboard(leaderboard)
	}

	if err := e.currency.Slash(presenter, slashAmount, SinkBadPresentation); err != nil {
		return err
	}
	if alreadyPresent {
		return ErrDuplicatePresentation
	}
	return ErrIncorrectTotal
}

func (e *Engine) actualTotal(reg *CandidateReg, voters []VoterEntry, voteIndex uint64) (*big.Int, error) {
	total := big.NewInt(0)
	for _, v := range voters {
		approvals, ok, err := e.state.Approvals(v.Account)
		if err != nil {
			return nil, err
		}
		if !ok || int(reg.Slot) >= len(approvals) || !approvals[reg.Slot] {
			continue
		}
		activity, ok, err := e.state.Activity(v.Account)
		if err != nil {
			return nil, err
		}
		if !ok || activity.LastActive < reg.RegisteredAtVoteIndex {
			continue
		}
		pot, _, err := e.state.OffsetPot(v.Account)
		if err != nil {
			return nil, err
		}
		distance := voteIndex - activity.LastWin
		weight := EffectiveWeight(v.SnapshotStake, distance, e.params.DecayRatio, pot)
		total.Add(total, weight)
	}
	return total, nil
}

// ---------------------------------------------------------------------
// C5 Election driver
// ---------------------------------------------------------------------

// Tick runs the per-block finalization hook: it opens a tally when due and
// closes a presentation phase reaching its scheduled finalize height.
func (e *Engine) Tick(n uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.params.VotingPeriod != 0 && n%e.params.VotingPeriod == 0 {
		if scheduled, ok, err := e.nextTally(n); err != nil {
			return err
		} else if ok && scheduled == n {
			if err := e.startTally(n); err != nil {
				return err
			}
		}
	}
	nf, ok, err := e.state.NextFinalize()
	if err != nil {
		return err
	}
	if ok && nf.FinalizeBlock == n {
		return e.finalizeTally(n)
	}
	return nil
}

func ceilToMultiple(x, v uint64) uint64 {
	if v == 0 {
		return x
	}
	return ((x + v - 1) / v) * v
}

func (e *Engine) nextTally(n uint64) (uint64, bool, error) {
	if e.params.DesiredSeats == 0 {
		return 0, false, nil
	}
	council, err := e.state.ActiveCouncil()
	if err != nil {
		return 0, false, err
	}
	nf, hasNF, err := e.state.NextFinalize()
	if err != nil {
		return 0, false, err
	}

	var base, count, coming uint64
	if hasNF {
		base = nf.FinalizeBlock
		coming = uint64(nf.EmptySeats)
		count = uint64(len(council)) - uint64(len(nf.ExpiringMembers)) + coming
	} else {
		base = n
		count = uint64(len(council))
		coming = 0
	}

	desired := uint64(e.params.DesiredSeats)
	var target uint64
	switch {
	case count < desired:
		target = base
	case desired <= coming:
		target = base + e.params.TermDuration
	default:
		idx := uint64(len(council)) - (desired - coming)
		if idx >= uint64(len(council)) {
			target = base
		} else {
			target = council[idx].Expiry
		}
	}
	return ceilToMultiple(target, e.params.VotingPeriod), true, nil
}

func (e *Engine) startTally(n uint64) error {
	council, err := e.state.ActiveCouncil()
	if err != nil {
		return err
	}
	var expiring, retainers []CouncilMember
	for _, m := range council {
		if m.Expiry <= n {
			expiring = append(expiring, m)
		} else {
			retainers = append(retainers, m)
		}
	}
	var emptySeats uint32
	if uint32(len(retainers)) < e.params.DesiredSeats {
		emptySeats = e.params.DesiredSeats - uint32(len(retainers))
	}
	if emptySeats == 0 {
		return nil
	}
	leaderboard := make([]LeaderboardEntry, int(emptySeats)+int(e.params.CarryCount))
	for i := range leaderboard {
		leaderboard[i] = LeaderboardEntry{Weight: big.NewInt(0), Account: SentinelAccount}
	}
	nf := &NextFinalize{
		FinalizeBlock:   n + e.params.PresentationDuration,
		EmptySeats:      emptySeats,
		ExpiringMembers: expiring,
	}
	if err := e.state.SetNextFinalize(nf); err != nil {
		return err
	}
	if err := e.state.SetLeaderboard(leaderboard); err != nil {
		return err
	}
	e.emit(newTallyStartedEvent(emptySeats))
	return nil
}

func (e *Engine) finalizeTally(n uint64) error {
	nf, ok, err := e.state.NextFinalize()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	leaderboard, ok, err := e.state.Leaderboard()
	if err != nil {
		return err
	}
	if !ok {
		leaderboard = nil
	}
	voteIndex, err := e.state.VoteIndex()
	if err != nil {
		return err
	}

	var real []LeaderboardEntry
	for i := len(leaderboard) - 1; i >= 0; i-- {
		entry := leaderboard[i]
		if entry.Weight == nil || entry.Weight.Sign() <= 0 || isSentinel(entry.Account) {
			continue
		}
		real = append(real, entry)
	}

	emptySeats := int(nf.EmptySeats)
	var incoming, runnersUp []LeaderboardEntry
	if len(real) <= emptySeats {
		incoming = real
	} else {
		incoming = real[:emptySeats]
		remaining := real[emptySeats:]
		if carry := int(e.params.CarryCount); len(remaining) > carry {
			remaining = remaining[:carry]
		}
		runnersUp = remaining
	}

	for _, w := range incoming {
		if err := e.currency.Unreserve(w.Account, e.params.CandidacyBond); err != nil {
			return err
		}
	}

	candidates, err := e.state.Candidates()
	if err != nil {
		return err
	}
	voters, err := e.state.Voters()
	if err != nil {
		return err
	}
	for _, w := range incoming {
		reg, ok, err := e.state.CandidateReg(w.Account)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, v := range voters {
			approvals, ok, err := e.state.Approvals(v.Account)
			if err != nil {
				return err
			}
			if !ok || int(reg.Slot) >= len(approvals) || !approvals[reg.Slot] {
				continue
			}
			activity, ok, err := e.state.Activity(v.Account)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			activity.LastWin = voteIndex + 1
			if err := e.state.SetActivity(v.Account, activity); err != nil {
				return err
			}
			if err := e.state.DeleteOffsetPot(v.Account); err != nil {
				return err
			}
		}
	}

	council, err := e.state.ActiveCouncil()
	if err != nil {
		return err
	}
	numExpiring := len(nf.ExpiringMembers)
	if numExpiring > len(council) {
		numExpiring = len(council)
	}
	outgoing := append([]CouncilMember(nil), council[:numExpiring]...)
	retainers := append([]CouncilMember(nil), council[numExpiring:]...)

	newCouncil := retainers
	for _, w := range incoming {
		newCouncil = append(newCouncil, CouncilMember{Account: w.Account, Expiry: n + e.params.TermDuration})
	}
	sort.Slice(newCouncil, func(i, j int) bool { return newCouncil[i].Expiry < newCouncil[j].Expiry })
	if err := e.state.SetActiveCouncil(newCouncil); err != nil {
		return err
	}

	if err := e.rebuildCandidates(candidates, incoming, runnersUp); err != nil {
		return err
	}

	if err := e.state.ClearNextFinalize(); err != nil {
		return err
	}
	if err := e.state.ClearLeaderboard(); err != nil {
		return err
	}

	incomingAccounts := make([][20]byte, len(incoming))
	for i, w := range incoming {
		incomingAccounts[i] = w.Account
	}
	outgoingAccounts := make([][20]byte, len(outgoing))
	for i, m := range outgoing {
		outgoingAccounts[i] = m.Account
	}
	e.emit(newTallyFinalizedEvent(incomingAccounts, outgoingAccounts))

	return e.state.SetVoteIndex(voteIndex + 1)
}

func (e *Engine) rebuildCandidates(oldCandidates [][20]byte, incoming, runnersUp []LeaderboardEntry) error {
	newCandidates := make([][20]byte, len(oldCandidates))
	for i := range newCandidates {
		newCandidates[i] = SentinelAccount
	}

	keep := make(map[[20]byte]bool, len(runnersUp))
	var candidateCount uint64
	for _, r := range runnersUp {
		reg, ok, err := e.state.CandidateReg(r.Account)
		if err != nil {
			return err
		}
		if !ok || int(reg.Slot) >= len(newCandidates) {
			continue
		}
		newCandidates[reg.Slot] = r.Account
		candidateCount++
		keep[r.Account] = true
	}

	won := make(map[[20]byte]bool, len(incoming))
	for _, w := range incoming {
		won[w.Account] = true
	}

	for _, acc := range oldCandidates {
		if isSentinel(acc) || keep[acc] {
			continue
		}
		if err := e.state.DeleteCandidateReg(acc); err != nil {
			return err
		}
		if won[acc] {
			continue
		}
		if _, err := e.currency.SlashReserved(acc, e.params.CandidacyBond, SinkCandidacyBurn); err != nil {
			return err
		}
	}

	for len(newCandidates) > 0 && isSentinel(newCandidates[len(newCandidates)-1]) {
		newCandidates = newCandidates[:len(newCandidates)-1]
	}
	if err := e.state.SetCandidates(newCandidates); err != nil {
		return err
	}
	return e.state.SetCandidateCount(candidateCount)
}

// ---------------------------------------------------------------------
// C7 Privileged dispatch surface
// ---------------------------------------------------------------------

func (e *Engine) requireAdmin(who [20]byte) error {
	if e.admin == nil || !e.admin(who) {
		return fmt.Errorf("council: %x is not authorised for this operation", who)
	}
	return nil
}

// SetDesiredSeats updates the target committee size.
func (e *Engine) SetDesiredSeats(who [20]byte, count uint32) error {
	if err := e.requireAdmin(who); err != nil {
		return err
	}
	e.params.DesiredSeats = count
	return nil
}

// SetPresentationDuration updates the presentation window length in blocks.
func (e *Engine) SetPresentationDuration(who [20]byte, blocks uint64) error {
	if err := e.requireAdmin(who); err != nil {
		return err
	}
	e.params.PresentationDuration = blocks
	return nil
}

// SetTermDuration updates the council seat term length in blocks.
func (e *Engine) SetTermDuration(who [20]byte, blocks uint64) error {
	if err := e.requireAdmin(who); err != nil {
		return err
	}
	e.params.TermDuration = blocks
	return nil
}

// RemoveMember evicts an account from the active council outside the normal
// election cycle, without compensation.
func (e *Engine) RemoveMember(who [20]byte, target [20]byte) error {
	if err := e.requireAdmin(who); err != nil {
		return err
	}
	if err := e.ready(); err != nil {
		return err
	}
	council, err := e.state.ActiveCouncil()
	if err != nil {
		return err
	}
	filtered := make([]CouncilMember, 0, len(council))
	for _, m := range council {
		if m.Account != target {
			filtered = append(filtered, m)
		}
	}
	return e.state.SetActiveCouncil(filtered)
}
