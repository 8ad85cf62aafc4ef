package core

import (
	"fmt"
	"math/big"

	"councilchain/core/events"
	nhbstate "councilchain/core/state"
	"councilchain/core/types"
	"councilchain/native/council"
)

const roleCouncilAdmin = "ROLE_COUNCIL_ADMIN"
const moduleCouncil = council.ModuleName

func (n *Node) newCouncilEngine(manager *nhbstate.Manager) *council.Engine {
	engine := council.NewEngine()
	engine.SetState(manager.CouncilState())
	engine.SetCurrency(manager.CouncilCurrency())
	engine.SetEmitter(governanceEventEmitter{state: n.state})
	engine.SetPauseView(n)
	engine.SetAdminCheck(func(addr [20]byte) bool { return manager.HasRole(roleCouncilAdmin, addr[:]) })
	engine.SetParams(n.councilParamsSnapshot())
	return engine
}

// councilEngine builds the council engine bound to this block's in-progress
// trie, used by the per-block finalize hook rather than RPC dispatch.
func (sp *StateProcessor) councilEngine() *council.Engine {
	manager := nhbstate.NewManager(sp.Trie)
	engine := council.NewEngine()
	engine.SetState(manager.CouncilState())
	engine.SetCurrency(manager.CouncilCurrency())
	engine.SetEmitter(stateProcessorEventEmitter{sp: sp})
	engine.SetPauseView(sp.pauses)
	engine.SetAdminCheck(func(addr [20]byte) bool { return manager.HasRole(roleCouncilAdmin, addr[:]) })
	engine.SetParams(sp.councilParams.Clone())
	return engine
}

type stateProcessorEventEmitter struct {
	sp *StateProcessor
}

func (e stateProcessorEventEmitter) Emit(evt events.Event) {
	if e.sp == nil || evt == nil {
		return
	}
	type payload interface{ Event() *types.Event }
	if withPayload, ok := evt.(payload); ok {
		if event := withPayload.Event(); event != nil {
			e.sp.AppendEvent(event)
		}
	}
}

// CouncilTick runs the election driver's per-block hook. Failures are logged
// and elided rather than aborting the block: the council tally is a
// best-effort background process, not a consensus-critical transaction.
func (sp *StateProcessor) CouncilTick(height uint64) {
	if err := sp.councilEngine().Tick(height); err != nil {
		fmt.Printf("council: tick at height %d failed: %v\n", height, err)
	}
}

// --- Node-level dispatch surface -----------------------------------------

func (n *Node) CouncilSubmitCandidacy(who [20]byte, slot uint32) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return n.newCouncilEngine(manager).SubmitCandidacy(who, slot)
}

func (n *Node) CouncilSetApprovals(who [20]byte, votes []bool, assumedVoteIndex uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return n.newCouncilEngine(manager).SetApprovals(who, votes, assumedVoteIndex)
}

func (n *Node) CouncilProxySetApprovals(delegate [20]byte, votes []bool, assumedVoteIndex uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return n.newCouncilEngine(manager).ProxySetApprovals(delegate, votes, assumedVoteIndex)
}

func (n *Node) CouncilRetractVoter(who [20]byte, index uint32) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return n.newCouncilEngine(manager).RetractVoter(who, index)
}

func (n *Node) CouncilReapInactiveVoter(reporter [20]byte, reporterIndex uint32, target [20]byte, targetIndex uint32, assumedVoteIndex uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return n.newCouncilEngine(manager).ReapInactiveVoter(reporter, reporterIndex, target, targetIndex, assumedVoteIndex)
}

func (n *Node) CouncilPresentWinner(presenter, candidate [20]byte, claimedTotal *big.Int, assumedVoteIndex uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return n.newCouncilEngine(manager).PresentWinner(presenter, candidate, claimedTotal, assumedVoteIndex)
}

func (n *Node) CouncilSetDesiredSeats(who [20]byte, count uint32) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return n.newCouncilEngine(manager).SetDesiredSeats(who, count)
}

func (n *Node) CouncilSetPresentationDuration(who [20]byte, blocks uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return n.newCouncilEngine(manager).SetPresentationDuration(who, blocks)
}

func (n *Node) CouncilSetTermDuration(who [20]byte, blocks uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return n.newCouncilEngine(manager).SetTermDuration(who, blocks)
}

func (n *Node) CouncilRemoveMember(who, target [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return n.newCouncilEngine(manager).RemoveMember(who, target)
}

// --- Read-only queries, used by rpc/council_handlers.go ---

func (n *Node) CouncilActiveMembers() ([]council.CouncilMember, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return manager.CouncilState().ActiveCouncil()
}

func (n *Node) CouncilCandidates() ([][20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return manager.CouncilState().Candidates()
}

func (n *Node) CouncilLeaderboard() ([]council.LeaderboardEntry, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	return manager.CouncilState().Leaderboard()
}

func (n *Node) CouncilVoter(who [20]byte) (*council.Activity, []bool, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := nhbstate.NewManager(n.state.Trie)
	state := manager.CouncilState()
	activity, ok, err := state.Activity(who)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	votes, _, err := state.Approvals(who)
	if err != nil {
		return nil, nil, false, err
	}
	return activity, votes, true, nil
}
