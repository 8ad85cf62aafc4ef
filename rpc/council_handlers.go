package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"councilchain/crypto"
	"councilchain/native/council"
)

type councilSubmitCandidacyParams struct {
	From string `json:"from"`
	Slot uint32 `json:"slot"`
}

type councilSetApprovalsParams struct {
	From             string `json:"from"`
	Votes            []bool `json:"votes"`
	AssumedVoteIndex uint64 `json:"assumedVoteIndex"`
}

type councilProxySetApprovalsParams struct {
	Delegate         string `json:"delegate"`
	Votes            []bool `json:"votes"`
	AssumedVoteIndex uint64 `json:"assumedVoteIndex"`
}

type councilRetractVoterParams struct {
	From  string `json:"from"`
	Index uint32 `json:"index"`
}

type councilReapInactiveVoterParams struct {
	Reporter         string `json:"reporter"`
	ReporterIndex    uint32 `json:"reporterIndex"`
	Target           string `json:"target"`
	TargetIndex      uint32 `json:"targetIndex"`
	AssumedVoteIndex uint64 `json:"assumedVoteIndex"`
}

type councilPresentWinnerParams struct {
	Presenter        string `json:"presenter"`
	Candidate        string `json:"candidate"`
	ClaimedTotal     string `json:"claimedTotal"`
	AssumedVoteIndex uint64 `json:"assumedVoteIndex"`
}

type councilSetDesiredSeatsParams struct {
	From  string `json:"from"`
	Count uint32 `json:"count"`
}

type councilSetDurationParams struct {
	From   string `json:"from"`
	Blocks uint64 `json:"blocks"`
}

type councilRemoveMemberParams struct {
	From   string `json:"from"`
	Target string `json:"target"`
}

type councilVoterParams struct {
	Account string `json:"account"`
}

type councilAckResponse struct {
	OK bool `json:"ok"`
}

type councilMemberResponse struct {
	Account string `json:"account"`
	Expiry  uint64 `json:"expiry"`
}

type councilLeaderboardEntryResponse struct {
	Account string `json:"account"`
	Weight  string `json:"weight"`
}

type councilLeaderboardResponse struct {
	Active  bool                               `json:"active"`
	Entries []councilLeaderboardEntryResponse `json:"entries"`
}

type councilVoterResponse struct {
	Found      bool   `json:"found"`
	LastActive uint64 `json:"lastActive,omitempty"`
	LastWin    uint64 `json:"lastWin,omitempty"`
	Votes      []bool `json:"votes,omitempty"`
}

func encodeAddress(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.NHBPrefix, addr[:]).String()
}

func decodeOneCouncilParam(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "exactly one parameter object expected"}
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid parameter object", Data: err.Error()}
	}
	return nil
}

func (s *Server) handleCouncilSubmitCandidacy(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuthInto(&r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params councilSubmitCandidacyParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	who, err := decodeBech32(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	if err := s.node.CouncilSubmitCandidacy(who, params.Slot); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, councilAckResponse{OK: true})
}

func (s *Server) handleCouncilSetApprovals(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuthInto(&r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params councilSetApprovalsParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	who, err := decodeBech32(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	if err := s.node.CouncilSetApprovals(who, params.Votes, params.AssumedVoteIndex); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, councilAckResponse{OK: true})
}

func (s *Server) handleCouncilProxySetApprovals(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuthInto(&r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params councilProxySetApprovalsParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	delegate, err := decodeBech32(params.Delegate)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid delegate address", err.Error())
		return
	}
	if err := s.node.CouncilProxySetApprovals(delegate, params.Votes, params.AssumedVoteIndex); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, councilAckResponse{OK: true})
}

func (s *Server) handleCouncilRetractVoter(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuthInto(&r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params councilRetractVoterParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	who, err := decodeBech32(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	if err := s.node.CouncilRetractVoter(who, params.Index); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, councilAckResponse{OK: true})
}

func (s *Server) handleCouncilReapInactiveVoter(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuthInto(&r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params councilReapInactiveVoterParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	reporter, err := decodeBech32(params.Reporter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid reporter address", err.Error())
		return
	}
	target, err := decodeBech32(params.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid target address", err.Error())
		return
	}
	if err := s.node.CouncilReapInactiveVoter(reporter, params.ReporterIndex, target, params.TargetIndex, params.AssumedVoteIndex); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, councilAckResponse{OK: true})
}

func (s *Server) handleCouncilPresentWinner(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuthInto(&r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params councilPresentWinnerParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	presenter, err := decodeBech32(params.Presenter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid presenter address", err.Error())
		return
	}
	candidate, err := decodeBech32(params.Candidate)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid candidate address", err.Error())
		return
	}
	claimedTotal, err := parseNonNegativeAmount(params.ClaimedTotal)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.CouncilPresentWinner(presenter, candidate, claimedTotal, params.AssumedVoteIndex); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, councilAckResponse{OK: true})
}

func (s *Server) handleCouncilSetDesiredSeats(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuthInto(&r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params councilSetDesiredSeatsParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	who, err := decodeBech32(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	if err := s.node.CouncilSetDesiredSeats(who, params.Count); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, councilAckResponse{OK: true})
}

func (s *Server) handleCouncilSetPresentationDuration(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuthInto(&r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params councilSetDurationParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	who, err := decodeBech32(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	if err := s.node.CouncilSetPresentationDuration(who, params.Blocks); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, councilAckResponse{OK: true})
}

func (s *Server) handleCouncilSetTermDuration(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuthInto(&r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params councilSetDurationParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	who, err := decodeBech32(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	if err := s.node.CouncilSetTermDuration(who, params.Blocks); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, councilAckResponse{OK: true})
}

func (s *Server) handleCouncilRemoveMember(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuthInto(&r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params councilRemoveMemberParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	who, err := decodeBech32(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	target, err := decodeBech32(params.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid target address", err.Error())
		return
	}
	if err := s.node.CouncilRemoveMember(who, target); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, councilAckResponse{OK: true})
}

// --- Read-only queries -----------------------------------------------------

func (s *Server) handleCouncilActiveCouncil(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	members, err := s.node.CouncilActiveMembers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	resp := make([]councilMemberResponse, 0, len(members))
	for _, m := range members {
		resp = append(resp, councilMemberResponse{Account: encodeAddress(m.Account), Expiry: m.Expiry})
	}
	writeResult(w, req.ID, resp)
}

func (s *Server) handleCouncilCandidates(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	candidates, err := s.node.CouncilCandidates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	resp := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == council.SentinelAccount {
			resp = append(resp, "")
			continue
		}
		resp = append(resp, encodeAddress(c))
	}
	writeResult(w, req.ID, resp)
}

func (s *Server) handleCouncilLeaderboard(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	entries, active, err := s.node.CouncilLeaderboard()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	resp := councilLeaderboardResponse{Active: active, Entries: make([]councilLeaderboardEntryResponse, 0, len(entries))}
	for _, e := range entries {
		weight := e.Weight
		if weight == nil {
			weight = big.NewInt(0)
		}
		resp.Entries = append(resp.Entries, councilLeaderboardEntryResponse{
			Account: encodeAddress(e.Account),
			Weight:  weight.String(),
		})
	}
	writeResult(w, req.ID, resp)
}

func (s *Server) handleCouncilVoter(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params councilVoterParams
	if perr := decodeOneCouncilParam(req, &params); perr != nil {
		writeError(w, http.StatusBadRequest, req.ID, perr.Code, perr.Message, perr.Data)
		return
	}
	account, err := decodeBech32(strings.TrimSpace(params.Account))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account address", err.Error())
		return
	}
	activity, votes, found, err := s.node.CouncilVoter(account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	if !found {
		writeResult(w, req.ID, councilVoterResponse{Found: false})
		return
	}
	writeResult(w, req.ID, councilVoterResponse{
		Found:      true,
		LastActive: activity.LastActive,
		LastWin:    activity.LastWin,
		Votes:      votes,
	})
}
