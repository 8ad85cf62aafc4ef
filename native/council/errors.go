package council

import "errors"

// Error taxonomy for dispatch entry points. Values are returned verbatim to
// the dispatch boundary; no operation partially mutates state before
// returning one of these.
var (
	errStateNotConfigured  = errors.New("council: state not configured")
	errCurrencyNotConfigured = errors.New("council: currency capability not configured")

	// Phase mismatch
	ErrPresentationActive    = errors.New("council: operation not permitted while presentation is active")
	ErrPresentationNotActive = errors.New("council: presentation phase is not active")

	// Stale index
	ErrStaleVoteIndex = errors.New("council: assumed vote index is stale")

	// Index mismatch
	ErrVoterIndexMismatch = errors.New("council: voter index does not resolve to the claimed account")

	// Grace not elapsed
	ErrGraceNotElapsed = errors.New("council: inactivity grace period has not elapsed")

	// Insufficient funds
	ErrInsufficientFunds  = errors.New("council: insufficient funds to reserve bond")
	ErrNotSlashable       = errors.New("council: account cannot be slashed for the required amount")

	// Structural
	ErrInvalidSlot        = errors.New("council: invalid candidate slot")
	ErrDuplicateCandidacy = errors.New("council: account is already a registered candidate")
	ErrNoCandidates       = errors.New("council: candidate list is empty")
	ErrOversizeApprovals  = errors.New("council: approval vector exceeds candidate count")

	// Presentation
	ErrNotWorthy           = errors.New("council: presented total does not exceed the leaderboard minimum")
	ErrDuplicatePresentation = errors.New("council: candidate already present on the leaderboard")
	ErrIncorrectTotal      = errors.New("council: presented total does not match the computed total")
	ErrZeroStake           = errors.New("council: presented total must be greater than zero")
	ErrDuplicateMember     = errors.New("council: candidate already sits on the active council outside the expiring set")
	ErrCandidateNotRegistered = errors.New("council: candidate is not currently registered")

	// Proxy
	ErrNotAProxy = errors.New("council: origin is not a registered proxy")
)
