package council

import (
	"encoding/hex"
	"strconv"

	"councilchain/core/types"
)

const (
	EventTypeVoterReaped      = "council.voterReaped"
	EventTypeBadReaperSlashed = "council.badReaperSlashed"
	EventTypeTallyStarted     = "council.tallyStarted"
	EventTypeTallyFinalized   = "council.tallyFinalized"
)

func addrHex(account [20]byte) string {
	return hex.EncodeToString(account[:])
}

func newVoterReapedEvent(target, reporter [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeVoterReaped,
		Attributes: map[string]string{
			"target":   addrHex(target),
			"reporter": addrHex(reporter),
		},
	}
}

func newBadReaperSlashedEvent(reporter [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeBadReaperSlashed,
		Attributes: map[string]string{
			"reporter": addrHex(reporter),
		},
	}
}

func newTallyStartedEvent(emptySeats uint32) *types.Event {
	return &types.Event{
		Type: EventTypeTallyStarted,
		Attributes: map[string]string{
			"emptySeats": strconv.FormatUint(uint64(emptySeats), 10),
		},
	}
}

func newTallyFinalizedEvent(incoming, outgoing [][20]byte) *types.Event {
	attrs := map[string]string{
		"incomingCount": strconv.Itoa(len(incoming)),
		"outgoingCount": strconv.Itoa(len(outgoing)),
	}
	for i, addr := range incoming {
		attrs["incoming."+strconv.Itoa(i)] = addrHex(addr)
	}
	for i, addr := range outgoing {
		attrs["outgoing."+strconv.Itoa(i)] = addrHex(addr)
	}
	return &types.Event{Type: EventTypeTallyFinalized, Attributes: attrs}
}
