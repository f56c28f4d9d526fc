package events

import (
	"regexp"

	"github.com/ethereum/go-ethereum/common"

	"XCMFlow/internal/chain"
)

// Class labels what a chain event means to the engine.
type Class string

const (
	ClassXCMSuccess      Class = "xcm_success"
	ClassXCMFailed       Class = "xcm_failed"
	ClassXCMSent         Class = "xcm_sent"
	ClassXCMReceived     Class = "xcm_received"
	ClassAssetsTrapped   Class = "assets_trapped"
	ClassBalanceTransfer Class = "balance_transfer"
	ClassAssetIssued     Class = "asset_issued"
	ClassAssetBurned     Class = "asset_burned"
	// ClassOther marks events that passed the filters but carry no special
	// meaning.
	ClassOther Class = "other"
)

// Event is a classified chain event ready for correlation and notification.
type Event struct {
	chain.SystemEvent
	Class Class `json:"class"`
	// Critical flags events that demand operator attention regardless of
	// notification rate pressure.
	Critical bool `json:"critical"`
}

// Classify labels a raw system event.
func Classify(raw chain.SystemEvent) Event {
	event := Event{SystemEvent: raw, Class: ClassOther}
	switch raw.Section {
	case "xcmpQueue", "messageQueue", "dmpQueue", "ump":
		switch raw.Method {
		case "Success", "Processed", "ExecutedDownward":
			event.Class = ClassXCMSuccess
		case "Fail", "ProcessingFailed", "OverweightEnqueued":
			event.Class = ClassXCMFailed
		case "XcmpMessageSent":
			event.Class = ClassXCMSent
		case "XcmpMessageReceived", "DownwardMessagesReceived":
			event.Class = ClassXCMReceived
		}
	case "xcmPallet", "polkadotXcm":
		switch raw.Method {
		case "Sent", "Attempted":
			event.Class = ClassXCMSent
		case "AssetsTrapped":
			event.Class = ClassAssetsTrapped
			event.Critical = true
		}
	case "balances":
		if raw.Method == "Transfer" {
			event.Class = ClassBalanceTransfer
		}
	case "assets", "tokens":
		switch raw.Method {
		case "Issued", "Minted":
			event.Class = ClassAssetIssued
		case "Burned":
			event.Class = ClassAssetBurned
		}
	}
	return event
}

// Outcome reports whether the event settles a transfer, and how.
func (e Event) Outcome() (success bool, settles bool) {
	switch e.Class {
	case ClassXCMSuccess:
		return true, true
	case ClassXCMFailed:
		return false, true
	default:
		return false, false
	}
}

var hashPattern = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)

// MessageHash extracts the first 32-byte hash from the event payload, used
// to correlate delivery events with pending transfers. An all-zero hash is
// filler, not an identity, and correlates with nothing.
func (e Event) MessageHash() (common.Hash, bool) {
	match := hashPattern.Find(e.Data)
	if match == nil {
		return common.Hash{}, false
	}
	hash := common.HexToHash(string(match))
	if hash == (common.Hash{}) {
		return common.Hash{}, false
	}
	return hash, true
}
