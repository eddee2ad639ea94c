package signal

import (
	"errors"
	"fmt"
)

// Wire payloads arrive loosely typed; they are converted here, at the
// boundary, into one command value per action kind so handlers never see a
// half-validated payload.

type envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type playbackPayload struct {
	envelope
	Action     string `json:"action"`
	PositionMs *int64 `json:"positionMs"`
	Index      *int   `json:"index"`
}

type queuePayload struct {
	envelope
	Action    string   `json:"action"`
	TrackIDs  []string `json:"trackIds"`
	Index     *int     `json:"index"`
	FromIndex *int     `json:"fromIndex"`
	ToIndex   *int     `json:"toIndex"`
}

type playbackCommand interface{ isPlaybackCommand() }

type playCommand struct{}
type pauseCommand struct{}
type seekCommand struct{ positionMs int64 }
type nextCommand struct{}
type previousCommand struct{}
type setTrackCommand struct{ index int }

func (playCommand) isPlaybackCommand()     {}
func (pauseCommand) isPlaybackCommand()    {}
func (seekCommand) isPlaybackCommand()     {}
func (nextCommand) isPlaybackCommand()     {}
func (previousCommand) isPlaybackCommand() {}
func (setTrackCommand) isPlaybackCommand() {}

func parsePlaybackCommand(p playbackPayload) (playbackCommand, error) {
	switch p.Action {
	case "play":
		return playCommand{}, nil
	case "pause":
		return pauseCommand{}, nil
	case "seek":
		if p.PositionMs == nil {
			return nil, errors.New("positionMs required for seek")
		}
		return seekCommand{positionMs: *p.PositionMs}, nil
	case "next":
		return nextCommand{}, nil
	case "previous":
		return previousCommand{}, nil
	case "set-track":
		if p.Index == nil {
			return nil, errors.New("index required for set-track")
		}
		return setTrackCommand{index: *p.Index}, nil
	default:
		return nil, fmt.Errorf("Unknown action: %s", p.Action)
	}
}

type queueCommand interface{ isQueueCommand() }

type addCommand struct{ trackIDs []string }
type removeCommand struct{ index int }
type reorderCommand struct{ fromIndex, toIndex int }
type clearCommand struct{}

func (addCommand) isQueueCommand()     {}
func (removeCommand) isQueueCommand()  {}
func (reorderCommand) isQueueCommand() {}
func (clearCommand) isQueueCommand()   {}

func parseQueueCommand(p queuePayload) (queueCommand, error) {
	switch p.Action {
	case "add":
		if len(p.TrackIDs) == 0 {
			return nil, errors.New("trackIds required for add")
		}
		return addCommand{trackIDs: p.TrackIDs}, nil
	case "remove":
		if p.Index == nil {
			return nil, errors.New("index required for remove")
		}
		return removeCommand{index: *p.Index}, nil
	case "reorder":
		if p.FromIndex == nil || p.ToIndex == nil {
			return nil, errors.New("fromIndex and toIndex required for reorder")
		}
		return reorderCommand{fromIndex: *p.FromIndex, toIndex: *p.ToIndex}, nil
	case "clear":
		return clearCommand{}, nil
	default:
		return nil, fmt.Errorf("Unknown action: %s", p.Action)
	}
}
