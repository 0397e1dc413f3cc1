package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindCellUpdate   Kind = "cell_update"
	KindGlobalUpdate Kind = "global_update"
	KindShowcaller   Kind = "showcaller"
)

// CellUpdate is a single-cell delta: one field of one rundown row.
type CellUpdate struct {
	ItemID string `json:"itemId"`
	Field  string `json:"field"`
	Value  string `json:"value"`
}

// GlobalUpdate targets a document-level field (title, startTime, timezone).
type GlobalUpdate struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// ShowcallerSnapshot is the full playback state replicated to followers.
// PlaybackStartTime is wall-clock unix milliseconds at last play/resume.
type ShowcallerSnapshot struct {
	IsPlaying         bool   `json:"isPlaying"`
	CurrentSegmentID  string `json:"currentSegmentId"`
	TimeRemaining     int    `json:"timeRemaining"`
	PlaybackStartTime int64  `json:"playbackStartTime"`
	ControllerID      string `json:"controllerId"`
	Action            string `json:"action"`
}

// Message is the ephemeral wire unit: constructed, sent, consumed, discarded.
// Delivery is at-most-once effective; duplicates are tolerated and
// deduplicated downstream by (SenderID, Timestamp) and ChangeID.
type Message struct {
	RundownID  string              `json:"rundownId"`
	SenderID   string              `json:"senderId"`
	Timestamp  int64               `json:"timestamp"`
	ChangeID   string              `json:"changeId"`
	Kind       Kind                `json:"kind"`
	Cell       *CellUpdate         `json:"cell,omitempty"`
	Global     *GlobalUpdate       `json:"global,omitempty"`
	Showcaller *ShowcallerSnapshot `json:"showcaller,omitempty"`
}

var ErrUnknownKind = errors.New("unknown message kind")

func (m Message) Encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) validate() error {
	switch m.Kind {
	case KindCellUpdate:
		if m.Cell == nil {
			return fmt.Errorf("cell_update message without cell payload")
		}
	case KindGlobalUpdate:
		if m.Global == nil {
			return fmt.Errorf("global_update message without global payload")
		}
	case KindShowcaller:
		if m.Showcaller == nil {
			return fmt.Errorf("showcaller message without snapshot payload")
		}
	default:
		return ErrUnknownKind
	}
	return nil
}
