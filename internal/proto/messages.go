package proto

import (
	"encoding/json"
	"fmt"
)

// Version tracks the wire-protocol revision expected by both ends.
const Version = 1

// Control-plane message type identifiers.
const (
	TypeAuthenticate      = "authenticate"
	TypeAuthSuccess       = "auth_success"
	TypeAuthFailed        = "auth_failed"
	TypePing              = "ping"
	TypePong              = "pong"
	TypePlayerJoin        = "player_join"
	TypePlayerLeave       = "player_leave"
	TypeLobbyCreate       = "lobby_create"
	TypeLobbyJoin         = "lobby_join"
	TypeLobbyLeave        = "lobby_leave"
	TypeLobbyReady        = "lobby_ready"
	TypeLobbyUpdate       = "lobby_update"
	TypeMatchmakingEnter  = "matchmaking_enter"
	TypeMatchmakingCancel = "matchmaking_cancel"
	TypeMatchmakingUpdate = "matchmaking_update"
	TypeMatchFound        = "match_found"
	TypeMatchStart        = "match_start"
	TypeChat              = "chat"
	TypeAck               = "ack"
)

// Gameplay-plane message type identifiers.
const (
	TypeInput           = "input"
	TypeStateSnapshot   = "state_snapshot"
	TypeKeyframeRequest = "keyframe_request"
	TypeKeyframe        = "keyframe"
	TypeKeyframeNack    = "keyframe_nack"
	TypeResyncRequest   = "resync_request"
)

// Delivery identifies the transport guarantee requested for a message.
type Delivery string

const (
	DeliveryReliableOrdered   Delivery = "reliable-ordered"
	DeliveryReliableUnordered Delivery = "reliable-unordered"
	DeliveryUnreliable        Delivery = "unreliable"
)

// Priority identifies the dispatch tier for a message.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank orders priorities for queue dispatch, lower drains first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Envelope is the JSON frame carried on the wire. Seq and Timestamp are
// assigned by the transport when the message is enqueued; a message is
// uniquely identified by (Sender, Seq). Reliable-ordered frames also carry
// OrderSeq, a per-sender counter for the ordered stream only, so ordering
// gaps can be told apart from interleaved unreliable traffic.
type Envelope struct {
	Ver       int             `json:"ver"`
	Type      string          `json:"type"`
	Sender    string          `json:"senderId"`
	Seq       uint64          `json:"sequenceNumber"`
	Timestamp int64           `json:"timestamp"`
	Reliable  bool            `json:"reliable,omitempty"`
	Ordered   bool            `json:"ordered,omitempty"`
	OrderSeq  uint64          `json:"orderSeq,omitempty"`
	Priority  Priority        `json:"priority,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Delivery reports the guarantee encoded in the reliable/ordered flags.
func (e Envelope) Delivery() Delivery {
	if !e.Reliable {
		return DeliveryUnreliable
	}
	if e.Ordered {
		return DeliveryReliableOrdered
	}
	return DeliveryReliableUnordered
}

type profile struct {
	delivery Delivery
	priority Priority
}

// deliveryProfiles maps each message type to its default guarantee and tier.
var deliveryProfiles = map[string]profile{
	TypeAuthenticate:      {DeliveryReliableOrdered, PriorityCritical},
	TypeAuthSuccess:       {DeliveryReliableOrdered, PriorityCritical},
	TypeAuthFailed:        {DeliveryReliableOrdered, PriorityCritical},
	TypePing:              {DeliveryUnreliable, PriorityCritical},
	TypePong:              {DeliveryUnreliable, PriorityCritical},
	TypeAck:               {DeliveryUnreliable, PriorityCritical},
	TypePlayerJoin:        {DeliveryReliableOrdered, PriorityHigh},
	TypePlayerLeave:       {DeliveryReliableOrdered, PriorityHigh},
	TypeLobbyCreate:       {DeliveryReliableOrdered, PriorityHigh},
	TypeLobbyJoin:         {DeliveryReliableOrdered, PriorityHigh},
	TypeLobbyLeave:        {DeliveryReliableOrdered, PriorityHigh},
	TypeLobbyReady:        {DeliveryReliableOrdered, PriorityHigh},
	TypeLobbyUpdate:       {DeliveryReliableOrdered, PriorityHigh},
	TypeMatchmakingEnter:  {DeliveryReliableOrdered, PriorityHigh},
	TypeMatchmakingCancel: {DeliveryReliableOrdered, PriorityHigh},
	TypeMatchmakingUpdate: {DeliveryReliableOrdered, PriorityHigh},
	TypeMatchFound:        {DeliveryReliableOrdered, PriorityHigh},
	TypeMatchStart:        {DeliveryReliableOrdered, PriorityCritical},
	TypeChat:              {DeliveryReliableOrdered, PriorityNormal},
	TypeInput:             {DeliveryUnreliable, PriorityHigh},
	TypeStateSnapshot:     {DeliveryUnreliable, PriorityHigh},
	TypeKeyframeRequest:   {DeliveryReliableUnordered, PriorityHigh},
	TypeKeyframe:          {DeliveryReliableUnordered, PriorityHigh},
	TypeKeyframeNack:      {DeliveryReliableUnordered, PriorityHigh},
	TypeResyncRequest:     {DeliveryReliableUnordered, PriorityHigh},
}

// DefaultProfile reports the default delivery and priority for a message
// type. Unknown types default to reliable-ordered/normal so nothing is
// silently droppable by accident.
func DefaultProfile(msgType string) (Delivery, Priority) {
	if p, ok := deliveryProfiles[msgType]; ok {
		return p.delivery, p.priority
	}
	return DeliveryReliableOrdered, PriorityNormal
}

// NewEnvelope builds an envelope for the given type/sender with the default
// delivery profile. Seq and Timestamp remain zero until the transport stamps
// them.
func NewEnvelope(msgType, sender string, payload any) (Envelope, error) {
	if msgType == "" {
		return Envelope{}, fmt.Errorf("proto: empty message type")
	}
	env := Envelope{Ver: Version, Type: msgType, Sender: sender}
	delivery, priority := DefaultProfile(msgType)
	env.Priority = priority
	switch delivery {
	case DeliveryReliableOrdered:
		env.Reliable = true
		env.Ordered = true
	case DeliveryReliableUnordered:
		env.Reliable = true
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("proto: marshal %s payload: %w", msgType, err)
		}
		env.Data = data
	}
	return env, nil
}

// Encode renders an envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	env.Ver = Version
	return json.Marshal(env)
}

// Decode parses a wire frame and enforces the protocol version.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, err
	}
	if env.Ver == 0 {
		env.Ver = Version
	}
	if env.Ver != Version {
		return env, fmt.Errorf("unsupported protocol version %d", env.Ver)
	}
	if env.Type == "" {
		return env, fmt.Errorf("missing message type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope data into the requested payload type.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, fmt.Errorf("empty payload for type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return out, nil
}
