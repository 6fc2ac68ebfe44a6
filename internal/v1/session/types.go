// Package session implements the multi-tenant bridge between downstream
// browser clients and the shared upstream draft socket: rooms keyed by league,
// the client sessions inside them, and the hub that registers rooms and
// accepts new connections.
package session

import (
	"encoding/json"
	"errors"
)

// LeagueIDType identifies a fantasy league; it doubles as the room identity.
type LeagueIDType string

// SessionIDType is the opaque unique token of one downstream connection.
type SessionIDType string

// Downstream frame type tags.
const (
	FrameTypeRoomJoined        = "room_joined"
	FrameTypeYahooConnected    = "yahoo_connected"
	FrameTypeYahooMessage      = "yahoo_message"
	FrameTypeYahooReconnect    = "yahoo_reconnect"
	FrameTypeYahooDisconnected = "yahoo_disconnected"
	FrameTypeYahooError        = "yahoo_error"

	// FrameTypeYahooMaxReconnectReached is reserved for a future automatic
	// reconnection policy; nothing emits it today.
	FrameTypeYahooMaxReconnectReached = "yahoo_max_reconnect_reached"
)

// Errors surfaced by room operations.
var (
	ErrLeagueMismatch = errors.New("reconnect request references a different league")
	ErrRoomRetired    = errors.New("room has been retired")
)

// RoomJoinedFrame confirms membership to a newly attached session.
type RoomJoinedFrame struct {
	Type           string `json:"type"`
	RoomID         string `json:"roomId"`
	YahooConnected bool   `json:"yahooConnected"`
	ClientsCount   int    `json:"clientsCount"`
	DraftPosition  int    `json:"draftPosition"`
}

// YahooConnectedFrame announces a successful upstream open.
type YahooConnectedFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// YahooMessageFrame carries one upstream text frame verbatim.
type YahooMessageFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// YahooDisconnectedFrame announces an upstream close.
type YahooDisconnectedFrame struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// YahooErrorFrame surfaces a failure meaningful to the client.
type YahooErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ReconnectRequest is the payload of a yahoo_reconnect control message.
type ReconnectRequest struct {
	LeagueID      string `json:"leagueId"`
	DraftPosition int    `json:"draftPosition"`
}

// clientEnvelope is the outer shape of a downstream JSON control message.
type clientEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// inboundKind classifies a decoded downstream frame.
type inboundKind int

const (
	// inboundRaw: not a JSON control message; forward the bytes verbatim upstream.
	inboundRaw inboundKind = iota
	// inboundUpstreamPayload: a yahoo_message wrapper around an upstream payload.
	inboundUpstreamPayload
	// inboundReconnect: a yahoo_reconnect request.
	inboundReconnect
	// inboundIgnored: well-formed JSON with an unknown or unusable tag.
	inboundIgnored
)

// inboundFrame is the tagged variant a downstream frame decodes into.
type inboundFrame struct {
	kind      inboundKind
	payload   string           // inboundUpstreamPayload
	reconnect ReconnectRequest // inboundReconnect
	rawType   string           // inboundIgnored: the unrecognized tag
}

// decodeInbound interprets one downstream frame. JSON control messages are
// routed by their type tag; anything that fails to parse is treated as a raw
// upstream payload.
func decodeInbound(raw []byte) inboundFrame {
	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return inboundFrame{kind: inboundRaw}
	}

	switch env.Type {
	case FrameTypeYahooMessage:
		var payload string
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return inboundFrame{kind: inboundIgnored, rawType: env.Type}
		}
		return inboundFrame{kind: inboundUpstreamPayload, payload: payload}
	case FrameTypeYahooReconnect:
		var req ReconnectRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return inboundFrame{kind: inboundIgnored, rawType: env.Type}
		}
		return inboundFrame{kind: inboundReconnect, reconnect: req}
	default:
		return inboundFrame{kind: inboundIgnored, rawType: env.Type}
	}
}
