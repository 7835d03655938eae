package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"crashcore/internal/engine"
	"crashcore/internal/realtime"
)

// clientFrame is the envelope every inbound WebSocket message carries. Only
// one of its payload fields is populated, selected by Type.
type clientFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`

	// place_bet
	Stake          string `json:"stake_wei,omitempty"`
	BetKind        string `json:"bet_type,omitempty"`
	FundingTxHash  string `json:"funding_tx_hash,omitempty"`
	AutoCashoutPPM *int64 `json:"auto_cashout_ppm,omitempty"`

	// resume
	LastSeq uint64 `json:"last_seq,omitempty"`
}

type outFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// wsHandler upgrades to a WebSocket connection, registers it with the
// realtime hub, pushes a state_snapshot so the client has a consistent
// starting point, and then reads place_bet/cashout/resume frames for the
// lifetime of the connection.
func (s *Server) wsHandler(c *websocket.Conn) {
	player := normalizeAddress(c.Query("address", "anonymous"))
	client := s.hub.Register(c, player)
	defer s.hub.Unregister(client)

	s.sendSnapshot(c)

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.writeFrame(c, outFrame{Type: "error", Data: wsMap{"reason": "malformed frame"}})
			continue
		}
		s.handleFrame(c, player, frame)
	}
}

type wsMap map[string]any

func (s *Server) handleFrame(c *websocket.Conn, player string, frame clientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch frame.Type {
	case "place_bet":
		s.handlePlaceBetFrame(ctx, c, player, frame)
	case "cashout":
		s.handleCashoutFrame(ctx, c, player, frame)
	case "resume":
		s.handleResumeFrame(c, frame)
	case "subscribe":
		s.sendSnapshot(c)
	default:
		s.writeFrame(c, outFrame{Type: "error", Data: wsMap{"reason": "unknown frame type: " + frame.Type}})
	}
}

// handlePlaceBetFrame and handleCashoutFrame only submit to the engine
// mailbox; the bet_accepted/bet_rejected/cashout_accepted/cashout_rejected
// frames come from the hub broadcast the engine publishes, which carries
// the monotonic seq every connection (including this one) relies on for
// ordering. A second, unnumbered write from here would let the placing
// player observe each event twice. The engine publishes such a frame for
// bets it processes in the betting phase, for cashouts and auto-cashouts
// it settles, and for cashouts refused by the timing buffer. A request
// refused because the queue is full, the context expires, the phase is
// wrong or the player has no open bet produces no frame on the connection.
func (s *Server) handlePlaceBetFrame(ctx context.Context, c *websocket.Conn, player string, frame clientFrame) {
	stake, err := parseDecimalString(frame.Stake)
	if err != nil {
		s.writeFrame(c, outFrame{Type: "error", Data: wsMap{"client_id": frame.ClientID, "reason": "invalid stake_wei"}})
		return
	}
	betType := engine.BetBalance
	if frame.BetKind == string(engine.BetOnChain) {
		betType = engine.BetOnChain
	}
	s.bets.PlaceBet(ctx, engine.PlaceBetRequest{
		Player:         player,
		Stake:          weiToEther(stake),
		Type:           betType,
		FundingTxHash:  frame.FundingTxHash,
		AutoCashoutPPM: frame.AutoCashoutPPM,
		ClientID:       frame.ClientID,
	})
}

func (s *Server) handleCashoutFrame(ctx context.Context, c *websocket.Conn, player string, frame clientFrame) {
	s.cashout.Cashout(ctx, engine.CashoutRequest{
		Player:   player,
		ClientID: frame.ClientID,
	})
}

// handleResumeFrame replays events since the client's last known seq, or
// falls back to a full snapshot if the ring can no longer satisfy it.
func (s *Server) handleResumeFrame(c *websocket.Conn, frame clientFrame) {
	events, ok := s.hub.ReplaySince(frame.LastSeq)
	if !ok {
		s.sendSnapshot(c)
		return
	}
	for _, ev := range events {
		s.writeEvent(c, ev)
	}
}

func (s *Server) sendSnapshot(c *websocket.Conn) {
	round := s.round.CurrentRound()
	snap := realtime.StateSnapshotData{Phase: "pending"}
	if round != nil {
		snap.RoundID = round.ID
		snap.CommitHash = round.CommitHash
		snap.Phase = string(round.Status)
	}
	if events, ok := s.hub.ReplaySince(0); ok {
		snap.RecentEvents = events
	}
	s.writeFrame(c, outFrame{Type: realtime.EventStateSnapshot, Data: snap})
}

func (s *Server) writeFrame(c *websocket.Conn, frame outFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("server: marshal outbound frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	s.writeRaw(c, payload)
}

func (s *Server) writeEvent(c *websocket.Conn, ev realtime.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("server: marshal replay event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	s.writeRaw(c, payload)
}

func (s *Server) writeRaw(c *websocket.Conn, payload []byte) {
	c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.log.Debug("server: write outbound frame", zap.Error(err))
	}
}
