package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/talkavatar/internal/conversation"
	"github.com/ent0n29/talkavatar/internal/protocol"
)

const wsSource = "gateway"

// handleEventsWS streams orchestrator events to the client and accepts
// microphone chunks and control actions from it. All writes happen on one
// goroutine.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()
	outbound := make(chan any, 64)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-feed:
				if !ok {
					return
				}
				msg = protocol.ServerEvent{Type: protocol.TypeServerEvent, Event: evt}
			case m := <-outbound:
				msg = m
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Msg("event feed write failed")
				cancel()
				return
			}
			s.metrics.ObserveWSMessage("outbound", string(outboundType(msg)))
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queue(outbound, "invalid_client_message", false, err)
			continue
		}
		if err := s.dispatch(ctx, parsed); err != nil {
			_, code := classify(err)
			s.queue(outbound, code, false, err)
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) dispatch(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		s.metrics.ObserveWSMessage("inbound", string(m.Type))
		if s.recorder == nil {
			return conversation.ErrNoRecorder
		}
		return s.recorder.Feed(m)
	case protocol.ClientControl:
		s.metrics.ObserveWSMessage("inbound", string(m.Type))
		return s.control(ctx, m.Action)
	default:
		return protocol.ErrUnsupportedType
	}
}

func (s *Server) control(ctx context.Context, action string) error {
	switch action {
	case protocol.ActionStartRecording:
		return s.chat.StartRecording(ctx)
	case protocol.ActionStopRecording:
		_, err := s.chat.StopRecording(ctx)
		return err
	case protocol.ActionClear:
		s.chat.Clear()
		return nil
	case protocol.ActionPause, protocol.ActionResume, protocol.ActionMute, protocol.ActionUnmute:
		return s.applyPlayback(action)
	default:
		return errors.New("unknown control action: " + action)
	}
}

// queue drops the error event when the writer is saturated.
func (s *Server) queue(outbound chan<- any, code string, retryable bool, err error) {
	evt := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		Code:      code,
		Source:    wsSource,
		Retryable: retryable,
		Detail:    err.Error(),
	}
	select {
	case outbound <- evt:
	default:
		s.metrics.ObserveEventDropped()
	}
}

func outboundType(msg any) protocol.MessageType {
	switch m := msg.(type) {
	case protocol.ServerEvent:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		return ""
	}
}
