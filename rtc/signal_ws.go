package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/voicechat/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Signal frames exchanged over the room WebSocket.
type signalMessage struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	signalOffer  = "offer"
	signalAnswer = "answer"
	signalLeave  = "leave"
	signalError  = "error"
)

// wsSignaler keeps the socket open between the exchange and the leave.
// mu guards the fields and serializes writes; gorilla allows one writer.
type wsSignaler struct {
	endpoint *url.URL
	token    string
	dialer   *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	left   bool
	closed bool
}

func (s *wsSignaler) Exchange(ctx context.Context, offer string) (string, error) {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("%w: dialing room (status %d): %w", shared.ErrSignaling, resp.StatusCode, err)
		}
		return "", fmt.Errorf("%w: dialing room: %w", shared.ErrSignaling, err)
	}
	s.mu.Lock()
	if s.closed || s.left {
		// Left or closed while dialing: the room never sees the offer.
		s.mu.Unlock()
		_ = conn.Close()
		return "", shared.ErrSessionClosed
	}
	s.conn = conn
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	err = writeSignal(conn, signalMessage{Type: signalOffer, SDP: offer})
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msg, err := readSignal(conn)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", err
		}
		switch msg.Type {
		case signalAnswer:
			if msg.SDP == "" {
				return "", fmt.Errorf("%w: empty answer", shared.ErrSignaling)
			}
			_ = conn.SetReadDeadline(time.Time{})
			return msg.SDP, nil
		case signalError:
			return "", fmt.Errorf("%w: room rejected offer: %s", shared.ErrSignaling, msg.Message)
		}
		// Anything else before the answer is ignored.
	}
}

// Leave sends the leave and close frames once. Called before the dial
// finishes, it makes the pending Exchange drop its socket.
func (s *wsSignaler) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return nil
	}
	s.left = true
	conn := s.conn
	if conn == nil {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := writeSignal(conn, signalMessage{Type: signalLeave}); err != nil {
		return err
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave")
	if err := conn.WriteMessage(websocket.CloseMessage, closeMsg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: closing room socket: %w", shared.ErrSignaling, err)
	}
	return nil
}

func (s *wsSignaler) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.closed = true
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func writeSignal(conn *websocket.Conn, msg signalMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling signal: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: writing %s: %w", shared.ErrSignaling, msg.Type, err)
	}
	return nil
}

func readSignal(conn *websocket.Conn) (signalMessage, error) {
	var msg signalMessage
	_, data, err := conn.ReadMessage()
	if err != nil {
		return msg, fmt.Errorf("%w: reading signal: %w", shared.ErrSignaling, err)
	}
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: decoding signal: %w", shared.ErrSignaling, err)
	}
	return msg, nil
}
