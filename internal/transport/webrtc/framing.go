package webrtc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
)

const (
	// frameSize stays under the SCTP message size every browser accepts.
	frameSize = 16 << 10
	// maxEnvelopeSize bounds one reassembled envelope.
	maxEnvelopeSize = 32 << 20
	// endOfEnvelope is sent as a text message after the last binary frame.
	endOfEnvelope = "EOF"
)

// channel is the sending half of a data channel.
type channel interface {
	Send(data []byte) error
	SendText(s string) error
}

// sendEnvelope writes env as binary frames followed by the end marker.
func sendEnvelope(ch channel, env syncpkg.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	for len(raw) > 0 {
		n := frameSize
		if n > len(raw) {
			n = len(raw)
		}
		if err := ch.Send(raw[:n]); err != nil {
			return fmt.Errorf("failed to send frame: %w", err)
		}
		raw = raw[n:]
	}
	return ch.SendText(endOfEnvelope)
}

// assembler collects frames until the end marker.
type assembler struct {
	buf bytes.Buffer
}

// push adds one message. It returns the envelope once the end marker
// arrives.
func (a *assembler) push(msg webrtc.DataChannelMessage) (*syncpkg.Envelope, error) {
	if msg.IsString {
		if string(msg.Data) != endOfEnvelope {
			return nil, fmt.Errorf("unexpected text message %q", msg.Data)
		}
		var env syncpkg.Envelope
		err := json.Unmarshal(a.buf.Bytes(), &env)
		a.buf.Reset()
		if err != nil {
			return nil, fmt.Errorf("failed to decode envelope: %w", err)
		}
		return &env, nil
	}
	if a.buf.Len()+len(msg.Data) > maxEnvelopeSize {
		a.buf.Reset()
		return nil, fmt.Errorf("envelope exceeds %d bytes", maxEnvelopeSize)
	}
	a.buf.Write(msg.Data)
	return nil, nil
}
