package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dkeye/callcontrol/internal/core"
	"github.com/klauspost/compress/zlib"
	"github.com/pion/webrtc/v4"
)

const (
	// Payloads smaller than this are never compressed.
	compressThreshold = 256
	// Upper bound for an inflated payload.
	maxInflatedSize = 4 << 20
)

var (
	ErrUnknownFrame   = errors.New("unknown frame type")
	ErrMissingPayload = errors.New("frame payload missing")
	ErrPayloadTooBig  = errors.New("inflated payload too large")
)

// wireFrame is the JSON envelope. Exactly one of Payload and ZPayload is
// set; ZPayload holds the zlib-compressed JSON payload.
type wireFrame struct {
	Type     core.FrameType  `json:"type"`
	Seq      uint64          `json:"seq"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ZPayload []byte          `json:"zpayload,omitempty"`
}

func payloadOf(f core.Frame) (any, error) {
	var p any
	switch f.Type {
	case core.FrameJoin:
		p = f.Join
	case core.FrameJoinAck:
		p = f.JoinAck
	case core.FrameIndexUpdate:
		p = f.Index
	case core.FrameAnswer:
		p = f.Answer
	case core.FrameIceCandidate:
		p = f.Candidate
	case core.FrameSubscribe:
		p = f.Subscribe
	case core.FrameLeave:
		p = f.Leave
	case core.FrameStatus:
		p = f.Status
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	if isNilPayload(p) {
		return nil, fmt.Errorf("%w: %s", ErrMissingPayload, f.Type)
	}
	return p, nil
}

func isNilPayload(p any) bool {
	switch v := p.(type) {
	case *core.JoinPayload:
		return v == nil
	case *core.JoinAckPayload:
		return v == nil
	case *core.IndexPayload:
		return v == nil
	case *core.AnswerPayload:
		return v == nil
	case *webrtc.ICECandidateInit:
		return v == nil
	case *core.SubscribePayload:
		return v == nil
	case *core.LeavePayload:
		return v == nil
	case *core.StatusPayload:
		return v == nil
	}
	return p == nil
}

// Encode serializes f. When compress is set, large payloads are deflated.
func Encode(f core.Frame, compress bool) ([]byte, error) {
	p, err := payloadOf(f)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", f.Type, err)
	}
	w := wireFrame{Type: f.Type, Seq: f.Seq}
	if compress && len(raw) >= compressThreshold {
		z, err := deflate(raw)
		if err != nil {
			return nil, err
		}
		w.ZPayload = z
	} else {
		w.Payload = raw
	}
	return json.Marshal(w)
}

// Decode parses one wire frame. Compressed payloads are accepted whether or
// not compression was requested.
func Decode(data []byte) (core.Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return core.Frame{}, fmt.Errorf("decode envelope: %w", err)
	}
	raw := []byte(w.Payload)
	if len(w.ZPayload) > 0 {
		var err error
		if raw, err = inflate(w.ZPayload); err != nil {
			return core.Frame{}, err
		}
	}
	if len(raw) == 0 {
		return core.Frame{}, fmt.Errorf("%w: %s", ErrMissingPayload, w.Type)
	}

	f := core.Frame{Type: w.Type, Seq: w.Seq}
	var target any
	switch w.Type {
	case core.FrameJoin:
		f.Join = &core.JoinPayload{}
		target = f.Join
	case core.FrameJoinAck:
		f.JoinAck = &core.JoinAckPayload{}
		target = f.JoinAck
	case core.FrameIndexUpdate:
		f.Index = &core.IndexPayload{}
		target = f.Index
	case core.FrameAnswer:
		f.Answer = &core.AnswerPayload{}
		target = f.Answer
	case core.FrameIceCandidate:
		f.Candidate = &webrtc.ICECandidateInit{}
		target = f.Candidate
	case core.FrameSubscribe:
		f.Subscribe = &core.SubscribePayload{}
		target = f.Subscribe
	case core.FrameLeave:
		f.Leave = &core.LeavePayload{}
		target = f.Leave
	case core.FrameStatus:
		f.Status = &core.StatusPayload{}
		target = f.Status
	default:
		return core.Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, w.Type)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return core.Frame{}, fmt.Errorf("decode %s payload: %w", w.Type, err)
	}
	return f, nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("deflate payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("deflate payload: %w", err)
	}
	return buf.Bytes(), nil
}

func inflate(z []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(z))
	if err != nil {
		return nil, fmt.Errorf("inflate payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflate payload: %w", err)
	}
	if len(out) > maxInflatedSize {
		return nil, ErrPayloadTooBig
	}
	return out, nil
}
