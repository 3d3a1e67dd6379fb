package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrMalformed = errors.New("malformed packet")

// Format selects how outbound envelopes are framed.
type Format int

const (
	FormatJSON Format = iota
	FormatMsgpack
)

// ParseFormat maps the "format" connection parameter to a Format.
func ParseFormat(s string) Format {
	if s == "msgpack" {
		return FormatMsgpack
	}
	return FormatJSON
}

// Binary reports whether frames of this format are binary.
func (f Format) Binary() bool { return f == FormatMsgpack }

// Encode frames an envelope. Msgpack frames reuse the json struct tags,
// omitempty included, so both formats carry the same fields.
func Encode(f Format, env Envelope) ([]byte, error) {
	if f == FormatMsgpack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(env); err != nil {
			return nil, fmt.Errorf("encoding msgpack envelope: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding json envelope: %w", err)
	}
	return data, nil
}

// DecodeInbound parses a client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return in, nil
}

// Payload decodes the typed payload of an inbound packet and checks that it
// names a game.
func Payload[T interface{ GameID() string }](in Inbound) (T, error) {
	var v T
	if len(in.Data) == 0 {
		return v, fmt.Errorf("%w: %s without data", ErrMalformed, in.Type)
	}
	if err := json.Unmarshal(in.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformed, in.Type, err)
	}
	if v.GameID() == "" {
		return v, fmt.Errorf("%w: %s without game", ErrMalformed, in.Type)
	}
	return v, nil
}

func (r GameRef) GameID() string { return r.Game }

// Game returns the game an inbound packet names, or "" when its data does not
// name one.
func (in Inbound) Game() string {
	var ref GameRef
	if len(in.Data) == 0 || json.Unmarshal(in.Data, &ref) != nil {
		return ""
	}
	return ref.Game
}
