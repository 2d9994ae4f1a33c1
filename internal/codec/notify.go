package codec

import (
	"bytes"
	"encoding/json"
	"sort"

	"calsync/internal/resource"
	"calsync/pkg/exception"

	"github.com/yanun0323/errors"
)

const (
	KeyRegister     = "register"
	KeyUnregister   = "unregister"
	KeyRegistered   = "registered"
	KeyUnregistered = "unregistered"
)

// Update is one resource-update entry of an inbound frame.
type Update struct {
	Path    string
	ID      string
	Payload json.RawMessage
}

// Inbound is a classified inbound frame. A single frame may carry several kinds at once.
type Inbound struct {
	Registered   []string
	Unregistered []string
	Updates      []Update
	// Dropped lists keys that could not be classified.
	Dropped []string
}

// Empty reports whether nothing usable was decoded.
func (in Inbound) Empty() bool {
	return len(in.Registered) == 0 && len(in.Unregistered) == 0 && len(in.Updates) == 0
}

// EncodeRegister appends a {"register": [...]} frame to dst.
func EncodeRegister(dst []byte, paths []string) ([]byte, error) {
	return encodeControl(dst, KeyRegister, paths)
}

// EncodeUnregister appends a {"unregister": [...]} frame to dst.
func EncodeUnregister(dst []byte, paths []string) ([]byte, error) {
	return encodeControl(dst, KeyUnregister, paths)
}

func encodeControl(dst []byte, key string, paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return dst, exception.ErrEmptyControlList
	}
	payload, err := json.Marshal(map[string][]string{key: paths})
	if err != nil {
		return dst, errors.Wrap(err, "marshal control frame")
	}
	return append(dst, payload...), nil
}

// DecodeInbound classifies an inbound frame.
// Non-object payloads return ErrMalformedFrame; keys that are neither a known event
// nor a parseable calendar path are reported in Dropped.
func DecodeInbound(src []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(src)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Inbound{}, exception.ErrMalformedFrame
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Inbound{}, exception.ErrMalformedFrame
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var in Inbound
	for _, key := range keys {
		raw := fields[key]
		switch key {
		case KeyRegistered, KeyUnregistered:
			var paths []string
			if err := json.Unmarshal(raw, &paths); err != nil {
				in.Dropped = append(in.Dropped, key)
				continue
			}
			if key == KeyRegistered {
				in.Registered = append(in.Registered, paths...)
			} else {
				in.Unregistered = append(in.Unregistered, paths...)
			}
		default:
			id, err := resource.ParseCalendarPath(key)
			if err != nil {
				in.Dropped = append(in.Dropped, key)
				continue
			}
			in.Updates = append(in.Updates, Update{Path: key, ID: id, Payload: raw})
		}
	}
	return in, nil
}
