package crdt

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical state always produces identical bytes. Snapshots taken on two
// replicas that merged the same updates compare equal byte-for-byte.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireUpdate is the encoded form shared by updates and full states. A state
// is simply an update carrying every register.
type wireUpdate struct {
	Entries []Entry `cbor:"1,keyasint"`
}

// EncodeUpdate encodes entries as an update that can be sent over the wire
// and passed to Document.Apply on any replica.
func EncodeUpdate(entries ...Entry) ([]byte, error) {
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return nil, err
		}
	}
	return encMode.Marshal(wireUpdate{Entries: entries})
}

// DecodeUpdate parses an encoded update and validates every entry.
func DecodeUpdate(data []byte) ([]Entry, error) {
	if len(data) == 0 {
		return nil, ErrInvalidUpdate
	}
	var u wireUpdate
	if err := decMode.Unmarshal(data, &u); err != nil {
		return nil, ErrInvalidUpdate
	}
	for _, e := range u.Entries {
		if err := e.validate(); err != nil {
			return nil, err
		}
	}
	return u.Entries, nil
}
