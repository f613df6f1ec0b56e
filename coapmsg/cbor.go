package coapmsg

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Deterministic encoding, so that the same value always produces the same payload
var cborEncMode cbor.EncMode
var cborDecMode cbor.DecMode

func init() {
	var err error
	if cborEncMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if cborDecMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Sets the payload to the CBOR encoding of the value, and the Content-Format accordingly
func (m *Message) SetCBORPayload(v any) error {
	payload, err := cborEncMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode cbor payload: %w", err)
	}
	m.Payload = payload
	m.SetContentFormat(AppCBOR)
	return nil
}

// Decodes the CBOR payload into the value. Fails if the message specifies a Content-Format
// other than application/cbor
func (m *Message) UnmarshalCBORPayload(v any) error {
	if cf, found := m.ContentFormat(); found && cf != AppCBOR {
		return fmt.Errorf("content format is %d, not cbor", cf)
	}
	if err := cborDecMode.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("could not decode cbor payload: %w", err)
	}
	return nil
}
