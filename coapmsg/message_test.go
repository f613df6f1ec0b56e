package coapmsg

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRequestToBytes(t *testing.T) {

	request := NewRequest(Confirmable, GET, "/temp")
	request.MessageID = 0x1234
	request.Token = 0xAAAA

	b, err := request.ToBytes()
	if err != nil {
		t.Fatalf("error serializing: %s", err)
	}

	expected := []byte{0x44, 0x01, 0x12, 0x34, 0x00, 0x00, 0xAA, 0xAA, 0xB4, 't', 'e', 'm', 'p'}
	if !bytes.Equal(b, expected) {
		t.Fatalf("bad serialization. Got %x, expected %x", b, expected)
	}
}

func TestMessageFromBytes(t *testing.T) {

	// ACK 2.05 with 2 byte token, Content-Format 50 and a payload
	b := []byte{0x62, 0x45, 0x00, 0x07, 0xBE, 0xEF, 0xC1, 0x32, 0xFF, '{', '}'}

	m, err := NewMessageFromBytes(b)
	if err != nil {
		t.Fatalf("error decoding: %s", err)
	}
	if m.Type != Acknowledgement {
		t.Errorf("bad type %s", m.Type)
	}
	if m.Code != Content {
		t.Errorf("bad code %s", m.Code)
	}
	if m.MessageID != 7 {
		t.Errorf("bad message id %d", m.MessageID)
	}
	if m.Token != 0xBEEF {
		t.Errorf("bad token %s", m.Token)
	}
	if cf, found := m.ContentFormat(); !found || cf != AppJSON {
		t.Errorf("bad content format %d", cf)
	}
	if string(m.Payload) != "{}" {
		t.Errorf("bad payload %s", m.Payload)
	}
}

func TestRoundTripWithExtendedOptions(t *testing.T) {

	longValue := bytes.Repeat([]byte{'x'}, 300)

	request := NewRequest(NonConfirmable, POST, "/a/b/c")
	request.MessageID = 65535
	request.Token = 0x0102030405060708
	request.AddQuery("rt=temperature")
	request.AddQuery("if=sensor")
	request.AddOption(Size1, EncodeUint(1024))
	request.AddOption(ProxyURI, longValue)
	request.Payload = []byte("hello, world!")

	b, err := request.ToBytes()
	if err != nil {
		t.Fatalf("error serializing: %s", err)
	}

	// Token of 8 bytes
	if b[0]&0x0F != 8 {
		t.Fatalf("bad token length %d", b[0]&0x0F)
	}

	m, err := NewMessageFromBytes(b)
	if err != nil {
		t.Fatalf("error decoding: %s", err)
	}

	if m.Token != request.Token {
		t.Errorf("bad token %s", m.Token)
	}
	if m.Path() != "/a/b/c" {
		t.Errorf("bad path %s", m.Path())
	}
	if queries := m.Queries(); len(queries) != 2 || queries[0] != "rt=temperature" || queries[1] != "if=sensor" {
		t.Errorf("bad queries %v", queries)
	}
	if v, found := m.GetOption(ProxyURI); !found || !bytes.Equal(v, longValue) {
		t.Errorf("bad long option")
	}
	if v, found := m.GetOption(Size1); !found || DecodeUint(v) != 1024 {
		t.Errorf("bad Size1 option")
	}
	if string(m.Payload) != "hello, world!" {
		t.Errorf("bad payload %s", m.Payload)
	}

	// Options are sorted in the wire
	for i := 1; i < len(m.Options); i++ {
		if m.Options[i].Number < m.Options[i-1].Number {
			t.Fatalf("options not sorted: %v", m.Options)
		}
	}
}

func TestBadMessages(t *testing.T) {

	var testCases = []struct {
		name     string
		bytes    []byte
		expected error
	}{
		{"too short", []byte{0x40, 0x01}, ErrMessageTooShort},
		{"bad version", []byte{0x80, 0x01, 0x00, 0x01}, ErrBadVersion},
		{"token length 9", []byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}, ErrBadTokenLength},
		{"truncated token", []byte{0x44, 0x01, 0x00, 0x01, 1, 2}, ErrMessageTooShort},
		{"marker without payload", []byte{0x40, 0x01, 0x00, 0x01, 0xFF}, ErrEmptyPayload},
		{"reserved delta", []byte{0x40, 0x01, 0x00, 0x01, 0xF1, 0x00}, ErrBadOption},
		{"option too long", []byte{0x40, 0x01, 0x00, 0x01, 0xB5, 'a'}, ErrBadOption},
		{"empty with token", []byte{0x41, 0x00, 0x00, 0x01, 0x01}, ErrBadOption},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewMessageFromBytes(tc.bytes); !errors.Is(err, tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, err)
			}
		})
	}
}

func TestTokenFromBytes(t *testing.T) {

	request := NewRequest(Confirmable, GET, "/")
	request.Token = 0xAAAA
	b, _ := request.ToBytes()

	token, err := TokenFromBytes(b)
	if err != nil {
		t.Fatalf("error getting token: %s", err)
	}
	if token != 0xAAAA {
		t.Errorf("bad token %s", token)
	}

	// Empty ACK has no token
	ack, _ := NewEmptyAck(10).ToBytes()
	if token, _ := TokenFromBytes(ack); token != 0 {
		t.Errorf("token in empty ack")
	}

	if _, err := TokenFromBytes([]byte{0x48, 0x45, 0x00}); err == nil {
		t.Errorf("token extracted from truncated message")
	}
}

func TestEmptyMessages(t *testing.T) {

	b, err := NewReset(0xABCD).ToBytes()
	if err != nil {
		t.Fatalf("error serializing reset: %s", err)
	}
	if !bytes.Equal(b, []byte{0x70, 0x00, 0xAB, 0xCD}) {
		t.Fatalf("bad reset %x", b)
	}

	m, err := NewMessageFromBytes(b)
	if err != nil {
		t.Fatalf("error decoding reset: %s", err)
	}
	if m.Type != Reset || m.Code != Empty || m.MessageID != 0xABCD {
		t.Errorf("bad reset %s", m)
	}

	bad := Message{Type: Acknowledgement, Code: Empty, Token: 1}
	if _, err := bad.ToBytes(); err == nil {
		t.Errorf("serialized empty message with token")
	}
}

func TestObserveOption(t *testing.T) {

	m := NewRequest(Confirmable, GET, "/obs")
	m.SetObserve(0)

	if v, found := m.GetOption(Observe); !found || len(v) != 0 {
		t.Fatalf("observe register must be an empty option")
	}

	m.SetObserve(0x010203)
	if v, found := m.Observe(); !found || v != 0x010203 {
		t.Fatalf("bad observe value %d", v)
	}
	if len(m.GetOptions(Observe)) != 1 {
		t.Fatalf("observe option is not unique")
	}
}

func TestResponse(t *testing.T) {
	request := NewRequest(Confirmable, GET, "/x")
	request.MessageID = 33
	request.Token = 44

	response := NewResponse(request, Content)
	if response.Type != Acknowledgement || response.MessageID != 33 || response.Token != 44 {
		t.Errorf("bad piggybacked response %s", response)
	}

	request.Type = NonConfirmable
	if NewResponse(request, Content).Type != NonConfirmable {
		t.Errorf("response to NON should be NON")
	}
}

func TestCodes(t *testing.T) {
	if Content.String() != "2.05" {
		t.Errorf("bad code format %s", Content)
	}
	if NewCode(4, 4) != NotFound {
		t.Errorf("bad code build")
	}
	if !GET.IsRequest() || Content.IsRequest() || Empty.IsRequest() {
		t.Errorf("bad request classification")
	}
	if !URIPath.IsCritical() || ContentFormat.IsCritical() {
		t.Errorf("bad critical classification")
	}
}

func TestString(t *testing.T) {
	m := NewRequest(Confirmable, GET, "/s")
	m.Token = 0xAB
	s := m.String()
	if !strings.Contains(s, "\"Code\":\"0.01\"") || !strings.Contains(s, "\"Token\":\"ab\"") {
		t.Errorf("bad string %s", s)
	}
}

func TestCBORPayload(t *testing.T) {

	type reading struct {
		Sensor string  `cbor:"s"`
		Value  float64 `cbor:"v"`
	}

	m := NewResponse(NewRequest(Confirmable, GET, "/r"), Content)
	if err := m.SetCBORPayload(reading{Sensor: "t1", Value: 21.5}); err != nil {
		t.Fatalf("error encoding: %s", err)
	}
	if cf, _ := m.ContentFormat(); cf != AppCBOR {
		t.Fatalf("bad content format %d", cf)
	}

	var r reading
	if err := m.UnmarshalCBORPayload(&r); err != nil {
		t.Fatalf("error decoding: %s", err)
	}
	if r.Sensor != "t1" || r.Value != 21.5 {
		t.Errorf("bad value %v", r)
	}

	m.SetContentFormat(AppJSON)
	if err := m.UnmarshalCBORPayload(&r); err == nil {
		t.Errorf("decoded non cbor payload")
	}
}

func TestUint(t *testing.T) {
	if len(EncodeUint(0)) != 0 {
		t.Errorf("zero must be empty")
	}
	if !bytes.Equal(EncodeUint(256), []byte{1, 0}) {
		t.Errorf("bad encoding of 256")
	}
	if DecodeUint([]byte{0x01, 0x00, 0x00}) != 65536 {
		t.Errorf("bad decoding")
	}
}
