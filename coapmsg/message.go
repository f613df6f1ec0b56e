package coapmsg

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// CoAP message in the wire (RFC 7252, section 3)
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Ver| T |  TKL  |      Code     |          Message ID           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Token (if any, TKL bytes) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Options (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|1 1 1 1 1 1 1 1|    Payload (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

const (
	Version       = 1
	headerLen     = 4
	maxTokenLen   = 8
	payloadMarker = 0xFF
)

var (
	ErrMessageTooShort = errors.New("message too short")
	ErrBadVersion      = errors.New("bad coap version")
	ErrBadTokenLength  = errors.New("bad token length")
	ErrBadOption       = errors.New("bad option")
	ErrEmptyPayload    = errors.New("payload marker without payload")
)

type MessageType uint8

const (
	Confirmable     MessageType = 0
	NonConfirmable  MessageType = 1
	Acknowledgement MessageType = 2
	Reset           MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Correlates requests with responses and observe notifications. Chosen by the client.
// Encoded in the wire as 4 bytes if it fits, and 8 bytes otherwise. Decoded from any
// token length as a big endian integer. Zero means no token
type Token uint64

// Wire representation of the token
func (t Token) Bytes() []byte {
	if t == 0 {
		return nil
	}
	if t <= 0xFFFFFFFF {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(t))
		return b
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t))
	return b
}

func (t Token) String() string {
	return fmt.Sprintf("%x", uint64(t))
}

// Builds the token from its wire representation
func TokenFromWire(b []byte) (Token, error) {
	if len(b) > maxTokenLen {
		return 0, ErrBadTokenLength
	}
	var t uint64
	for _, octet := range b {
		t = t<<8 | uint64(octet)
	}
	return Token(t), nil
}

// The fixed part of the message, plus the token
type Header struct {
	Type      MessageType
	Code      Code
	MessageID uint16
	Token     Token
}

// Represents a CoAP message
type Message struct {
	Type      MessageType
	Code      Code
	MessageID uint16
	Token     Token

	// Sorted by number when serialized. Repeatable options keep their relative order
	Options []Option

	Payload []byte
}

// Parses only the header and the token of a message, without looking at the options
// or the payload
func ParseHeader(b []byte) (Header, int, error) {
	var h Header

	if len(b) < headerLen {
		return h, 0, ErrMessageTooShort
	}
	if b[0]>>6 != Version {
		return h, 0, ErrBadVersion
	}
	h.Type = MessageType((b[0] >> 4) & 0x03)
	tkl := int(b[0] & 0x0F)
	if tkl > maxTokenLen {
		return h, 0, ErrBadTokenLength
	}
	h.Code = Code(b[1])
	h.MessageID = binary.BigEndian.Uint16(b[2:4])

	if len(b) < headerLen+tkl {
		return h, 0, ErrMessageTooShort
	}
	token, err := TokenFromWire(b[headerLen : headerLen+tkl])
	if err != nil {
		return h, 0, err
	}
	h.Token = token

	return h, headerLen + tkl, nil
}

// Extracts the token of the message in the datagram
func TokenFromBytes(b []byte) (Token, error) {
	h, _, err := ParseHeader(b)
	return h.Token, err
}

// Builds a Message from its wire representation
func NewMessageFromBytes(b []byte) (*Message, error) {

	h, currentIndex, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}

	m := Message{
		Type:      h.Type,
		Code:      h.Code,
		MessageID: h.MessageID,
		Token:     h.Token,
	}

	// An empty message has nothing after the header
	if m.Code == Empty {
		if len(b) != headerLen {
			return nil, fmt.Errorf("%w: empty message with %d bytes", ErrBadOption, len(b))
		}
		return &m, nil
	}

	var lastNumber uint32
	for currentIndex < len(b) {
		if b[currentIndex] == payloadMarker {
			currentIndex++
			if currentIndex == len(b) {
				return nil, ErrEmptyPayload
			}
			m.Payload = append([]byte(nil), b[currentIndex:]...)
			break
		}

		delta, length, read, err := readOptionHeader(b[currentIndex:])
		if err != nil {
			return nil, err
		}
		currentIndex += read

		if currentIndex+int(length) > len(b) {
			return nil, fmt.Errorf("%w: option length %d exceeds message size", ErrBadOption, length)
		}

		lastNumber += delta
		m.Options = append(m.Options, Option{
			Number: OptionNumber(lastNumber),
			Value:  append([]byte(nil), b[currentIndex:currentIndex+int(length)]...),
		})
		currentIndex += int(length)
	}

	return &m, nil
}

// Decodes the option delta and length, returning also the number of bytes used
func readOptionHeader(b []byte) (uint32, uint32, int, error) {
	delta := uint32(b[0] >> 4)
	length := uint32(b[0] & 0x0F)
	read := 1

	var err error
	if delta, read, err = readExtended(b, delta, read); err != nil {
		return 0, 0, 0, err
	}
	if length, read, err = readExtended(b, length, read); err != nil {
		return 0, 0, 0, err
	}

	return delta, length, read, nil
}

func readExtended(b []byte, nibble uint32, read int) (uint32, int, error) {
	switch nibble {
	case 13:
		if len(b) < read+1 {
			return 0, 0, ErrMessageTooShort
		}
		return uint32(b[read]) + 13, read + 1, nil
	case 14:
		if len(b) < read+2 {
			return 0, 0, ErrMessageTooShort
		}
		return uint32(binary.BigEndian.Uint16(b[read:read+2])) + 269, read + 2, nil
	case 15:
		return 0, 0, fmt.Errorf("%w: reserved nibble value 15", ErrBadOption)
	default:
		return nibble, read, nil
	}
}

// Returns the nibble and the extended bytes to use for an option delta or length
func extended(v uint32) (byte, []byte) {
	switch {
	case v < 13:
		return byte(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return 14, ext
	}
}

// Writes the wire representation of the message
func (m *Message) ToBytes() ([]byte, error) {

	var buffer bytes.Buffer

	tokenBytes := m.Token.Bytes()
	buffer.WriteByte(Version<<6 | byte(m.Type&0x03)<<4 | byte(len(tokenBytes)))
	buffer.WriteByte(byte(m.Code))
	if err := binary.Write(&buffer, binary.BigEndian, m.MessageID); err != nil {
		return nil, err
	}
	buffer.Write(tokenBytes)

	if m.Code == Empty {
		if len(tokenBytes) > 0 || len(m.Options) > 0 || len(m.Payload) > 0 {
			return nil, fmt.Errorf("%w: empty message must have only header", ErrBadOption)
		}
		return buffer.Bytes(), nil
	}

	options := make([]Option, len(m.Options))
	copy(options, m.Options)
	sort.SliceStable(options, func(i, j int) bool { return options[i].Number < options[j].Number })

	var lastNumber uint32
	for _, option := range options {
		if len(option.Value) > 0xFFFF+269 {
			return nil, fmt.Errorf("%w: option %d too long", ErrBadOption, option.Number)
		}
		deltaNibble, deltaExt := extended(uint32(option.Number) - lastNumber)
		lengthNibble, lengthExt := extended(uint32(len(option.Value)))
		buffer.WriteByte(deltaNibble<<4 | lengthNibble)
		buffer.Write(deltaExt)
		buffer.Write(lengthExt)
		buffer.Write(option.Value)
		lastNumber = uint32(option.Number)
	}

	if len(m.Payload) > 0 {
		buffer.WriteByte(payloadMarker)
		buffer.Write(m.Payload)
	}

	return buffer.Bytes(), nil
}

// Whether the code is that of a request
func (m *Message) IsRequest() bool {
	return m.Code.IsRequest()
}

// Adds an option after the existing ones with the same number
func (m *Message) AddOption(number OptionNumber, value []byte) *Message {
	m.Options = append(m.Options, Option{Number: number, Value: value})
	return m
}

// Replaces all the options with the specified number by a single one with the specified value
func (m *Message) SetOption(number OptionNumber, value []byte) *Message {
	m.DeleteOption(number)
	return m.AddOption(number, value)
}

// Removes all the options with the specified number
func (m *Message) DeleteOption(number OptionNumber) *Message {
	options := m.Options[:0]
	for _, o := range m.Options {
		if o.Number != number {
			options = append(options, o)
		}
	}
	m.Options = options
	return m
}

// Returns the value of the first option with the specified number
func (m *Message) GetOption(number OptionNumber) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Number == number {
			return o.Value, true
		}
	}
	return nil, false
}

// Returns the values of all the options with the specified number
func (m *Message) GetOptions(number OptionNumber) [][]byte {
	var values [][]byte
	for _, o := range m.Options {
		if o.Number == number {
			values = append(values, o.Value)
		}
	}
	return values
}

// Sets the Uri-Path options from a path such as /sensors/temp
func (m *Message) SetPath(path string) *Message {
	m.DeleteOption(URIPath)
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			m.AddOption(URIPath, []byte(segment))
		}
	}
	return m
}

// Returns the path built from the Uri-Path options, always starting with /
func (m *Message) Path() string {
	segments := m.GetOptions(URIPath)
	parts := make([]string, len(segments))
	for i := range segments {
		parts[i] = string(segments[i])
	}
	return "/" + strings.Join(parts, "/")
}

// Adds a Uri-Query option, such as rt=temperature
func (m *Message) AddQuery(query string) *Message {
	return m.AddOption(URIQuery, []byte(query))
}

// Returns the Uri-Query options
func (m *Message) Queries() []string {
	var queries []string
	for _, q := range m.GetOptions(URIQuery) {
		queries = append(queries, string(q))
	}
	return queries
}

// Sets the Observe option. 0 to register, 1 to deregister in requests. Sequence number in notifications
func (m *Message) SetObserve(value uint32) *Message {
	return m.SetOption(Observe, EncodeUint(value))
}

// Returns the value of the Observe option, if present
func (m *Message) Observe() (uint32, bool) {
	if v, found := m.GetOption(Observe); found {
		return DecodeUint(v), true
	}
	return 0, false
}

func (m *Message) SetContentFormat(mt MediaType) *Message {
	return m.SetOption(ContentFormat, EncodeUint(uint32(mt)))
}

// Returns the Content-Format, if present
func (m *Message) ContentFormat() (MediaType, bool) {
	if v, found := m.GetOption(ContentFormat); found {
		return MediaType(DecodeUint(v)), true
	}
	return 0, false
}

// Creates a request message. The token and message id are usually assigned by the client
func NewRequest(messageType MessageType, code Code, path string) *Message {
	m := Message{Type: messageType, Code: code}
	return m.SetPath(path)
}

// Creates a response to the specified request. Piggybacked in an ACK if the
// request was Confirmable
func NewResponse(request *Message, code Code) *Message {
	m := Message{
		Type:      NonConfirmable,
		Code:      code,
		MessageID: request.MessageID,
		Token:     request.Token,
	}
	if request.Type == Confirmable {
		m.Type = Acknowledgement
	}
	return &m
}

// Empty acknowledgement of the message with the specified id
func NewEmptyAck(messageID uint16) *Message {
	return &Message{Type: Acknowledgement, Code: Empty, MessageID: messageID}
}

// Rejects the message with the specified id
func NewReset(messageID uint16) *Message {
	return &Message{Type: Reset, Code: Empty, MessageID: messageID}
}

func (m Message) String() string {
	b, err := json.Marshal(messageView{
		Type:      m.Type.String(),
		Code:      m.Code.String(),
		MessageID: m.MessageID,
		Token:     m.Token.String(),
		Options:   m.Options,
		Payload:   m.Payload,
	})
	if err != nil {
		return ""
	}
	return string(b)
}

// Used for printing
type messageView struct {
	Type      string
	Code      string
	MessageID uint16
	Token     string
	Options   []Option `json:",omitempty"`
	Payload   []byte   `json:",omitempty"`
}
