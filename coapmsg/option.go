package coapmsg

import (
	"encoding/binary"
	"fmt"
)

// Message codes, in class.detail format (RFC 7252, section 12.1)
type Code uint8

func NewCode(class uint8, detail uint8) Code {
	return Code(class<<5 | detail&0x1F)
}

const (
	Empty Code = 0

	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4

	Created  Code = 65
	Deleted  Code = 66
	Valid    Code = 67
	Changed  Code = 68
	Content  Code = 69
	Continue Code = 95

	BadRequest            Code = 128
	Unauthorized          Code = 129
	BadOption             Code = 130
	Forbidden             Code = 131
	NotFound              Code = 132
	MethodNotAllowed      Code = 133
	NotAcceptable         Code = 134
	PreconditionFailed    Code = 140
	RequestEntityTooLarge Code = 141
	UnsupportedFormat     Code = 143

	InternalServerError Code = 160
	NotImplemented      Code = 161
	BadGateway          Code = 162
	ServiceUnavailable  Code = 163
	GatewayTimeout      Code = 164
)

func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

func (c Code) Detail() uint8 {
	return uint8(c) & 0x1F
}

func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

func (c Code) IsSuccess() bool {
	return c.Class() == 2
}

// Formatted as c.dd
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

type OptionNumber uint16

// RFC 7252, section 5.10, and RFC 7641, RFC 7959
const (
	IfMatch       OptionNumber = 1
	URIHost       OptionNumber = 3
	ETag          OptionNumber = 4
	IfNoneMatch   OptionNumber = 5
	Observe       OptionNumber = 6
	URIPort       OptionNumber = 7
	LocationPath  OptionNumber = 8
	URIPath       OptionNumber = 11
	ContentFormat OptionNumber = 12
	MaxAge        OptionNumber = 14
	URIQuery      OptionNumber = 15
	Accept        OptionNumber = 17
	LocationQuery OptionNumber = 20
	Block2        OptionNumber = 23
	Block1        OptionNumber = 27
	Size2         OptionNumber = 28
	ProxyURI      OptionNumber = 35
	ProxyScheme   OptionNumber = 39
	Size1         OptionNumber = 60
)

// Critical options must be understood by the receiver
func (n OptionNumber) IsCritical() bool {
	return n&0x01 == 1
}

type Option struct {
	Number OptionNumber
	Value  []byte
}

// Content formats
type MediaType uint16

const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppExi        MediaType = 47
	AppJSON       MediaType = 50
	AppCBOR       MediaType = 60
)

// Encodes an option value of type uint, using the minimum number of bytes. Zero is encoded
// as an empty value
func EncodeUint(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	i := 0
	for i < 4 && b[i] == 0 {
		i++
	}
	return b[i:]
}

// Decodes an option value of type uint. Values longer than 4 bytes use only the last 4 bytes
func DecodeUint(b []byte) uint32 {
	var v uint32
	for _, octet := range b {
		v = v<<8 | uint32(octet)
	}
	return v
}
