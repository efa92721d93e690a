// Package message defines the wire-protocol value types shared by the
// codec and the P2P node: the Chat record and the five message variants
// exchanged between peers.
package message

import "bytes"

// VerificationSize and HashSize are the fixed byte widths of the two
// Chat nonce fields.
const (
	VerificationSize = 16
	HashSize         = 16

	// MaxTextLen is the largest text payload that fits in the codec's
	// one-byte length prefix.
	MaxTextLen = 255
)

// Chat is one mined (or received) unit of chat history. It is immutable
// once constructed: NewChat and the codec are the only producers.
type Chat struct {
	Text             string
	VerificationCode [VerificationSize]byte
	MD5Hash          [HashSize]byte
}

// NewChat builds a Chat from its three fields. Callers that construct a
// Chat outside of mining or decoding (tests, mainly) go through here so
// the shape stays in one place.
func NewChat(text string, verification, hash [VerificationSize]byte) Chat {
	return Chat{Text: text, VerificationCode: verification, MD5Hash: hash}
}

// Equal reports structural equality: same text, same verification code,
// same hash, compared by content rather than identity.
func (c Chat) Equal(other Chat) bool {
	return c.Text == other.Text &&
		bytes.Equal(c.VerificationCode[:], other.VerificationCode[:]) &&
		bytes.Equal(c.MD5Hash[:], other.MD5Hash[:])
}

// HasZeroPrefix reports whether the first two bytes of the hash are
// zero, the proof-of-work target this system mines against.
func (c Chat) HasZeroPrefix() bool {
	return c.MD5Hash[0] == 0 && c.MD5Hash[1] == 0
}

// Kind discriminates the five message variants on the wire. It is the
// single byte tag at the head of every frame.
type Kind uint8

const (
	KindPeerRequest         Kind = 0x01
	KindPeerList            Kind = 0x02
	KindArchiveRequest      Kind = 0x03
	KindArchiveResponse     Kind = 0x04
	KindNotificationMessage Kind = 0x05
)

func (k Kind) String() string {
	switch k {
	case KindPeerRequest:
		return "PeerRequest"
	case KindPeerList:
		return "PeerList"
	case KindArchiveRequest:
		return "ArchiveRequest"
	case KindArchiveResponse:
		return "ArchiveResponse"
	case KindNotificationMessage:
		return "NotificationMessage"
	default:
		return "Unknown"
	}
}

// Message is a tagged union over the five protocol variants. Only the
// fields relevant to Kind are populated; the rest are left zero-valued.
// Kept as one struct rather than an interface hierarchy so dispatch in
// the codec and the node stays a plain switch over Kind.
type Message struct {
	Kind Kind

	// PeerIPs is populated for KindPeerList.
	PeerIPs []string

	// History is populated for KindArchiveResponse.
	History []Chat

	// Text is populated for KindNotificationMessage.
	Text string
}

// NewPeerRequest builds the unit PeerRequest message.
func NewPeerRequest() Message { return Message{Kind: KindPeerRequest} }

// NewPeerList builds a PeerList message carrying the given IPv4
// dotted-quad addresses.
func NewPeerList(ips []string) Message {
	return Message{Kind: KindPeerList, PeerIPs: ips}
}

// NewArchiveRequest builds the unit ArchiveRequest message.
func NewArchiveRequest() Message { return Message{Kind: KindArchiveRequest} }

// NewArchiveResponse builds an ArchiveResponse message carrying the
// given chat history.
func NewArchiveResponse(history []Chat) Message {
	return Message{Kind: KindArchiveResponse, History: history}
}

// NewNotification builds a NotificationMessage carrying free text.
func NewNotification(text string) Message {
	return Message{Kind: KindNotificationMessage, Text: text}
}

// Equal compares two messages structurally, used by the codec round-trip
// tests.
func (m Message) Equal(other Message) bool {
	if m.Kind != other.Kind {
		return false
	}
	switch m.Kind {
	case KindPeerList:
		if len(m.PeerIPs) != len(other.PeerIPs) {
			return false
		}
		for i := range m.PeerIPs {
			if m.PeerIPs[i] != other.PeerIPs[i] {
				return false
			}
		}
		return true
	case KindArchiveResponse:
		if len(m.History) != len(other.History) {
			return false
		}
		for i := range m.History {
			if !m.History[i].Equal(other.History[i]) {
				return false
			}
		}
		return true
	case KindNotificationMessage:
		return m.Text == other.Text
	default:
		return true
	}
}
