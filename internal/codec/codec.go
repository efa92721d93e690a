// Package codec implements the binary wire protocol used between chat
// nodes: length-prefixed, big-endian framing for the five message
// variants and for the Chat records carried inside ArchiveResponse.
//
// Serialization is total by value (EncodeMessage/EncodeChat always
// return a complete byte slice). Deserialization streams off an
// io.Reader one field at a time via io.ReadFull, matching the style of
// the teacher's p2p.DecodeMessage: short reads surface as errors rather
// than being buffered and retried.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"chatchain/internal/message"
)

// ErrorKind discriminates the protocol-level failures a peer connection
// can hit while decoding.
type ErrorKind int

const (
	// ErrUnknownTag means the leading type byte did not match any of
	// the five known message kinds.
	ErrUnknownTag ErrorKind = iota
	// ErrShortRead means fewer bytes were available than the frame
	// declared.
	ErrShortRead
	// ErrFieldTooLarge means a length-prefixed field would not fit in
	// its declared width (e.g. text over 255 bytes).
	ErrFieldTooLarge
)

// ProtocolError is returned for any malformed frame. The connection
// that produced it must be torn down; the error is never retried.
type ProtocolError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case ErrUnknownTag:
		return fmt.Sprintf("codec: unknown message tag: %v", e.Err)
	case ErrFieldTooLarge:
		return fmt.Sprintf("codec: field too large: %v", e.Err)
	default:
		return fmt.Sprintf("codec: short read: %v", e.Err)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func shortRead(err error) error {
	return &ProtocolError{Kind: ErrShortRead, Err: err}
}

// EncodeChat serializes a Chat as: 1-byte length, text bytes,
// 16 verification bytes, 16 hash bytes. Total size is 33+len(text).
func EncodeChat(c message.Chat) ([]byte, error) {
	if len(c.Text) == 0 || len(c.Text) > message.MaxTextLen {
		return nil, fmt.Errorf("codec: chat text length %d out of range [1,%d]", len(c.Text), message.MaxTextLen)
	}

	buf := make([]byte, 0, 1+len(c.Text)+message.VerificationSize+message.HashSize)
	buf = append(buf, byte(len(c.Text)))
	buf = append(buf, c.Text...)
	buf = append(buf, c.VerificationCode[:]...)
	buf = append(buf, c.MD5Hash[:]...)
	return buf, nil
}

// DecodeChat reads one Chat frame from r.
func DecodeChat(r io.Reader) (message.Chat, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return message.Chat{}, shortRead(err)
	}
	textLen := int(lenBuf[0])

	textBuf := make([]byte, textLen)
	if textLen > 0 {
		if _, err := io.ReadFull(r, textBuf); err != nil {
			return message.Chat{}, shortRead(err)
		}
	}

	var verification [message.VerificationSize]byte
	if _, err := io.ReadFull(r, verification[:]); err != nil {
		return message.Chat{}, shortRead(err)
	}

	var hash [message.HashSize]byte
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return message.Chat{}, shortRead(err)
	}

	return message.NewChat(string(textBuf), verification, hash), nil
}

// EncodeMessage serializes a full Message frame: type tag followed by
// the variant-specific payload described in the wire protocol.
func EncodeMessage(m message.Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(m.Kind))

	switch m.Kind {
	case message.KindPeerRequest, message.KindArchiveRequest:
		// No payload.

	case message.KindPeerList:
		// The count is written before the per-IP loop; an IP that
		// fails to parse into four octets is skipped rather than
		// aborting the whole encode. The node only ever inserts
		// well-formed dotted-quad keys into the peer table, so in
		// practice this mismatch is unreachable (see SPEC_FULL.md §9).
		if err := binary.Write(buf, binary.BigEndian, uint32(len(m.PeerIPs))); err != nil {
			return nil, err
		}
		for _, ip := range m.PeerIPs {
			octets, ok := parseIPv4Octets(ip)
			if !ok {
				continue
			}
			buf.Write(octets[:])
		}

	case message.KindArchiveResponse:
		if err := binary.Write(buf, binary.BigEndian, uint32(len(m.History))); err != nil {
			return nil, err
		}
		for _, chat := range m.History {
			chatBytes, err := EncodeChat(chat)
			if err != nil {
				return nil, err
			}
			buf.Write(chatBytes)
		}

	case message.KindNotificationMessage:
		if len(m.Text) > message.MaxTextLen {
			return nil, fmt.Errorf("codec: notification text length %d exceeds %d", len(m.Text), message.MaxTextLen)
		}
		buf.WriteByte(byte(len(m.Text)))
		buf.WriteString(m.Text)

	default:
		return nil, fmt.Errorf("codec: cannot encode unknown message kind %d", m.Kind)
	}

	return buf.Bytes(), nil
}

// DecodeMessage reads one framed Message from r, blocking until the
// whole frame has arrived or the connection errors out.
func DecodeMessage(r io.Reader) (message.Message, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return message.Message{}, shortRead(err)
	}
	kind := message.Kind(tagBuf[0])

	switch kind {
	case message.KindPeerRequest:
		return message.NewPeerRequest(), nil

	case message.KindArchiveRequest:
		return message.NewArchiveRequest(), nil

	case message.KindPeerList:
		count, err := readUint32(r)
		if err != nil {
			return message.Message{}, err
		}
		ips := make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			var octets [4]byte
			if _, err := io.ReadFull(r, octets[:]); err != nil {
				return message.Message{}, shortRead(err)
			}
			ips = append(ips, formatIPv4(octets))
		}
		return message.NewPeerList(ips), nil

	case message.KindArchiveResponse:
		count, err := readUint32(r)
		if err != nil {
			return message.Message{}, err
		}
		history := make([]message.Chat, 0, count)
		for i := uint32(0); i < count; i++ {
			chat, err := DecodeChat(r)
			if err != nil {
				return message.Message{}, err
			}
			history = append(history, chat)
		}
		return message.NewArchiveResponse(history), nil

	case message.KindNotificationMessage:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return message.Message{}, shortRead(err)
		}
		textBuf := make([]byte, lenBuf[0])
		if lenBuf[0] > 0 {
			if _, err := io.ReadFull(r, textBuf); err != nil {
				return message.Message{}, shortRead(err)
			}
		}
		return message.NewNotification(string(textBuf)), nil

	default:
		return message.Message{}, &ProtocolError{Kind: ErrUnknownTag, Err: fmt.Errorf("tag 0x%02x", tagBuf[0])}
	}
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// parseIPv4Octets parses a dotted-quad IPv4 string into its four raw
// octets without pulling in net.ParseIP's IPv6-aware machinery.
func parseIPv4Octets(ip string) ([4]byte, bool) {
	var octets [4]byte
	parts := 0
	value := 0
	digits := 0
	for i := 0; i <= len(ip); i++ {
		if i == len(ip) || ip[i] == '.' {
			if digits == 0 || digits > 3 || value > 255 || parts >= 4 {
				return [4]byte{}, false
			}
			octets[parts] = byte(value)
			parts++
			value = 0
			digits = 0
			continue
		}
		c := ip[i]
		if c < '0' || c > '9' {
			return [4]byte{}, false
		}
		value = value*10 + int(c-'0')
		digits++
	}
	if parts != 4 {
		return [4]byte{}, false
	}
	return octets, true
}

func formatIPv4(octets [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], octets[3])
}
