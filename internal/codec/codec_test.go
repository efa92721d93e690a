package codec

import (
	"bytes"
	"testing"

	"chatchain/internal/message"
)

func mustChat(t *testing.T, text string) message.Chat {
	t.Helper()
	var verification [message.VerificationSize]byte
	var hash [message.HashSize]byte
	copy(verification[:], "0123456789abcdef")
	copy(hash[:], "fedcba9876543210")
	return message.NewChat(text, verification, hash)
}

func TestEncodeDecodeChatRoundTrip(t *testing.T) {
	chat := mustChat(t, "hello there")

	encoded, err := EncodeChat(chat)
	if err != nil {
		t.Fatalf("EncodeChat: %v", err)
	}

	wantLen := 1 + len(chat.Text) + message.VerificationSize + message.HashSize
	if len(encoded) != wantLen {
		t.Fatalf("encoded length = %d, want %d", len(encoded), wantLen)
	}

	decoded, err := DecodeChat(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("DecodeChat: %v", err)
	}
	if !decoded.Equal(chat) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, chat)
	}
}

func TestEncodeChatRejectsOversizeText(t *testing.T) {
	chat := mustChat(t, string(make([]byte, 256)))
	if _, err := EncodeChat(chat); err == nil {
		t.Fatal("expected error for text over 255 bytes, got nil")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	chat := mustChat(t, "msg1")

	cases := []message.Message{
		message.NewPeerRequest(),
		message.NewArchiveRequest(),
		message.NewPeerList([]string{"10.0.0.1", "192.168.1.2"}),
		message.NewArchiveResponse([]message.Chat{chat, mustChat(t, "msg2")}),
		message.NewNotification("hi"),
	}

	for _, m := range cases {
		encoded, err := EncodeMessage(m)
		if err != nil {
			t.Fatalf("EncodeMessage(%v): %v", m.Kind, err)
		}

		decoded, err := DecodeMessage(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("DecodeMessage(%v): %v", m.Kind, err)
		}

		if !decoded.Equal(m) {
			t.Errorf("round trip mismatch for %v: got %+v, want %+v", m.Kind, decoded, m)
		}
	}
}

func TestDecodeMessageUnknownTag(t *testing.T) {
	_, err := DecodeMessage(bytes.NewReader([]byte{0xFF}))
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
	var protoErr *ProtocolError
	if !errorsAs(err, &protoErr) {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
	if protoErr.Kind != ErrUnknownTag {
		t.Fatalf("Kind = %v, want ErrUnknownTag", protoErr.Kind)
	}
}

func TestDecodeMessageShortRead(t *testing.T) {
	// PeerList tag with a count but no IPs behind it.
	buf := []byte{byte(message.KindPeerList), 0x00, 0x00, 0x00, 0x01}
	_, err := DecodeMessage(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected short-read error")
	}
}

func TestPeerListSkipsUnparsableIPOnEncode(t *testing.T) {
	m := message.NewPeerList([]string{"10.0.0.1", "not-an-ip"})
	encoded, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	// The count (2) is written before the per-IP loop skips the
	// unparsable entry, so only one IP's worth of octets actually
	// follows it. Decoding that frame unframes the stream, surfacing
	// as a short read rather than silently recovering — the
	// count/payload mismatch documented in SPEC_FULL.md §9. Callers
	// must never hand the codec a peer table containing malformed
	// keys in the first place.
	if _, err := DecodeMessage(bytes.NewReader(encoded)); err == nil {
		t.Fatal("expected short-read error from count/payload mismatch")
	}
}

// errorsAs is a tiny wrapper so the test doesn't need a second import
// line for errors.As in every file that wants it.
func errorsAs(err error, target **ProtocolError) bool {
	for err != nil {
		if pe, ok := err.(*ProtocolError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
