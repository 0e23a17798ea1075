// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestHandshake_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	identity := "123456789012345"

	if err := WriteHandshake(&buf, identity); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got != identity {
		t.Errorf("expected identity %q, got %q", identity, got)
	}
}

func TestHandshake_RejectsBadIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity string
	}{
		{"14 digits", "12345678901234"},
		{"16 digits", "1234567890123456"},
		{"letters", "12345678901234a"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteHandshake(&buf, tt.identity); err != nil {
				t.Fatalf("WriteHandshake: %v", err)
			}
			if _, err := ReadHandshake(&buf); !errors.Is(err, ErrInvalidIdentity) {
				t.Errorf("expected ErrInvalidIdentity, got %v", err)
			}
		})
	}
}

func TestHandshakeReply_RoundTrip(t *testing.T) {
	for _, reply := range []byte{HandshakeAccept, HandshakeReject} {
		var buf bytes.Buffer
		if err := WriteHandshakeReply(&buf, reply); err != nil {
			t.Fatalf("WriteHandshakeReply: %v", err)
		}
		got, err := ReadHandshakeReply(&buf)
		if err != nil {
			t.Fatalf("ReadHandshakeReply: %v", err)
		}
		if got != reply {
			t.Errorf("expected reply 0x%02X, got 0x%02X", reply, got)
		}
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := []byte{CodecData, 0x00, 0x00}

	if err := WriteFrame(&buf, data); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.KeepAlive {
		t.Fatal("unexpected keep-alive")
	}
	if frame.Codec != CodecData {
		t.Errorf("expected codec 0x%02X, got 0x%02X", CodecData, frame.Codec)
	}
	if !bytes.Equal(frame.Data, data) {
		t.Errorf("expected data % X, got % X", data, frame.Data)
	}
}

func TestFrame_KeepAlive(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteKeepAlive(&buf); err != nil {
		t.Fatalf("WriteKeepAlive: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !frame.KeepAlive {
		t.Error("expected keep-alive frame")
	}
	if len(frame.Data) != 0 {
		t.Errorf("keep-alive carried %d data bytes", len(frame.Data))
	}
}

func TestFrame_CRCMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte{CodecData, 0x00, 0x00}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	// corrompe o último byte do CRC
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF

	if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrCRCMismatch) {
		t.Errorf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestFrame_BadPreamble(t *testing.T) {
	raw := []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrInvalidPreamble) {
		t.Errorf("expected ErrInvalidPreamble, got %v", err)
	}
}

func TestFrame_TooLarge(t *testing.T) {
	var raw bytes.Buffer
	raw.Write([]byte{0, 0, 0, 0})
	if err := binary.Write(&raw, binary.BigEndian, uint32(MaxDataLen+1)); err != nil {
		t.Fatalf("binary.Write: %v", err)
	}
	if _, err := ReadFrame(&raw); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrame_TruncatedData(t *testing.T) {
	var full bytes.Buffer
	if err := WriteFrame(&full, []byte{CodecData, 0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	// entrega apenas metade dos bytes
	raw := full.Bytes()
	if _, err := ReadFrame(bytes.NewReader(raw[:len(raw)/2])); err == nil {
		t.Error("expected error on truncated frame")
	}
}

func TestDataAck_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDataAck(&buf, 7); err != nil {
		t.Fatalf("WriteDataAck: %v", err)
	}
	got, err := ReadDataAck(&buf)
	if err != nil {
		t.Fatalf("ReadDataAck: %v", err)
	}
	if got != 7 {
		t.Errorf("expected ack count 7, got %d", got)
	}
}

func TestCommandFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		cmdType byte
		payload string
	}{
		{"request", CommandTypeRequest, "getinfo"},
		{"response", CommandTypeResponse, "OK"},
		{"long payload", CommandTypeRequest, "setparam 2004:pulse;2005:0;save"},
		{"binary-ish payload", CommandTypeResponse, "GPS:1;Sats:11;TTFF:35"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteCommandFrame(&buf, tt.cmdType, tt.payload); err != nil {
				t.Fatalf("WriteCommandFrame: %v", err)
			}

			frame, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if frame.Codec != CodecCommand {
				t.Fatalf("expected command codec, got 0x%02X", frame.Codec)
			}

			cmd, err := DecodeCommand(frame.Data)
			if err != nil {
				t.Fatalf("DecodeCommand: %v", err)
			}
			if cmd.Type != tt.cmdType {
				t.Errorf("expected type 0x%02X, got 0x%02X", tt.cmdType, cmd.Type)
			}
			if cmd.Payload != tt.payload {
				t.Errorf("expected payload %q, got %q", tt.payload, cmd.Payload)
			}
		})
	}
}

func TestEncodeCommand_Empty(t *testing.T) {
	if _, err := EncodeCommand(CommandTypeRequest, ""); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestDecodeCommand_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short region", []byte{CodecCommand, 0x01}},
		{"wrong codec", append([]byte{CodecData, 0x01, CommandTypeRequest, 0, 0, 0, 1}, 'x', 0x01)},
		{"quantity 2", append([]byte{CodecCommand, 0x02, CommandTypeRequest, 0, 0, 0, 1}, 'x', 0x02)},
		{"length overflow", append([]byte{CodecCommand, 0x01, CommandTypeRequest, 0, 0, 0, 9}, 'x', 0x01)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeCommand(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateIdentity(t *testing.T) {
	if err := ValidateIdentity("123456789012345"); err != nil {
		t.Errorf("valid identity rejected: %v", err)
	}
	for _, bad := range []string{"", "1234", "123456789012345678", "12345678901234x"} {
		if err := ValidateIdentity(bad); err == nil {
			t.Errorf("identity %q should be rejected", bad)
		}
	}
}

func TestCRC16_KnownVectors(t *testing.T) {
	// Vetores do CRC-16/IBM (ARC): poly 0xA001 refletido, init 0x0000.
	tests := []struct {
		data []byte
		want uint16
	}{
		{[]byte("123456789"), 0xBB3D},
		{[]byte{}, 0x0000},
		{[]byte{0x00}, 0x0000},
		{[]byte{0xFF}, 0x4040},
	}

	for _, tt := range tests {
		if got := CRC16(tt.data); got != tt.want {
			t.Errorf("CRC16(% X) = 0x%04X, want 0x%04X", tt.data, got, tt.want)
		}
	}
}
