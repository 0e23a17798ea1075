// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxIdentityFrame limita o frame de handshake; identidades válidas têm 15
// bytes, mas o limite folgado permite logar o conteúdo rejeitado.
const maxIdentityFrame = 64

// ReadHandshake lê o frame de identidade (dispositivo → Gateway).
// Formato: [Len uint16 2B] [Identity ASCII]
// A identidade retornada já está validada (exatamente 15 dígitos).
func ReadHandshake(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("reading handshake length: %w", err)
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n == 0 || n > maxIdentityFrame {
		return "", ErrInvalidIdentity
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading handshake identity: %w", err)
	}
	identity := string(buf)
	if err := ValidateIdentity(identity); err != nil {
		return identity, err
	}
	return identity, nil
}

// ReadFrame lê exatamente um frame do stream, remontando bytes entre reads do
// kernel via io.ReadFull. Formato:
//
//	[Preamble 0x00000000 4B] [DataLen uint32 4B] [Data] [CRC uint32 4B]
//
// DataLen zero é keep-alive (CRC da região vazia, 0x00000000). O CRC cobre a
// região de dados inteira, do byte de codec ao trailer.
func ReadFrame(r io.Reader) (*Frame, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	if binary.BigEndian.Uint32(head[0:4]) != 0 {
		return nil, ErrInvalidPreamble
	}
	dataLen := binary.BigEndian.Uint32(head[4:8])
	if dataLen > MaxDataLen {
		return nil, ErrFrameTooLarge
	}

	if dataLen == 0 {
		var crcBuf [4]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			return nil, fmt.Errorf("reading keep-alive crc: %w", err)
		}
		if binary.BigEndian.Uint32(crcBuf[:]) != 0 {
			return nil, ErrCRCMismatch
		}
		return &Frame{KeepAlive: true}, nil
	}

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading frame data: %w", err)
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, fmt.Errorf("reading frame crc: %w", err)
	}
	if binary.BigEndian.Uint32(crcBuf[:]) != uint32(CRC16(data)) {
		return nil, ErrCRCMismatch
	}

	return &Frame{Codec: data[0], Data: data}, nil
}

// ReadHandshakeReply lê o byte de resposta ao handshake (Gateway → dispositivo).
func ReadHandshakeReply(r io.Reader) (byte, error) {
	var reply [1]byte
	if _, err := io.ReadFull(r, reply[:]); err != nil {
		return 0, fmt.Errorf("reading handshake reply: %w", err)
	}
	return reply[0], nil
}

// ReadDataAck lê o ack de um frame de dados: contagem de registros aceitos
// (Gateway → dispositivo).
func ReadDataAck(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("reading data ack: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
