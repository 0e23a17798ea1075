// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteHandshake escreve o frame de identidade (dispositivo → Gateway).
// Formato: [Len uint16 2B] [Identity ASCII]
func WriteHandshake(w io.Writer, identity string) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(identity)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing handshake length: %w", err)
	}
	if _, err := w.Write([]byte(identity)); err != nil {
		return fmt.Errorf("writing handshake identity: %w", err)
	}
	return nil
}

// WriteHandshakeReply escreve o byte de aceite/rejeição (Gateway → dispositivo).
func WriteHandshakeReply(w io.Writer, reply byte) error {
	if _, err := w.Write([]byte{reply}); err != nil {
		return fmt.Errorf("writing handshake reply: %w", err)
	}
	return nil
}

// WriteFrame envelopa uma região de dados com preamble, tamanho e CRC.
// Formato: [Preamble 0x00000000 4B] [DataLen uint32 4B] [Data] [CRC uint32 4B]
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxDataLen {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 0, 12+len(data))
	buf = append(buf, 0, 0, 0, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(CRC16(data)))
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// WriteKeepAlive escreve um frame de tamanho zero.
func WriteKeepAlive(w io.Writer) error {
	var buf [12]byte
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing keep-alive: %w", err)
	}
	return nil
}

// WriteDataAck escreve a contagem de registros aceitos (Gateway → dispositivo).
func WriteDataAck(w io.Writer, count uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], count)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing data ack: %w", err)
	}
	return nil
}

// WriteCommandFrame codifica um comando no codec de comando e o envelopa em
// um frame completo (Gateway → dispositivo, e o inverso nas respostas).
func WriteCommandFrame(w io.Writer, cmdType byte, payload string) error {
	data, err := EncodeCommand(cmdType, payload)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}
