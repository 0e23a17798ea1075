// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Formato da região de dados do codec de comando:
//
//	[CodecID 0x0C 1B] [Quantity 1B] [Type 1B] [PayloadLen uint32 4B]
//	[Payload UTF-8] [Quantity 1B trailer]
//
// Cada frame transporta exatamente um comando; múltiplos comandos são
// despachados em frames separados com um pequeno intervalo entre eles.

// EncodeCommand monta a região de dados de um frame do codec de comando.
func EncodeCommand(cmdType byte, payload string) ([]byte, error) {
	if payload == "" {
		return nil, ErrEmptyCommand
	}
	out := make([]byte, 0, 8+len(payload))
	out = append(out, CodecCommand, 0x01, cmdType)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	out = append(out, 0x01)
	return out, nil
}

// DecodeCommand decodifica a região de dados de um frame do codec de comando
// (data[0] == CodecCommand).
func DecodeCommand(data []byte) (*Command, error) {
	if len(data) < 8 {
		return nil, ErrTruncatedFrame
	}
	if data[0] != CodecCommand {
		return nil, ErrUnknownCodec
	}
	if data[1] != 0x01 {
		return nil, ErrCommandQuantity
	}
	cmdType := data[2]
	payloadLen := int(binary.BigEndian.Uint32(data[3:7]))
	if len(data) != 7+payloadLen+1 {
		return nil, fmt.Errorf("command declares %d payload bytes in a %d byte region: %w",
			payloadLen, len(data), ErrTruncatedFrame)
	}
	if data[len(data)-1] != 0x01 {
		return nil, ErrCommandQuantity
	}
	return &Command{
		Type:    cmdType,
		Payload: string(data[7 : 7+payloadLen]),
	}, nil
}
