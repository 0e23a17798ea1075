// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// coordScale converte graus inteiros (1e-7) para float e vice-versa.
const coordScale = 1e7

// DecodeOptions parametriza a normalização feita durante o decode do codec
// de dados. O offset é o fuso local configurado do dispositivo: o timestamp
// do wire é tratado como horário local e convertido para UTC subtraindo-o.
type DecodeOptions struct {
	UTCOffset       time.Duration
	IgnitionChannel uint8
	MileageChannel  uint8
	NetworkChannel  uint8
	Now             time.Time // base para validação de plausibilidade; zero = time.Now()
}

// Formato de um registro do codec de dados:
//
//	[Timestamp uint64 8B ms] [Priority 1B]
//	[Longitude int32 4B 1e-7°] [Latitude int32 4B 1e-7°]
//	[Altitude int16 2B] [Heading uint16 2B] [Satellites 1B] [Speed uint16 2B]
//	[EventID 1B] [TotalIO 1B]
//	[N1 1B] N1×[ID 1B][Val 1B]
//	[N2 1B] N2×[ID 1B][Val uint16]
//	[N4 1B] N4×[ID 1B][Val uint32]
//	[N8 1B] N8×[ID 1B][Val uint64]

// DecodeRecords decodifica a região de dados de um frame do codec de dados
// (data[0] == CodecData). Retorna os registros na ordem do wire; Identity e
// Sequence ficam por conta do chamador.
func DecodeRecords(data []byte, opts DecodeOptions) ([]Record, error) {
	if len(data) < 3 {
		return nil, ErrTruncatedFrame
	}
	if data[0] != CodecData {
		return nil, ErrUnknownCodec
	}
	count := int(data[1])

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	cur := &cursor{buf: data, off: 2}
	records := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		start := cur.off
		rec, err := decodeRecord(cur, opts, now)
		if err != nil {
			return nil, fmt.Errorf("decoding record %d: %w", i, err)
		}
		sum := sha256.Sum256(data[start:cur.off])
		rec.Fingerprint = hex.EncodeToString(sum[:16])
		records = append(records, rec)
	}

	trailer, err := cur.u8()
	if err != nil {
		return nil, fmt.Errorf("reading record count trailer: %w", err)
	}
	if int(trailer) != count {
		return nil, ErrRecordCount
	}
	return records, nil
}

func decodeRecord(cur *cursor, opts DecodeOptions, now time.Time) (Record, error) {
	var rec Record

	rawMs, err := cur.u64()
	if err != nil {
		return rec, fmt.Errorf("timestamp: %w", err)
	}
	prio, err := cur.u8()
	if err != nil {
		return rec, fmt.Errorf("priority: %w", err)
	}
	lon, err := cur.i32()
	if err != nil {
		return rec, fmt.Errorf("longitude: %w", err)
	}
	lat, err := cur.i32()
	if err != nil {
		return rec, fmt.Errorf("latitude: %w", err)
	}
	alt, err := cur.i16()
	if err != nil {
		return rec, fmt.Errorf("altitude: %w", err)
	}
	heading, err := cur.u16()
	if err != nil {
		return rec, fmt.Errorf("heading: %w", err)
	}
	sats, err := cur.u8()
	if err != nil {
		return rec, fmt.Errorf("satellites: %w", err)
	}
	speed, err := cur.u16()
	if err != nil {
		return rec, fmt.Errorf("speed: %w", err)
	}
	eventID, err := cur.u8()
	if err != nil {
		return rec, fmt.Errorf("event id: %w", err)
	}
	io, err := decodeIO(cur)
	if err != nil {
		return rec, err
	}

	// Timestamp do wire é horário local do dispositivo; normaliza para UTC.
	ts := time.UnixMilli(int64(rawMs)).UTC().Add(-opts.UTCOffset)

	rec = Record{
		Timestamp: ts,
		Priority:  prio,
		Position: Position{
			Latitude:   float64(lat) / coordScale,
			Longitude:  float64(lon) / coordScale,
			Altitude:   alt,
			Heading:    heading,
			Speed:      speed,
			Satellites: sats,
		},
		IO:      io,
		EventID: eventID,
	}

	if ts.Year() < 2000 || ts.After(now.AddDate(1, 0, 0)) {
		rec.Invalid = true
	}
	rec.Ignition = io[opts.IgnitionChannel] != 0
	rec.Mileage = io[opts.MileageChannel]
	rec.NetworkType = networkTypeLabel(io[opts.NetworkChannel])
	return rec, nil
}

// decodeIO lê as quatro classes de tamanho do bloco de I/O.
func decodeIO(cur *cursor) (map[uint8]uint64, error) {
	total, err := cur.u8()
	if err != nil {
		return nil, fmt.Errorf("io total: %w", err)
	}
	io := make(map[uint8]uint64, total)

	widths := []int{1, 2, 4, 8}
	for _, width := range widths {
		n, err := cur.u8()
		if err != nil {
			return nil, fmt.Errorf("io count (width %d): %w", width, err)
		}
		for i := 0; i < int(n); i++ {
			id, err := cur.u8()
			if err != nil {
				return nil, fmt.Errorf("io id (width %d): %w", width, err)
			}
			val, err := cur.uint(width)
			if err != nil {
				return nil, fmt.Errorf("io value (width %d): %w", width, err)
			}
			io[id] = val
		}
	}
	if len(io) != int(total) {
		return nil, fmt.Errorf("io block declares %d elements, decoded %d: %w", total, len(io), ErrTruncatedFrame)
	}
	return io, nil
}

func networkTypeLabel(v uint64) string {
	switch v {
	case 1:
		return "2g"
	case 2:
		return "3g"
	case 3:
		return "4g"
	default:
		return "unknown"
	}
}

// RecordDraft descreve um registro a codificar no codec de dados. O lado
// Gateway só decodifica; o encoder existe para o simulador de dispositivos e
// para os testes.
type RecordDraft struct {
	Timestamp  time.Time
	Priority   uint8
	Latitude   float64
	Longitude  float64
	Altitude   int16
	Heading    uint16
	Satellites uint8
	Speed      uint16
	EventID    uint8
	IO         map[uint8]uint64
}

// EncodeRecords monta a região de dados (codec id + corpo) para os drafts.
// Cada valor de I/O vai na menor classe de tamanho que o comporta.
func EncodeRecords(drafts []RecordDraft) []byte {
	out := []byte{CodecData, byte(len(drafts))}
	for _, d := range drafts {
		out = appendRecord(out, d)
	}
	out = append(out, byte(len(drafts)))
	return out
}

func appendRecord(out []byte, d RecordDraft) []byte {
	out = binary.BigEndian.AppendUint64(out, uint64(d.Timestamp.UnixMilli()))
	out = append(out, d.Priority)
	out = binary.BigEndian.AppendUint32(out, uint32(int32(math.Round(d.Longitude*coordScale))))
	out = binary.BigEndian.AppendUint32(out, uint32(int32(math.Round(d.Latitude*coordScale))))
	out = binary.BigEndian.AppendUint16(out, uint16(d.Altitude))
	out = binary.BigEndian.AppendUint16(out, d.Heading)
	out = append(out, d.Satellites)
	out = binary.BigEndian.AppendUint16(out, d.Speed)
	out = append(out, d.EventID)

	var ids1, ids2, ids4, ids8 []uint8
	for id, val := range d.IO {
		switch {
		case val <= 0xFF:
			ids1 = append(ids1, id)
		case val <= 0xFFFF:
			ids2 = append(ids2, id)
		case val <= 0xFFFFFFFF:
			ids4 = append(ids4, id)
		default:
			ids8 = append(ids8, id)
		}
	}
	sortIDs(ids1)
	sortIDs(ids2)
	sortIDs(ids4)
	sortIDs(ids8)

	out = append(out, byte(len(d.IO)))
	out = append(out, byte(len(ids1)))
	for _, id := range ids1 {
		out = append(out, id, byte(d.IO[id]))
	}
	out = append(out, byte(len(ids2)))
	for _, id := range ids2 {
		out = append(out, id)
		out = binary.BigEndian.AppendUint16(out, uint16(d.IO[id]))
	}
	out = append(out, byte(len(ids4)))
	for _, id := range ids4 {
		out = append(out, id)
		out = binary.BigEndian.AppendUint32(out, uint32(d.IO[id]))
	}
	out = append(out, byte(len(ids8)))
	for _, id := range ids8 {
		out = append(out, id)
		out = binary.BigEndian.AppendUint64(out, d.IO[id])
	}
	return out
}

// sortIDs ordena in-place para tornar o encode determinístico.
func sortIDs(ids []uint8) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// cursor percorre um buffer com verificação de limites.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) take(n int) ([]byte, error) {
	if c.off+n > len(c.buf) {
		return nil, ErrTruncatedFrame
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) u8() (byte, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) i16() (int16, error) {
	v, err := c.u16()
	return int16(v), err
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *cursor) i32() (int32, error) {
	v, err := c.u32()
	return int32(v), err
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (c *cursor) uint(width int) (uint64, error) {
	switch width {
	case 1:
		v, err := c.u8()
		return uint64(v), err
	case 2:
		v, err := c.u16()
		return uint64(v), err
	case 4:
		v, err := c.u32()
		return uint64(v), err
	default:
		return c.u64()
	}
}
