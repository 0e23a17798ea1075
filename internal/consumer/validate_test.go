// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package consumer

import (
	"testing"
	"time"

	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

func validRecord() *protocol.Record {
	return &protocol.Record{
		Identity:  "123456789012345",
		Sequence:  7,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Priority:  1,
		Position: protocol.Position{
			Latitude:   12.9716,
			Longitude:  77.5946,
			Altitude:   920,
			Heading:    180,
			Speed:      60,
			Satellites: 9,
		},
		Ignition:    true,
		Mileage:     123456,
		NetworkType: "gsm",
		Fingerprint: "00112233445566778899aabbccddeeff",
	}
}

func TestValidateRecord_Classification(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*protocol.Record)
		reason string
		field  string
	}{
		{"valid", func(r *protocol.Record) {}, "", ""},
		{"missing identity", func(r *protocol.Record) { r.Identity = "" }, ReasonMissingIdentity, "identity"},
		{"zero timestamp", func(r *protocol.Record) { r.Timestamp = time.Time{} }, ReasonInvalidTimestamp, "timestamp"},
		{"latitude under range", func(r *protocol.Record) { r.Position.Latitude = -90.5 }, ReasonInvalidPosition, "latitude"},
		{"latitude over range", func(r *protocol.Record) { r.Position.Latitude = 91 }, ReasonInvalidPosition, "latitude"},
		{"longitude over range", func(r *protocol.Record) { r.Position.Longitude = 180.2 }, ReasonInvalidPosition, "longitude"},
		// Timestamp implausível marcado no decode não é recusa: a linha é
		// persistida com a flag e filtrada nas consultas.
		{"invalid flag passes", func(r *protocol.Record) { r.Invalid = true }, "", ""},
		{"boundary latitude passes", func(r *protocol.Record) { r.Position.Latitude = -90 }, "", ""},
		{"boundary longitude passes", func(r *protocol.Record) { r.Position.Longitude = 180 }, "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := validRecord()
			tc.mutate(rec)
			rej := validateRecord(rec)
			if tc.reason == "" {
				if rej != nil {
					t.Fatalf("validateRecord: recusa inesperada %s/%s", rej.Reason, rej.Field)
				}
				return
			}
			if rej == nil {
				t.Fatalf("validateRecord: esperava recusa %s", tc.reason)
			}
			if rej.Reason != tc.reason || rej.Field != tc.field {
				t.Fatalf("validateRecord: esperado %s/%s, veio %s/%s", tc.reason, tc.field, rej.Reason, rej.Field)
			}
		})
	}
}

func TestToPosition_Mapping(t *testing.T) {
	rec := validRecord()
	rec.IO = map[uint8]uint64{239: 1, 66: 12400}
	received := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)

	row := toPosition(rec, received)

	if row.Identity != rec.Identity {
		t.Fatalf("Identity: esperado %s, veio %s", rec.Identity, row.Identity)
	}
	if row.Sequence != int64(rec.Sequence) {
		t.Fatalf("Sequence: esperado %d, veio %d", rec.Sequence, row.Sequence)
	}
	if !row.RecordedAt.Equal(rec.Timestamp) {
		t.Fatalf("RecordedAt: esperado %v, veio %v", rec.Timestamp, row.RecordedAt)
	}
	if !row.ReceivedAt.Equal(received) {
		t.Fatalf("ReceivedAt: esperado %v, veio %v", received, row.ReceivedAt)
	}
	if row.Latitude != rec.Position.Latitude || row.Longitude != rec.Position.Longitude {
		t.Fatalf("posição divergente: %f,%f", row.Latitude, row.Longitude)
	}
	if row.Speed != int32(rec.Position.Speed) || row.Heading != int32(rec.Position.Heading) {
		t.Fatalf("speed/heading divergente: %d,%d", row.Speed, row.Heading)
	}
	if row.Satellites != int16(rec.Position.Satellites) || row.Altitude != rec.Position.Altitude {
		t.Fatalf("satellites/altitude divergente: %d,%d", row.Satellites, row.Altitude)
	}
	if !row.Ignition || row.Mileage != int64(rec.Mileage) {
		t.Fatalf("ignition/mileage divergente: %v,%d", row.Ignition, row.Mileage)
	}
	if row.Fingerprint != rec.Fingerprint {
		t.Fatalf("Fingerprint: esperado %s, veio %s", rec.Fingerprint, row.Fingerprint)
	}
	if len(row.IO) != 2 || row.IO[66] != 12400 {
		t.Fatalf("IO divergente: %v", row.IO)
	}
	if row.Invalid {
		t.Fatal("Invalid: marcado sem motivo")
	}
}

func TestToPosition_ZeroReceivedAtFallsBack(t *testing.T) {
	before := time.Now().UTC()
	row := toPosition(validRecord(), time.Time{})
	after := time.Now().UTC()

	if row.ReceivedAt.Before(before) || row.ReceivedAt.After(after) {
		t.Fatalf("ReceivedAt: fora da janela do relógio local: %v", row.ReceivedAt)
	}
}
