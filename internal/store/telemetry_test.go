// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestInsertPositions(t *testing.T) {
	s, mock := newTestStore(t)
	recordedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	batch := []*Position{
		{Identity: "123456789012345", RecordedAt: recordedAt, ReceivedAt: testNow, Latitude: 12.9716, Longitude: 77.5946, Speed: 60, Fingerprint: "aa00000000000000000000000000000a"},
		{Identity: "123456789012345", RecordedAt: recordedAt.Add(time.Second), ReceivedAt: testNow, Latitude: 12.9717, Longitude: 77.5947, Speed: 61, Fingerprint: "bb00000000000000000000000000000b"},
		{Identity: "123456789012345", RecordedAt: recordedAt, ReceivedAt: testNow, Latitude: 12.9716, Longitude: 77.5946, Speed: 60, Fingerprint: "aa00000000000000000000000000000a"},
	}

	mock.ExpectBegin()
	// A terceira linha conflita no fingerprint e é ignorada.
	mock.ExpectExec(`INSERT INTO "positions"`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	inserted, err := s.InsertPositions(context.Background(), batch)
	if err != nil {
		t.Fatalf("InsertPositions: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}
	expectationsMet(t, mock)
}

func TestInsertPositions_EmptyBatch(t *testing.T) {
	s, _ := newTestStore(t)

	inserted, err := s.InsertPositions(context.Background(), nil)
	if err != nil {
		t.Fatalf("InsertPositions: %v", err)
	}
	if inserted != 0 {
		t.Errorf("inserted = %d, want 0", inserted)
	}
}

func TestPositionsPage(t *testing.T) {
	s, mock := newTestStore(t)
	recordedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cols := []string{"id", "identity", "sequence", "recorded_at", "received_at", "priority", "latitude", "longitude", "altitude", "heading", "satellites", "speed", "event_id", "ignition", "mileage", "network_type", "io", "fingerprint", "invalid"}
	mock.ExpectQuery(`SELECT (.+) FROM "positions" AS "p"`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(10), "123456789012345", int64(1), recordedAt, testNow, int16(0), 12.9716, 77.5946, int16(920), int32(180), int16(11), int32(60), int16(0), true, int64(1234567), "3g", []byte(`{"239":1}`), "aa00000000000000000000000000000a", false).
			AddRow(int64(11), "123456789012345", int64(2), recordedAt.Add(time.Second), testNow, int16(0), 12.9717, 77.5947, int16(920), int32(181), int16(11), int32(61), int16(0), true, int64(1234590), "3g", []byte(`{"239":1}`), "bb00000000000000000000000000000b", false))

	scope := Scope{Identity: "123456789012345", DateFrom: recordedAt, DateTo: recordedAt.Add(24 * time.Hour)}
	rows, err := s.PositionsPage(context.Background(), scope, 0, 500)
	if err != nil {
		t.Fatalf("PositionsPage: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].ID != 10 || rows[1].ID != 11 {
		t.Errorf("unexpected ids: %d, %d", rows[0].ID, rows[1].ID)
	}
	if rows[0].IO[239] != 1 {
		t.Errorf("IO[239] = %d, want 1", rows[0].IO[239])
	}
	expectationsMet(t, mock)
}

func TestCountPositionsSince(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := s.CountPositionsSince(context.Background(), testNow.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountPositionsSince: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d, want 42", n)
	}
	expectationsMet(t, mock)
}
