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

func TestFlushEngineBatch(t *testing.T) {
	s, mock := newTestStore(t)
	occurredAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	batch := &EngineBatch{
		Metrics: []*MetricEvent{
			{Identity: "123456789012345", Calculator: "mileage", Metric: "distance_km", Value: 1.2, OccurredAt: occurredAt, CreatedAt: testNow},
		},
		Violations: []*Violation{
			{Identity: "123456789012345", Calculator: "overspeed", FormulaVersion: 2, Value: 95, Threshold: 80, OccurredAt: occurredAt, CreatedAt: testNow},
		},
		States: []*DeviceState{
			{Identity: "123456789012345", LastLatitude: 12.9716, LastLongitude: 77.5946, LastSpeed: 60, LastIgnition: true, LastSeenAt: occurredAt, UpdatedAt: testNow},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "metric_events"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "violations"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "device_state"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.FlushEngineBatch(context.Background(), batch); err != nil {
		t.Fatalf("FlushEngineBatch: %v", err)
	}
	expectationsMet(t, mock)
}

func TestFlushEngineBatch_Empty(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.FlushEngineBatch(context.Background(), &EngineBatch{}); err != nil {
		t.Fatalf("FlushEngineBatch: %v", err)
	}
}

func TestDeleteViolationsInScope(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`DELETE FROM "violations"`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	scope := Scope{Identity: "123456789012345", DateFrom: testNow.Add(-24 * time.Hour), DateTo: testNow}
	n, err := s.DeleteViolationsInScope(context.Background(), scope)
	if err != nil {
		t.Fatalf("DeleteViolationsInScope: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
	expectationsMet(t, mock)
}

func TestDeleteViolationsInScope_Global(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`DELETE FROM "violations"`).
		WillReturnResult(sqlmock.NewResult(0, 100))

	n, err := s.DeleteViolationsInScope(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("DeleteViolationsInScope: %v", err)
	}
	if n != 100 {
		t.Errorf("deleted = %d, want 100", n)
	}
	expectationsMet(t, mock)
}

func TestLoadCatalog(t *testing.T) {
	s, mock := newTestStore(t)

	cols := []string{"name", "version", "enabled", "params", "updated_at"}
	mock.ExpectQuery(`SELECT (.+) FROM "calculator_catalog"`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ignition", 1, true, []byte(`{}`), testNow).
			AddRow("overspeed", 2, true, []byte(`{"default_limit":80}`), testNow))

	entries, err := s.LoadCatalog(context.Background())
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[1].Name != "overspeed" || entries[1].Version != 2 {
		t.Errorf("unexpected entry: %+v", entries[1])
	}
	expectationsMet(t, mock)
}

func TestSaveCatalogVersion(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO "calculator_catalog"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SaveCatalogVersion(context.Background(), "overspeed", 3, testNow); err != nil {
		t.Fatalf("SaveCatalogVersion: %v", err)
	}
	expectationsMet(t, mock)
}

func TestDeviceConfigByIdentity_NotFound(t *testing.T) {
	s, mock := newTestStore(t)

	cols := []string{"identity", "tenant", "label", "speed_limit", "updated_at"}
	mock.ExpectQuery(`SELECT (.+) FROM "device_config"`).
		WillReturnRows(sqlmock.NewRows(cols))

	cfg, err := s.DeviceConfigByIdentity(context.Background(), "000000000000000")
	if err != nil {
		t.Fatalf("DeviceConfigByIdentity: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config, got %+v", cfg)
	}
	expectationsMet(t, mock)
}

func TestRefreshView(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`REFRESH MATERIALIZED VIEW CONCURRENTLY "fleet_daily_summary"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.RefreshView(context.Background(), "fleet_daily_summary"); err != nil {
		t.Fatalf("RefreshView: %v", err)
	}
	expectationsMet(t, mock)
}
