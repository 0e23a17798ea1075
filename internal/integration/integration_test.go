package integration

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nishisan-dev/n-fleet/internal/broker"
	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/gateway"
	"github.com/nishisan-dev/n-fleet/internal/observability"
	"github.com/nishisan-dev/n-fleet/internal/protocol"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

const deviceIdentity = "356938035643809"

// TestEndToEnd_TelemetryRidesOutBrokerOutage testa o fluxo completo com o
// broker fora do ar: dispositivo conecta → Handshake → frames de telemetria
// → acks. Os registros ackados ficam represados no staging até o broker
// voltar; o dispositivo nunca percebe a outage.
func TestEndToEnd_TelemetryRidesOutBrokerOutage(t *testing.T) {
	cfg := loadTestConfig(t)
	addr, gw, ring, stop := startGateway(t, cfg)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer conn.Close()

	// 1. Handshake
	if err := protocol.WriteHandshake(conn, deviceIdentity); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := protocol.ReadHandshakeReply(conn)
	if err != nil {
		t.Fatalf("ReadHandshakeReply: %v", err)
	}
	if reply != protocol.HandshakeAccept {
		t.Fatalf("expected accept, got 0x%02x", reply)
	}

	// 2. Dois frames (2 + 1 registros), cada um ackado
	ts := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	frames := [][]protocol.RecordDraft{
		{
			{Timestamp: ts, Priority: 1, Latitude: -23.5505, Longitude: -46.6333, Speed: 42, Satellites: 11},
			{Timestamp: ts.Add(5 * time.Second), Priority: 1, Latitude: -23.5510, Longitude: -46.6340, Speed: 45, Satellites: 11},
		},
		{
			{Timestamp: ts.Add(10 * time.Second), Priority: 1, Latitude: -23.5520, Longitude: -46.6350, Speed: 47, Satellites: 10},
		},
	}
	for i, drafts := range frames {
		if err := protocol.WriteFrame(conn, protocol.EncodeRecords(drafts)); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		count, err := protocol.ReadDataAck(conn)
		if err != nil {
			t.Fatalf("ReadDataAck %d: %v", i, err)
		}
		if count != uint32(len(drafts)) {
			t.Fatalf("frame %d: ack count %d, expected %d", i, count, len(drafts))
		}
	}

	// 3. Nada publicado, nada perdido: tudo no staging
	waitFor(t, 2*time.Second, func() bool { return gw.StagingDepth() == 3 }, "records not staged")
	if got := gw.Stats().RecordsIn.Load(); got != 3 {
		t.Errorf("RecordsIn = %d, expected 3", got)
	}
	if got := gw.Stats().FramesIn.Load(); got != 2 {
		t.Errorf("FramesIn = %d, expected 2", got)
	}
	if got := gw.Stats().AcksOut.Load(); got != 2 {
		t.Errorf("AcksOut = %d, expected 2", got)
	}
	if got := gw.Stats().RecordsPublished.Load(); got != 0 {
		t.Errorf("RecordsPublished = %d during outage, expected 0", got)
	}

	// 4. Conexão visível na tabela e no journal
	conns := gw.Connections()
	if len(conns) != 1 || conns[0].Identity != deviceIdentity {
		t.Fatalf("Connections = %+v, expected one entry for %s", conns, deviceIdentity)
	}
	waitFor(t, 2*time.Second, func() bool { return hasEvent(ring, "connect") }, "connect event not journaled")

	// 5. Desconexão limpa remove da tabela e registra o evento
	conn.Close()
	waitFor(t, 2*time.Second, func() bool { return hasEvent(ring, "disconnect") }, "disconnect event not journaled")
	waitFor(t, 2*time.Second, func() bool { return len(gw.Connections()) == 0 }, "connection not removed from table")
}

// TestEndToEnd_MalformedIdentityRejected testa que uma identidade inválida
// recebe o reject, não entra na tabela e aparece no journal.
func TestEndToEnd_MalformedIdentityRejected(t *testing.T) {
	cfg := loadTestConfig(t)
	addr, gw, ring, stop := startGateway(t, cfg)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteHandshake(conn, "1234"); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := protocol.ReadHandshakeReply(conn)
	if err != nil {
		t.Fatalf("ReadHandshakeReply: %v", err)
	}
	if reply != protocol.HandshakeReject {
		t.Fatalf("expected reject 0x00, got 0x%02x", reply)
	}

	// O gateway fecha a conexão depois do reject
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection closed after reject")
	}

	waitFor(t, 2*time.Second, func() bool { return gw.Stats().HandshakeRejects.Load() == 1 }, "reject not counted")
	if conns := gw.Connections(); len(conns) != 0 {
		t.Errorf("Connections = %+v, expected empty", conns)
	}
	if !hasEvent(ring, "handshake_reject") {
		t.Error("handshake_reject event not journaled")
	}
}

// ===== Helpers =====

// loadTestConfig carrega um YAML real de gateway apontando o broker para
// uma porta fechada (connection refused imediato). Pollers em 1h para o
// sqlmock ficar quieto durante o teste.
func loadTestConfig(t *testing.T) *config.GatewayConfig {
	t.Helper()

	raw := `
gateway:
  port: 9601
  max_concurrent_connections: 8
  staging_capacity: 64
  poll_interval: 1h
  sweep_interval: 1h
broker:
  host: 127.0.0.1
  port: 1
database:
  host: 127.0.0.1
  name: nfleet_test
  user: nfleet
logging:
  level: error
  format: text
`
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := config.LoadGatewayConfig(path)
	if err != nil {
		t.Fatalf("LoadGatewayConfig: %v", err)
	}
	return cfg
}

// startGateway monta o daemon pela API pública: store sobre sqlmock, client
// AMQP real (que nunca conecta) e o journal em anel como sink de eventos.
func startGateway(t *testing.T, cfg *config.GatewayConfig) (string, *gateway.Gateway, *observability.EventRing, func()) {
	t.Helper()

	sqldb, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqldb.Close() })

	logger := testLogger()
	st := store.NewWithDB(sqldb, logger)

	client, err := broker.NewClient(cfg.Broker, logger)
	if err != nil {
		t.Fatalf("broker.NewClient: %v", err)
	}
	client.Start()
	t.Cleanup(client.Stop)

	gw := gateway.New(cfg, logger, st, client)
	ring := observability.NewEventRing(32)
	gw.SetEventSink(ring)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.RunWithListener(ctx, ln)
		close(done)
	}()

	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not stop in time")
		}
	}
	return ln.Addr().String(), gw, ring, stop
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}

func hasEvent(ring *observability.EventRing, eventType string) bool {
	for _, e := range ring.Recent(0) {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
