// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/logging"
	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

// Timeout para o frame de identidade depois do accept. Dispositivo que não
// se identifica dentro dele é descartado.
const handshakeTimeout = 30 * time.Second

// deviceResponse é uma resposta de comando vinda do dispositivo, a caminho
// do correlator.
type deviceResponse struct {
	identity string
	payload  string
	at       time.Time
}

// Handler processa uma conexão de dispositivo do handshake ao fechamento.
type Handler struct {
	cfg       config.GatewayInfo
	logger    *slog.Logger
	table     *Table
	staging   *Staging
	stats     *Stats
	events    EventSink
	responses chan<- deviceResponse
}

// HandleConnection executa a máquina de estados de uma conexão:
// awaiting_handshake → authenticated → streaming → closing.
func (h *Handler) HandleConnection(ctx context.Context, nc net.Conn) {
	h.stats.ActiveConns.Add(1)
	defer h.stats.ActiveConns.Add(-1)
	defer nc.Close()

	logger := h.logger.With("remote", nc.RemoteAddr().String())

	nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	identity, err := protocol.ReadHandshake(nc)
	if err != nil {
		h.stats.HandshakeRejects.Add(1)
		if errors.Is(err, protocol.ErrInvalidIdentity) {
			nc.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			protocol.WriteHandshakeReply(nc, protocol.HandshakeReject)
		}
		logger.Warn("Handshake failed", "error", err)
		pushEvent(h.events, "warn", "handshake_reject", "", err.Error())
		return
	}

	now := time.Now()
	c := newConn(identity, uuid.NewString(), nc, now)
	old, err := h.table.Register(c)
	if err != nil {
		h.stats.HandshakeRejects.Add(1)
		nc.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		protocol.WriteHandshakeReply(nc, protocol.HandshakeReject)
		logger.Warn("Connection table full, rejecting device", "identity", identity)
		pushEvent(h.events, "warn", "handshake_reject", identity, "connection table full")
		return
	}
	if old != nil {
		// Uma identidade tem no máximo uma conexão: a nova substitui e a
		// anterior é fechada antes de qualquer escrita na nova.
		old.Close()
		h.stats.Replaced.Add(1)
		logger.Info("Replaced previous connection for device",
			"identity", identity, "old_remote", old.Remote())
		pushEvent(h.events, "info", "replaced", identity, "previous connection closed: "+old.Remote())
	}
	defer func() {
		h.table.Remove(c)
		c.Close()
	}()

	nc.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := protocol.WriteHandshakeReply(nc, protocol.HandshakeAccept); err != nil {
		logger.Warn("Handshake reply write failed", "identity", identity, "error", err)
		return
	}
	h.stats.Handshakes.Add(1)

	logger = logger.With("identity", identity, "conn", c.ID())
	if h.cfg.TraceDir != "" {
		traceLogger, closer, path, err := logging.NewConnTrace(logger, h.cfg.TraceDir, identity, c.ID(), h.cfg.TraceMaxSizeRaw)
		if err != nil {
			logger.Warn("Connection trace disabled", "error", err)
		} else {
			logger = traceLogger
			c.trace = closer
			logger.Debug("Connection trace enabled", "path", path)
		}
	}

	logger.Info("Device connected")
	pushEvent(h.events, "info", "connect", identity, nc.RemoteAddr().String())
	h.readLoop(ctx, c, logger)
}

// readLoop é o estado streaming: um frame por iteração, deadline de
// inatividade deslizante, erro de protocolo fecha a conexão.
func (h *Handler) readLoop(ctx context.Context, c *Conn, logger *slog.Logger) {
	opts := protocol.DecodeOptions{
		UTCOffset:       h.cfg.DeviceUTCOffset,
		IgnitionChannel: uint8(h.cfg.IOIgnitionChannel),
		MileageChannel:  uint8(h.cfg.IOMileageChannel),
		NetworkChannel:  uint8(h.cfg.IONetworkChannel),
	}

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			logger.Info("Device disconnected", "reason", "shutdown")
			pushEvent(h.events, "info", "disconnect", c.Identity(), "shutdown")
			return
		default:
		}

		c.netConn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		frame, err := protocol.ReadFrame(c.netConn)
		if err != nil {
			h.logDisconnect(c, logger, err)
			return
		}

		c.Touch(time.Now())
		h.stats.FramesIn.Add(1)
		h.stats.BytesIn.Add(int64(len(frame.Data)) + 12)

		if frame.KeepAlive {
			h.stats.KeepAlives.Add(1)
			continue
		}

		switch frame.Codec {
		case protocol.CodecData:
			err = h.handleData(c, frame.Data, &seq, opts, logger)
		case protocol.CodecCommand:
			err = h.handleCommandFrame(ctx, c, frame.Data, logger)
		default:
			h.stats.ProtocolErrors.Add(1)
			logger.Warn("Closing connection on protocol error",
				"error", protocol.ErrUnknownCodec, "codec", fmt.Sprintf("0x%02x", frame.Codec))
			err = protocol.ErrUnknownCodec
		}
		if err != nil {
			h.stats.Disconnects.Add(1)
			pushEvent(h.events, "warn", "disconnect", c.Identity(), err.Error())
			return
		}
	}
}

// handleData decodifica um frame do codec de dados, carimba identidade e
// sequência, encaminha os registros publicáveis ao staging e escreve o ack.
func (h *Handler) handleData(c *Conn, data []byte, seq *uint64, opts protocol.DecodeOptions, logger *slog.Logger) error {
	records, err := protocol.DecodeRecords(data, opts)
	if err != nil {
		h.stats.ProtocolErrors.Add(1)
		logger.Warn("Frame decode failed, closing connection",
			"error", err, "data", truncatedHex(data))
		return err
	}

	c.setState(StateStreaming)

	staged := make([]protocol.Record, 0, len(records))
	var invalid, noFix int
	for i := range records {
		*seq++
		records[i].Identity = c.Identity()
		records[i].Sequence = *seq
		if records[i].Invalid {
			invalid++
		}
		if records[i].Position.NoFix() {
			// Sem fix de GPS não há o que publicar; conta e descarta.
			noFix++
			continue
		}
		staged = append(staged, records[i])
	}

	h.stats.RecordsIn.Add(int64(len(records)))
	if invalid > 0 {
		h.stats.InvalidRecords.Add(int64(invalid))
	}
	if noFix > 0 {
		h.stats.NoFixDropped.Add(int64(noFix))
	}

	if len(staged) > 0 {
		if err := h.staging.Append(staged); err != nil {
			logger.Warn("Staging rejected records", "error", err)
			return err
		}
	}

	// O ack confirma a contagem decodificada; o dispositivo compara com o
	// que enviou e reapresenta o frame em caso de divergência.
	if err := c.WriteDataAck(uint32(len(records))); err != nil {
		logger.Warn("Data ack write failed", "error", err)
		return err
	}
	h.stats.AcksOut.Add(1)

	logger.Debug("Data frame processed",
		"records", len(records), "staged", len(staged), "invalid", invalid, "no_fix", noFix)
	return nil
}

// handleCommandFrame decodifica uma resposta de comando e a encaminha ao
// correlator. Dispositivos só originam respostas; qualquer outro tipo de
// mensagem do codec de comando indica stream corrompido.
func (h *Handler) handleCommandFrame(ctx context.Context, c *Conn, data []byte, logger *slog.Logger) error {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		h.stats.ProtocolErrors.Add(1)
		logger.Warn("Command frame decode failed, closing connection",
			"error", err, "data", truncatedHex(data))
		return err
	}
	if cmd.Type != protocol.CommandTypeResponse {
		h.stats.ProtocolErrors.Add(1)
		logger.Warn("Unexpected command type from device", "type", fmt.Sprintf("0x%02x", cmd.Type))
		return fmt.Errorf("gateway: unexpected command type 0x%02x from device", cmd.Type)
	}

	h.stats.ResponsesIn.Add(1)
	select {
	case h.responses <- deviceResponse{identity: c.Identity(), payload: cmd.Payload, at: time.Now()}:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.Debug("Device response forwarded to correlator", "bytes", len(cmd.Payload))
	return nil
}

// logDisconnect classifica o erro que encerrou o read loop e atualiza os
// contadores de desconexão.
func (h *Handler) logDisconnect(c *Conn, logger *slog.Logger, err error) {
	h.stats.Disconnects.Add(1)

	var ne net.Error
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		logger.Info("Device disconnected", "reason", "eof")
		pushEvent(h.events, "info", "disconnect", c.Identity(), "eof")
	case errors.Is(err, net.ErrClosed):
		// Fechada pelo sweep, por substituição ou no shutdown.
		logger.Info("Device disconnected", "reason", "closed")
		pushEvent(h.events, "info", "disconnect", c.Identity(), "closed")
	case errors.As(err, &ne) && ne.Timeout():
		h.stats.IdleCloses.Add(1)
		logger.Info("Device disconnected", "reason", "idle_timeout")
		pushEvent(h.events, "info", "disconnect", c.Identity(), "idle_timeout")
	default:
		h.stats.ProtocolErrors.Add(1)
		logger.Warn("Closing connection on protocol error", "error", err)
		pushEvent(h.events, "error", "protocol_error", c.Identity(), err.Error())
	}
}

// truncatedHex formata o início de uma região de dados para diagnóstico sem
// inundar o log com frames grandes.
func truncatedHex(data []byte) string {
	const max = 64
	if len(data) > max {
		return fmt.Sprintf("%x (truncated, %d bytes)", data[:max], len(data))
	}
	return fmt.Sprintf("%x", data)
}
