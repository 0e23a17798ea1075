// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nishisan-dev/n-fleet/internal/archiver"
	"github.com/nishisan-dev/n-fleet/internal/breaker"
	"github.com/nishisan-dev/n-fleet/internal/consumer"
	"github.com/nishisan-dev/n-fleet/internal/engine"
	"github.com/nishisan-dev/n-fleet/internal/gateway"
)

// statValue liga um descriptor Prometheus a uma closure de leitura. Os
// daemons acumulam tudo em atomics; o collector só converte no scrape.
type statValue struct {
	desc *prometheus.Desc
	typ  prometheus.ValueType
	load func() (float64, error)
}

// statsCollector emite métricas const a partir das closures registradas.
// Leituras que falham não emitem amostra naquele scrape.
type statsCollector struct {
	vals []statValue
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, v := range c.vals {
		ch <- v.desc
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, v := range c.vals {
		val, err := v.load()
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(v.desc, v.typ, val)
	}
}

func counter(name, help string, v *atomic.Int64) statValue {
	return statValue{
		desc: prometheus.NewDesc(name, help, nil, nil),
		typ:  prometheus.CounterValue,
		load: func() (float64, error) { return float64(v.Load()), nil },
	}
}

func gauge(name, help string, load func() float64) statValue {
	return statValue{
		desc: prometheus.NewDesc(name, help, nil, nil),
		typ:  prometheus.GaugeValue,
		load: func() (float64, error) { return load(), nil },
	}
}

func gaugeErr(name, help string, load func() (float64, error)) statValue {
	return statValue{
		desc: prometheus.NewDesc(name, help, nil, nil),
		typ:  prometheus.GaugeValue,
		load: load,
	}
}

// NewGatewayCollector expõe os contadores do Gateway para o Prometheus.
func NewGatewayCollector(st *gateway.Stats, stagingDepth func() int64) prometheus.Collector {
	return &statsCollector{vals: []statValue{
		gauge("nfleet_gateway_connections_active", "Device connections currently open.",
			func() float64 { return float64(st.ActiveConns.Load()) }),
		gauge("nfleet_gateway_staging_depth", "Records waiting in the staging ring.",
			func() float64 { return float64(stagingDepth()) }),
		counter("nfleet_gateway_handshakes_total", "Handshakes accepted.", &st.Handshakes),
		counter("nfleet_gateway_handshake_rejects_total", "Handshakes rejected.", &st.HandshakeRejects),
		counter("nfleet_gateway_connections_replaced_total", "Connections replaced by a newer one for the same identity.", &st.Replaced),
		counter("nfleet_gateway_disconnects_total", "Connections closed after streaming started.", &st.Disconnects),
		counter("nfleet_gateway_idle_closes_total", "Connections closed by the idle timeout.", &st.IdleCloses),
		counter("nfleet_gateway_frames_in_total", "Frames received from devices.", &st.FramesIn),
		counter("nfleet_gateway_bytes_in_total", "Bytes received from devices.", &st.BytesIn),
		counter("nfleet_gateway_keepalives_total", "Keep-alive frames received.", &st.KeepAlives),
		counter("nfleet_gateway_records_in_total", "Telemetry records decoded.", &st.RecordsIn),
		counter("nfleet_gateway_invalid_records_total", "Records flagged invalid during decode.", &st.InvalidRecords),
		counter("nfleet_gateway_no_fix_dropped_total", "Records dropped for missing GPS fix.", &st.NoFixDropped),
		counter("nfleet_gateway_acks_out_total", "Data acks written to devices.", &st.AcksOut),
		counter("nfleet_gateway_protocol_errors_total", "Protocol errors that closed a connection.", &st.ProtocolErrors),
		counter("nfleet_gateway_records_published_total", "Records published to the broker.", &st.RecordsPublished),
		counter("nfleet_gateway_publish_retries_total", "Publishes retried after a broker failure.", &st.PublishRetries),
		counter("nfleet_gateway_commands_sent_total", "Commands written to connected devices.", &st.CommandsSent),
		counter("nfleet_gateway_commands_failed_total", "Command writes that failed.", &st.CommandsFailed),
		counter("nfleet_gateway_responses_in_total", "Command responses received from devices.", &st.ResponsesIn),
		counter("nfleet_gateway_responses_matched_total", "Responses matched to a pending command.", &st.ResponsesMatched),
		counter("nfleet_gateway_responses_unmatched_total", "Responses with no pending command.", &st.ResponsesUnmatched),
		counter("nfleet_gateway_outbox_sweep_failures_total", "Outbox sweep passes that failed.", &st.SweepOutboxFailed),
		counter("nfleet_gateway_command_timeouts_total", "Commands expired waiting for a reply.", &st.SweepNoReply),
	}}
}

// NewConsumerCollector expõe os contadores do Consumer para o Prometheus.
func NewConsumerCollector(st *consumer.Stats, dedupLen func() int) prometheus.Collector {
	return &statsCollector{vals: []statValue{
		gauge("nfleet_consumer_dedup_cache_entries", "Fingerprints held by the dedup cache.",
			func() float64 { return float64(dedupLen()) }),
		counter("nfleet_consumer_consumed_total", "Deliveries received from the broker.", &st.Consumed),
		counter("nfleet_consumer_redelivered_total", "Deliveries marked as redelivered.", &st.Redelivered),
		counter("nfleet_consumer_batches_total", "Batches flushed to the database.", &st.Batches),
		counter("nfleet_consumer_inserted_total", "Position rows inserted.", &st.Inserted),
		counter("nfleet_consumer_dedup_l1_total", "Duplicates dropped by the in-memory cache.", &st.DedupL1),
		counter("nfleet_consumer_dedup_l2_total", "Duplicates dropped by the database unique index.", &st.DedupL2),
		counter("nfleet_consumer_acked_total", "Deliveries acknowledged.", &st.Acked),
		counter("nfleet_consumer_resubscribes_total", "Times a consume channel was re-established.", &st.Resubscribes),
		counter("nfleet_consumer_rejected_identity_total", "Records rejected for a bad identity.", &st.RejectedIdentity),
		counter("nfleet_consumer_rejected_timestamp_total", "Records rejected for an out-of-range timestamp.", &st.RejectedTimestamp),
		counter("nfleet_consumer_rejected_position_total", "Records rejected for out-of-range coordinates.", &st.RejectedPosition),
		counter("nfleet_consumer_decode_failures_total", "Deliveries whose body failed to decode.", &st.DecodeFailures),
		counter("nfleet_consumer_dead_lettered_total", "Deliveries routed to a dead letter queue.", &st.DeadLettered),
		counter("nfleet_consumer_nack_fallbacks_total", "Dead letter publishes that fell back to a nack.", &st.NackFallbacks),
		counter("nfleet_consumer_write_retries_total", "Batch writes retried after a database failure.", &st.WriteRetries),
		counter("nfleet_consumer_write_failures_total", "Batches abandoned after the retry budget.", &st.WriteFailures),
	}}
}

// NewEngineCollector expõe os contadores do Engine para o Prometheus.
// pendingJobs consulta a fila durável no scrape; pode ser nil quando o
// daemon não quer uma query por scrape.
func NewEngineCollector(st *engine.Stats, cacheLen func() int, pendingJobs func() (int, error)) prometheus.Collector {
	vals := []statValue{
		gauge("nfleet_engine_config_cache_entries", "Device configs held by the enrichment cache.",
			func() float64 { return float64(cacheLen()) }),
		counter("nfleet_engine_consumed_total", "Deliveries received from the broker.", &st.Consumed),
		counter("nfleet_engine_redelivered_total", "Deliveries marked as redelivered.", &st.Redelivered),
		counter("nfleet_engine_batches_total", "Telemetry batches processed.", &st.Batches),
		counter("nfleet_engine_processed_total", "Records run through the calculators.", &st.Processed),
		counter("nfleet_engine_invalid_skipped_total", "Records skipped as invalid.", &st.InvalidSkipped),
		counter("nfleet_engine_decode_failures_total", "Deliveries whose body failed to decode.", &st.DecodeFailures),
		counter("nfleet_engine_enrich_hits_total", "Device config cache hits.", &st.EnrichHits),
		counter("nfleet_engine_enrich_misses_total", "Device config cache misses.", &st.EnrichMisses),
		counter("nfleet_engine_enrich_failures_total", "Device config lookups that failed.", &st.EnrichFailures),
		counter("nfleet_engine_metrics_emitted_total", "Metric events produced.", &st.MetricsEmitted),
		counter("nfleet_engine_violations_emitted_total", "Violations produced.", &st.ViolationsEmitted),
		counter("nfleet_engine_calc_errors_total", "Calculator invocations that returned an error.", &st.CalcErrors),
		counter("nfleet_engine_db_retries_total", "Database calls retried.", &st.DBRetries),
		counter("nfleet_engine_flush_failures_total", "Batches abandoned after the retry budget.", &st.FlushFailures),
		counter("nfleet_engine_shadow_suppressed_total", "Records processed with writes suppressed by shadow mode.", &st.ShadowSuppressed),
		counter("nfleet_engine_alarms_published_total", "Violation alarms published to the broker.", &st.AlarmsPublished),
		counter("nfleet_engine_alarm_publish_failures_total", "Violation alarms that failed to publish.", &st.AlarmPublishFailures),
		counter("nfleet_engine_acked_total", "Deliveries acknowledged.", &st.Acked),
		counter("nfleet_engine_dead_lettered_total", "Deliveries routed to a dead letter queue.", &st.DeadLettered),
		counter("nfleet_engine_resubscribes_total", "Times a consume channel was re-established.", &st.Resubscribes),
		counter("nfleet_engine_recalc_jobs_claimed_total", "Recalculation jobs claimed.", &st.JobsClaimed),
		counter("nfleet_engine_recalc_jobs_done_total", "Recalculation jobs completed.", &st.JobsDone),
		counter("nfleet_engine_recalc_jobs_failed_total", "Recalculation jobs that failed.", &st.JobsFailed),
		counter("nfleet_engine_views_refreshed_total", "Materialized views refreshed.", &st.ViewsRefreshed),
	}
	if pendingJobs != nil {
		vals = append(vals, gaugeErr("nfleet_engine_recalc_jobs_pending", "Recalculation jobs waiting in the queue.",
			func() (float64, error) {
				n, err := pendingJobs()
				return float64(n), err
			}))
	}
	return &statsCollector{vals: vals}
}

// NewArchiverCollector expõe os contadores do Archiver para o Prometheus.
func NewArchiverCollector(st *archiver.Stats) prometheus.Collector {
	return &statsCollector{vals: []statValue{
		counter("nfleet_archiver_archived_total", "Dead letters mirrored to the spool and acked.", &st.Archived),
		counter("nfleet_archiver_segments_closed_total", "Spool segments closed.", &st.SegmentsClosed),
		counter("nfleet_archiver_uploads_total", "Segments uploaded to cold storage.", &st.Uploads),
		counter("nfleet_archiver_upload_failures_total", "Segment uploads that failed.", &st.UploadFailures),
		counter("nfleet_archiver_spool_failures_total", "Spool writes that failed.", &st.SpoolFailures),
		counter("nfleet_archiver_requeued_total", "Dead letters returned to the queue after a spool failure.", &st.Requeued),
		counter("nfleet_archiver_resubscribes_total", "Times a consume channel was re-established.", &st.Resubscribes),
	}}
}

// breakerCollector publica o estado corrente de cada circuit breaker.
type breakerCollector struct {
	desc     *prometheus.Desc
	breakers func() []*breaker.Breaker
}

// NewBreakerCollector expõe o estado dos breakers como gauge por nome:
// closed=0, half-open=1, open=2.
func NewBreakerCollector(breakers func() []*breaker.Breaker) prometheus.Collector {
	return &breakerCollector{
		desc: prometheus.NewDesc("nfleet_breaker_state",
			"Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			[]string{"name"}, nil),
		breakers: breakers,
	}
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.breakers() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
			breaker.GaugeValue(b.State()), b.Name())
	}
}

// readinessCollector reavalia as sondas de readiness a cada scrape, para o
// alerting enxergar o mesmo resultado que o load balancer.
type readinessCollector struct {
	desc   *prometheus.Desc
	checks []ReadyCheck
}

// NewReadinessCollector expõe o resultado de cada sonda como gauge:
// 1 pronto, 0 indisponível.
func NewReadinessCollector(checks []ReadyCheck) prometheus.Collector {
	return &readinessCollector{
		desc: prometheus.NewDesc("nfleet_ready",
			"Readiness probe result: 1 ready, 0 unavailable.",
			[]string{"check"}, nil),
		checks: checks,
	}
}

func (c *readinessCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *readinessCollector) Collect(ch chan<- prometheus.Metric) {
	for _, check := range c.checks {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		v := 1.0
		if err := check.Probe(ctx); err != nil {
			v = 0
		}
		cancel()
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, v, check.Name)
	}
}

// hostCollector publica as métricas de host coletadas pelo SystemMonitor.
type hostCollector struct {
	mon      *SystemMonitor
	cpuDesc  *prometheus.Desc
	memDesc  *prometheus.Desc
	diskDesc *prometheus.Desc
	loadDesc *prometheus.Desc
}

// NewHostCollector expõe CPU, memória, disco e load do host a partir do
// snapshot mantido pelo monitor, sem bloquear o scrape.
func NewHostCollector(mon *SystemMonitor) prometheus.Collector {
	return &hostCollector{
		mon:      mon,
		cpuDesc:  prometheus.NewDesc("nfleet_host_cpu_percent", "Host CPU usage percent.", nil, nil),
		memDesc:  prometheus.NewDesc("nfleet_host_memory_used_percent", "Host memory usage percent.", nil, nil),
		diskDesc: prometheus.NewDesc("nfleet_host_disk_used_percent", "Root filesystem usage percent.", nil, nil),
		loadDesc: prometheus.NewDesc("nfleet_host_load1", "Host 1-minute load average.", nil, nil),
	}
}

func (c *hostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuDesc
	ch <- c.memDesc
	ch <- c.diskDesc
	ch <- c.loadDesc
}

func (c *hostCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.mon.Stats()
	ch <- prometheus.MustNewConstMetric(c.cpuDesc, prometheus.GaugeValue, s.CPUPercent)
	ch <- prometheus.MustNewConstMetric(c.memDesc, prometheus.GaugeValue, s.MemoryPercent)
	ch <- prometheus.MustNewConstMetric(c.diskDesc, prometheus.GaugeValue, s.DiskUsagePercent)
	ch <- prometheus.MustNewConstMetric(c.loadDesc, prometheus.GaugeValue, s.LoadAverage)
}
