// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "iscsikit"

var (
	Gather = prometheus.NewRegistry()

	PDUReceivedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pdu",
			Name:      "received_total",
			Help:      "Counter of decoded PDUs.",
		}, []string{"opcode"})

	PDUSentCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pdu",
			Name:      "sent_total",
			Help:      "Counter of encoded PDUs.",
		}, []string{"opcode"})

	CodecErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pdu",
			Name:      "decode_errors_total",
			Help:      "Counter of PDU decode failures.",
		}, []string{"kind"})

	RejectSentCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pdu",
			Name:      "rejects_total",
			Help:      "Counter of Reject PDUs sent.",
		}, []string{"reason"})

	SCSICommandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scsi",
			Name:      "commands_total",
			Help:      "Counter of executed SCSI commands.",
		}, []string{"opcode", "status"})

	SCSIBytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scsi",
			Name:      "bytes_total",
			Help:      "Bytes moved between initiators and logical units.",
		}, []string{"direction"})

	SessionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "target",
			Name:      "sessions",
			Help:      "Logged in sessions.",
		}, []string{"type"})

	ConnectionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "target",
			Name:      "connections",
			Help:      "Open iSCSI connections.",
		})
)

func init() {
	Gather.MustRegister(PDUReceivedCounter)
	Gather.MustRegister(PDUSentCounter)
	Gather.MustRegister(CodecErrorCounter)
	Gather.MustRegister(RejectSentCounter)
	Gather.MustRegister(SCSICommandCounter)
	Gather.MustRegister(SCSIBytesCounter)
	Gather.MustRegister(SessionGauge)
	Gather.MustRegister(ConnectionGauge)
	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves /metrics and the pprof endpoints.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Gather, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Serve runs the metrics listener on address until ctx is done.
func Serve(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownContext)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
