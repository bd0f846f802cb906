// Package metrics implements the Prometheus collectors backing the
// control socket's Metrics command (spec.md §6): connection phase,
// ping RTT, balances, and funded-channel count. Grounded in the
// DOMAIN STACK's prometheus/client_golang entry (SPEC_FULL.md): a
// fixed, package-owned registry rather than the global default one,
// so a worker process can be exercised in tests without colliding
// with other registries in the same binary.
package metrics

import (
	"bytes"
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every gauge/histogram/counter the worker
// publishes, registered once at startup and updated from
// internal/core's event loop as state changes.
type Collectors struct {
	registry *prometheus.Registry

	ConnectionPhase  *prometheus.GaugeVec
	PingRTTSeconds   prometheus.Histogram
	NativeBalance    prometheus.Gauge
	PaymentBalance   prometheus.Gauge
	ChannelsBalance  prometheus.Gauge
	FundedChannels   prometheus.Gauge
}

// New builds and registers the full collector set.
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		registry: reg,
		ConnectionPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gnosisvpn",
			Name:      "connection_phase",
			Help:      "Current ConnectionPhase ordinal (spec.md §3) per destination, -1 when not connecting.",
		}, []string{"destination"}),
		PingRTTSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gnosisvpn",
			Name:      "ping_rtt_seconds",
			Help:      "Measured VerifyPing round-trip time (spec.md §4.2 step 7).",
			Buckets:   prometheus.DefBuckets,
		}),
		NativeBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnosisvpn",
			Name:      "native_token_balance",
			Help:      "Node native-token balance, as a float approximation of the wei-denominated value.",
		}),
		PaymentBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnosisvpn",
			Name:      "payment_token_balance",
			Help:      "Safe payment-token balance.",
		}),
		ChannelsBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnosisvpn",
			Name:      "channels_balance",
			Help:      "Sum of outgoing-channel balances.",
		}),
		FundedChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnosisvpn",
			Name:      "funded_channels",
			Help:      "Count of relay addresses with a confirmed funded channel.",
		}),
	}

	reg.MustRegister(
		c.ConnectionPhase,
		c.PingRTTSeconds,
		c.NativeBalance,
		c.PaymentBalance,
		c.ChannelsBalance,
		c.FundedChannels,
	)

	return c
}

// ObservePing records one VerifyPing RTT sample.
func (c *Collectors) ObservePing(rtt float64) {
	c.PingRTTSeconds.Observe(rtt)
}

// SetBalances updates the three balance gauges from a chain.Balances
// snapshot. Taking *big.Int directly (rather than importing
// internal/chain) keeps this package dependency-free of the chain
// package, avoiding an import cycle risk as both are consumed by
// internal/core.
func (c *Collectors) SetBalances(native, payment, channels *big.Int) {
	c.NativeBalance.Set(bigFloat(native))
	c.PaymentBalance.Set(bigFloat(payment))
	c.ChannelsBalance.Set(bigFloat(channels))
}

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f := new(big.Float).SetInt(v)
	out, _ := f.Float64()
	return out
}

// SetFundedChannels records the current funded-channel set size.
func (c *Collectors) SetFundedChannels(n int) {
	c.FundedChannels.Set(float64(n))
}

// SetConnectionPhase records destination's current ConnectionPhase
// ordinal, or -1 if it has no connection in progress.
func (c *Collectors) SetConnectionPhase(destination string, phase int) {
	c.ConnectionPhase.WithLabelValues(destination).Set(float64(phase))
}

// GatherText renders the current registry snapshot in Prometheus text
// exposition format, for the control socket's Metrics command response
// (spec.md §6), which carries metrics as a single string rather than
// serving its own HTTP endpoint.
func (c *Collectors) GatherText() (string, error) {
	mfs, err := c.registry.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := promhttp.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
