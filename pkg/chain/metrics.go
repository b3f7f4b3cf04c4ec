// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package chain

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meterpay",
		Subsystem: "ledger",
		Name:      "messages_total",
		Help:      "Delivered messages by opcode and result code.",
	}, []string{"op", "codespace", "code"})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterpay",
		Subsystem: "ledger",
		Name:      "dropped_messages_total",
		Help:      "Outbound messages discarded because the sender could not fund them.",
	})

	bouncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterpay",
		Subsystem: "ledger",
		Name:      "bounced_messages_total",
		Help:      "Failed messages whose value was returned to the refund address.",
	})
)

func observe(r Receipt) {
	space := r.Codespace
	if r.Ok() {
		space = "ok"
	}
	messagesTotal.WithLabelValues(
		fmt.Sprintf("0x%08x", r.Msg.Op()),
		space,
		strconv.FormatUint(uint64(r.Code), 10),
	).Inc()
	if r.Dropped > 0 {
		droppedTotal.Add(float64(r.Dropped))
	}
	if r.Bounced {
		bouncedTotal.Inc()
	}
}
