package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type paymentKey struct {
	network string
	outcome string
}

// Payment outcomes recorded by the client.
const (
	PaymentOutcomeSettled  = "settled"
	PaymentOutcomeRejected = "rejected"
	PaymentOutcomeBlocked  = "blocked"
	PaymentOutcomeFailed   = "failed"
)

type payments struct {
	mu     sync.Mutex
	counts map[paymentKey]uint64
	spent  map[string]uint64
}

var paymentCollector = &payments{
	counts: make(map[paymentKey]uint64),
	spent:  make(map[string]uint64),
}

// ObservePayment records a payment attempt outcome. Settled payments
// additionally accumulate the spent amount in token base units.
func ObservePayment(network, outcome string, baseUnits uint64) {
	paymentCollector.mu.Lock()
	defer paymentCollector.mu.Unlock()

	paymentCollector.counts[paymentKey{network: network, outcome: outcome}]++
	if outcome == PaymentOutcomeSettled {
		paymentCollector.spent[network] += baseUnits
	}
}

func (p *payments) render() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	type countMetric struct {
		paymentKey
		value uint64
	}
	counts := make([]countMetric, 0, len(p.counts))
	for key, value := range p.counts {
		counts = append(counts, countMetric{paymentKey: key, value: value})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].network == counts[j].network {
			return counts[i].outcome < counts[j].outcome
		}
		return counts[i].network < counts[j].network
	})

	networks := make([]string, 0, len(p.spent))
	for network := range p.spent {
		networks = append(networks, network)
	}
	sort.Strings(networks)

	var builder strings.Builder
	builder.WriteString("# HELP primwallet_payments_total Total number of payment attempts by outcome.\n")
	builder.WriteString("# TYPE primwallet_payments_total counter\n")
	for _, metric := range counts {
		builder.WriteString(fmt.Sprintf("primwallet_payments_total{network=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.network), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP primwallet_payments_spent_base_units_total Token base units spent on settled payments.\n")
	builder.WriteString("# TYPE primwallet_payments_spent_base_units_total counter\n")
	for _, network := range networks {
		builder.WriteString(fmt.Sprintf("primwallet_payments_spent_base_units_total{network=\"%s\"} %d\n",
			escape(network), p.spent[network]))
	}

	return builder.String()
}
