package notifier

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"fitledger/internal/metrics"
)

// Subjects the NATS notifier publishes on. Downstream consumers (email,
// push) queue-subscribe so each event is handled once per consumer group.
const (
	SubjectCreditsPurchased = "credits.purchased"
	SubjectCreditsDebited   = "credits.debited"
	SubjectCreditsRefunded  = "credits.refunded"
	SubjectCreditsLow       = "credits.low"
	SubjectCreditsZero      = "credits.zero"
	SubjectPaymentConfirmed = "payments.confirmed"
	SubjectPaymentFailed    = "payments.failed"
	SubjectPaymentRefunded  = "payments.refunded"
)

// NATS publishes events as JSON messages. Publish failures are logged and
// counted, never surfaced.
type NATS struct {
	nc      *nats.Conn
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func NewNATS(nc *nats.Conn, log *logrus.Logger, m *metrics.Metrics) *NATS {
	return &NATS{nc: nc, log: log, metrics: m}
}

func (n *NATS) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.fail(subject, err)
		return
	}
	if err := n.nc.Publish(subject, data); err != nil {
		n.fail(subject, err)
	}
}

func (n *NATS) fail(subject string, err error) {
	if n.metrics != nil {
		n.metrics.NotifyFailures.WithLabelValues(subject).Inc()
	}
	n.log.WithFields(logrus.Fields{"subject": subject, "error": err}).
		Warn("notification publish failed")
}

func (n *NATS) CreditsPurchased(_ context.Context, ev CreditsEvent) {
	n.publish(SubjectCreditsPurchased, ev)
}

func (n *NATS) CreditsDebited(_ context.Context, ev CreditsEvent) {
	n.publish(SubjectCreditsDebited, ev)
}

func (n *NATS) CreditsRefunded(_ context.Context, ev CreditsEvent) {
	n.publish(SubjectCreditsRefunded, ev)
}

func (n *NATS) LowBalance(_ context.Context, ev CreditsEvent) {
	n.publish(SubjectCreditsLow, ev)
}

func (n *NATS) ZeroBalance(_ context.Context, ev CreditsEvent) {
	n.publish(SubjectCreditsZero, ev)
}

func (n *NATS) PaymentConfirmed(_ context.Context, ev PaymentEvent) {
	n.publish(SubjectPaymentConfirmed, ev)
}

func (n *NATS) PaymentFailed(_ context.Context, ev PaymentEvent) {
	n.publish(SubjectPaymentFailed, ev)
}

func (n *NATS) PaymentRefunded(_ context.Context, ev PaymentEvent) {
	n.publish(SubjectPaymentRefunded, ev)
}
