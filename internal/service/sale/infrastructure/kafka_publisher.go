// internal/service/sale/infrastructure/kafka_publisher.go
package infrastructure

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"salesledger/internal/pkg/logger"
	"salesledger/internal/pkg/mq"
	"salesledger/internal/service/sale/domain"
	"salesledger/internal/service/sale/domain/port"
	"salesledger/internal/tracing"
)

// KafkaSalePublisher 把销售事件和不一致报告写入 Kafka，以销售 ID 作为消息 key 保证同一销售有序。
type KafkaSalePublisher struct {
	events          mq.MessageWriter
	reconciliations mq.MessageWriter
}

var (
	_ port.SaleEventPublisher    = (*KafkaSalePublisher)(nil)
	_ port.InconsistencyReporter = (*KafkaSalePublisher)(nil)
)

// NewKafkaSalePublisher 两个 writer 分别对应销售事件主题和对账主题。
func NewKafkaSalePublisher(events, reconciliations mq.MessageWriter) *KafkaSalePublisher {
	return &KafkaSalePublisher{events: events, reconciliations: reconciliations}
}

func (p *KafkaSalePublisher) PublishSaleEvent(ctx context.Context, event *domain.SaleEvent) error {
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceIDFromContext(ctx)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal sale event")
	}
	if err := mq.ProduceMessage(ctx, p.events, []byte(event.SaleID), payload); err != nil {
		return errors.Wrapf(err, "publish %s for sale %s", event.Type, event.SaleID)
	}
	return nil
}

func (p *KafkaSalePublisher) ReportInconsistency(ctx context.Context, report *domain.InconsistencyReport) error {
	if report.TraceID == "" {
		report.TraceID = tracing.GetTraceIDFromContext(ctx)
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "marshal inconsistency report")
	}
	if err := mq.ProduceMessage(ctx, p.reconciliations, []byte(report.SaleID), payload); err != nil {
		return errors.Wrapf(err, "report inconsistency for sale %s", report.SaleID)
	}
	return nil
}

// LogReporter 只把不一致报告写进错误日志，在没有配置 Kafka 时使用。
type LogReporter struct{}

var _ port.InconsistencyReporter = LogReporter{}

func (LogReporter) ReportInconsistency(ctx context.Context, report *domain.InconsistencyReport) error {
	adjustments := make([]string, 0, len(report.Unapplied))
	for _, a := range report.Unapplied {
		adjustments = append(adjustments, a.String())
	}
	logger.Ctx(ctx).Error().
		Str("op", string(report.Op)).
		Str("sale_id", report.SaleID).
		Strs("unapplied", adjustments).
		Str("cause", report.Cause).
		Time("detected_at", report.DetectedAt).
		Msg("RECONCILIATION REQUIRED: stock and sale ledgers diverged")
	return nil
}
