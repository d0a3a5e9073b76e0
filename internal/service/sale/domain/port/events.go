package port

import (
	"context"

	"salesledger/internal/service/sale/domain"
)

// SaleEventPublisher 是销售事件的出站端口。
// 发布失败不影响已经提交的销售，只记录日志。
type SaleEventPublisher interface {
	PublishSaleEvent(ctx context.Context, event *domain.SaleEvent) error
}

// InconsistencyReporter 把无法自动恢复的不一致提交给运维对账。
type InconsistencyReporter interface {
	ReportInconsistency(ctx context.Context, report *domain.InconsistencyReport) error
}
