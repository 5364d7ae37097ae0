package metrics

import "tickflow/logger"

// Metric names emitted across the service.
const (
	TicksReceived     = "ticks_received"
	TicksDropped      = "ticks_dropped"
	StreamMarkers     = "stream_unavailable_markers"
	TradesOpened      = "trades_opened"
	TradesSettled     = "trades_settled"
	TradeProfit       = "trade_profit"
	NotificationsSent = "notifications_sent"
	NotifyFailures    = "notification_failures"
	ArchiveFlushes    = "archive_flushes"
	ArchiveRecords    = "archive_records"
	ChannelLength     = "channel_length"
)

// EmitDropMetric counts one message dropped at stage because a consumer was
// not keeping up.
func EmitDropMetric(log *logger.Log, component, symbol, stage string) {
	fields := logger.Fields{}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, component, TicksDropped, 1, TypeCounter, fields)
}
