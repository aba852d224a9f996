package tools

import (
	"context"
	"strings"
)

const (
	searchLogsSchema = `{
  "type": "object",
  "properties": {
    "service": {"type": "string"},
    "level": {"type": "string", "description": "e.g. ERROR, WARN, INFO"},
    "error_code": {"type": "string"}
  }
}`
	serviceSchema = `{
  "type": "object",
  "properties": {"service": {"type": "string"}},
  "required": ["service"]
}`
	searchTransactionsSchema = `{
  "type": "object",
  "properties": {
    "category": {"type": "string"},
    "employee": {"type": "string"},
    "card_type": {"type": "string"}
  }
}`
	transactionIDSchema = `{
  "type": "object",
  "properties": {"transaction_id": {"type": "string"}},
  "required": ["transaction_id"]
}`
)

type timeRangeParams struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func inRange(ts string, p timeRangeParams) bool {
	return p.StartTime <= ts && ts <= p.EndTime
}

func logTools(d *DataLake) []*accessor {
	type searchParams struct {
		Service   string `json:"service"`
		Level     string `json:"level"`
		ErrorCode string `json:"error_code"`
	}
	type serviceParams struct {
		Service string `json:"service"`
	}
	logs := func(key string) ([]Record, error) { return d.records(SystemLogsFile, key) }

	return []*accessor{
		bind("search_system_logs", "Search system logs by service, level and error code. Every filter is optional.", searchLogsSchema,
			func(ctx context.Context, p searchParams) (any, error) {
				all, err := logs("logs")
				if err != nil {
					return nil, err
				}
				return filter(all, func(r Record) bool {
					if p.Service != "" && !strings.EqualFold(str(r, "service"), p.Service) {
						return false
					}
					if p.Level != "" && !strings.EqualFold(str(r, "level"), p.Level) {
						return false
					}
					return p.ErrorCode == "" || strings.EqualFold(str(r, "error_code"), p.ErrorCode)
				}), nil
			}),
		bind("get_metrics_by_service", "List service metrics.", serviceSchema,
			func(ctx context.Context, p serviceParams) (any, error) {
				all, err := logs("metrics")
				if err != nil {
					return nil, err
				}
				return filter(all, func(r Record) bool { return containsFold(str(r, "service"), p.Service) }), nil
			}),
		bind("get_logs_by_timeframe", "List log entries whose timestamp falls in a range.", timeRangeSchema,
			func(ctx context.Context, p timeRangeParams) (any, error) {
				all, err := logs("logs")
				if err != nil {
					return nil, err
				}
				return filter(all, func(r Record) bool { return inRange(str(r, "timestamp"), p) }), nil
			}),
	}
}

func transactionTools(d *DataLake) []*accessor {
	type searchParams struct {
		Category string `json:"category"`
		Employee string `json:"employee"`
		CardType string `json:"card_type"`
	}
	type idParams struct {
		TransactionID string `json:"transaction_id"`
	}
	transactions := func() ([]Record, error) { return d.records(TransactionsFile, "finance_transactions") }

	return []*accessor{
		bind("search_transactions", "Search expense transactions by category, employee and card type. Every filter is optional.", searchTransactionsSchema,
			func(ctx context.Context, p searchParams) (any, error) {
				all, err := transactions()
				if err != nil {
					return nil, err
				}
				return filter(all, func(r Record) bool {
					if p.Category != "" && !strings.EqualFold(str(r, "category"), p.Category) {
						return false
					}
					if p.Employee != "" && !containsFold(str(r, "employee"), p.Employee) {
						return false
					}
					return p.CardType == "" || strings.EqualFold(str(r, "card_type"), p.CardType)
				}), nil
			}),
		bind("get_transaction_by_id", "Fetch one transaction by id.", transactionIDSchema,
			func(ctx context.Context, p idParams) (any, error) {
				all, err := transactions()
				if err != nil {
					return nil, err
				}
				return first(all, func(r Record) bool { return str(r, "transaction_id") == p.TransactionID }), nil
			}),
		bind("get_expenses_by_timeframe", "List transactions whose timestamp falls in a range.", timeRangeSchema,
			func(ctx context.Context, p timeRangeParams) (any, error) {
				all, err := transactions()
				if err != nil {
					return nil, err
				}
				return filter(all, func(r Record) bool { return inRange(str(r, "timestamp"), p) }), nil
			}),
	}
}
