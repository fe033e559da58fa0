package logger

import "go.uber.org/zap"

// 统一的日志字段名，便于按操作和交易检索

func OperationID(id string) zap.Field { return zap.String("operation_id", id) }

func TxHash(hash string) zap.Field { return zap.String("tx_hash", hash) }

func ProjectID(id int64) zap.Field { return zap.Int64("project_id", id) }

func MilestoneID(id int64) zap.Field { return zap.Int64("milestone_id", id) }
