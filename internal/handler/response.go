// Package handler 提供 HTTP 请求处理
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

// CodeSuccess 成功响应码
const CodeSuccess = "OK"

// Response 统一响应结构
type Response struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// PagedData 分页数据
type PagedData struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"pageSize"`
}

// PendingData 等待确认的操作
type PendingData struct {
	OperationID string `json:"operationId"`
	TxHash      string `json:"txHash"`
	Status      string `json:"status"`
}

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithPagination 返回分页成功响应
func SuccessWithPagination(c *gin.Context, items interface{}, total int64, page, pageSize int) {
	Success(c, &PagedData{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// BadRequest 返回参数错误响应
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, &Response{
		Code:    apperrors.ErrValidation.Code,
		Message: message,
	})
}

// Error 返回业务错误响应
// 等待确认的操作返回 202 并携带操作 ID 与交易哈希
func Error(c *gin.Context, err error) {
	bizErr := apperrors.FromError(err)
	status := bizErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	resp := &Response{
		Code:    bizErr.Code,
		Message: bizErr.Message,
	}

	switch {
	case bizErr.Kind == apperrors.KindPendingConfirmation:
		resp.Data = &PendingData{
			OperationID: bizErr.Detail(apperrors.DetailOperationID),
			TxHash:      bizErr.Detail(apperrors.DetailTxHash),
			Status:      model.OperationStatusSubmitted.String(),
		}
	case bizErr.Kind == apperrors.KindContractRevert:
		resp.Data = gin.H{
			"reason": bizErr.Detail(apperrors.DetailReason),
			"txHash": bizErr.Detail(apperrors.DetailTxHash),
		}
	case len(bizErr.Details) > 0:
		resp.Data = bizErr.Details
	}

	if status >= http.StatusInternalServerError {
		logger.WithContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", bizErr.Code),
			zap.Error(err))
		// 内部错误不对外暴露原因
		if bizErr.Kind == apperrors.KindInternal {
			resp.Data = nil
		}
	}

	c.JSON(status, resp)
}

// GetTraceID 从 context 获取 TraceID
func GetTraceID(c *gin.Context) string {
	traceID, _ := c.Get("trace_id")
	if t, ok := traceID.(string); ok {
		return t
	}
	return ""
}
