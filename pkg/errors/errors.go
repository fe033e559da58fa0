// Package errors 托管服务统一错误类型
//
// 每个错误带有分类 (Kind)、错误码、HTTP 状态码和 gRPC 状态码。
// errors.Is 按错误码比较，KindOf 返回所属分类。
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind 错误分类
type Kind string

const (
	KindValidation             Kind = "ValidationError"
	KindNotFound               Kind = "NotFoundError"
	KindPreconditionFailed     Kind = "PreconditionFailed"
	KindNetwork                Kind = "NetworkError"
	KindContractRevert         Kind = "ContractRevertError"
	KindPendingConfirmation    Kind = "PendingConfirmation"
	KindReconciliationConflict Kind = "ReconciliationConflict"
	KindInternal               Kind = "InternalError"
)

// 常用详情键
const (
	DetailReason      = "reason"
	DetailTxHash      = "tx_hash"
	DetailOperationID = "operation_id"
)

// Error 业务错误
type Error struct {
	Kind       Kind              `json:"kind"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
	Stack      string            `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 实现 errors.Is 接口
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails 添加详情
func (e *Error) WithDetails(details map[string]string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string)
	}
	for k, v := range details {
		newErr.Details[k] = v
	}
	return newErr
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	return e.WithDetails(map[string]string{key: value})
}

// Detail 读取详情
func (e *Error) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}

// WithMessage 替换错误消息
func (e *Error) WithMessage(message string) *Error {
	newErr := e.Copy()
	newErr.Message = message
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		GRPCCode:   e.GRPCCode,
		Cause:      e.Cause,
		Stack:      e.Stack,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// MarshalJSON 实现 json.Marshaler
func (e *Error) MarshalJSON() ([]byte, error) {
	type Alias Error
	return json.Marshal(&struct {
		*Alias
		Error string `json:"error,omitempty"`
	}{
		Alias: (*Alias)(e),
		Error: e.Error(),
	})
}

// NewWithStatus 创建带状态码的错误
func NewWithStatus(kind Kind, code, message string, httpStatus int, grpcCode codes.Code) *Error {
	return &Error{
		Kind:       kind,
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
	}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	newErr.Stack = getStack()
	return newErr
}

// Wrapf 包装错误并添加信息
func Wrapf(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Cause = cause
	newErr.Stack = getStack()
	return newErr
}

// getStack 获取调用栈
func getStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return builder.String()
}

// FromError 从标准错误转换
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// 分类基础错误
var (
	ErrInternal               = NewWithStatus(KindInternal, "INTERNAL_ERROR", "内部错误", http.StatusInternalServerError, codes.Internal)
	ErrValidation             = NewWithStatus(KindValidation, "VALIDATION_ERROR", "请求参数无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrNotFound               = NewWithStatus(KindNotFound, "NOT_FOUND", "资源不存在", http.StatusNotFound, codes.NotFound)
	ErrPreconditionFailed     = NewWithStatus(KindPreconditionFailed, "PRECONDITION_FAILED", "前置条件失败", http.StatusBadRequest, codes.FailedPrecondition)
	ErrNetwork                = NewWithStatus(KindNetwork, "NETWORK_ERROR", "链上网络错误", http.StatusServiceUnavailable, codes.Unavailable)
	ErrContractRevert         = NewWithStatus(KindContractRevert, "CONTRACT_REVERT", "合约执行回滚", http.StatusBadGateway, codes.Aborted)
	ErrPendingConfirmation    = NewWithStatus(KindPendingConfirmation, "PENDING_CONFIRMATION", "交易已提交，等待确认", http.StatusAccepted, codes.DeadlineExceeded)
	ErrReconciliationConflict = NewWithStatus(KindReconciliationConflict, "RECONCILIATION_CONFLICT", "镜像状态与预期不一致", http.StatusConflict, codes.Aborted)
)

// 参数错误
var (
	ErrInvalidAddress  = NewWithStatus(KindValidation, "INVALID_ADDRESS", "钱包地址无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrInvalidAmount   = NewWithStatus(KindValidation, "INVALID_AMOUNT", "金额必须为正整数最小单位", http.StatusBadRequest, codes.InvalidArgument)
	ErrSignerNotFound  = NewWithStatus(KindValidation, "SIGNER_NOT_FOUND", "钱包未配置签名密钥", http.StatusBadRequest, codes.InvalidArgument)
	ErrEmptyMilestones = NewWithStatus(KindValidation, "EMPTY_MILESTONES", "里程碑列表为空", http.StatusBadRequest, codes.InvalidArgument)
)

// 资源不存在
var (
	ErrProjectNotFound   = NewWithStatus(KindNotFound, "PROJECT_NOT_FOUND", "项目不存在", http.StatusNotFound, codes.NotFound)
	ErrMilestoneNotFound = NewWithStatus(KindNotFound, "MILESTONE_NOT_FOUND", "里程碑不存在", http.StatusNotFound, codes.NotFound)
	ErrOperationNotFound = NewWithStatus(KindNotFound, "OPERATION_NOT_FOUND", "链上操作不存在", http.StatusNotFound, codes.NotFound)
)

// 前置条件
var (
	ErrAmountMismatch   = NewWithStatus(KindPreconditionFailed, "AMOUNT_MISMATCH", "金额与里程碑金额不一致", http.StatusBadRequest, codes.FailedPrecondition)
	ErrNotFunded        = NewWithStatus(KindPreconditionFailed, "NOT_FUNDED", "里程碑尚未注资", http.StatusBadRequest, codes.FailedPrecondition)
	ErrNotClient        = NewWithStatus(KindPreconditionFailed, "NOT_CLIENT", "调用方不是项目客户", http.StatusBadRequest, codes.FailedPrecondition)
	ErrNotParty         = NewWithStatus(KindPreconditionFailed, "NOT_PARTY", "调用方不是项目参与方", http.StatusBadRequest, codes.FailedPrecondition)
	ErrNotAdmin         = NewWithStatus(KindPreconditionFailed, "NOT_ADMIN", "调用方不是管理员", http.StatusBadRequest, codes.FailedPrecondition)
	ErrAlreadyDisputed  = NewWithStatus(KindPreconditionFailed, "ALREADY_DISPUTED", "项目已处于争议状态", http.StatusBadRequest, codes.FailedPrecondition)
	ErrNotDisputed      = NewWithStatus(KindPreconditionFailed, "NOT_DISPUTED", "项目未处于争议状态", http.StatusBadRequest, codes.FailedPrecondition)
	ErrAlreadyFunded    = NewWithStatus(KindPreconditionFailed, "ALREADY_FUNDED", "里程碑已注资", http.StatusConflict, codes.FailedPrecondition)
	ErrAlreadyReleased  = NewWithStatus(KindPreconditionFailed, "ALREADY_RELEASED", "里程碑已释放", http.StatusConflict, codes.FailedPrecondition)
	ErrProjectDisputed  = NewWithStatus(KindPreconditionFailed, "PROJECT_DISPUTED", "项目处于争议状态", http.StatusConflict, codes.FailedPrecondition)
	ErrDuplicateWallets = NewWithStatus(KindPreconditionFailed, "DUPLICATE_WALLETS", "客户与自由职业者钱包相同", http.StatusBadRequest, codes.FailedPrecondition)
)

// NewContractRevert 创建带回滚原因的合约错误
func NewContractRevert(reason, txHash string) *Error {
	e := ErrContractRevert.WithDetail(DetailReason, reason)
	if reason != "" {
		e.Message = "合约执行回滚: " + reason
	}
	if txHash != "" {
		e.Details[DetailTxHash] = txHash
	}
	return e
}

// NewPendingConfirmation 创建待确认错误
func NewPendingConfirmation(operationID, txHash string) *Error {
	return ErrPendingConfirmation.WithDetails(map[string]string{
		DetailOperationID: operationID,
		DetailTxHash:      txHash,
	})
}

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode, bizErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) && bizErr.HTTPStatus != 0 {
		return bizErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// As 提取错误类型
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// KindOf 返回错误分类，非业务错误视为内部错误
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Kind
	}
	return KindInternal
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsPreconditionFailed 判断是否为前置条件错误
func IsPreconditionFailed(err error) bool {
	return KindOf(err) == KindPreconditionFailed
}

// IsPending 判断是否为待确认
func IsPending(err error) bool {
	return KindOf(err) == KindPendingConfirmation
}

// IsRetryable 判断调用方是否可以整体重试
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}
