// Package validator 托管操作前置条件校验
//
// 所有校验均为纯函数，输入为镜像快照，顺序固定为：存在性、状态、金额、调用方。
package validator

import (
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
)

// ValidateFund 校验注资
func ValidateFund(project *model.Project, milestone *model.Milestone, value decimal.Decimal, caller string) error {
	if err := exists(project, milestone); err != nil {
		return err
	}
	if milestone.Funded {
		return apperrors.ErrAlreadyFunded
	}
	if !value.IsInteger() || !value.Equal(milestone.Amount) {
		return apperrors.ErrAmountMismatch.WithDetails(map[string]string{
			"expected": milestone.Amount.String(),
			"actual":   value.String(),
		})
	}
	if !project.IsClient(caller) {
		return apperrors.ErrNotClient
	}
	return nil
}

// ValidateApprove 校验审批释放
func ValidateApprove(project *model.Project, milestone *model.Milestone, caller string) error {
	if err := exists(project, milestone); err != nil {
		return err
	}
	if !milestone.Funded {
		return apperrors.ErrNotFunded
	}
	if milestone.Released {
		return apperrors.ErrAlreadyReleased
	}
	if project.Disputed {
		return apperrors.ErrProjectDisputed
	}
	if !project.IsClient(caller) {
		return apperrors.ErrNotClient
	}
	return nil
}

// ValidateDispute 校验发起争议
func ValidateDispute(project *model.Project, caller string) error {
	if project == nil {
		return apperrors.ErrProjectNotFound
	}
	if project.Disputed {
		return apperrors.ErrAlreadyDisputed
	}
	if !project.IsParty(caller) {
		return apperrors.ErrNotParty
	}
	return nil
}

// ValidateRefund 校验管理员退款
func ValidateRefund(project *model.Project, milestone *model.Milestone, caller, admin string) error {
	if err := exists(project, milestone); err != nil {
		return err
	}
	if !project.Disputed {
		return apperrors.ErrNotDisputed
	}
	if !milestone.Funded {
		return apperrors.ErrNotFunded
	}
	if milestone.Released {
		return apperrors.ErrAlreadyReleased
	}
	if !model.SameWallet(admin, caller) {
		return apperrors.ErrNotAdmin
	}
	return nil
}

// ValidateRegister 校验项目注册参数
func ValidateRegister(clientWallet, freelancerWallet string, amounts []string) ([]decimal.Decimal, error) {
	if !common.IsHexAddress(clientWallet) {
		return nil, apperrors.ErrInvalidAddress.WithDetail("wallet", clientWallet)
	}
	if !common.IsHexAddress(freelancerWallet) {
		return nil, apperrors.ErrInvalidAddress.WithDetail("wallet", freelancerWallet)
	}
	if common.HexToAddress(clientWallet) == common.HexToAddress(freelancerWallet) {
		return nil, apperrors.ErrDuplicateWallets
	}
	if len(amounts) == 0 {
		return nil, apperrors.ErrEmptyMilestones
	}

	parsed := make([]decimal.Decimal, 0, len(amounts))
	for _, raw := range amounts {
		amount, err := ParseAmount(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, amount)
	}
	return parsed, nil
}

// amountPattern 金额只接受十进制数字串，不接受小数点、指数或符号
var amountPattern = regexp.MustCompile(`^[0-9]+$`)

// ParseAmount 解析正整数最小单位金额
func ParseAmount(raw string) (decimal.Decimal, error) {
	if !amountPattern.MatchString(raw) {
		return decimal.Zero, apperrors.ErrInvalidAmount.WithDetail("amount", raw)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil || amount.Sign() <= 0 {
		return decimal.Zero, apperrors.ErrInvalidAmount.WithDetail("amount", raw)
	}
	return amount, nil
}

// NormalizeWallet 校验并返回校验和格式地址
func NormalizeWallet(wallet string) (string, error) {
	if !common.IsHexAddress(wallet) {
		return "", apperrors.ErrInvalidAddress.WithDetail("wallet", wallet)
	}
	return common.HexToAddress(wallet).Hex(), nil
}

func exists(project *model.Project, milestone *model.Milestone) error {
	if project == nil {
		return apperrors.ErrProjectNotFound
	}
	if milestone == nil || milestone.ProjectID != project.ID {
		return apperrors.ErrMilestoneNotFound
	}
	return nil
}
