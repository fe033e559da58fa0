// Package contract provides the ABI binding for the milestone escrow contract.
package contract

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// Escrow contract errors
var (
	ErrProjectCreatedNotFound = errors.New("ProjectCreated event not found in receipt")
	ErrInvalidEventLog        = errors.New("invalid escrow event log")
	ErrInvalidAmounts         = errors.New("milestone amounts must be positive")
	ErrUnexpectedOutput       = errors.New("unexpected contract call output")
)

// RevertPrefix is prepended by the contract to every revert reason.
const RevertPrefix = "Escrow: "

// Known revert reason suffixes.
const (
	ReasonIncorrectAmount   = "incorrect amount"
	ReasonAlreadyFunded     = "already funded"
	ReasonNotFunded         = "not funded"
	ReasonAlreadyReleased   = "already released"
	ReasonProjectDisputed   = "project disputed"
	ReasonAlreadyDisputed   = "already disputed"
	ReasonNotDisputed       = "not disputed"
	ReasonNotParty          = "not a party"
	ReasonNotClient         = "not client"
	ReasonNotAdmin          = "not admin"
	ReasonInvalidFreelancer = "invalid freelancer"
	ReasonNoMilestones      = "no milestones"
)

// EscrowABI is the ABI of the Escrow smart contract.
// This matches the Solidity contract interface:
//
//	function createProject(address freelancer, uint256[] amounts) external returns (uint256 projectId);
//	function fundMilestone(uint256 projectId, uint256 index) external payable;
//	function approveMilestone(uint256 projectId, uint256 index) external;
//	function raiseDispute(uint256 projectId) external;
//	function refundMilestone(uint256 projectId, uint256 index) external;
//	function getMilestone(uint256 projectId, uint256 index) external view returns (uint256 amount, bool funded, bool released, bool refunded);
//	function getProject(uint256 projectId) external view returns (address client, address freelancer, bool disputed, uint256 milestoneCount);
//	event ProjectCreated(uint256 indexed projectId, address indexed client, address indexed freelancer, uint256 milestoneCount);
//	event MilestoneFunded(uint256 indexed projectId, uint256 indexed index, uint256 amount);
//	event MilestoneReleased(uint256 indexed projectId, uint256 indexed index, address to, bool refund);
//	event DisputeRaised(uint256 indexed projectId, address by);
const EscrowABI = `[
	{
		"type": "function",
		"name": "createProject",
		"inputs": [
			{"name": "freelancer", "type": "address"},
			{"name": "amounts", "type": "uint256[]"}
		],
		"outputs": [
			{"name": "projectId", "type": "uint256"}
		],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "fundMilestone",
		"inputs": [
			{"name": "projectId", "type": "uint256"},
			{"name": "index", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "payable"
	},
	{
		"type": "function",
		"name": "approveMilestone",
		"inputs": [
			{"name": "projectId", "type": "uint256"},
			{"name": "index", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "raiseDispute",
		"inputs": [
			{"name": "projectId", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "refundMilestone",
		"inputs": [
			{"name": "projectId", "type": "uint256"},
			{"name": "index", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "getMilestone",
		"inputs": [
			{"name": "projectId", "type": "uint256"},
			{"name": "index", "type": "uint256"}
		],
		"outputs": [
			{"name": "amount", "type": "uint256"},
			{"name": "funded", "type": "bool"},
			{"name": "released", "type": "bool"},
			{"name": "refunded", "type": "bool"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "getProject",
		"inputs": [
			{"name": "projectId", "type": "uint256"}
		],
		"outputs": [
			{"name": "client", "type": "address"},
			{"name": "freelancer", "type": "address"},
			{"name": "disputed", "type": "bool"},
			{"name": "milestoneCount", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "ProjectCreated",
		"inputs": [
			{"name": "projectId", "type": "uint256", "indexed": true},
			{"name": "client", "type": "address", "indexed": true},
			{"name": "freelancer", "type": "address", "indexed": true},
			{"name": "milestoneCount", "type": "uint256", "indexed": false}
		],
		"anonymous": false
	},
	{
		"type": "event",
		"name": "MilestoneFunded",
		"inputs": [
			{"name": "projectId", "type": "uint256", "indexed": true},
			{"name": "index", "type": "uint256", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false}
		],
		"anonymous": false
	},
	{
		"type": "event",
		"name": "MilestoneReleased",
		"inputs": [
			{"name": "projectId", "type": "uint256", "indexed": true},
			{"name": "index", "type": "uint256", "indexed": true},
			{"name": "to", "type": "address", "indexed": false},
			{"name": "refund", "type": "bool", "indexed": false}
		],
		"anonymous": false
	},
	{
		"type": "event",
		"name": "DisputeRaised",
		"inputs": [
			{"name": "projectId", "type": "uint256", "indexed": true},
			{"name": "by", "type": "address", "indexed": false}
		],
		"anonymous": false
	}
]`

// Method names used for packing and gas estimation.
const (
	MethodCreateProject    = "createProject"
	MethodFundMilestone    = "fundMilestone"
	MethodApproveMilestone = "approveMilestone"
	MethodRaiseDispute     = "raiseDispute"
	MethodRefundMilestone  = "refundMilestone"
	MethodGetMilestone     = "getMilestone"
	MethodGetProject       = "getProject"
)

// MilestoneView is the decoded result of getMilestone.
type MilestoneView struct {
	Amount   *big.Int `json:"amount"`
	Funded   bool     `json:"funded"`
	Released bool     `json:"released"`
	Refunded bool     `json:"refunded"`
}

// ProjectView is the decoded result of getProject.
type ProjectView struct {
	Client         common.Address `json:"client"`
	Freelancer     common.Address `json:"freelancer"`
	Disputed       bool           `json:"disputed"`
	MilestoneCount uint64         `json:"milestone_count"`
}

// ProjectCreatedEvent represents the ProjectCreated event from the Escrow contract.
type ProjectCreatedEvent struct {
	ProjectID      uint64         `json:"project_id"`
	Client         common.Address `json:"client"`
	Freelancer     common.Address `json:"freelancer"`
	MilestoneCount uint64         `json:"milestone_count"`
	Raw            types.Log
}

// RevertError is returned when a call is known to revert, either during
// estimation or after being mined.
type RevertError struct {
	Reason string
	Cause  error
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) Unwrap() error {
	return e.Cause
}

// EscrowContract packs calls and decodes results for the Escrow contract.
type EscrowContract struct {
	address common.Address
	abi     abi.ABI
}

// NewEscrowContract creates a new Escrow contract binding.
func NewEscrowContract(address common.Address) (*EscrowContract, error) {
	parsed, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return nil, err
	}
	return &EscrowContract{
		address: address,
		abi:     parsed,
	}, nil
}

// Address returns the contract address.
func (c *EscrowContract) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *EscrowContract) ABI() abi.ABI {
	return c.abi
}

// PackCreateProject packs the createProject function call data.
func (c *EscrowContract) PackCreateProject(freelancer common.Address, amounts []*big.Int) ([]byte, error) {
	for _, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			return nil, ErrInvalidAmounts
		}
	}
	return c.abi.Pack(MethodCreateProject, freelancer, amounts)
}

// PackFundMilestone packs the fundMilestone function call data.
func (c *EscrowContract) PackFundMilestone(projectID uint64, index uint32) ([]byte, error) {
	return c.abi.Pack(MethodFundMilestone, new(big.Int).SetUint64(projectID), big.NewInt(int64(index)))
}

// PackApproveMilestone packs the approveMilestone function call data.
func (c *EscrowContract) PackApproveMilestone(projectID uint64, index uint32) ([]byte, error) {
	return c.abi.Pack(MethodApproveMilestone, new(big.Int).SetUint64(projectID), big.NewInt(int64(index)))
}

// PackRaiseDispute packs the raiseDispute function call data.
func (c *EscrowContract) PackRaiseDispute(projectID uint64) ([]byte, error) {
	return c.abi.Pack(MethodRaiseDispute, new(big.Int).SetUint64(projectID))
}

// PackRefundMilestone packs the refundMilestone function call data.
func (c *EscrowContract) PackRefundMilestone(projectID uint64, index uint32) ([]byte, error) {
	return c.abi.Pack(MethodRefundMilestone, new(big.Int).SetUint64(projectID), big.NewInt(int64(index)))
}

// PackGetMilestone packs the getMilestone view call data.
func (c *EscrowContract) PackGetMilestone(projectID uint64, index uint32) ([]byte, error) {
	return c.abi.Pack(MethodGetMilestone, new(big.Int).SetUint64(projectID), big.NewInt(int64(index)))
}

// PackGetProject packs the getProject view call data.
func (c *EscrowContract) PackGetProject(projectID uint64) ([]byte, error) {
	return c.abi.Pack(MethodGetProject, new(big.Int).SetUint64(projectID))
}

// UnpackMilestone decodes the output of getMilestone.
func (c *EscrowContract) UnpackMilestone(data []byte) (*MilestoneView, error) {
	out, err := c.abi.Unpack(MethodGetMilestone, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, ErrUnexpectedOutput
	}

	amount, ok1 := out[0].(*big.Int)
	funded, ok2 := out[1].(bool)
	released, ok3 := out[2].(bool)
	refunded, ok4 := out[3].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, ErrUnexpectedOutput
	}

	return &MilestoneView{
		Amount:   amount,
		Funded:   funded,
		Released: released,
		Refunded: refunded,
	}, nil
}

// UnpackProject decodes the output of getProject.
func (c *EscrowContract) UnpackProject(data []byte) (*ProjectView, error) {
	out, err := c.abi.Unpack(MethodGetProject, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, ErrUnexpectedOutput
	}

	client, ok1 := out[0].(common.Address)
	freelancer, ok2 := out[1].(common.Address)
	disputed, ok3 := out[2].(bool)
	count, ok4 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 || !count.IsUint64() {
		return nil, ErrUnexpectedOutput
	}

	return &ProjectView{
		Client:         client,
		Freelancer:     freelancer,
		Disputed:       disputed,
		MilestoneCount: count.Uint64(),
	}, nil
}

// ParseProjectCreated finds and parses the ProjectCreated event among receipt logs.
func (c *EscrowContract) ParseProjectCreated(logs []*types.Log) (*ProjectCreatedEvent, error) {
	eventID := c.abi.Events[EventProjectCreated].ID

	for _, log := range logs {
		if log == nil || log.Address != c.address || len(log.Topics) == 0 || log.Topics[0] != eventID {
			continue
		}

		// 3 个 indexed 字段 + 事件签名
		if len(log.Topics) < 4 || len(log.Data) < 32 {
			return nil, ErrInvalidEventLog
		}
		projectID := new(big.Int).SetBytes(log.Topics[1].Bytes())
		count := new(big.Int).SetBytes(log.Data[:32])
		if !projectID.IsUint64() || !count.IsUint64() {
			return nil, ErrInvalidEventLog
		}

		return &ProjectCreatedEvent{
			ProjectID:      projectID.Uint64(),
			Client:         common.BytesToAddress(log.Topics[2].Bytes()),
			Freelancer:     common.BytesToAddress(log.Topics[3].Bytes()),
			MilestoneCount: count.Uint64(),
			Raw:            *log,
		}, nil
	}

	return nil, ErrProjectCreatedNotFound
}

// Event names emitted by the contract.
const (
	EventProjectCreated    = "ProjectCreated"
	EventMilestoneFunded   = "MilestoneFunded"
	EventMilestoneReleased = "MilestoneReleased"
	EventDisputeRaised     = "DisputeRaised"
)

// MilestoneEventQuery builds a log filter for a milestone-scoped event
// (MilestoneFunded or MilestoneReleased) of one milestone.
func (c *EscrowContract) MilestoneEventQuery(event string, projectID uint64, index uint32) (ethereum.FilterQuery, error) {
	if event != EventMilestoneFunded && event != EventMilestoneReleased {
		return ethereum.FilterQuery{}, fmt.Errorf("%q is not a milestone event", event)
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{
			{c.abi.Events[event].ID},
			{common.BigToHash(new(big.Int).SetUint64(projectID))},
			{common.BigToHash(big.NewInt(int64(index)))},
		},
	}, nil
}

// DisputeEventQuery builds a log filter for DisputeRaised of one project.
func (c *EscrowContract) DisputeEventQuery(projectID uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{
			{c.abi.Events[EventDisputeRaised].ID},
			{common.BigToHash(new(big.Int).SetUint64(projectID))},
		},
	}
}

// DecodeRevert decodes Error(string) revert data.
func DecodeRevert(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "", false
	}
	return reason, true
}

// RevertReasonFromError extracts a revert reason from an RPC error.
// Nodes return the revert payload as error data; some only embed the reason in the message.
func RevertReasonFromError(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var revertErr *RevertError
	if errors.As(err, &revertErr) {
		return revertErr.Reason, true
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, ok := DecodeRevert(raw); ok {
					return reason, true
				}
			}
		}
	}

	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		return reason, true
	}
	return "", false
}

// ReasonSuffix strips the contract prefix from a revert reason.
func ReasonSuffix(reason string) string {
	return strings.TrimPrefix(strings.TrimSpace(reason), RevertPrefix)
}

// IsIncorrectAmount reports whether a revert reason is the value mismatch.
func IsIncorrectAmount(reason string) bool {
	return ReasonSuffix(reason) == ReasonIncorrectAmount
}

// Reason builds the full revert reason for a suffix.
func Reason(suffix string) string {
	return fmt.Sprintf("%s%s", RevertPrefix, suffix)
}
