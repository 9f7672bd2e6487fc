package fsm

import "github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"

const (
	EventVerify      = "verify"
	EventLock        = "lock"
	EventRelease     = "release"
	EventCancel      = "cancel"
	EventMarkIllegal = "mark_illegal"
	EventReady       = "ready"
	EventInform      = "inform"
	EventProcess     = "process"
	EventComplete    = "complete"
	EventFail        = "fail"
	EventSendToBank  = "send_to_bank"
	EventBankSent    = "bank_sent"
	EventBankReject  = "bank_reject"
	EventRetry       = "retry"
	EventReject      = "reject"
	EventFinish      = "finish"
)

var CoinDeposit = New("coin_deposit", storage.DepositPending, []Transition{
	{storage.DepositPending, EventVerify, storage.DepositVerified},
	{storage.DepositVerified, EventLock, storage.DepositLocked},
	{storage.DepositLocked, EventRelease, storage.DepositReleased},
	{storage.DepositPending, EventCancel, storage.DepositCancelled},
	{storage.DepositVerified, EventCancel, storage.DepositCancelled},
	{storage.DepositPending, EventMarkIllegal, storage.DepositIllegal},
	{storage.DepositVerified, EventMarkIllegal, storage.DepositIllegal},
	{storage.DepositLocked, EventMarkIllegal, storage.DepositIllegal},
})

var FiatDeposit = New("fiat_deposit", storage.DepositAwaiting, []Transition{
	{storage.DepositAwaiting, EventReady, storage.DepositReady},
	{storage.DepositReady, EventInform, storage.DepositInformed},
	{storage.DepositInformed, EventVerify, storage.DepositVerifying},
	{storage.DepositVerifying, EventProcess, storage.DepositProcessed},
	{storage.DepositAwaiting, EventCancel, storage.DepositCancelled},
	{storage.DepositReady, EventCancel, storage.DepositCancelled},
	{storage.DepositInformed, EventCancel, storage.DepositCancelled},
	{storage.DepositInformed, EventMarkIllegal, storage.DepositIllegal},
	{storage.DepositVerifying, EventMarkIllegal, storage.DepositIllegal},
})

var CoinWithdrawal = New("coin_withdrawal", storage.WithdrawalPending, []Transition{
	{storage.WithdrawalPending, EventProcess, storage.WithdrawalProcessing},
	{storage.WithdrawalProcessing, EventComplete, storage.WithdrawalProcessed},
	{storage.WithdrawalPending, EventCancel, storage.WithdrawalCancelled},
	{storage.WithdrawalProcessing, EventFail, storage.WithdrawalFailed},
})

var FiatWithdrawal = New("fiat_withdrawal", storage.WithdrawalPending, []Transition{
	{storage.WithdrawalPending, EventSendToBank, storage.WithdrawalBankPending},
	{storage.WithdrawalBankPending, EventBankSent, storage.WithdrawalBankSent},
	{storage.WithdrawalBankSent, EventComplete, storage.WithdrawalProcessed},
	{storage.WithdrawalBankPending, EventBankReject, storage.WithdrawalBankRejected},
	{storage.WithdrawalBankSent, EventBankReject, storage.WithdrawalBankRejected},
	{storage.WithdrawalBankRejected, EventRetry, storage.WithdrawalBankPending},
	{storage.WithdrawalBankPending, EventFail, storage.WithdrawalFailed},
	{storage.WithdrawalBankRejected, EventFail, storage.WithdrawalFailed},
	{storage.WithdrawalPending, EventCancel, storage.WithdrawalCancelled},
})

var InternalTransfer = New("internal_transfer", storage.TransferPending, []Transition{
	{storage.TransferPending, EventProcess, storage.TransferProcessing},
	{storage.TransferProcessing, EventComplete, storage.TransferCompleted},
	{storage.TransferPending, EventReject, storage.TransferRejected},
	{storage.TransferPending, EventCancel, storage.TransferCanceled},
})

var BalanceLock = New("balance_lock", storage.LockLocked, []Transition{
	{storage.LockLocked, EventRelease, storage.LockReleasing},
	{storage.LockReleasing, EventFinish, storage.LockReleased},
})

var BalanceLockOperation = New("balance_lock_operation", storage.StepPending, []Transition{
	{storage.StepPending, EventComplete, storage.StepCompleted},
	{storage.StepPending, EventFail, storage.StepFailed},
})

var MerchantEscrowOperation = New("merchant_escrow_operation", storage.StepPending, []Transition{
	{storage.StepPending, EventComplete, storage.StepCompleted},
	{storage.StepPending, EventFail, storage.StepFailed},
})

func Deposit(class storage.AssetClass) *Machine {
	if class == storage.ClassFiat {
		return FiatDeposit
	}
	return CoinDeposit
}

func Withdrawal(class storage.AssetClass) *Machine {
	if class == storage.ClassFiat {
		return FiatWithdrawal
	}
	return CoinWithdrawal
}
