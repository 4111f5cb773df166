package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"

	"shareledger.dev/ysl/internal/identity"
)

// TransactionType selects the ledger operation a transaction invokes.
type TransactionType string

const (
	TxDeposit          TransactionType = "deposit"
	TxMint             TransactionType = "mint"
	TxTransfer         TransactionType = "transfer"
	TxRequestRedeem    TransactionType = "request_redeem"
	TxWithdraw         TransactionType = "withdraw"
	TxRedeem           TransactionType = "redeem"
	TxRedeemFor        TransactionType = "redeem_for"
	TxDistributeYield  TransactionType = "distribute_yield"
	TxUpdateParam      TransactionType = "update_param"
	TxPause            TransactionType = "pause"
	TxUnpause          TransactionType = "unpause"
	TxEmergencyRecover TransactionType = "emergency_recover"
)

// TransactionTypes lists every type accepted by the application.
var TransactionTypes = []TransactionType{
	TxDeposit, TxMint, TxTransfer, TxRequestRedeem, TxWithdraw, TxRedeem,
	TxRedeemFor, TxDistributeYield, TxUpdateParam, TxPause, TxUnpause,
	TxEmergencyRecover,
}

// Known reports whether t is an accepted transaction type.
func (t TransactionType) Known() bool {
	for _, known := range TransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Transaction is the unsigned body of a ledger transaction.
type Transaction struct {
	ID        string          `json:"id"`
	Type      TransactionType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SignedTransaction carries the serialized Transaction with the signer's
// public key and signature over those bytes.
type SignedTransaction struct {
	Tx        []byte `json:"tx"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// NewTransaction builds a transaction with a fresh id and the payload
// marshalled to JSON.
func NewTransaction(txType TransactionType, payload interface{}) (*Transaction, error) {
	tx := &Transaction{
		ID:        uuid.NewString(),
		Type:      txType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", txType, err)
		}
		tx.Payload = b
	}
	return tx, nil
}

// Sign serializes the transaction and signs it with id.
func (tx *Transaction) Sign(id *identity.Identity) (*SignedTransaction, error) {
	b, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	return &SignedTransaction{
		Tx:        b,
		PublicKey: id.PublicKey(),
		Signature: id.Sign(b),
	}, nil
}

// Verify checks the signature against the embedded public key.
func (st *SignedTransaction) Verify() bool {
	if len(st.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(st.PublicKey, st.Tx, st.Signature)
}

// Signer returns the caller address of the transaction.
func (st *SignedTransaction) Signer() Address {
	return Address(hex.EncodeToString(st.PublicKey))
}

// GetTransaction decodes the inner transaction.
func (st *SignedTransaction) GetTransaction() (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(st.Tx, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &tx, nil
}

// DepositPayload is used by TxDeposit.
type DepositPayload struct {
	Assets   math.Int `json:"assets"`
	Receiver Address  `json:"receiver"`
}

// MintPayload is used by TxMint.
type MintPayload struct {
	Shares   math.Int `json:"shares"`
	Receiver Address  `json:"receiver"`
}

// TransferPayload is used by TxTransfer.
type TransferPayload struct {
	To     Address  `json:"to"`
	Shares math.Int `json:"shares"`
}

// RequestRedeemPayload is used by TxRequestRedeem.
type RequestRedeemPayload struct {
	Shares math.Int `json:"shares"`
}

// WithdrawPayload is used by TxWithdraw.
type WithdrawPayload struct {
	Assets   math.Int `json:"assets"`
	Receiver Address  `json:"receiver"`
	Owner    Address  `json:"owner"`
}

// RedeemPayload is used by TxRedeem.
type RedeemPayload struct {
	Shares   math.Int `json:"shares"`
	Receiver Address  `json:"receiver"`
	Owner    Address  `json:"owner"`
}

// RedeemForPayload is used by TxRedeemFor. A single holder settles through
// the plain operator path; several holders settle as one batch, in which
// case Expected carries the frozen asset amount for each holder.
type RedeemForPayload struct {
	Holders  []Address  `json:"holders"`
	Expected []math.Int `json:"expected,omitempty"`
}

// DistributeYieldPayload is used by TxDistributeYield.
type DistributeYieldPayload struct {
	Amount    math.Int `json:"amount"`
	FeeAmount math.Int `json:"fee_amount"`
	Epoch     uint64   `json:"epoch"`
	IsProfit  bool     `json:"is_profit"`
}

// UpdateParamPayload is used by TxUpdateParam. Durations are given in Go
// duration syntax ("168h"), amounts and basis points as base-10 integers.
type UpdateParamPayload struct {
	Param string `json:"param"`
	Value string `json:"value"`
}

// EmergencyRecoverPayload is used by TxEmergencyRecover.
type EmergencyRecoverPayload struct {
	Asset  string   `json:"asset"`
	Amount math.Int `json:"amount"`
	To     Address  `json:"to"`
}
