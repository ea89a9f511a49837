package models

import (
	"slices"
	"time"
)

// Wallet amounts are in minor currency units. RecentOps holds the keys of
// the latest keyed ledger operations, oldest first.
type Wallet struct {
	UserID          string       `json:"userId"`
	Amount          int64        `json:"amount"`
	EscrowBalance   int64        `json:"escrowBalance"`
	LastTransaction *Transaction `json:"lastTransaction,omitempty"`
	RecentOps       []string     `json:"recentOps,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

func (w *Wallet) HasOp(key string) bool {
	return slices.Contains(w.RecentOps, key)
}

// RecordOp remembers key and drops the oldest keys beyond keep.
func (w *Wallet) RecordOp(key string, keep int) {
	w.RecentOps = append(w.RecentOps, key)
	if len(w.RecentOps) > keep {
		w.RecentOps = slices.Clone(w.RecentOps[len(w.RecentOps)-keep:])
	}
}

type TransactionType string

const (
	TransactionTypeEscrowDebit   TransactionType = "escrow_debit"
	TransactionTypeEscrowRelease TransactionType = "escrow_release"
	TransactionTypeCredit        TransactionType = "credit"
	TransactionTypeDeposit       TransactionType = "deposit"
	TransactionTypeWithdraw      TransactionType = "withdraw"
)

type Transaction struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"userId"`
	Type               TransactionType `json:"type"`
	Amount             int64           `json:"amount"`
	RelatedChallengeID string          `json:"relatedChallengeId,omitempty"`
	BalanceBefore      int64           `json:"balanceBefore"`
	BalanceAfter       int64           `json:"balanceAfter"`
	EscrowBefore       int64           `json:"escrowBefore"`
	EscrowAfter        int64           `json:"escrowAfter"`
	Description        string          `json:"description,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

type BalanceResponse struct {
	Amount          int64        `json:"amount"`
	EscrowBalance   int64        `json:"escrowBalance"`
	LastTransaction *Transaction `json:"lastTransaction,omitempty"`
}
