package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"

	"community-wager-backend/internal/models"
)

type MutationKind string

const (
	MutationEscrowDebit   MutationKind = "escrow_debit"
	MutationEscrowRelease MutationKind = "escrow_release"
	MutationCredit        MutationKind = "credit"
	MutationDeposit       MutationKind = "deposit"
	MutationWithdraw      MutationKind = "withdraw"
)

// Mutation is one ledger primitive applied to a wallet.
type Mutation struct {
	Kind        MutationKind `json:"kind"`
	Amount      int64        `json:"amount"`
	ChallengeID string       `json:"challengeId,omitempty"`
	Description string       `json:"description,omitempty"`
}

func EscrowDebit(amount int64, challengeID string) Mutation {
	return Mutation{Kind: MutationEscrowDebit, Amount: amount, ChallengeID: challengeID}
}

func EscrowRelease(amount int64, challengeID string) Mutation {
	return Mutation{Kind: MutationEscrowRelease, Amount: amount, ChallengeID: challengeID}
}

func Credit(amount int64, challengeID string) Mutation {
	return Mutation{Kind: MutationCredit, Amount: amount, ChallengeID: challengeID}
}

// recentOpsKept bounds the operation keys remembered per wallet.
const recentOpsKept = 256

// Ledger owns every wallet mutation. Wallets are only ever changed inside a
// DocumentStore.Update, which re-reads the balance in the same atomic step.
type Ledger struct {
	store DocumentStore
	log   slog.Logger
	now   func() time.Time
}

func NewLedger(store DocumentStore, log slog.Logger, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, log: log, now: now}
}

// Wallet returns the stored wallet or a *NotFoundError.
func (l *Ledger) Wallet(ctx context.Context, userID string) (*models.Wallet, error) {
	data, err := l.store.Get(ctx, fmt.Sprintf(PathWallet, userID))
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "wallet", ID: userID}
	}
	if err != nil {
		return nil, err
	}

	var wallet models.Wallet
	if err := json.Unmarshal(data, &wallet); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet %s: %w", userID, err)
	}
	return &wallet, nil
}

// Apply runs every mutation against userID's wallet as one atomic update.
// Either all mutations apply or none do. A missing wallet is created empty.
func (l *Ledger) Apply(ctx context.Context, userID string, mutations ...Mutation) ([]models.Transaction, error) {
	entries, _, err := l.apply(ctx, userID, "", mutations)
	return entries, err
}

// ApplyOnce is Apply keyed by opKey. The key is stored on the wallet in the
// same update; when the wallet already carries it nothing is applied and
// ApplyOnce reports false.
func (l *Ledger) ApplyOnce(ctx context.Context, userID, opKey string, mutations ...Mutation) (bool, error) {
	if opKey == "" {
		return false, errors.New("ledger operation key is empty")
	}
	_, applied, err := l.apply(ctx, userID, opKey, mutations)
	return applied, err
}

func (l *Ledger) apply(ctx context.Context, userID, opKey string, mutations []Mutation) ([]models.Transaction, bool, error) {
	for _, m := range mutations {
		if m.Amount < 0 {
			return nil, false, &ValidationError{Field: "amount", Message: "must not be negative"}
		}
	}

	var (
		entries []models.Transaction
		wallet  models.Wallet
		applied bool
	)
	now := l.now().UTC()

	err := l.store.Update(ctx, fmt.Sprintf(PathWallet, userID), orderFromTime(now), func(current []byte) ([]byte, error) {
		entries = entries[:0]
		applied = false
		wallet = models.Wallet{UserID: userID, CreatedAt: now}
		if current != nil {
			if err := json.Unmarshal(current, &wallet); err != nil {
				return nil, fmt.Errorf("failed to unmarshal wallet %s: %w", userID, err)
			}
		}
		if opKey != "" && wallet.HasOp(opKey) {
			return nil, nil
		}

		for _, m := range mutations {
			if m.Amount == 0 {
				continue
			}
			tx, err := applyMutation(&wallet, m, now)
			if err != nil {
				return nil, err
			}
			entries = append(entries, tx)
		}
		if opKey != "" {
			wallet.RecordOp(opKey, recentOpsKept)
		} else if len(entries) == 0 {
			return nil, nil
		}

		if len(entries) > 0 {
			last := entries[len(entries)-1]
			wallet.LastTransaction = &last
		}
		wallet.UpdatedAt = now
		applied = true
		return json.Marshal(&wallet)
	})
	if err != nil {
		return nil, false, err
	}
	if opKey != "" && !applied {
		l.log.Debugf("Wallet %s: operation %s already applied, skipping", userID, opKey)
		return nil, false, nil
	}

	for i := range entries {
		tx := entries[i]
		data, err := json.Marshal(&tx)
		if err != nil {
			l.log.Errorf("Failed to marshal transaction %s: %v", tx.ID, err)
			continue
		}
		// The wallet write above is authoritative; the trail is best effort.
		path := fmt.Sprintf(PathUserTransaction, userID, tx.ID)
		if err := l.store.Set(ctx, path, data, float64(tx.CreatedAt.UnixMicro()+int64(i))); err != nil {
			l.log.Errorf("Failed to append transaction %s for %s: %v", tx.ID, userID, err)
		}
	}

	for _, tx := range entries {
		l.log.Debugf("Wallet %s: %s %d (challenge %s) balance %d->%d escrow %d->%d",
			userID, tx.Type, tx.Amount, tx.RelatedChallengeID,
			tx.BalanceBefore, tx.BalanceAfter, tx.EscrowBefore, tx.EscrowAfter)
	}

	return entries, true, nil
}

func applyMutation(w *models.Wallet, m Mutation, now time.Time) (models.Transaction, error) {
	tx := models.Transaction{
		ID:                 models.GenerateTransactionID(),
		UserID:             w.UserID,
		Amount:             m.Amount,
		RelatedChallengeID: m.ChallengeID,
		BalanceBefore:      w.Amount,
		EscrowBefore:       w.EscrowBalance,
		Description:        m.Description,
		CreatedAt:          now,
	}

	switch m.Kind {
	case MutationEscrowDebit:
		if w.Amount < m.Amount {
			return tx, &InsufficientFundsError{UserID: w.UserID, Required: m.Amount, Available: w.Amount}
		}
		w.Amount -= m.Amount
		w.EscrowBalance += m.Amount
		tx.Type = models.TransactionTypeEscrowDebit
	case MutationEscrowRelease:
		if w.EscrowBalance < m.Amount {
			return tx, &InsufficientFundsError{UserID: w.UserID, Required: m.Amount, Available: w.EscrowBalance, Escrow: true}
		}
		w.EscrowBalance -= m.Amount
		tx.Type = models.TransactionTypeEscrowRelease
	case MutationCredit:
		w.Amount += m.Amount
		tx.Type = models.TransactionTypeCredit
	case MutationDeposit:
		w.Amount += m.Amount
		tx.Type = models.TransactionTypeDeposit
	case MutationWithdraw:
		if w.Amount < m.Amount {
			return tx, &InsufficientFundsError{UserID: w.UserID, Required: m.Amount, Available: w.Amount}
		}
		w.Amount -= m.Amount
		tx.Type = models.TransactionTypeWithdraw
	default:
		return tx, fmt.Errorf("unknown ledger mutation %q", m.Kind)
	}

	tx.BalanceAfter = w.Amount
	tx.EscrowAfter = w.EscrowBalance
	return tx, nil
}

// EscrowDebit moves amount from the available balance into escrow.
func (l *Ledger) EscrowDebit(ctx context.Context, userID string, amount int64, challengeID string) error {
	_, err := l.Apply(ctx, userID, EscrowDebit(amount, challengeID))
	return err
}

// EscrowRelease removes amount from escrow without crediting it; the payout
// or refund is a separate Credit.
func (l *Ledger) EscrowRelease(ctx context.Context, userID string, amount int64, challengeID string) error {
	_, err := l.Apply(ctx, userID, EscrowRelease(amount, challengeID))
	return err
}

func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, challengeID string) error {
	_, err := l.Apply(ctx, userID, Credit(amount, challengeID))
	return err
}

func (l *Ledger) Deposit(ctx context.Context, userID string, amount int64, description string) (*models.Wallet, error) {
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if _, err := l.Apply(ctx, userID, Mutation{Kind: MutationDeposit, Amount: amount, Description: description}); err != nil {
		return nil, err
	}
	return l.Wallet(ctx, userID)
}

func (l *Ledger) Withdraw(ctx context.Context, userID string, amount int64) (*models.Wallet, error) {
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if _, err := l.Wallet(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := l.Apply(ctx, userID, Mutation{Kind: MutationWithdraw, Amount: amount}); err != nil {
		return nil, err
	}
	return l.Wallet(ctx, userID)
}

// Transactions lists userID's ledger trail, newest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, offset, limit int64) ([]models.Transaction, int64, error) {
	coll := fmt.Sprintf(CollUserTransactions, userID)

	docs, err := l.store.Children(ctx, coll, offset, limit, true)
	if err != nil {
		return nil, 0, err
	}
	total, err := l.store.CountChildren(ctx, coll)
	if err != nil {
		return nil, 0, err
	}

	out := make([]models.Transaction, 0, len(docs))
	for _, doc := range docs {
		var tx models.Transaction
		if err := json.Unmarshal(doc.Value, &tx); err != nil {
			l.log.Warnf("Skipping unreadable transaction %s: %v", doc.Path, err)
			continue
		}
		out = append(out, tx)
	}
	return out, total, nil
}
