package ledger

import (
	"encoding/json"
	"time"

	"pulse/internal/database"
)

type Kind string

const (
	KindEarned    Kind = "earned"
	KindSpent     Kind = "spent"
	KindPurchased Kind = "purchased"
	KindWithdrawn Kind = "withdrawn"
	KindReceived  Kind = "received"
	KindSent      Kind = "sent"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Transaction is an entry of a user's points history.
type Transaction struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Amount           int64           `json:"amount"`
	Kind             Kind            `json:"kind"`
	Reason           string          `json:"reason"`
	RelatedUserID    *string         `json:"related_user_id,omitempty"`
	RelatedContentID *string         `json:"related_content_id,omitempty"`
	BalanceAfter     int64           `json:"balance_after"`
	Status           Status          `json:"status"`
	ExternalRef      *string         `json:"external_ref,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func fromRow(row *database.PointsTransaction) *Transaction {
	t := &Transaction{
		ID:               row.ID,
		UserID:           row.UserID,
		Amount:           row.Amount,
		Kind:             Kind(row.Kind),
		Reason:           row.Reason,
		RelatedUserID:    row.RelatedUserID,
		RelatedContentID: row.RelatedContentID,
		BalanceAfter:     row.BalanceAfter,
		Status:           Status(row.Status),
		ExternalRef:      row.ExternalRef,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.Metadata != "" {
		t.Metadata = json.RawMessage(row.Metadata)
	}
	return t
}

type TransferInput struct {
	SenderID    string
	RecipientID string
	Amount      int64
	Note        string
}

type TransferResult struct {
	Sent             *Transaction `json:"sent"`
	Received         *Transaction `json:"received"`
	SenderBalance    int64        `json:"sender_balance"`
	RecipientBalance int64        `json:"recipient_balance"`
}

type EarnInput struct {
	UserID           string
	Amount           int64
	Reason           string
	RelatedUserID    *string
	RelatedContentID *string
}

type EarnResult struct {
	Transaction  *Transaction `json:"transaction"`
	Balance      int64        `json:"balance"`
	PreviousTier Tier         `json:"previous_tier"`
	NewTier      Tier         `json:"new_tier"`
}

// TierChanged reports whether the credit moved the user to another tier.
func (r *EarnResult) TierChanged() bool {
	return r.PreviousTier != r.NewTier
}

type SpendInput struct {
	UserID           string
	Amount           int64
	Reason           string
	RelatedContentID *string
}

// Completion is the payment gateway's report that a charge succeeded.
type Completion struct {
	ExternalRef string
	UserID      string
	Amount      int64
}

type CompletionResult struct {
	Transaction *Transaction `json:"transaction"`
	// Applied is false when the completion had already been recorded.
	Applied bool  `json:"applied"`
	Balance int64 `json:"balance"`
}

// MinMobileMoneyPurchase is the smallest mobile money request, in points.
const MinMobileMoneyPurchase = 1000

// MobileMoneyInput is a purchase paid from a mobile wallet. The provider
// confirms it later through the payment webhook.
type MobileMoneyInput struct {
	UserID      string
	PhoneNumber string
	Provider    string
	Amount      int64
}

func validProvider(p string) bool {
	switch p {
	case "mtn", "airtel", "vodafone":
		return true
	}
	return false
}

type PurchaseResult struct {
	ClientSecret string       `json:"client_secret"`
	Package      Package      `json:"package"`
	Transaction  *Transaction `json:"transaction"`
}

type Method string

const (
	MethodMobileMoney  Method = "mobile_money"
	MethodBankTransfer Method = "bank_transfer"
	MethodPayPal       Method = "paypal"
)

func (m Method) valid() bool {
	switch m {
	case MethodMobileMoney, MethodBankTransfer, MethodPayPal:
		return true
	}
	return false
}

type WithdrawalInput struct {
	UserID         string
	Amount         int64
	Method         Method
	AccountDetails map[string]string
}

type ResolveResult struct {
	Transaction *Transaction `json:"transaction"`
	Refund      *Transaction `json:"refund,omitempty"`
	Applied     bool         `json:"applied"`
}

type BalanceView struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Tier    Tier   `json:"tier"`
}

type HistoryPage struct {
	Transactions []*Transaction `json:"transactions"`
	Page         int            `json:"page"`
	Limit        int            `json:"limit"`
	Total        int64          `json:"total"`
	HasMore      bool           `json:"has_more"`
}

type ReasonTotal struct {
	Reason string `json:"reason"`
	Total  int64  `json:"total"`
	Count  int64  `json:"count"`
}

type Stats struct {
	Balance        int64          `json:"balance"`
	Tier           Tier           `json:"tier"`
	Totals         map[Kind]int64 `json:"totals"`
	EarnedByReason []ReasonTotal  `json:"earned_by_reason"`
}

type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Tier        Tier   `json:"tier"`
	Points      int64  `json:"points"`
}
