package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pulse/infrastructure"
	"pulse/internal/database"
	"pulse/internal/metrics"
)

type Options struct {
	MinWithdrawal int64
	Payout        PayoutPolicy
}

// Service owns every write to user balances and the points history.
type Service struct {
	db      *gorm.DB
	gateway PaymentGateway
	log     zerolog.Logger
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

func NewService(db *gorm.DB, gateway PaymentGateway, log zerolog.Logger, m *metrics.Metrics, opts Options) *Service {
	if opts.MinWithdrawal <= 0 {
		opts.MinWithdrawal = 1000
	}
	if opts.Payout.PointsPerUnit <= 0 {
		opts.Payout = DefaultPayoutPolicy()
	}
	return &Service{
		db:      db,
		gateway: gateway,
		log:     log,
		metrics: m,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// run executes op in a transaction, records the outcome and adds the
// operation name to the context logger.
func (s *Service) run(ctx context.Context, name string, op func(tx *gorm.DB) error) error {
	ctx = s.log.With().Str("operation", name).Logger().WithContext(ctx)
	err := infrastructure.TimeOperation(ctx, name, func() error {
		return infrastructure.WithTransaction(ctx, s.db, op)
	})
	s.metrics.LedgerOp(name, err)
	return err
}

// Transfer moves points between two users atomically.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (*TransferResult, error) {
	var res *TransferResult
	err := s.run(ctx, "transfer", func(tx *gorm.DB) error {
		var err error
		res, err = s.TransferTx(tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("sender_id", in.SenderID).
		Str("recipient_id", in.RecipientID).
		Int64("amount", in.Amount).
		Msg("points transferred")
	return res, nil
}

// TransferTx performs a transfer inside a caller-owned transaction. Every
// statement goes through tx.
func (s *Service) TransferTx(tx *gorm.DB, in TransferInput) (*TransferResult, error) {
	if err := validateTransfer(in); err != nil {
		return nil, err
	}

	users, err := lockUsers(tx, in.SenderID, in.RecipientID)
	if err != nil {
		return nil, err
	}
	sender, ok := users[in.SenderID]
	if !ok {
		return nil, infrastructure.NotFoundf("user %s", in.SenderID)
	}
	recipient, ok := users[in.RecipientID]
	if !ok || !recipient.Active {
		return nil, fmt.Errorf("%w: recipient %s does not exist", infrastructure.ErrInvalidTarget, in.RecipientID)
	}
	if sender.Balance < in.Amount {
		return nil, fmt.Errorf("%w: have %d, need %d", infrastructure.ErrInsufficientBalance, sender.Balance, in.Amount)
	}

	if err := setBalance(tx, sender, sender.Balance-in.Amount); err != nil {
		return nil, err
	}
	if err := setBalance(tx, recipient, recipient.Balance+in.Amount); err != nil {
		return nil, err
	}

	reason := in.Note
	if reason == "" {
		reason = "Points transfer"
	}
	at := s.now()
	sent := &database.PointsTransaction{
		ID:            uuid.New().String(),
		UserID:        sender.ID,
		Amount:        -in.Amount,
		Kind:          string(KindSent),
		Reason:        reason,
		RelatedUserID: &recipient.ID,
		BalanceAfter:  sender.Balance,
		Status:        string(StatusCompleted),
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	received := &database.PointsTransaction{
		ID:            uuid.New().String(),
		UserID:        recipient.ID,
		Amount:        in.Amount,
		Kind:          string(KindReceived),
		Reason:        reason,
		RelatedUserID: &sender.ID,
		BalanceAfter:  recipient.Balance,
		Status:        string(StatusCompleted),
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	if err := tx.Create([]*database.PointsTransaction{sent, received}).Error; err != nil {
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}

	return &TransferResult{
		Sent:             fromRow(sent),
		Received:         fromRow(received),
		SenderBalance:    sender.Balance,
		RecipientBalance: recipient.Balance,
	}, nil
}

func validateTransfer(in TransferInput) error {
	if in.Amount <= 0 {
		return infrastructure.Validationf("amount must be positive")
	}
	if in.Amount > MaxTransferAmount {
		return infrastructure.Validationf("amount must not exceed %d", MaxTransferAmount)
	}
	if len([]rune(in.Note)) > MaxNoteLength {
		return infrastructure.Validationf("note must be at most %d characters", MaxNoteLength)
	}
	if in.SenderID == "" || in.RecipientID == "" {
		return infrastructure.Validationf("sender and recipient are required")
	}
	if in.SenderID == in.RecipientID {
		return fmt.Errorf("%w: cannot send points to yourself", infrastructure.ErrInvalidTarget)
	}
	return nil
}

// Earn credits an engagement reward.
func (s *Service) Earn(ctx context.Context, in EarnInput) (*EarnResult, error) {
	if in.Amount <= 0 {
		return nil, infrastructure.Validationf("amount must be positive")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, infrastructure.Validationf("reason is required")
	}

	var res *EarnResult
	err := s.run(ctx, "earn", func(tx *gorm.DB) error {
		u, err := lockUser(tx, in.UserID)
		if err != nil {
			return err
		}
		previous := TierFor(u.Balance)
		if err := setBalance(tx, u, u.Balance+in.Amount); err != nil {
			return err
		}
		row := s.newRow(u, in.Amount, KindEarned, in.Reason, StatusCompleted)
		row.RelatedUserID = in.RelatedUserID
		row.RelatedContentID = in.RelatedContentID
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to record earning: %w", err)
		}
		res = &EarnResult{
			Transaction:  fromRow(row),
			Balance:      u.Balance,
			PreviousTier: previous,
			NewTier:      TierFor(u.Balance),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.TierChanged() {
		s.log.Info().
			Str("user_id", in.UserID).
			Str("from", string(res.PreviousTier)).
			Str("to", string(res.NewTier)).
			Msg("tier changed")
	}
	return res, nil
}

// Spend debits points for an in-app purchase.
func (s *Service) Spend(ctx context.Context, in SpendInput) (*Transaction, error) {
	if in.Amount <= 0 {
		return nil, infrastructure.Validationf("amount must be positive")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, infrastructure.Validationf("reason is required")
	}

	var out *Transaction
	err := s.run(ctx, "spend", func(tx *gorm.DB) error {
		u, err := lockUser(tx, in.UserID)
		if err != nil {
			return err
		}
		if u.Balance < in.Amount {
			return fmt.Errorf("%w: have %d, need %d", infrastructure.ErrInsufficientBalance, u.Balance, in.Amount)
		}
		if err := setBalance(tx, u, u.Balance-in.Amount); err != nil {
			return err
		}
		row := s.newRow(u, -in.Amount, KindSpent, in.Reason, StatusCompleted)
		row.RelatedContentID = in.RelatedContentID
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to record spend: %w", err)
		}
		out = fromRow(row)
		return nil
	})
	return out, err
}

// StartPurchase opens a payment intent for a package and records the pending
// purchase under the intent's reference.
func (s *Service) StartPurchase(ctx context.Context, userID, packageID string) (*PurchaseResult, error) {
	pkg, ok := PackageByID(packageID)
	if !ok {
		return nil, infrastructure.Validationf("unknown package %q", packageID)
	}
	if s.gateway == nil {
		return nil, infrastructure.ExternalServicef("payment gateway is not configured")
	}
	intent, err := s.gateway.CreateIntent(ctx, userID, pkg)
	if err != nil {
		return nil, err
	}
	t, err := s.RequestPurchase(ctx, userID, pkg.Points, intent.ExternalRef)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{ClientSecret: intent.ClientSecret, Package: pkg, Transaction: t}, nil
}

// RequestPurchase records a pending purchase. Repeating a request with the
// same reference returns the existing row.
func (s *Service) RequestPurchase(ctx context.Context, userID string, amount int64, externalRef string) (*Transaction, error) {
	return s.requestPurchase(ctx, userID, amount, externalRef, "Points purchase", "")
}

// RequestMobileMoney records a pending purchase under a fresh MM reference,
// which the provider quotes back when the wallet payment settles.
func (s *Service) RequestMobileMoney(ctx context.Context, in MobileMoneyInput) (*Transaction, error) {
	if !validProvider(in.Provider) {
		return nil, infrastructure.Validationf("unknown mobile money provider %q", in.Provider)
	}
	if strings.TrimSpace(in.PhoneNumber) == "" {
		return nil, infrastructure.Validationf("phone number is required")
	}
	if in.Amount < MinMobileMoneyPurchase {
		return nil, fmt.Errorf("%w: minimum mobile money purchase is %d points", infrastructure.ErrBelowMinimum, MinMobileMoneyPurchase)
	}
	ref := fmt.Sprintf("MM%d%s", s.now().UnixMilli(), strings.ToUpper(uuid.NewString()[:8]))
	metadata, err := json.Marshal(map[string]string{
		"provider":       in.Provider,
		"phone_number":   in.PhoneNumber,
		"transaction_id": ref,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode mobile money details: %w", err)
	}
	reason := fmt.Sprintf("Mobile money purchase - %s", in.Provider)
	return s.requestPurchase(ctx, in.UserID, in.Amount, ref, reason, string(metadata))
}

func (s *Service) requestPurchase(ctx context.Context, userID string, amount int64, externalRef, reason, metadata string) (*Transaction, error) {
	if amount <= 0 {
		return nil, infrastructure.Validationf("amount must be positive")
	}
	if externalRef == "" {
		return nil, infrastructure.Validationf("external reference is required")
	}

	existing, err := s.findByRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return sameRequest(existing, userID, amount)
	}

	var u database.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, infrastructure.NotFoundf("user %s", userID)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	row := s.newRow(&u, amount, KindPurchased, reason, StatusPending)
	row.ExternalRef = &externalRef
	row.Metadata = metadata
	err = s.db.WithContext(ctx).Create(row).Error
	s.metrics.LedgerOp("request_purchase", err)
	if infrastructure.IsUniqueViolation(err) {
		existing, err := s.findByRef(ctx, externalRef)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("purchase %s vanished after conflict", externalRef)
		}
		return sameRequest(existing, userID, amount)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}
	return fromRow(row), nil
}

func sameRequest(row *database.PointsTransaction, userID string, amount int64) (*Transaction, error) {
	if row.UserID != userID || row.Amount != amount {
		return nil, infrastructure.Conflictf("reference %s belongs to another purchase", *row.ExternalRef)
	}
	return fromRow(row), nil
}

func (s *Service) findByRef(ctx context.Context, ref string) (*database.PointsTransaction, error) {
	var row database.PointsTransaction
	err := s.db.WithContext(ctx).Where("external_ref = ?", ref).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
	return &row, nil
}

// CompletePurchase credits a purchase exactly once per external reference.
func (s *Service) CompletePurchase(ctx context.Context, c Completion) (*CompletionResult, error) {
	if c.ExternalRef == "" || c.UserID == "" {
		return nil, infrastructure.Validationf("external reference and user are required")
	}
	if c.Amount <= 0 {
		return nil, infrastructure.Validationf("amount must be positive")
	}

	var res *CompletionResult
	op := func(tx *gorm.DB) error {
		var err error
		res, err = s.completePurchase(tx, c)
		return err
	}
	err := s.run(ctx, "complete_purchase", op)
	if infrastructure.IsUniqueViolation(err) {
		// A concurrent callback inserted the row first; the retry sees it.
		err = s.run(ctx, "complete_purchase", op)
	}
	if err != nil {
		return nil, err
	}
	if res.Applied {
		s.log.Info().Str("external_ref", c.ExternalRef).Int64("amount", c.Amount).Msg("purchase completed")
	}
	return res, nil
}

func (s *Service) completePurchase(tx *gorm.DB, c Completion) (*CompletionResult, error) {
	row, err := lockByRef(tx, c.ExternalRef)
	if err != nil {
		return nil, err
	}

	if row == nil {
		u, err := lockUser(tx, c.UserID)
		if err != nil {
			return nil, err
		}
		if err := setBalance(tx, u, u.Balance+c.Amount); err != nil {
			return nil, err
		}
		row = s.newRow(u, c.Amount, KindPurchased, "Points purchase", StatusCompleted)
		row.ExternalRef = &c.ExternalRef
		if err := tx.Create(row).Error; err != nil {
			return nil, fmt.Errorf("failed to record purchase: %w", err)
		}
		return &CompletionResult{Transaction: fromRow(row), Applied: true, Balance: u.Balance}, nil
	}

	if row.Kind != string(KindPurchased) || row.UserID != c.UserID || row.Amount != c.Amount {
		return nil, infrastructure.Validationf("completion does not match purchase %s", c.ExternalRef)
	}
	switch Status(row.Status) {
	case StatusCompleted:
		return &CompletionResult{Transaction: fromRow(row), Applied: false, Balance: row.BalanceAfter}, nil
	case StatusPending:
	default:
		return nil, infrastructure.Statef("purchase %s is %s", c.ExternalRef, row.Status)
	}

	u, err := lockUser(tx, row.UserID)
	if err != nil {
		return nil, err
	}
	if err := setBalance(tx, u, u.Balance+row.Amount); err != nil {
		return nil, err
	}
	row.Status = string(StatusCompleted)
	row.BalanceAfter = u.Balance
	row.UpdatedAt = s.now()
	err = tx.Model(&database.PointsTransaction{}).Where("id = ?", row.ID).Updates(map[string]any{
		"status":        row.Status,
		"balance_after": row.BalanceAfter,
		"updated_at":    row.UpdatedAt,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to complete purchase: %w", err)
	}
	return &CompletionResult{Transaction: fromRow(row), Applied: true, Balance: u.Balance}, nil
}

// FailPurchase marks a pending purchase failed. Failing it again is a no-op.
func (s *Service) FailPurchase(ctx context.Context, externalRef string) (*Transaction, error) {
	var out *Transaction
	err := s.run(ctx, "fail_purchase", func(tx *gorm.DB) error {
		row, err := lockByRef(tx, externalRef)
		if err != nil {
			return err
		}
		if row == nil {
			return infrastructure.NotFoundf("purchase %s", externalRef)
		}
		switch Status(row.Status) {
		case StatusFailed:
			out = fromRow(row)
			return nil
		case StatusPending:
		default:
			return infrastructure.Statef("purchase %s is %s", externalRef, row.Status)
		}
		if err := s.setStatus(tx, row, StatusFailed); err != nil {
			return err
		}
		out = fromRow(row)
		return nil
	})
	return out, err
}

// RequestWithdrawal debits the points immediately and records a pending
// withdrawal carrying the payout quote.
func (s *Service) RequestWithdrawal(ctx context.Context, in WithdrawalInput) (*Transaction, error) {
	if !in.Method.valid() {
		return nil, infrastructure.Validationf("unsupported payout method %q", in.Method)
	}
	if len(in.AccountDetails) == 0 {
		return nil, infrastructure.Validationf("account details are required")
	}
	if in.Amount < s.opts.MinWithdrawal {
		return nil, fmt.Errorf("%w: minimum withdrawal is %d points", infrastructure.ErrBelowMinimum, s.opts.MinWithdrawal)
	}

	metadata, err := json.Marshal(struct {
		Method         Method            `json:"method"`
		AccountDetails map[string]string `json:"account_details"`
		Payout         payoutJSON        `json:"payout"`
	}{in.Method, in.AccountDetails, s.opts.Payout.Quote(in.Amount).json()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode withdrawal: %w", err)
	}

	var out *Transaction
	err = s.run(ctx, "request_withdrawal", func(tx *gorm.DB) error {
		u, err := lockUser(tx, in.UserID)
		if err != nil {
			return err
		}
		if u.Balance < in.Amount {
			return fmt.Errorf("%w: have %d, need %d", infrastructure.ErrInsufficientBalance, u.Balance, in.Amount)
		}
		if err := setBalance(tx, u, u.Balance-in.Amount); err != nil {
			return err
		}
		row := s.newRow(u, -in.Amount, KindWithdrawn, fmt.Sprintf("Withdrawal via %s", in.Method), StatusPending)
		row.Metadata = string(metadata)
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to record withdrawal: %w", err)
		}
		out = fromRow(row)
		return nil
	})
	return out, err
}

// ResolveWithdrawal applies the payout processor's decision. Failed and
// cancelled withdrawals are refunded with a compensating row.
func (s *Service) ResolveWithdrawal(ctx context.Context, txID string, status Status) (*ResolveResult, error) {
	if !status.terminal() {
		return nil, infrastructure.Validationf("status must be completed, failed or cancelled")
	}

	var res *ResolveResult
	err := s.run(ctx, "resolve_withdrawal", func(tx *gorm.DB) error {
		var row database.PointsTransaction
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND kind = ? AND amount < 0", txID, KindWithdrawn).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return infrastructure.NotFoundf("withdrawal %s", txID)
		}
		if err != nil {
			return fmt.Errorf("failed to load withdrawal: %w", err)
		}

		if Status(row.Status) == status {
			res = &ResolveResult{Transaction: fromRow(&row)}
			return nil
		}
		if Status(row.Status) != StatusPending {
			return infrastructure.Statef("withdrawal %s is already %s", txID, row.Status)
		}
		if err := s.setStatus(tx, &row, status); err != nil {
			return err
		}
		res = &ResolveResult{Transaction: fromRow(&row), Applied: true}
		if status == StatusCompleted {
			return nil
		}

		u, err := lockUser(tx, row.UserID)
		if err != nil {
			return err
		}
		if err := setBalance(tx, u, u.Balance-row.Amount); err != nil {
			return err
		}
		refund := s.newRow(u, -row.Amount, KindWithdrawn, "Withdrawal refund", StatusCompleted)
		refund.Metadata = fmt.Sprintf(`{"refund_of":%q}`, row.ID)
		if err := tx.Create(refund).Error; err != nil {
			return fmt.Errorf("failed to record refund: %w", err)
		}
		res.Refund = fromRow(refund)
		return nil
	})
	return res, err
}

func (s *Service) Balance(ctx context.Context, userID string) (*BalanceView, error) {
	var u database.User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, infrastructure.NotFoundf("user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	return &BalanceView{UserID: u.ID, Balance: u.Balance, Tier: TierFor(u.Balance)}, nil
}

// History returns the user's transactions, newest first.
func (s *Service) History(ctx context.Context, userID string, page infrastructure.Page) (*HistoryPage, error) {
	return s.history(ctx, page, func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ?", userID)
	})
}

// Withdrawals lists the user's withdrawal requests, excluding refunds.
func (s *Service) Withdrawals(ctx context.Context, userID string, page infrastructure.Page) (*HistoryPage, error) {
	return s.history(ctx, page, func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ? AND kind = ? AND amount < 0", userID, KindWithdrawn)
	})
}

func (s *Service) history(ctx context.Context, page infrastructure.Page, scope func(*gorm.DB) *gorm.DB) (*HistoryPage, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&database.PointsTransaction{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	var rows []database.PointsTransaction
	err := s.db.WithContext(ctx).Scopes(scope).
		Order("created_at DESC").Order("id DESC").
		Limit(page.Limit).Offset(page.Offset()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	out := &HistoryPage{
		Transactions: make([]*Transaction, 0, len(rows)),
		Page:         page.Number,
		Limit:        page.Limit,
		Total:        total,
		HasMore:      int64(page.Offset()+len(rows)) < total,
	}
	for i := range rows {
		out.Transactions = append(out.Transactions, fromRow(&rows[i]))
	}
	return out, nil
}

func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	var totals []struct {
		Kind  string
		Total int64
	}
	err = s.db.WithContext(ctx).Model(&database.PointsTransaction{}).
		Select("kind, SUM(amount) AS total").
		Where("user_id = ? AND status = ?", userID, StatusCompleted).
		Group("kind").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate totals: %w", err)
	}

	var byReason []ReasonTotal
	err = s.db.WithContext(ctx).Model(&database.PointsTransaction{}).
		Select("reason, SUM(amount) AS total, COUNT(*) AS count").
		Where("user_id = ? AND kind = ? AND status = ?", userID, KindEarned, StatusCompleted).
		Group("reason").
		Order("total DESC").Order("reason").
		Scan(&byReason).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate earnings: %w", err)
	}

	out := &Stats{
		Balance:        balance.Balance,
		Tier:           balance.Tier,
		Totals:         make(map[Kind]int64, len(totals)),
		EarnedByReason: byReason,
	}
	for _, t := range totals {
		out.Totals[Kind(t.Kind)] = t.Total
	}
	return out, nil
}

func (s *Service) newRow(u *database.User, amount int64, kind Kind, reason string, status Status) *database.PointsTransaction {
	at := s.now()
	return &database.PointsTransaction{
		ID:           uuid.New().String(),
		UserID:       u.ID,
		Amount:       amount,
		Kind:         string(kind),
		Reason:       reason,
		BalanceAfter: u.Balance,
		Status:       string(status),
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func (s *Service) setStatus(tx *gorm.DB, row *database.PointsTransaction, status Status) error {
	row.Status = string(status)
	row.UpdatedAt = s.now()
	err := tx.Model(&database.PointsTransaction{}).Where("id = ?", row.ID).Updates(map[string]any{
		"status":     row.Status,
		"updated_at": row.UpdatedAt,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	return nil
}

// lockUsers locks the given user rows in ascending id order. Missing users are
// absent from the result.
func lockUsers(tx *gorm.DB, ids ...string) (map[string]*database.User, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make(map[string]*database.User, len(sorted))
	for _, id := range sorted {
		if _, ok := out[id]; ok {
			continue
		}
		var row database.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock user: %w", err)
		}
		out[id] = &row
	}
	return out, nil
}

func lockUser(tx *gorm.DB, id string) (*database.User, error) {
	users, err := lockUsers(tx, id)
	if err != nil {
		return nil, err
	}
	u, ok := users[id]
	if !ok {
		return nil, infrastructure.NotFoundf("user %s", id)
	}
	return u, nil
}

func lockByRef(tx *gorm.DB, ref string) (*database.PointsTransaction, error) {
	var row database.PointsTransaction
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("external_ref = ?", ref).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock purchase: %w", err)
	}
	return &row, nil
}

// setBalance writes the balance and its derived tier.
func setBalance(tx *gorm.DB, u *database.User, balance int64) error {
	if balance < 0 {
		return fmt.Errorf("%w: balance would become negative", infrastructure.ErrInsufficientBalance)
	}
	tier := TierFor(balance)
	err := tx.Model(&database.User{}).Where("id = ?", u.ID).Updates(map[string]any{
		"balance": balance,
		"tier":    string(tier),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	u.Balance = balance
	u.Tier = string(tier)
	return nil
}
