package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"pulse/infrastructure"
	"pulse/internal/database"
	"pulse/internal/database/dbtest"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := dbtest.New(t)
	s := NewService(db, NewLocalGateway([]byte("secret")), zerolog.Nop(), nil, Options{})
	s.now = func() time.Time { return testNow }
	return s, db
}

func createUser(t *testing.T, db *gorm.DB, username string, balance int64) string {
	t.Helper()
	u := &database.User{
		ID:       uuid.New().String(),
		Username: username,
		Balance:  balance,
		Tier:     string(TierFor(balance)),
		Active:   true,
	}
	require.NoError(t, db.Create(u).Error)
	return u.ID
}

func balanceOf(t *testing.T, db *gorm.DB, id string) int64 {
	t.Helper()
	var u database.User
	require.NoError(t, db.Where("id = ?", id).Take(&u).Error)
	return u.Balance
}

func countRows(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&database.PointsTransaction{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func TestTransfer(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()
	x := createUser(t, db, "xavier", 100)
	y := createUser(t, db, "yolanda", 10)

	res, err := s.Transfer(ctx, TransferInput{SenderID: x, RecipientID: y, Amount: 40, Note: "gift"})
	require.NoError(t, err)

	assert.Equal(t, int64(60), balanceOf(t, db, x))
	assert.Equal(t, int64(50), balanceOf(t, db, y))
	assert.Equal(t, int64(60), res.SenderBalance)
	assert.Equal(t, int64(50), res.RecipientBalance)

	assert.Equal(t, KindSent, res.Sent.Kind)
	assert.Equal(t, int64(-40), res.Sent.Amount)
	assert.Equal(t, int64(60), res.Sent.BalanceAfter)
	assert.Equal(t, y, *res.Sent.RelatedUserID)
	assert.Equal(t, "gift", res.Sent.Reason)

	assert.Equal(t, KindReceived, res.Received.Kind)
	assert.Equal(t, int64(40), res.Received.Amount)
	assert.Equal(t, int64(50), res.Received.BalanceAfter)
	assert.Equal(t, x, *res.Received.RelatedUserID)

	assert.True(t, res.Sent.CreatedAt.Equal(res.Received.CreatedAt))
	assert.Zero(t, res.Sent.Amount+res.Received.Amount)

	var rows []database.PointsTransaction
	require.NoError(t, db.Order("amount").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].CreatedAt.Equal(rows[1].CreatedAt))
}

func TestTransfer_Rejections(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()
	x := createUser(t, db, "xavier", 100)
	y := createUser(t, db, "yolanda", 10)

	tests := []struct {
		name string
		in   TransferInput
		want error
	}{
		{"insufficient balance", TransferInput{SenderID: x, RecipientID: y, Amount: 101}, infrastructure.ErrInsufficientBalance},
		{"self transfer", TransferInput{SenderID: x, RecipientID: x, Amount: 1}, infrastructure.ErrInvalidTarget},
		{"unknown recipient", TransferInput{SenderID: x, RecipientID: "nobody", Amount: 1}, infrastructure.ErrInvalidTarget},
		{"zero amount", TransferInput{SenderID: x, RecipientID: y, Amount: 0}, infrastructure.ErrValidation},
		{"above limit", TransferInput{SenderID: x, RecipientID: y, Amount: MaxTransferAmount + 1}, infrastructure.ErrValidation},
		{"long note", TransferInput{SenderID: x, RecipientID: y, Amount: 1, Note: string(make([]byte, 201))}, infrastructure.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Transfer(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, int64(100), balanceOf(t, db, x))
	assert.Equal(t, int64(10), balanceOf(t, db, y))
	assert.Zero(t, countRows(t, db, x))
	assert.Zero(t, countRows(t, db, y))
}

func TestTransfer_InactiveRecipient(t *testing.T) {
	s, db := newTestService(t)
	x := createUser(t, db, "xavier", 100)
	y := createUser(t, db, "yolanda", 10)
	require.NoError(t, db.Model(&database.User{}).Where("id = ?", y).Update("active", false).Error)

	_, err := s.Transfer(context.Background(), TransferInput{SenderID: x, RecipientID: y, Amount: 5})
	assert.ErrorIs(t, err, infrastructure.ErrInvalidTarget)
}

func TestTransfer_ConcurrentConservesTotal(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = createUser(t, db, fmt.Sprintf("user%d", i), 500)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 25; i++ {
				from, to := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
				_, _ = s.Transfer(ctx, TransferInput{SenderID: from, RecipientID: to, Amount: int64(rng.Intn(200) + 1)})
			}
		}(int64(g))
	}
	wg.Wait()

	var total int64
	for _, id := range ids {
		b := balanceOf(t, db, id)
		assert.GreaterOrEqual(t, b, int64(0))
		total += b
	}
	assert.Equal(t, int64(2000), total)

	var sum int64
	require.NoError(t, db.Model(&database.PointsTransaction{}).Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error)
	assert.Zero(t, sum)
}

func TestEarn_CrossesTwoTiers(t *testing.T) {
	s, db := newTestService(t)
	u := createUser(t, db, "creator", 5_000)

	res, err := s.Earn(context.Background(), EarnInput{UserID: u, Amount: 60_000, Reason: "viral upload"})
	require.NoError(t, err)

	assert.Equal(t, TierSilver, res.PreviousTier)
	assert.Equal(t, TierPlatinum, res.NewTier)
	assert.True(t, res.TierChanged())
	assert.Equal(t, int64(65_000), res.Balance)
	assert.Equal(t, int64(65_000), res.Transaction.BalanceAfter)
	assert.Equal(t, KindEarned, res.Transaction.Kind)

	var row database.User
	require.NoError(t, db.Where("id = ?", u).Take(&row).Error)
	assert.Equal(t, string(TierPlatinum), row.Tier)
}

func TestEarn_Validation(t *testing.T) {
	s, db := newTestService(t)
	u := createUser(t, db, "creator", 0)

	_, err := s.Earn(context.Background(), EarnInput{UserID: u, Amount: -1, Reason: "x"})
	assert.ErrorIs(t, err, infrastructure.ErrValidation)
	_, err = s.Earn(context.Background(), EarnInput{UserID: u, Amount: EarnLike})
	assert.ErrorIs(t, err, infrastructure.ErrValidation)
	_, err = s.Earn(context.Background(), EarnInput{UserID: "ghost", Amount: EarnLike, Reason: "like"})
	assert.ErrorIs(t, err, infrastructure.ErrNotFound)
}

func TestSpend(t *testing.T) {
	s, db := newTestService(t)
	u := createUser(t, db, "buyer", 30)

	tx, err := s.Spend(context.Background(), SpendInput{UserID: u, Amount: 20, Reason: "sticker pack"})
	require.NoError(t, err)
	assert.Equal(t, int64(-20), tx.Amount)
	assert.Equal(t, int64(10), tx.BalanceAfter)

	_, err = s.Spend(context.Background(), SpendInput{UserID: u, Amount: 11, Reason: "sticker pack"})
	assert.ErrorIs(t, err, infrastructure.ErrInsufficientBalance)
	assert.Equal(t, int64(10), balanceOf(t, db, u))
}

func TestPurchase_CompletionIsIdempotent(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()
	u := createUser(t, db, "buyer", 0)

	pending, err := s.RequestPurchase(ctx, u, 5_000, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	again, err := s.RequestPurchase(ctx, u, 5_000, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, again.ID)

	_, err = s.RequestPurchase(ctx, u, 1_000, "pi_1")
	assert.ErrorIs(t, err, infrastructure.ErrConflict)

	first, err := s.CompletePurchase(ctx, Completion{ExternalRef: "pi_1", UserID: u, Amount: 5_000})
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, int64(5_000), first.Balance)
	assert.Equal(t, StatusCompleted, first.Transaction.Status)
	assert.Equal(t, int64(5_000), first.Transaction.BalanceAfter)

	for i := 0; i < 3; i++ {
		replay, err := s.CompletePurchase(ctx, Completion{ExternalRef: "pi_1", UserID: u, Amount: 5_000})
		require.NoError(t, err)
		assert.False(t, replay.Applied)
	}
	assert.Equal(t, int64(5_000), balanceOf(t, db, u))
	assert.Equal(t, int64(1), countRows(t, db, u))
}

func TestPurchase_ConcurrentReplaysCreditOnce(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()
	u := createUser(t, db, "buyer", 0)
	_, err := s.RequestPurchase(ctx, u, 1_000, "pi_race")
	require.NoError(t, err)

	var wg sync.WaitGroup
	applied := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.CompletePurchase(ctx, Completion{ExternalRef: "pi_race", UserID: u, Amount: 1_000})
			if err == nil {
				applied <- res.Applied
			}
		}()
	}
	wg.Wait()
	close(applied)

	var n int
	for a := range applied {
		if a {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1_000), balanceOf(t, db, u))
}

func TestPurchase_UnknownReferenceIsRecorded(t *testing.T) {
	s, db := newTestService(t)
	u := createUser(t, db, "buyer", 10)

	res, err := s.CompletePurchase(context.Background(), Completion{ExternalRef: "pi_early", UserID: u, Amount: 1_000})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(1_010), res.Transaction.BalanceAfter)
	assert.Equal(t, "pi_early", *res.Transaction.ExternalRef)
}

func TestPurchase_FailedCannotComplete(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()
	u := createUser(t, db, "buyer", 0)
	_, err := s.RequestPurchase(ctx, u, 1_000, "pi_f")
	require.NoError(t, err)

	failed, err := s.FailPurchase(ctx, "pi_f")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)

	_, err = s.FailPurchase(ctx, "pi_f")
	require.NoError(t, err)

	_, err = s.CompletePurchase(ctx, Completion{ExternalRef: "pi_f", UserID: u, Amount: 1_000})
	assert.ErrorIs(t, err, infrastructure.ErrState)
	_, err = s.CompletePurchase(ctx, Completion{ExternalRef: "pi_f", UserID: u, Amount: 999})
	assert.ErrorIs(t, err, infrastructure.ErrValidation)
	assert.Zero(t, balanceOf(t, db, u))

	_, err = s.FailPurchase(ctx, "pi_missing")
	assert.ErrorIs(t, err, infrastructure.ErrNotFound)
}

func TestStartPurchase(t *testing.T) {
	s, db := newTestService(t)
	u := createUser(t, db, "buyer", 0)

	res, err := s.StartPurchase(context.Background(), u, "popular")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), res.Package.Points)
	assert.Equal(t, int64(5_000), res.Transaction.Amount)
	assert.Equal(t, StatusPending, res.Transaction.Status)
	assert.Contains(t, res.ClientSecret, *res.Transaction.ExternalRef+"_secret_")

	_, err = s.StartPurchase(context.Background(), u, "gold-bars")
	assert.ErrorIs(t, err, infrastructure.ErrValidation)
}

func TestWithdrawal(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()
	u := createUser(t, db, "seller", 3_000)
	details := map[string]string{"phone": "+255700000000"}

	_, err := s.RequestWithdrawal(ctx, WithdrawalInput{UserID: u, Amount: 999, Method: MethodMobileMoney, AccountDetails: details})
	assert.ErrorIs(t, err, infrastructure.ErrBelowMinimum)
	_, err = s.RequestWithdrawal(ctx, WithdrawalInput{UserID: u, Amount: 5_000, Method: MethodMobileMoney, AccountDetails: details})
	assert.ErrorIs(t, err, infrastructure.ErrInsufficientBalance)
	_, err = s.RequestWithdrawal(ctx, WithdrawalInput{UserID: u, Amount: 1_000, Method: "crypto", AccountDetails: details})
	assert.ErrorIs(t, err, infrastructure.ErrValidation)

	w, err := s.RequestWithdrawal(ctx, WithdrawalInput{UserID: u, Amount: 1_000, Method: MethodMobileMoney, AccountDetails: details})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, w.Status)
	assert.Equal(t, int64(-1_000), w.Amount)
	assert.Equal(t, int64(2_000), w.BalanceAfter)
	assert.Equal(t, int64(2_000), balanceOf(t, db, u))

	var meta struct {
		Method string `json:"method"`
		Payout struct {
			Gross string `json:"gross"`
			Fee   string `json:"fee"`
			Net   string `json:"net"`
		} `json:"payout"`
	}
	require.NoError(t, json.Unmarshal(w.Metadata, &meta))
	assert.Equal(t, "mobile_money", meta.Method)
	assert.Equal(t, "10.00", meta.Payout.Gross)
	assert.Equal(t, "1.00", meta.Payout.Fee)
	assert.Equal(t, "9.00", meta.Payout.Net)
}

func TestResolveWithdrawal(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()
	u := createUser(t, db, "seller", 3_000)
	details := map[string]string{"iban": "DE00"}

	paid, err := s.RequestWithdrawal(ctx, WithdrawalInput{UserID: u, Amount: 1_000, Method: MethodBankTransfer, AccountDetails: details})
	require.NoError(t, err)
	refused, err := s.RequestWithdrawal(ctx, WithdrawalInput{UserID: u, Amount: 1_500, Method: MethodPayPal, AccountDetails: details})
	require.NoError(t, err)
	assert.Equal(t, int64(500), balanceOf(t, db, u))

	res, err := s.ResolveWithdrawal(ctx, paid.ID, StatusCompleted)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Nil(t, res.Refund)

	res, err = s.ResolveWithdrawal(ctx, refused.ID, StatusFailed)
	require.NoError(t, err)
	require.NotNil(t, res.Refund)
	assert.Equal(t, int64(1_500), res.Refund.Amount)
	assert.Equal(t, int64(2_000), res.Refund.BalanceAfter)
	assert.Equal(t, int64(2_000), balanceOf(t, db, u))

	res, err = s.ResolveWithdrawal(ctx, refused.ID, StatusFailed)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(2_000), balanceOf(t, db, u))

	_, err = s.ResolveWithdrawal(ctx, paid.ID, StatusCancelled)
	assert.ErrorIs(t, err, infrastructure.ErrState)
	_, err = s.ResolveWithdrawal(ctx, paid.ID, StatusPending)
	assert.ErrorIs(t, err, infrastructure.ErrValidation)
	_, err = s.ResolveWithdrawal(ctx, "missing", StatusCompleted)
	assert.ErrorIs(t, err, infrastructure.ErrNotFound)

	page, err := s.Withdrawals(ctx, u, infrastructure.NewPage(1, 10, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.False(t, page.HasMore)
}

func TestLeaderboard(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()
	a := createUser(t, db, "alice", 300)
	b := createUser(t, db, "bob", 300)
	c := createUser(t, db, "carol", 900)

	all, err := s.Leaderboard(ctx, ScopeAll, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c, all[0].UserID)
	assert.Equal(t, 1, all[0].Rank)
	// Equal balances are ordered by user id.
	first, second := a, b
	if b < a {
		first, second = b, a
	}
	assert.Equal(t, first, all[1].UserID)
	assert.Equal(t, second, all[2].UserID)

	start := testNow.Add(-time.Hour)
	end := testNow
	earn := func(user string, amount int64, at time.Time) {
		s.now = func() time.Time { return at }
		_, err := s.Earn(ctx, EarnInput{UserID: user, Amount: amount, Reason: "upload"})
		require.NoError(t, err)
	}
	earn(a, 50, start.Add(10*time.Minute))
	earn(a, 20, start)
	earn(b, 40, start.Add(30*time.Minute))
	// The window is half-open: end itself and anything before start are excluded.
	earn(c, 500, end)
	earn(c, 500, start.Add(-time.Second))

	// Transfers never count towards a window.
	s.now = func() time.Time { return start.Add(20 * time.Minute) }
	_, err = s.Transfer(ctx, TransferInput{SenderID: c, RecipientID: b, Amount: 100})
	require.NoError(t, err)

	window, err := s.Leaderboard(ctx, Window(start, end), 10)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, a, window[0].UserID)
	assert.Equal(t, int64(70), window[0].Points)
	assert.Equal(t, b, window[1].UserID)
	assert.Equal(t, int64(40), window[1].Points)

	_, err = s.Leaderboard(ctx, Window(end, start), 10)
	assert.ErrorIs(t, err, infrastructure.ErrValidation)
}

func TestHistoryAndStats(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()
	u := createUser(t, db, "creator", 0)
	other := createUser(t, db, "fan", 100)

	for i := 0; i < 3; i++ {
		s.now = func() time.Time { return testNow.Add(time.Duration(i) * time.Minute) }
		_, err := s.Earn(ctx, EarnInput{UserID: u, Amount: EarnUpload, Reason: "Upload a video"})
		require.NoError(t, err)
	}
	_, err := s.Earn(ctx, EarnInput{UserID: u, Amount: EarnLike, Reason: "Receive a like on your video"})
	require.NoError(t, err)
	_, err = s.Transfer(ctx, TransferInput{SenderID: other, RecipientID: u, Amount: 25})
	require.NoError(t, err)

	page, err := s.History(ctx, u, infrastructure.NewPage(1, 2, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)

	stats, err := s.Stats(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(56), stats.Balance)
	assert.Equal(t, int64(31), stats.Totals[KindEarned])
	assert.Equal(t, int64(25), stats.Totals[KindReceived])
	require.Len(t, stats.EarnedByReason, 2)
	assert.Equal(t, "Upload a video", stats.EarnedByReason[0].Reason)
	assert.Equal(t, int64(30), stats.EarnedByReason[0].Total)
	assert.Equal(t, int64(3), stats.EarnedByReason[0].Count)
}
