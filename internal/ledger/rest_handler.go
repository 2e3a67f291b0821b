package ledger

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"pulse/infrastructure"
	"pulse/internal/auth"
)

const (
	defaultHistoryLimit = 20
	maxWebhookBody      = 64 << 10
)

type JSONHandler struct {
	service       *Service
	webhookSecret []byte
	now           func() time.Time
}

func NewJSONHandler(service *Service, webhookSecret []byte) *JSONHandler {
	return &JSONHandler{service: service, webhookSecret: webhookSecret, now: time.Now}
}

// SetupJSON registers the user-facing routes. Both routers must already
// require an authenticated user.
func (h *JSONHandler) SetupJSON(points, payments *mux.Router) {
	points.HandleFunc("", h.GetPoints).Methods(http.MethodGet)
	points.HandleFunc("/", h.GetPoints).Methods(http.MethodGet)
	points.HandleFunc("/send", h.SendPoints).Methods(http.MethodPost)
	points.HandleFunc("/leaderboard", h.GetLeaderboard).Methods(http.MethodGet)
	points.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	points.HandleFunc("/opportunities", h.GetOpportunities).Methods(http.MethodGet)

	payments.HandleFunc("/packages", h.GetPackages).Methods(http.MethodGet)
	payments.HandleFunc("/purchase", h.Purchase).Methods(http.MethodPost)
	payments.HandleFunc("/mobile-money", h.MobileMoney).Methods(http.MethodPost)
	payments.HandleFunc("/withdraw", h.Withdraw).Methods(http.MethodPost)
	payments.HandleFunc("/withdrawals", h.GetWithdrawals).Methods(http.MethodGet)
}

// SetupWebhook registers the payment callback, which authenticates by signature.
func (h *JSONHandler) SetupWebhook(router *mux.Router) {
	router.HandleFunc("/api/payments/webhook", h.Webhook).Methods(http.MethodPost)
}

// SetupInternal registers routes for other backend services.
func (h *JSONHandler) SetupInternal(router *mux.Router) {
	router.HandleFunc("/points/earn", h.Earn).Methods(http.MethodPost)
	router.HandleFunc("/points/spend", h.Spend).Methods(http.MethodPost)
	router.HandleFunc("/withdrawals/{id}/resolve", h.ResolveWithdrawal).Methods(http.MethodPost)
}

func (h *JSONHandler) GetPoints(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	balance, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	history, err := h.service.History(r.Context(), userID, infrastructure.PageFromRequest(r, defaultHistoryLimit))
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, map[string]any{
		"points":       balance.Balance,
		"tier":         balance.Tier,
		"transactions": history.Transactions,
		"pagination":   history,
	})
}

type sendPointsRequest struct {
	RecipientID string `json:"recipient_id" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0,lte=10000"`
	Note        string `json:"note" validate:"max=200"`
}

func (h *JSONHandler) SendPoints(w http.ResponseWriter, r *http.Request) {
	var req sendPointsRequest
	if err := infrastructure.DecodeJSON(r, &req); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	res, err := h.service.Transfer(r.Context(), TransferInput{
		SenderID:    auth.UserIDFromContext(r.Context()),
		RecipientID: req.RecipientID,
		Amount:      req.Amount,
		Note:        req.Note,
	})
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, map[string]any{
		"new_balance": res.SenderBalance,
		"transaction": res.Sent,
	})
}

func (h *JSONHandler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var scope Scope
	var err error
	if q.Get("start") != "" || q.Get("end") != "" {
		scope, err = parseWindow(q.Get("start"), q.Get("end"))
	} else {
		scope, err = NamedScope(q.Get("scope"), h.now().UTC())
	}
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	entries, err := h.service.Leaderboard(r.Context(), scope, infrastructure.QueryInt(r, "limit", defaultLeaderboardLimit))
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

func parseWindow(start, end string) (Scope, error) {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return Scope{}, infrastructure.Validationf("start must be an RFC 3339 timestamp")
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return Scope{}, infrastructure.Validationf("end must be an RFC 3339 timestamp")
	}
	return Window(s, e), nil
}

func (h *JSONHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, stats)
}

func (h *JSONHandler) GetOpportunities(w http.ResponseWriter, r *http.Request) {
	infrastructure.WriteJSON(w, http.StatusOK, map[string]any{"opportunities": Opportunities()})
}

func (h *JSONHandler) GetPackages(w http.ResponseWriter, r *http.Request) {
	infrastructure.WriteJSON(w, http.StatusOK, map[string]any{"packages": Packages()})
}

type purchaseRequest struct {
	PackageID string `json:"package_id" validate:"required"`
}

func (h *JSONHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := infrastructure.DecodeJSON(r, &req); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	res, err := h.service.StartPurchase(r.Context(), auth.UserIDFromContext(r.Context()), req.PackageID)
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, res)
}

type mobileMoneyRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
	Provider    string `json:"provider" validate:"required,oneof=mtn airtel vodafone"`
	Amount      int64  `json:"amount" validate:"gte=1000"`
}

func (h *JSONHandler) MobileMoney(w http.ResponseWriter, r *http.Request) {
	var req mobileMoneyRequest
	if err := infrastructure.DecodeJSON(r, &req); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	t, err := h.service.RequestMobileMoney(r.Context(), MobileMoneyInput{
		UserID:      auth.UserIDFromContext(r.Context()),
		PhoneNumber: req.PhoneNumber,
		Provider:    req.Provider,
		Amount:      req.Amount,
	})
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusAccepted, map[string]any{
		"message":        "Payment request sent to your phone",
		"transaction_id": *t.ExternalRef,
		"status":         t.Status,
		"transaction":    t,
	})
}

func (h *JSONHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		infrastructure.WriteError(w, r, infrastructure.Validationf("failed to read body"))
		return
	}
	if err := VerifySignature(h.webhookSecret, r.Header.Get(SignatureHeader), body, h.now()); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	ev, err := ParseWebhookEvent(body)
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	if err := h.service.HandleWebhook(r.Context(), ev); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type withdrawRequest struct {
	Amount         int64             `json:"amount" validate:"required,gt=0"`
	Method         Method            `json:"method" validate:"required,oneof=mobile_money bank_transfer paypal"`
	AccountDetails map[string]string `json:"account_details" validate:"required,min=1"`
}

func (h *JSONHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := infrastructure.DecodeJSON(r, &req); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	t, err := h.service.RequestWithdrawal(r.Context(), WithdrawalInput{
		UserID:         auth.UserIDFromContext(r.Context()),
		Amount:         req.Amount,
		Method:         req.Method,
		AccountDetails: req.AccountDetails,
	})
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusCreated, map[string]any{"transaction": t})
}

func (h *JSONHandler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.Withdrawals(r.Context(), auth.UserIDFromContext(r.Context()), infrastructure.PageFromRequest(r, defaultHistoryLimit))
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, page)
}

type earnRequest struct {
	UserID           string  `json:"user_id" validate:"required"`
	Action           string  `json:"action"`
	Amount           int64   `json:"amount" validate:"gte=0"`
	Reason           string  `json:"reason" validate:"max=255"`
	RelatedUserID    *string `json:"related_user_id"`
	RelatedContentID *string `json:"related_content_id"`
}

func (h *JSONHandler) Earn(w http.ResponseWriter, r *http.Request) {
	var req earnRequest
	if err := infrastructure.DecodeJSON(r, &req); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	if req.Action != "" {
		o, ok := OpportunityFor(req.Action)
		if !ok {
			infrastructure.WriteError(w, r, infrastructure.Validationf("unknown action %q", req.Action))
			return
		}
		req.Amount = o.Points
		if req.Reason == "" {
			req.Reason = o.Description
		}
	}
	res, err := h.service.Earn(r.Context(), EarnInput{
		UserID:           req.UserID,
		Amount:           req.Amount,
		Reason:           req.Reason,
		RelatedUserID:    req.RelatedUserID,
		RelatedContentID: req.RelatedContentID,
	})
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, res)
}

type spendRequest struct {
	UserID           string  `json:"user_id" validate:"required"`
	Amount           int64   `json:"amount" validate:"gt=0"`
	Reason           string  `json:"reason" validate:"required,max=255"`
	RelatedContentID *string `json:"related_content_id"`
}

// Spend debits points for an in-app purchase made through another service.
func (h *JSONHandler) Spend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if err := infrastructure.DecodeJSON(r, &req); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	t, err := h.service.Spend(r.Context(), SpendInput{
		UserID:           req.UserID,
		Amount:           req.Amount,
		Reason:           req.Reason,
		RelatedContentID: req.RelatedContentID,
	})
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, map[string]any{"transaction": t})
}

type resolveRequest struct {
	Status Status `json:"status" validate:"required,oneof=completed failed cancelled"`
}

func (h *JSONHandler) ResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := infrastructure.DecodeJSON(r, &req); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	res, err := h.service.ResolveWithdrawal(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, res)
}
