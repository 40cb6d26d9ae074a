package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/praxisbill/praxisbill/internal/platform/httpx"
	"github.com/praxisbill/praxisbill/internal/shared"
)

// Handler manages ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.listInvoices)
		r.Post("/", h.createInvoice)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getInvoice)
			r.Post("/send", h.sendInvoice)
			r.Post("/cancel", h.cancelInvoice)
			r.Post("/reconcile", h.reconcileInvoice)
			r.Post("/lines", h.addLine)
			r.Post("/lines/reorder", h.reorderLines)
			r.Put("/lines/{lineID}", h.updateLine)
			r.Delete("/lines/{lineID}", h.deleteLine)
			r.Get("/payments", h.listPayments)
			r.Post("/payments", h.recordPayment)
		})
	})

	r.Route("/payments/{paymentID}", func(r chi.Router) {
		r.Post("/confirm", h.confirmPayment)
		r.Post("/fail", h.failPayment)
		r.Post("/cancel", h.cancelPayment)
		r.Post("/refund", h.refundPayment)
	})
}

type lineRequest struct {
	Description   string          `json:"description" validate:"required"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	DiscountType  string          `json:"discount_type" validate:"omitempty,oneof=percentage fixed_amount"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	OrderIndex    int             `json:"order_index" validate:"gte=0"`
}

func (lr lineRequest) toInput() LineInput {
	return LineInput{
		Description:   lr.Description,
		Quantity:      lr.Quantity,
		UnitPrice:     lr.UnitPrice,
		DiscountType:  DiscountType(lr.DiscountType),
		DiscountValue: lr.DiscountValue,
		TaxRate:       lr.TaxRate,
		OrderIndex:    lr.OrderIndex,
	}
}

type createInvoiceRequest struct {
	InstitutionID int64         `json:"institution_id" validate:"required,gt=0"`
	Title         string        `json:"title" validate:"required,max=255"`
	Description   string        `json:"description"`
	DueDate       time.Time     `json:"due_date" validate:"required"`
	Lines         []lineRequest `json:"lines" validate:"dive"`
}

// createInvoice handles invoice creation.
func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "VALIDATION_ERROR", err.Error())
		return
	}

	caller := shared.CallerFromContext(r.Context())
	lines := make([]LineInput, 0, len(req.Lines))
	for _, lr := range req.Lines {
		lines = append(lines, lr.toInput())
	}

	invoice, err := h.service.CreateInvoice(r.Context(), CreateInvoiceInput{
		InstitutionID:  req.InstitutionID,
		AssignedUserID: caller.UserID,
		Title:          req.Title,
		Description:    req.Description,
		DueDate:        req.DueDate,
		Lines:          lines,
	})
	if err != nil {
		h.respondError(w, "create invoice", err)
		return
	}

	httpx.JSON(w, http.StatusCreated, invoice)
}

// listInvoices returns invoices with optional filters.
func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListInvoicesRequest{
		Status: InvoiceStatus(q.Get("status")),
		Limit:  100,
	}
	if v := q.Get("institution_id"); v != "" {
		req.InstitutionID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("from"); v != "" {
		req.FromDate, _ = time.Parse("2006-01-02", v)
	}
	if v := q.Get("to"); v != "" {
		req.ToDate, _ = time.Parse("2006-01-02", v)
	}
	if v := q.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 && limit <= 500 {
			req.Limit = limit
		}
	}
	if v := q.Get("offset"); v != "" {
		req.Offset, _ = strconv.Atoi(v)
	}

	invoices, err := h.service.ListInvoices(r.Context(), req)
	if err != nil {
		h.respondError(w, "list invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

// getInvoice returns one invoice with lines and payments.
func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	invoice, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

func (h *Handler) sendInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	invoice, err := h.service.SendInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, "send invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	invoice, err := h.service.CancelInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, "cancel invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

func (h *Handler) reconcileInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.Reconcile(r.Context(), id)
	if err != nil {
		h.respondError(w, "reconcile invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

// addLine appends a line to a draft invoice.
func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "VALIDATION_ERROR", err.Error())
		return
	}

	lines, err := h.service.AddLine(r.Context(), id, req.toInput())
	if err != nil {
		h.respondError(w, "add line", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"lines": lines})
}

type updateLineRequest struct {
	Description   *string          `json:"description"`
	Quantity      *decimal.Decimal `json:"quantity"`
	UnitPrice     *decimal.Decimal `json:"unit_price"`
	DiscountType  *string          `json:"discount_type" validate:"omitempty,oneof=percentage fixed_amount"`
	DiscountValue *decimal.Decimal `json:"discount_value"`
	TaxRate       *decimal.Decimal `json:"tax_rate"`
}

func (h *Handler) updateLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	var req updateLineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "VALIDATION_ERROR", err.Error())
		return
	}

	input := UpdateLineInput{
		Description:   req.Description,
		Quantity:      req.Quantity,
		UnitPrice:     req.UnitPrice,
		DiscountValue: req.DiscountValue,
		TaxRate:       req.TaxRate,
	}
	if req.DiscountType != nil {
		dt := DiscountType(*req.DiscountType)
		input.DiscountType = &dt
	}

	lines, err := h.service.UpdateLine(r.Context(), id, lineID, input)
	if err != nil {
		h.respondError(w, "update line", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (h *Handler) deleteLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	lines, err := h.service.DeleteLine(r.Context(), id, lineID)
	if err != nil {
		h.respondError(w, "delete line", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines})
}

type reorderLinesRequest struct {
	LineIDs []int64 `json:"line_ids" validate:"required,min=1"`
}

func (h *Handler) reorderLines(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req reorderLinesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "VALIDATION_ERROR", err.Error())
		return
	}

	lines, err := h.service.ReorderLines(r.Context(), id, req.LineIDs)
	if err != nil {
		h.respondError(w, "reorder lines", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	payments, err := h.service.ListPayments(r.Context(), id)
	if err != nil {
		h.respondError(w, "list payments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments})
}

type recordPaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate time.Time       `json:"payment_date" validate:"required"`
	Method      string          `json:"method" validate:"required,oneof=bank_transfer check cash credit_card other"`
	Reference   string          `json:"reference" validate:"max=255"`
	Notes       string          `json:"notes"`
}

// recordPayment records a pending payment against an invoice.
func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req recordPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", "VALIDATION_ERROR", err.Error())
		return
	}

	caller := shared.CallerFromContext(r.Context())
	payment, err := h.service.RecordPayment(r.Context(), RecordPaymentInput{
		InvoiceID:      id,
		Amount:         req.Amount,
		PaymentDate:    req.PaymentDate,
		Method:         PaymentMethod(req.Method),
		Reference:      req.Reference,
		Notes:          req.Notes,
		RecordedBy:     caller.UserID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.ProblemCode(w, http.StatusConflict, "Conflict", "DUPLICATE_REQUEST", "a payment with this idempotency key was already recorded")
			return
		}
		h.respondError(w, "record payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.service.ConfirmPayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.respondError(w, "confirm payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

type closePaymentRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) failPayment(w http.ResponseWriter, r *http.Request) {
	var req closePaymentRequest
	_ = httpx.DecodeJSON(r, &req)

	payment, err := h.service.FailPayment(r.Context(), chi.URLParam(r, "paymentID"), req.Reason)
	if err != nil {
		h.respondError(w, "fail payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	var req closePaymentRequest
	_ = httpx.DecodeJSON(r, &req)

	payment, err := h.service.CancelPayment(r.Context(), chi.URLParam(r, "paymentID"), req.Reason)
	if err != nil {
		h.respondError(w, "cancel payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) refundPayment(w http.ResponseWriter, r *http.Request) {
	var req closePaymentRequest
	_ = httpx.DecodeJSON(r, &req)

	payment, err := h.service.RefundPayment(r.Context(), chi.URLParam(r, "paymentID"), req.Reason)
	if err != nil {
		h.respondError(w, "refund payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

// respondError maps domain errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	code := ErrorCode(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
		httpx.ProblemCode(w, status, "Internal Error", code, "")
		return
	}
	httpx.ProblemCode(w, status, http.StatusText(status), code, err.Error())
}

func statusForCode(code string) int {
	switch code {
	case "NOT_FOUND":
		return http.StatusNotFound
	case "INSTITUTION_NOT_FOUND", "VALIDATION_ERROR", "INVALID_PAYMENT_AMOUNT":
		return http.StatusBadRequest
	case "INVOICE_NOT_MODIFIABLE", "INVOICE_CANNOT_RECEIVE_PAYMENTS", "INVALID_STATUS", "NUMBER_CONFLICT":
		return http.StatusConflict
	case "PAYMENT_EXCEEDS_REMAINING":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
