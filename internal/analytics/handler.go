package analytics

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/praxisbill/praxisbill/internal/platform/httpx"
	"github.com/praxisbill/praxisbill/internal/shared"
)

// Handler manages analytics endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	export  StatementWriter
}

// StatementWriter renders analytics results for download. Decouples the
// handler from the export package.
type StatementWriter interface {
	WriteAging(w io.Writer, report AgingReport) error
	WriteStatement(w io.Writer, stmt Statement) error
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, export StatementWriter) *Handler {
	return &Handler{logger: logger, service: service, export: export}
}

// MountRoutes registers analytics routes. CSV downloads are rate limited per
// caller since they fan out into unbounded scans.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(10, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Get("/aging", h.handleAging)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Get("/aging.csv", h.handleAgingCSV)
		gr.Get("/institutions/{id}/statement.csv", h.handleStatementCSV)
	})
	r.Get("/institutions/{id}/statement", h.handleStatement)
}

func rateLimitKey(r *http.Request) (string, error) {
	caller := shared.CallerFromContext(r.Context())
	if caller.UserID != 0 {
		return "user:" + strconv.FormatInt(caller.UserID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) handleAging(w http.ResponseWriter, r *http.Request) {
	asOf, institutionID, ok := h.agingParams(w, r)
	if !ok {
		return
	}
	report, err := h.service.GetAging(r.Context(), asOf, institutionID)
	if err != nil {
		h.logger.Error("aging report", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleAgingCSV(w http.ResponseWriter, r *http.Request) {
	asOf, institutionID, ok := h.agingParams(w, r)
	if !ok {
		return
	}
	report, err := h.service.GetAging(r.Context(), asOf, institutionID)
	if err != nil {
		h.logger.Error("aging csv", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="aging.csv"`)
	if err := h.export.WriteAging(w, report); err != nil {
		h.logger.Error("write aging csv", slog.Any("error", err))
	}
}

func (h *Handler) handleStatement(w http.ResponseWriter, r *http.Request) {
	institutionID, from, to, ok := h.statementParams(w, r)
	if !ok {
		return
	}
	stmt, err := h.service.GetStatement(r.Context(), institutionID, from, to)
	if err != nil {
		h.logger.Error("statement", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, stmt)
}

func (h *Handler) handleStatementCSV(w http.ResponseWriter, r *http.Request) {
	institutionID, from, to, ok := h.statementParams(w, r)
	if !ok {
		return
	}
	stmt, err := h.service.GetStatement(r.Context(), institutionID, from, to)
	if err != nil {
		h.logger.Error("statement csv", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="statement-%d.csv"`, institutionID))
	if err := h.export.WriteStatement(w, stmt); err != nil {
		h.logger.Error("write statement csv", slog.Any("error", err))
	}
}

func (h *Handler) agingParams(w http.ResponseWriter, r *http.Request) (time.Time, int64, bool) {
	q := r.URL.Query()
	var asOf time.Time
	if v := q.Get("as_of"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "as_of must be YYYY-MM-DD")
			return time.Time{}, 0, false
		}
		asOf = parsed
	}
	var institutionID int64
	if v := q.Get("institution_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid institution_id")
			return time.Time{}, 0, false
		}
		institutionID = id
	}
	return asOf, institutionID, true
}

func (h *Handler) statementParams(w http.ResponseWriter, r *http.Request) (int64, time.Time, time.Time, bool) {
	institutionID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || institutionID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid institution ID")
		return 0, time.Time{}, time.Time{}, false
	}
	q := r.URL.Query()
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		from, err = time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "from must be YYYY-MM-DD")
			return 0, time.Time{}, time.Time{}, false
		}
	}
	if v := q.Get("to"); v != "" {
		to, err = time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "to must be YYYY-MM-DD")
			return 0, time.Time{}, time.Time{}, false
		}
	}
	return institutionID, from, to, true
}
