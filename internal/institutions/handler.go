package institutions

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/praxisbill/praxisbill/internal/platform/httpx"
	"github.com/praxisbill/praxisbill/internal/shared"
)

// Handler manages institution endpoints.
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

// MountRoutes registers institution routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/institutions", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Put("/", h.update)
			r.Post("/deactivate", h.deactivate)
			r.Post("/reactivate", h.reactivate)
		})
	})
}

type institutionRequest struct {
	Code         string `json:"code" validate:"required,max=32"`
	Name         string `json:"name" validate:"required,max=255"`
	Kind         string `json:"kind" validate:"required,oneof=hospital clinic laboratory practice"`
	Address      string `json:"address"`
	ContactEmail string `json:"contact_email" validate:"omitempty,email"`
	ContactPhone string `json:"contact_phone" validate:"max=32"`
	TaxID        string `json:"tax_id" validate:"max=64"`
}

func (ir institutionRequest) toModel() Institution {
	return Institution{
		Code:         ir.Code,
		Name:         ir.Name,
		Kind:         ir.Kind,
		Address:      ir.Address,
		ContactEmail: ir.ContactEmail,
		ContactPhone: ir.ContactPhone,
		TaxID:        ir.TaxID,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{
		Search:  q.Get("search"),
		Kind:    q.Get("kind"),
		SortBy:  q.Get("sort_by"),
		SortDir: q.Get("sort_dir"),
		Limit:   50,
		Page:    1,
	}
	if v := q.Get("active"); v != "" {
		active := v == "true"
		filters.Active = &active
	}
	if v := q.Get("page"); v != "" {
		if page, err := strconv.Atoi(v); err == nil && page > 0 {
			filters.Page = page
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 && limit <= 200 {
			filters.Limit = limit
		}
	}

	out, total, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.respondError(w, "list institutions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"institutions": out,
		"pagination":   shared.NewPagination(filters.Page, filters.Limit, total),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inst, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get institution", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inst)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req institutionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	inst, err := h.service.Create(r.Context(), req.toModel())
	if err != nil {
		h.respondError(w, "create institution", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inst)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req institutionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if err := h.service.Update(r.Context(), id, req.toModel()); err != nil {
		h.respondError(w, "update institution", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Deactivate(r.Context(), id); err != nil {
		h.respondError(w, "deactivate institution", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"active": false})
}

func (h *Handler) reactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Reactivate(r.Context(), id); err != nil {
		h.respondError(w, "reactivate institution", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"active": true})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid institution ID")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrDuplicateCode):
		httpx.Problem(w, http.StatusConflict, "Duplicate Code", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
