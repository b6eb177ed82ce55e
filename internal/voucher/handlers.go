package voucher

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/mealpass/internal/common"
	"github.com/noah-isme/mealpass/internal/qrimage"
)

// Handler exposes issuance, redemption and rendering endpoints.
type Handler struct {
	Issuer   *Issuer
	Redeemer *Redeemer
	Store    Store
	Images   ImageRenderer
	Tasks    BulkEnqueuer
	Validate *validator.Validate
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type redeemResponse struct {
	VoucherID  uuid.UUID `json:"voucher_id"`
	GuestID    string    `json:"guest_id"`
	GuestName  string    `json:"guest_name"`
	MealType   MealType  `json:"meal_type"`
	RedeemedAt string    `json:"redeemed_at"`
}

type lookupResponse struct {
	VoucherID  uuid.UUID `json:"voucher_id"`
	GuestID    string    `json:"guest_id"`
	GuestName  string    `json:"guest_name"`
	MealType   MealType  `json:"meal_type"`
	Status     Status    `json:"status"`
	RedeemedAt *string   `json:"redeemed_at,omitempty"`
}

type imageResponse struct {
	Token       string   `json:"token"`
	MealType    MealType `json:"meal_type"`
	GuestName   string   `json:"guest_name"`
	ImageBase64 string   `json:"image_base64"`
}

// IssueForGuest handles POST /guests/{guestID}/vouchers.
func (h *Handler) IssueForGuest(w http.ResponseWriter, r *http.Request) {
	if h.Issuer == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "issuer not configured", nil)
		return
	}
	iss, err := h.Issuer.IssueFor(r.Context(), chi.URLParam(r, "guestID"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	status := http.StatusOK
	if len(iss.Created) > 0 {
		status = http.StatusCreated
	}
	common.JSON(w, status, map[string]any{"data": iss})
}

// ListForGuest handles GET /guests/{guestID}/vouchers.
func (h *Handler) ListForGuest(w http.ResponseWriter, r *http.Request) {
	if h.Issuer == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "issuer not configured", nil)
		return
	}
	list, err := h.Issuer.ListForGuest(r.Context(), chi.URLParam(r, "guestID"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": list})
}

// IssueBulk handles POST /vouchers/issue-bulk. With ?async=true the run is
// queued and 202 is returned with the task id.
func (h *Handler) IssueBulk(w http.ResponseWriter, r *http.Request) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.Tasks == nil {
			common.JSONError(w, http.StatusServiceUnavailable, "TASKS_UNAVAILABLE", "background tasks are not configured", nil)
			return
		}
		id, err := h.Tasks.EnqueueBulkIssue(r.Context())
		if err != nil {
			if errors.Is(err, ErrBulkInProgress) {
				common.WriteError(w, toAppError(err))
				return
			}
			common.JSONError(w, http.StatusServiceUnavailable, "TASKS_UNAVAILABLE", "failed to enqueue bulk issuance", nil)
			return
		}
		common.JSON(w, http.StatusAccepted, map[string]any{"data": map[string]string{"task_id": id}})
		return
	}
	if h.Issuer == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "issuer not configured", nil)
		return
	}
	result, err := h.Issuer.IssueForAllActive(r.Context())
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": result})
}

// Redeem handles POST /vouchers/redeem.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	if h.Redeemer == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "redeemer not configured", nil)
		return
	}
	req, ok := h.decodeToken(w, r)
	if !ok {
		return
	}
	res, err := h.Redeemer.Redeem(r.Context(), req.Token)
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": redeemResponse{
		VoucherID:  res.VoucherID,
		GuestID:    res.GuestID,
		GuestName:  res.GuestName,
		MealType:   res.MealType,
		RedeemedAt: formatTime(res.RedeemedAt),
	}})
}

// Lookup handles POST /vouchers/lookup; it never consumes the voucher.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	if h.Redeemer == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "redeemer not configured", nil)
		return
	}
	req, ok := h.decodeToken(w, r)
	if !ok {
		return
	}
	v, err := h.Redeemer.Preview(r.Context(), req.Token)
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	resp := lookupResponse{
		VoucherID: v.ID,
		GuestID:   v.GuestID,
		GuestName: v.GuestName,
		MealType:  v.MealType,
		Status:    v.Status,
	}
	if v.RedeemedAt != nil {
		formatted := formatTime(*v.RedeemedAt)
		resp.RedeemedAt = &formatted
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": resp})
}

// Get handles GET /vouchers/{voucherID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVoucher(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": v})
}

// Image handles GET /vouchers/{voucherID}/image. Used vouchers still render.
func (h *Handler) Image(w http.ResponseWriter, r *http.Request) {
	if h.Images == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "image renderer not configured", nil)
		return
	}
	v, ok := h.loadVoucher(w, r)
	if !ok {
		return
	}
	png, err := h.Images.PNG(v.Token, imageSize(r))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "RENDER_FAILED", "failed to render voucher image", nil)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// ImageBase64 handles GET /vouchers/{voucherID}/image.json for clients that
// embed the QR code inline.
func (h *Handler) ImageBase64(w http.ResponseWriter, r *http.Request) {
	if h.Images == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "image renderer not configured", nil)
		return
	}
	v, ok := h.loadVoucher(w, r)
	if !ok {
		return
	}
	png, err := h.Images.PNG(v.Token, imageSize(r))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "RENDER_FAILED", "failed to render voucher image", nil)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	common.JSON(w, http.StatusOK, map[string]any{"data": imageResponse{
		Token:       v.Token,
		MealType:    v.MealType,
		GuestName:   v.GuestName,
		ImageBase64: qrimage.DataURL(png),
	}})
}

func (h *Handler) loadVoucher(w http.ResponseWriter, r *http.Request) (Voucher, bool) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "voucher store not configured", nil)
		return Voucher{}, false
	}
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "voucherID")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VOUCHER_ID_INVALID", "voucher id must be a UUID", nil)
		return Voucher{}, false
	}
	v, err := h.Store.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, ErrVoucherNotFound) {
			err = DependencyError(ErrStoreUnavailable, err)
		}
		common.WriteError(w, toAppError(err))
		return Voucher{}, false
	}
	return v, true
}

func (h *Handler) decodeToken(w http.ResponseWriter, r *http.Request) (tokenRequest, bool) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return tokenRequest{}, false
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "TOKEN_INVALID", "token is required", nil)
			return tokenRequest{}, false
		}
	}
	return req, true
}

func imageSize(r *http.Request) int {
	return common.QueryInt(r.URL.Query(), "size", qrimage.DefaultSize, qrimage.MinSize, qrimage.MaxSize)
}

// toAppError translates domain errors into API errors.
func toAppError(err error) *common.AppError {
	var used *AlreadyUsedError
	switch {
	case errors.As(err, &used):
		details := map[string]any{
			"voucher_id": used.Voucher.ID,
			"guest_name": used.Voucher.GuestName,
			"meal_type":  used.Voucher.MealType,
		}
		if used.Voucher.RedeemedAt != nil {
			details["redeemed_at"] = formatTime(*used.Voucher.RedeemedAt)
		}
		return common.NewAppError("VOUCHER_ALREADY_USED", common.KindConflict, "voucher already used", err).WithDetails(details)
	case errors.Is(err, ErrInvalidToken):
		return common.NewAppError("TOKEN_INVALID", common.KindValidation, "token is empty or too long", err)
	case errors.Is(err, ErrInvalidGuestID):
		return common.NewAppError("GUEST_ID_INVALID", common.KindValidation, "guest id is required", err)
	case errors.Is(err, ErrVoucherNotFound):
		return common.NewAppError("VOUCHER_NOT_FOUND", common.KindNotFound, "voucher not found", err)
	case errors.Is(err, ErrGuestNotFound):
		return common.NewAppError("GUEST_NOT_FOUND", common.KindNotFound, "guest not found", err)
	case errors.Is(err, ErrGuestInactive):
		return common.NewAppError("GUEST_INACTIVE", common.KindConflict, "guest is not active", err)
	case errors.Is(err, ErrBulkInProgress):
		return common.NewAppError("BULK_ISSUE_IN_PROGRESS", common.KindConflict, "a bulk issuance run is already in progress", err)
	case errors.Is(err, ErrDirectoryUnavailable):
		return common.NewAppError("DIRECTORY_UNAVAILABLE", common.KindDependency, "guest directory unavailable", err)
	case errors.Is(err, ErrStoreUnavailable):
		return common.NewAppError("STORE_UNAVAILABLE", common.KindDependency, "voucher store unavailable", err)
	default:
		return common.NewAppError("INTERNAL", common.KindInternal, "internal error", err)
	}
}
