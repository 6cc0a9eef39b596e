package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/rapart/apkqueue/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// multipartMemory is how much of a multipart body is held in memory; the
// rest spills to temporary files.
const multipartMemory = 32 << 20

// formOverhead is the allowance for multipart framing and text fields on top
// of the two files.
const formOverhead = 1 << 20

type Usecase interface {
	NextTask(ctx context.Context) (*domain.NextTaskResponse, error)
	UpdateStatus(ctx context.Context, hash string, success bool, errMsg string) error
	SubmitArtifacts(ctx context.Context, sub domain.Submission) (domain.SubmitResponse, error)
	AddTask(ctx context.Context, hash, tag string) (domain.AddTaskResponse, error)
	Stats(ctx context.Context) (domain.Stats, error)
	Ready(ctx context.Context) error
}

type handler struct {
	maxBlobBytes int64
	usecase      Usecase
	validate     *validator.Validate
}

func NewHandler(maxBlobBytes int64, uc Usecase) *handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &handler{
		maxBlobBytes: maxBlobBytes,
		usecase:      uc,
		validate:     v,
	}
}

func (h *handler) next(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := requestLogger(r, "next")

	task, err := h.usecase.NextTask(r.Context())
	if err != nil {
		logger.Error("NextTask", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A nil task encodes as null.
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := requestLogger(r, "update_status")

	var req domain.StatusUpdateRequest
	if !h.decodeJSON(w, r, logger, &req) {
		return
	}
	logger = logger.With(slog.String("hash", req.Hash))

	err := h.usecase.UpdateStatus(r.Context(), req.Hash, *req.Status, req.Error)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			writeJSON(w, http.StatusNotFound, domain.ErrorResponse{
				Error: "Task not found or already updated",
				Hash:  req.Hash,
			})
		case errors.Is(err, domain.ErrInvalidHash):
			writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
				Error: err.Error(),
				Hash:  req.Hash,
			})
		default:
			logger.Error("UpdateStatus", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, domain.StatusUpdateResponse{
		OK:     true,
		Hash:   req.Hash,
		Status: *req.Status,
	})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := requestLogger(r, "submit")

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Error: "Content-Type must be multipart/form-data",
		})
		return
	}

	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, 2*h.maxBlobBytes+formOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			logger.Warn("upload too large", slog.String("error", err.Error()))
			writeTooLarge(w, h.maxBlobBytes)
			return
		}
		logger.Error("ParseMultipartForm", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "unable to parse multipart form")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logger.Warn("remove multipart temp files", slog.String("error", err.Error()))
		}
	}()

	hash := r.FormValue("hash")
	tag := r.FormValue("tag")
	apk, apkHeader := formFile(r, "apk")
	report, reportHeader := formFile(r, "report")
	if apk != nil {
		defer apk.Close()
	}
	if report != nil {
		defer report.Close()
	}

	var missing []string
	if apk == nil {
		missing = append(missing, "apk")
	}
	if report == nil {
		missing = append(missing, "report")
	}
	if hash == "" {
		missing = append(missing, "hash")
	}
	if tag == "" {
		missing = append(missing, "tag")
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Error:    "Missing required fields",
			Required: missing,
		})
		return
	}

	logger = logger.With(slog.String("hash", hash), slog.String("tag", tag))

	resp, err := h.usecase.SubmitArtifacts(r.Context(), domain.Submission{
		Hash:   hash,
		Tag:    domain.Tag(tag),
		APK:    domain.Blob{Content: apk, Size: apkHeader.Size},
		Report: domain.Blob{Content: report, Size: reportHeader.Size},
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrBlobTooLarge):
			writeTooLarge(w, h.maxBlobBytes)
		case errors.Is(err, domain.ErrInvalidTag),
			errors.Is(err, domain.ErrInvalidHash),
			errors.Is(err, domain.ErrMissingBlob):
			writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
				Error: err.Error(),
				Hash:  hash,
			})
		default:
			logger.Error("SubmitArtifacts", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, domain.ErrorResponse{
				Error:   "Failed to save files",
				Message: err.Error(),
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) addTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := requestLogger(r, "add_task")

	var req domain.AddTaskRequest
	if !h.decodeJSON(w, r, logger, &req) {
		return
	}

	resp, err := h.usecase.AddTask(r.Context(), req.Hash, req.Tag)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskExists):
			writeJSON(w, http.StatusConflict, domain.ErrorResponse{
				Error: "Task already exists",
				Hash:  req.Hash,
			})
		case errors.Is(err, domain.ErrInvalidTag),
			errors.Is(err, domain.ErrInvalidHash):
			writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
				Error: err.Error(),
				Hash:  req.Hash,
			})
		default:
			logger.Error("AddTask", slog.String("hash", req.Hash), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	logger.Info("task added", slog.String("hash", resp.Hash), slog.String("tag", string(resp.Tag)))
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	stats, err := h.usecase.Stats(r.Context())
	if err != nil {
		requestLogger(r, "stats").Error("Stats", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	if err := h.usecase.Ready(r.Context()); err != nil {
		requestLogger(r, "health").Warn("not ready", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeJSON writes the 400 response itself and reports whether the handler
// may go on.
func (h *handler) decodeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, dst any) bool {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, formOverhead)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Warn("decode body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, err.Error())
			return false
		}
		required := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			required = append(required, fe.Field())
		}
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Error:    "Missing required fields",
			Required: required,
		})
		return false
	}

	return true
}

func formFile(r *http.Request, field string) (multipart.File, *multipart.FileHeader) {
	f, fh, err := r.FormFile(field)
	if err != nil {
		return nil, nil
	}
	return f, fh
}

func requestLogger(r *http.Request, name string) *slog.Logger {
	return slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", name),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func writeTooLarge(w http.ResponseWriter, limit int64) {
	writeJSON(w, http.StatusRequestEntityTooLarge, domain.ErrorResponse{
		Error:   "File too large",
		Message: "each file must be at most " + humanBytes(limit),
	})
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return strconv.FormatInt(n>>20, 10) + "MB"
	case n >= 1<<10 && n%(1<<10) == 0:
		return strconv.FormatInt(n>>10, 10) + "KB"
	default:
		return strconv.FormatInt(n, 10) + " bytes"
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
