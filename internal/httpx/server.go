package httpx

import (
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-smm-orders/internal/lifecycle"
	"github.com/ariefcatur/go-smm-orders/internal/provider"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func NewRouter(timeout time.Duration) *chi.Mux {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeFailure maps an engine or catalog error onto a response.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rejected *lifecycle.ProviderRejected
		lost     *lifecycle.NotRecorded
		herr     *provider.HTTPError
		perr     *provider.Error
		uerr     *url.Error
	)
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, lifecycle.ErrServiceUnavailable):
		writeError(w, http.StatusBadRequest, "service_unavailable", err.Error())
	case errors.Is(err, lifecycle.ErrOrderNotFound), errors.Is(err, lifecycle.ErrServiceNotFound),
		errors.Is(err, lifecycle.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, lifecycle.ErrRefillUnsupported), errors.Is(err, lifecycle.ErrCancelUnsupported):
		writeError(w, http.StatusConflict, "unsupported", err.Error())
	case errors.As(err, &lost):
		zap.L().Error("order not recorded", zap.String("path", r.URL.Path),
			zap.Int64("external_order_id", lost.ExternalOrderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "not_recorded",
			"the provider accepted the order but it could not be saved; do not retry, contact support")
	case errors.As(err, &rejected):
		writeError(w, http.StatusUnprocessableEntity, "provider_rejected", rejected.Message)
	case errors.As(err, &herr), errors.As(err, &perr), errors.As(err, &uerr):
		zap.L().Warn("upstream failure", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream", err.Error())
	default:
		zap.L().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// decode reads a JSON body into v and runs its validate tags.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid json")
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.Errorf("%s failed %s", fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}
