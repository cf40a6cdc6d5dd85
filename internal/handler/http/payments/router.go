package payments_http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

func NewRouter(h *PaymentHandler, cfg RouterConfig, l *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(accessLog(l))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	RegisterRoutes(r, h)
	return r
}

func RegisterRoutes(r chi.Router, h *PaymentHandler) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Payments service is healthy!"))
	})

	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.SubmitPaymentHandler)
		r.Post("/verify", h.VerifyHandler)
		r.Get("/callback", h.CallbackHandler)
	})

	r.Post("/transactions/{id}/cancel", h.CancelHandler)

	r.Route("/admin/transactions/{id}", func(r chi.Router) {
		r.Post("/approve", h.ApproveHandler)
		r.Post("/reject", h.RejectHandler)
	})

	r.Route("/users/{id}", func(r chi.Router) {
		r.Get("/wallet", h.GetWalletHandler)
		r.Post("/deposits", h.DepositHandler)
		r.Get("/transactions", h.ListTransactionsHandler)
		r.Get("/orders", h.ListOrdersHandler)
	})

	r.Post("/webhooks/{kind}", h.WebhookHandler)
}

// accessLog writes one structured line per request.
func accessLog(l *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				l.Info("HTTP request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
