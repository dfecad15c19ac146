package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the boundary glue around the ledger services. Business rules
// live in the services; handlers only translate HTTP.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, h *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/students/{studentID}", func(r chi.Router) {
		r.Get("/balance", h.StudentBalance)
		r.Get("/transactions", h.StudentHistory)
		r.Post("/purchase", h.StudentPurchase)
		r.Post("/lock", h.StudentLock)
		r.Post("/unlock", h.StudentUnlock)
		r.Post("/consume", h.StudentConsume)
		r.Post("/refund", h.StudentRefund)
		r.Post("/grant", h.StudentGrant)
		r.Post("/revoke", h.StudentRevoke)
	})

	r.Route("/professors/{professorID}", func(r chi.Router) {
		r.Get("/balance", h.ProfessorBalance)
		r.Get("/transactions", h.ProfessorHistory)
		r.Post("/purchase", h.ProfessorPurchase)
		r.Post("/lock", h.ProfessorLock)
		r.Post("/unlock", h.ProfessorUnlock)
		r.Post("/bonus-lock", h.ProfessorLockBonus)
		r.Post("/bonus-unlock", h.ProfessorUnlockBonus)
		r.Post("/bonus-revoke", h.ProfessorRevokeBonus)
		r.Post("/consume", h.ProfessorConsume)
		r.Post("/refund", h.ProfessorRefund)
		r.Post("/grant", h.ProfessorGrant)
		r.Post("/sync-locked", h.ProfessorSyncLocked)
	})

	r.Route("/grants", func(r chi.Router) {
		r.Get("/", h.QueryGrants)
	})

	r.Route("/payment-intents", func(r chi.Router) {
		r.Post("/", h.CreateCheckout)
		r.Get("/", h.ListIntents)
		r.Get("/{intentID}", h.GetIntent)
		r.Post("/{intentID}/cancel", h.CancelIntent)
	})

	r.Post("/webhooks/asaas", h.AsaasWebhook)

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/expired-student-locks", h.ExpiredStudentLocks)
		r.Get("/expired-hour-locks", h.ExpiredHourLocks)
	})

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	return s.srv.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
