package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/agent-safety-plane/internal/console/handler"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"github.com/xela07ax/agent-safety-plane/internal/engine"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Обработчики бизнес-доменов
	breakerHandler    *handler.BreakerHandler    // /v1/breakers
	timeLockHandler   *handler.TimeLockHandler   // /v1/timelocks
	governanceHandler *handler.GovernanceHandler // /v1/proposals
	threatHandler     *handler.ThreatHandler     // /v1/threats
	actionHandler     *handler.ActionHandler     // /v1/actions
}

// NewConsoleServer собирает маршруты поверх ядра. defaults — политика предохранителя по умолчанию.
func NewConsoleServer(core *engine.Core, defaults domain.BreakerConfig, logger *zap.Logger) *ConsoleServer {
	s := &ConsoleServer{
		router:            chi.NewRouter(),
		logger:            logger.Named("console-api"),
		breakerHandler:    handler.NewBreakerHandler(core.Breakers, defaults),
		timeLockHandler:   handler.NewTimeLockHandler(core.TimeLocks),
		governanceHandler: handler.NewGovernanceHandler(core.Governance),
		threatHandler:     handler.NewThreatHandler(core.Threats),
		actionHandler:     handler.NewActionHandler(core),
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// Порядок важен: RequestID -> Trace -> Logger -> Recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Mount("/breakers", s.breakerHandler.Routes())
		r.Mount("/timelocks", s.timeLockHandler.Routes())
		r.Get("/agents/{agentID}/timelocks", s.timeLockHandler.Pending)
		r.Mount("/proposals", s.governanceHandler.Routes())
		r.Mount("/threats", s.threatHandler.Routes())
		r.Post("/actions/evaluate", s.actionHandler.Evaluate)
	})
}

// TracingMiddleware берет Trace-ID из заголовка или генерирует новый
// и возвращает его клиенту.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := engine.WithTraceID(r.Context(), r.Header.Get("X-Trace-ID"))
		w.Header().Set("X-Trace-ID", engine.TraceIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *ConsoleServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("trace_id", engine.TraceIDFromContext(r.Context())),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
