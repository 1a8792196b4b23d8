package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/compliance-ledger/api/controllers"
	"github.com/angelmondragon/compliance-ledger/api/middleware"
	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/metrics"
	"github.com/angelmondragon/compliance-ledger/pkg/redis"
)

// NewRouter wires the ledger API. redisClient may be nil, in which case
// idempotency replay and rate limiting are disabled. metricsHandler is served
// on /metrics when set.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	ledgers controllers.Ledgers,
	redisClient *redis.Client,
	readiness map[string]controllers.Pinger,
	httpMetrics *metrics.HTTPMetrics,
	metricsHandler http.Handler,
) http.Handler {
	r := chi.NewRouter()

	var observer middleware.RequestObserver
	if httpMetrics != nil {
		observer = httpMetrics
	}
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, observer),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	// interfaces must stay untyped nil when redis is off
	var (
		idempotency = middleware.Idempotency(nil, logg)
		appendLimit = middleware.RateLimit(middleware.RateLimitPolicy{}, nil, logg)
	)
	if redisClient != nil {
		idempotency = middleware.Idempotency(redisClient, logg)
		appendLimit = middleware.RateLimit(middleware.NewRateLimitPolicy(
			"append",
			cfg.RateLimit.Window,
			cfg.RateLimit.AppendIPLimit,
			cfg.RateLimit.AppendChainLimit,
		), redisClient, logg)
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/v1/chains", func(r chi.Router) {
		r.Get("/", controllers.ListChains(ledgers, logg))

		r.Route("/{chainId}", func(r chi.Router) {
			r.Get("/", controllers.ChainStatus(ledgers, logg))
			r.With(appendLimit, idempotency).Post("/events", controllers.AppendEvent(ledgers, logg))
			r.Post("/evaluate", controllers.EvaluateEvent(ledgers, logg))
			r.Get("/records", controllers.AuditTrail(ledgers, logg))
			r.Get("/records/{hash}/proof", controllers.InclusionProof(ledgers, logg))
			r.Get("/merkle-root", controllers.MerkleRoot(ledgers, logg))

			r.Group(func(r chi.Router) {
				r.Use(middleware.Auth(cfg.JWT, logg))
				r.Use(middleware.RequireChainScope(logg))

				r.With(middleware.RequireRole(logg, enums.ActorRoleOperator), idempotency).
					Post("/seal", controllers.SealChain(ledgers, logg))
				r.With(middleware.RequireRole(logg, enums.ActorRoleOperator, enums.ActorRoleAuditor)).
					Get("/verify", controllers.VerifyChain(ledgers, logg))
			})
		})
	})

	return r
}
