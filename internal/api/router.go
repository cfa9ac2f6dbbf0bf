package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/matchslot/matchslot/internal/handlers"
	"github.com/matchslot/matchslot/internal/middleware"
	"github.com/matchslot/matchslot/internal/realtime"
	"github.com/matchslot/matchslot/internal/services"
)

// Dependencies bundles everything the HTTP surface needs.
type Dependencies struct {
	DB          *gorm.DB
	Hub         *realtime.Hub
	Offers      *services.OfferService
	Approvals   *services.ApprovalService
	Outbox      *services.OutboxService
	Links       *services.LinkService
	CORSOrigins []string
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
// Offer ids, share tokens and approval tokens are the only authorisation:
// knowing a link grants exactly that link's capability.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.Offers == nil || deps.Approvals == nil || deps.Outbox == nil || deps.Links == nil {
		return nil, fmt.Errorf("all services must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(deps.CORSOrigins...))

	r.NoRoute(middleware.NotFoundHandler)

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/health", healthHandler.Check)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	offerHandler := handlers.NewOfferHandler(deps.Offers, deps.Approvals, deps.Links)
	slotHandler := handlers.NewSlotHandler(deps.Offers, deps.Approvals)
	approvalHandler := handlers.NewApprovalHandler(deps.Approvals)
	notificationHandler := handlers.NewNotificationHandler(deps.Outbox)

	api := r.Group("/api")
	{
		offers := api.Group("/offers")
		{
			offers.POST("", offerHandler.Create)
			offers.GET("", offerHandler.List)
			offers.GET("/:id", offerHandler.Get)
			offers.DELETE("/:id", offerHandler.Delete)
			offers.POST("/:id/approvals/bulk", approvalHandler.BulkDecide)
			offers.GET("/:id/notifications", notificationHandler.ListByOffer)
		}

		api.GET("/share/:token", offerHandler.GetShared)

		slots := api.Group("/slots")
		{
			slots.POST("/:id/claim", slotHandler.Claim)
			slots.POST("/:id/result", slotHandler.SaveResult)
		}

		approvals := api.Group("/approvals")
		{
			approvals.GET("/:token", approvalHandler.Get)
			approvals.POST("/:token/decision", approvalHandler.Decide)
		}
	}

	if deps.Hub != nil {
		r.GET("/ws/offers/:token", func(c *gin.Context) {
			deps.Hub.Serve(c.Param("token"), c.Writer, c.Request)
		})
	}

	return r, nil
}
