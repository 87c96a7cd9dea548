// Package api provides HTTP routing for the rasenmaeher service. It
// wires together handlers, middleware, and services into the API
// endpoint tree.
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/api/handlers"
	"github.com/pvarki/rasenmaeher/internal/api/middleware"
	"github.com/pvarki/rasenmaeher/internal/auth"
	"github.com/pvarki/rasenmaeher/internal/config"
	"github.com/pvarki/rasenmaeher/internal/database"
	"github.com/pvarki/rasenmaeher/internal/keystore"
	"github.com/pvarki/rasenmaeher/internal/manifest"
	"github.com/pvarki/rasenmaeher/internal/service"
)

// Deps carries the shared components main builds before routing.
type Deps struct {
	DB       *database.Database
	CA       service.CA
	Store    *keystore.KeyStore
	Manifest *manifest.Manifest
	Fanout   *service.Fanout
	Issuer   *auth.Issuer
	Verifier *auth.Verifier
}

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, deps *Deps, logger *zap.Logger) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.CORSMiddleware(cfg))

	// Initialize services
	personService := service.NewPersonService(deps.DB, deps.CA, deps.Store, deps.Fanout, deps.Manifest, logger)
	tokenService := service.NewTokenService(deps.DB, deps.Issuer, deps.Verifier, logger)
	enrollmentService := service.NewEnrollmentService(deps.DB, personService, deps.Manifest, logger)
	healthService := service.NewHealthService(deps.Manifest, deps.Fanout)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(healthService, logger)
	checkAuthHandler := handlers.NewCheckAuthHandler(logger)
	enrollmentHandler := handlers.NewEnrollmentHandler(enrollmentService, personService, tokenService, logger)
	inviteHandler := handlers.NewInviteCodeHandler(enrollmentService, personService, tokenService, logger)
	peopleHandler := handlers.NewPeopleHandler(personService, logger)
	productHandler := handlers.NewProductHandler(deps.CA, deps.Manifest, logger)
	pfxHandler := handlers.NewPFXHandler(personService, logger)
	tokenHandler := handlers.NewTokenHandler(tokenService, logger)
	utilsHandler := handlers.NewUtilsHandler(deps.CA, deps.Store, logger)

	// Every route sees the resolver; the policies below decide access.
	resolve := middleware.AuthResolver(cfg, deps.Verifier, tokenService, logger)
	anyAuth := middleware.RequireAuth()
	validUser := middleware.RequireValidPerson(personService)
	adminOnly := middleware.RequireRoles(personService, service.AdminRole)
	productCN := middleware.RequireProductCN(deps.Manifest.IsReservedCN)

	v1 := router.Group("/api/v1")
	v1.Use(resolve)

	// Unauthenticated surface
	v1.GET("/healthcheck", healthHandler.Healthcheck)
	v1.GET("/healthcheck/services", healthHandler.Services)
	v1.GET("/invitecode/:code", inviteHandler.Check)
	v1.POST("/invitecode/:code/enroll", inviteHandler.Enroll)
	v1.POST("/token/jwt/exchange", tokenHandler.Exchange)
	v1.POST("/token/code/exchange", tokenHandler.ExchangeCode)
	v1.GET("/utils/jwt.pub", utilsHandler.JWTPublicKey)
	v1.GET("/utils/crl", utilsHandler.CRL)

	// Identity introspection
	checkAuth := v1.Group("/check-auth")
	{
		checkAuth.GET("/mtls", middleware.RequireAuthType(middleware.AuthMTLS), checkAuthHandler.Echo)
		checkAuth.GET("/jwt", middleware.RequireAuthType(middleware.AuthJWT), checkAuthHandler.Echo)
		checkAuth.GET("/mtls_or_jwt", anyAuth, checkAuthHandler.Echo)
		checkAuth.GET("/validuser", validUser, checkAuthHandler.Echo)
		checkAuth.GET("/validuser/admin", adminOnly, checkAuthHandler.Echo)
	}

	// Enrollment state machine
	enrollment := v1.Group("/enrollment")
	{
		enrollment.GET("", adminOnly, enrollmentHandler.List)
		enrollment.POST("/init", anyAuth, enrollmentHandler.Init)
		enrollment.GET("/have-i-been-accepted", anyAuth, enrollmentHandler.HaveIBeenAccepted)
		enrollment.POST("/generate-verification-code", anyAuth, enrollmentHandler.GenerateVerificationCode)
		enrollment.GET("/show-verification-code-info", anyAuth, enrollmentHandler.ShowVerificationCodeInfo)
		enrollment.GET("/:callsign", adminOnly, enrollmentHandler.Get)
		enrollment.POST("/:callsign/approve", adminOnly, enrollmentHandler.Approve)
		enrollment.POST("/:callsign/reject", adminOnly, enrollmentHandler.Reject)
		enrollment.POST("/:callsign/promote", adminOnly, enrollmentHandler.Promote)
		enrollment.POST("/:callsign/demote", adminOnly, enrollmentHandler.Demote)
	}

	// Invite pool management
	invite := v1.Group("/invitecode", adminOnly)
	{
		invite.GET("", inviteHandler.List)
		invite.POST("", inviteHandler.Create)
		invite.PUT("/:code/activate", inviteHandler.SetActive(true))
		invite.PUT("/:code/deactivate", inviteHandler.SetActive(false))
		invite.DELETE("/:code", inviteHandler.Delete)
	}

	// People
	people := v1.Group("/people", adminOnly)
	{
		people.GET("/list", peopleHandler.List)
		people.GET("/:callsign", peopleHandler.Get)
		people.DELETE("/:callsign", peopleHandler.Delete)
	}

	// Product PKI
	product := v1.Group("/product")
	{
		product.POST("/sign_csr", middleware.RequireAuthType(middleware.AuthJWT), productHandler.SignCSR)
		product.POST("/sign_csr/mtls", productCN, productHandler.SignCSRMTLS)
		product.POST("/renew_csr", productCN, productHandler.RenewCSR)
		product.POST("/revoke/mtls", productCN, productHandler.RevokeMTLS)
		product.POST("/ready", productCN, productHandler.Ready)
	}

	// End-user bundle and session tokens
	v1.GET("/enduserpfx/:callsign", anyAuth, pfxHandler.Get)
	v1.GET("/token/jwt/refresh", validUser, tokenHandler.Refresh)
	v1.POST("/token/code/generate", adminOnly, tokenHandler.GenerateCode)

	return router
}
