package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/inboxpilot/labelsync/internal/auth"
	"github.com/inboxpilot/labelsync/internal/config"
	"github.com/inboxpilot/labelsync/internal/events"
	"github.com/inboxpilot/labelsync/internal/labels"
	"github.com/inboxpilot/labelsync/internal/logging"
	"github.com/inboxpilot/labelsync/internal/providers/gmail"
	"github.com/inboxpilot/labelsync/internal/providers/outlook"
	"github.com/inboxpilot/labelsync/internal/reconcile"
	"github.com/inboxpilot/labelsync/internal/store"
	"github.com/inboxpilot/labelsync/internal/template"
)

// ReconcileRequest is the admin trigger for one (tenant, provider) run.
type ReconcileRequest struct {
	TenantID string   `json:"tenant_id" binding:"required"`
	Provider string   `json:"provider" binding:"required"`
	Vertical string   `json:"vertical" binding:"required"`
	Team     []string `json:"team"`
	Vendors  []string `json:"vendors"`
	DryRun   bool     `json:"dry_run"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.New(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	resolver, err := template.NewResolver()
	if err != nil {
		log.Fatal(err)
	}

	creds := auth.NewTokenServiceClient(cfg.TokenServiceURL)

	var publisher reconcile.ResultPublisher
	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatal(err)
		}
		defer pub.Close()
		publisher = pub
	} else {
		logger.Warn("NATS_URL not set, downstream handoff disabled")
	}

	runner := reconcile.NewRunner(reconcile.RunnerConfig{
		Store:       st,
		Creds:       creds,
		Factory:     buildProvider,
		Resolver:    resolver,
		Publisher:   publisher,
		RunBudget:   cfg.RunBudget,
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
		Log:         logging.WithComponent(logger, "reconcile"),
	})
	manager := reconcile.NewManager(runner)

	verifier, err := auth.NewJWTVerifier(cfg.JWKSURL)
	if err != nil {
		log.Fatal(err)
	}

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware(verifier))

	authorized.POST("/reconcile", func(c *gin.Context) {
		var req ReconcileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider := labels.ProviderName(req.Provider)
		if !provider.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provider must be GOOGLE or MICROSOFT"})
			return
		}

		report, err := manager.Reconcile(c.Request.Context(), reconcile.Request{
			TenantID: req.TenantID,
			Provider: provider,
			Vertical: req.Vertical,
			Team:     req.Team,
			Vendors:  req.Vendors,
			DryRun:   req.DryRun,
		})
		if err != nil {
			var cfgErr *labels.ConfigurationError
			switch {
			case errors.Is(err, reconcile.ErrBusy):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.As(err, &cfgErr):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, report)
	})

	authorized.GET("/runs", func(c *gin.Context) {
		tenantID := c.Query("tenant_id")
		provider := labels.ProviderName(c.Query("provider"))
		if tenantID == "" || !provider.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and provider are required"})
			return
		}

		limit := 20
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		runs, err := st.ListRuns(c.Request.Context(), tenantID, provider, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"runs": runs})
	})

	authorized.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"running": manager.Running()})
	})

	authorized.GET("/verticals", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"verticals": resolver.Verticals()})
	})

	logger.Info("labelsync listening", "addr", cfg.ListenAddr)
	log.Fatal(r.Run(cfg.ListenAddr))
}

// buildProvider is the ProviderFactory used for real runs.
func buildProvider(ctx context.Context, cred *auth.Credential, tenantID string, provider labels.ProviderName) (reconcile.Provider, error) {
	switch provider {
	case labels.ProviderGoogle:
		return gmail.New(ctx, cred)
	case labels.ProviderMicrosoft:
		return outlook.New(ctx, cred)
	default:
		return nil, errors.New("unsupported provider")
	}
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := verifier.CallerFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("caller", caller)
		c.Next()
	}
}
