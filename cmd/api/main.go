package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/config"
	"presence/internal/facial"
	"presence/internal/httpmiddleware"
	"presence/internal/imgproc"
	"presence/internal/messaging"
	"presence/internal/metrics"
	"presence/internal/notify"
	"presence/internal/queue"
	"presence/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	detector, err := facial.NewPigoDetector(cfg.CascadePath)
	if err != nil {
		return fmt.Errorf("load face detector: %w", err)
	}
	templates, err := facial.NewTemplateStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open template store: %w", err)
	}
	faces, err := facial.NewService(detector, templates, cfg.ConfidenceThreshold)
	if err != nil {
		return fmt.Errorf("init face service: %w", err)
	}

	ledger := attendance.NewLedger(attendance.NewPostgresRepository(db.Client))
	guardians := notify.NewPostgresGuardianRepository(db.Client)
	gateway := notify.NewRouter(
		notify.NewSMSGateway(cfg.SMSAPIURL, cfg.SMSAPIKey, cfg.SMSSender, cfg.GatewayTimeout),
		notify.NewEmailGateway(cfg.SendgridKey, cfg.EmailFromName, cfg.EmailFrom),
	)
	trigger := notify.NewTrigger(gateway, ledger, cfg.GatewayTimeout, cfg.PhoneCountryCode)

	msgRepo := messaging.NewPostgresRepository(db.Client)
	dispatcher := messaging.NewDispatcher(msgRepo, gateway, cfg.GatewayTimeout, cfg.PhoneCountryCode)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(16)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:dispatch")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/operators/register", func(c *gin.Context) {
		var req struct {
			OperatorID string `json:"operator_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.OperatorID, "operator", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.OperatorAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/enroll", func(c *gin.Context) {
		var req struct {
			IdentityID string `json:"identity_id" binding:"required"`
			Image      string `json:"image" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		raw, err := imgproc.DecodeBase64(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image is not valid base64"})
			return
		}

		outcome := faces.Enroll(c.Request.Context(), req.IdentityID, raw)
		result := "failure"
		if outcome.Success {
			result = "success"
		}
		metrics.EnrollmentsTotal.WithLabelValues(result).Inc()

		status := http.StatusOK
		switch outcome.Reason {
		case facial.ReasonDecodeError, facial.ReasonInvalidIdentity:
			status = http.StatusBadRequest
		case facial.ReasonPersistenceError:
			status = http.StatusInternalServerError
		}
		c.JSON(status, outcome)
	})

	authGroup.POST("/recognize", func(c *gin.Context) {
		var req struct {
			Image string `json:"image" binding:"required"`
			Mode  string `json:"mode"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mode := req.Mode
		if mode == "" {
			mode = "arrival"
		}
		if mode != "arrival" && mode != "departure" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be arrival or departure"})
			return
		}
		raw, err := imgproc.DecodeBase64(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image is not valid base64"})
			return
		}

		outcome, err := faces.Recognize(c.Request.Context(), raw)
		if err != nil {
			if errors.Is(err, imgproc.ErrDecode) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "could not decode image"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		metrics.RecognitionsTotal.WithLabelValues(outcome.Kind.String()).Inc()

		resp := gin.H{
			"recognized": outcome.Recognized(),
			"reason":     outcome.Kind.String(),
			"confidence": outcome.Confidence,
			"similarity": outcome.Similarity,
			"message":    outcome.Message,
			"mode":       mode,
		}
		if !outcome.Recognized() {
			c.JSON(http.StatusOK, resp)
			return
		}

		now := time.Now().UTC()
		var mark attendance.MarkResult
		if mode == "departure" {
			mark, err = ledger.MarkDeparture(c.Request.Context(), outcome.IdentityID, now, now)
		} else {
			mark, err = ledger.MarkArrival(c.Request.Context(), outcome.IdentityID, now, now)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		markResult := "recorded"
		if mark.AlreadyMarked {
			markResult = "already_marked"
		}
		metrics.AttendanceMarks.WithLabelValues(mode, markResult).Inc()

		resp["identity_id"] = outcome.IdentityID
		resp["already_marked"] = mark.AlreadyMarked
		resp["presence_time"] = mark.Time.Format("15:04")
		resp["message"] = mark.Message
		c.JSON(http.StatusOK, resp)
	})

	authGroup.POST("/attendance/mark", func(c *gin.Context) {
		var req struct {
			IdentityID string `json:"identity_id" binding:"required"`
			Status     string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		now := time.Now().UTC()
		rec, err := ledger.SetStatus(c.Request.Context(), req.IdentityID, now, attendance.Status(req.Status))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		metrics.AttendanceMarks.WithLabelValues("manual", string(rec.Status)).Inc()

		var report notify.Report
		if rec.Status == attendance.StatusAbsent || rec.Status == attendance.StatusLate {
			list, gerr := guardians.GuardiansOf(c.Request.Context(), req.IdentityID)
			if gerr != nil {
				log.Printf("guardian lookup for %s failed: %v", req.IdentityID, gerr)
			} else {
				name, _ := guardians.StudentName(c.Request.Context(), req.IdentityID)
				if name == "" {
					name = req.IdentityID
				}
				report = trigger.Notify(c.Request.Context(), rec, name, list)
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"record":       rec,
			"notification": report,
		})
	})

	authGroup.GET("/attendance/today", func(c *gin.Context) {
		records, err := ledger.ListByDate(c.Request.Context(), time.Now().UTC())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	authGroup.POST("/model/reset", func(c *gin.Context) {
		if err := faces.Reset(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "model reset successfully"})
	})

	authGroup.POST("/messages/schedule", func(c *gin.Context) {
		var req struct {
			GuardianID *string   `json:"guardian_id"`
			ClassID    *string   `json:"class_id"`
			Broadcast  bool      `json:"broadcast"`
			Channel    string    `json:"channel" binding:"required,oneof=sms email"`
			Subject    string    `json:"subject"`
			Body       string    `json:"body" binding:"required"`
			DueAt      time.Time `json:"due_at" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		msg, err := msgRepo.Insert(c.Request.Context(), messaging.Message{
			GuardianID: req.GuardianID,
			ClassID:    req.ClassID,
			Broadcast:  req.Broadcast,
			Channel:    notify.Channel(req.Channel),
			Subject:    req.Subject,
			Body:       req.Body,
			DueAt:      req.DueAt.UTC(),
			Status:     messaging.StatusScheduled,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// Nudge the dispatcher so messages already due go out without
		// waiting for the next poll tick.
		if !msg.DueAt.After(time.Now().UTC()) {
			if err := q.Publish(c.Request.Context(), queue.Signal{Kind: "dispatch"}); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}
		c.JSON(http.StatusCreated, msg)
	})

	authGroup.POST("/messages/process", func(c *gin.Context) {
		report, err := dispatcher.ProcessDue(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
