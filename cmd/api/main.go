package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/config"
	"classtrack/internal/engine"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/proximity"
	"classtrack/internal/queue"
	"classtrack/internal/roster"
	"classtrack/internal/session"
	"classtrack/internal/store"
	"classtrack/internal/token"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func newLogger(cfg config.App) *zap.Logger {
	var zcfg zap.Config
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	log, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(db.Client); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var events queue.Queue
	if cfg.QueueBackend == "memory" {
		events = queue.NewInMemory(64)
	} else {
		events = queue.NewRedisQueue(redisClient.Client, "classtrack:events")
	}

	rosterRepo := roster.NewRepository(db.Client)
	sessionRepo := session.NewRepo(db.Client)
	tokenRepo := token.NewRepo(db.Client)
	recordRepo := attendance.NewRepo(db.Client)

	rosterSvc := roster.NewService(rosterRepo)
	sessionSvc := session.NewService(sessionRepo, rosterRepo)
	tokenSvc := token.NewService(tokenRepo, sessionRepo)
	verifier := proximity.NewVerifier(cfg.ProximityOctets)
	recorderSvc := attendance.NewService(recordRepo, rosterRepo, tokenRepo, sessionRepo, verifier)

	eng := engine.New(sessionSvc, tokenSvc, recorderSvc, events, log, cfg.TokenValidity, cfg.ScanURLBase)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Ping(c.Request.Context()) == nil
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Service-to-service token bootstrap. Real user login lives in the
	// identity service; this issues role-scoped tokens to trusted callers.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
			Secret  string `json:"secret" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Secret != cfg.ServiceTokenSecret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad secret"})
			return
		}
		if req.Role != auth.RoleTeacher && req.Role != auth.RoleStudent {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		signed, exp, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": signed, "expires_at": exp.Unix()})
	})

	// ownedClass resolves a class and checks the caller owns it.
	ownedClass := func(c *gin.Context, classID string) (roster.Class, bool) {
		cls, err := rosterSvc.GetClass(c.Request.Context(), classID)
		if err != nil {
			writeError(c, err)
			return roster.Class{}, false
		}
		if cls.TeacherID != auth.Subject(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not your class"})
			return roster.Class{}, false
		}
		return cls, true
	}

	ownedSession := func(c *gin.Context, sessionID string) (session.Session, bool) {
		sess, err := eng.Session(c.Request.Context(), sessionID)
		if err != nil {
			writeError(c, err)
			return session.Session{}, false
		}
		if _, ok := ownedClass(c, sess.ClassID); !ok {
			return session.Session{}, false
		}
		return sess, true
	}

	teacher := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleTeacher))

	teacher.POST("/classes", func(c *gin.Context) {
		var req struct {
			Code         string `json:"code" binding:"required"`
			Title        string `json:"title" binding:"required"`
			AcademicYear string `json:"academic_year"`
			Semester     string `json:"semester"`
			Section      string `json:"section"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cls, err := rosterSvc.CreateClass(c.Request.Context(), roster.Class{
			TeacherID:    auth.Subject(c),
			Code:         req.Code,
			Title:        req.Title,
			AcademicYear: req.AcademicYear,
			Semester:     req.Semester,
			Section:      req.Section,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, cls)
	})

	teacher.GET("/classes", func(c *gin.Context) {
		classes, err := rosterSvc.ListClasses(c.Request.Context(), auth.Subject(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"classes": classes})
	})

	teacher.POST("/classes/:id/slots", func(c *gin.Context) {
		if _, ok := ownedClass(c, c.Param("id")); !ok {
			return
		}
		var req struct {
			Weekday  int `json:"weekday"`
			StartMin int `json:"start_min"`
			EndMin   int `json:"end_min"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slot, err := rosterSvc.AddSlot(c.Request.Context(), roster.MeetingSlot{
			ClassID:  c.Param("id"),
			Weekday:  time.Weekday(req.Weekday),
			StartMin: req.StartMin,
			EndMin:   req.EndMin,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, slot)
	})

	teacher.GET("/classes/:id/slots", func(c *gin.Context) {
		if _, ok := ownedClass(c, c.Param("id")); !ok {
			return
		}
		slots, err := rosterSvc.ListSlots(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"slots": slots})
	})

	teacher.POST("/classes/:id/enrollments", func(c *gin.Context) {
		if _, ok := ownedClass(c, c.Param("id")); !ok {
			return
		}
		var req struct {
			StudentID  string   `json:"student_id"`
			StudentIDs []string `json:"student_ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(req.StudentIDs) > 0 {
			added, err := rosterSvc.EnrollBulk(c.Request.Context(), c.Param("id"), req.StudentIDs)
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusCreated, gin.H{"added": added})
			return
		}
		enr, err := rosterSvc.Enroll(c.Request.Context(), c.Param("id"), req.StudentID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, enr)
	})

	teacher.DELETE("/classes/:id/enrollments/:studentID", func(c *gin.Context) {
		if _, ok := ownedClass(c, c.Param("id")); !ok {
			return
		}
		if err := rosterSvc.Unenroll(c.Request.Context(), c.Param("id"), c.Param("studentID")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	teacher.GET("/classes/:id/roster", func(c *gin.Context) {
		if _, ok := ownedClass(c, c.Param("id")); !ok {
			return
		}
		students, err := rosterSvc.Roster(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})

	teacher.POST("/classes/:id/sessions", func(c *gin.Context) {
		if _, ok := ownedClass(c, c.Param("id")); !ok {
			return
		}
		var req struct {
			SlotID string `json:"slot_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := eng.StartSession(c.Request.Context(), c.Param("id"), req.SlotID, c.ClientIP(), time.Now().UTC())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sess)
	})

	teacher.GET("/classes/:id/sessions", func(c *gin.Context) {
		if _, ok := ownedClass(c, c.Param("id")); !ok {
			return
		}
		sessions, err := eng.ClassSessions(c.Request.Context(), c.Param("id"), time.Now().UTC())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	teacher.POST("/sessions/:id/end", func(c *gin.Context) {
		if _, ok := ownedSession(c, c.Param("id")); !ok {
			return
		}
		if err := eng.EndSession(c.Request.Context(), c.Param("id"), time.Now().UTC()); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	teacher.DELETE("/sessions/:id", func(c *gin.Context) {
		if _, ok := ownedSession(c, c.Param("id")); !ok {
			return
		}
		if err := eng.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	teacher.POST("/sessions/:id/token", func(c *gin.Context) {
		if _, ok := ownedSession(c, c.Param("id")); !ok {
			return
		}
		validity := time.Duration(0)
		if v := c.Query("validity_minutes"); v != "" {
			if mins, err := strconv.Atoi(v); err == nil && mins > 0 {
				validity = time.Duration(mins) * time.Minute
			}
		}
		info, err := eng.IssueOrReuseToken(c.Request.Context(), c.Param("id"), time.Now().UTC(), validity)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	})

	teacher.DELETE("/sessions/:id/token", func(c *gin.Context) {
		if _, ok := ownedSession(c, c.Param("id")); !ok {
			return
		}
		invalidated, err := eng.InvalidateToken(c.Request.Context(), c.Param("id"), time.Now().UTC())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"invalidated": invalidated})
	})

	teacher.GET("/sessions/:id/records", func(c *gin.Context) {
		if _, ok := ownedSession(c, c.Param("id")); !ok {
			return
		}
		records, err := eng.SessionRecords(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	teacher.PUT("/sessions/:id/records/:studentID", func(c *gin.Context) {
		if _, ok := ownedSession(c, c.Param("id")); !ok {
			return
		}
		var req struct {
			Presence string `json:"presence" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := eng.ManualMark(c.Request.Context(), c.Param("id"), c.Param("studentID"),
			attendance.Presence(req.Presence), auth.Subject(c), time.Now().UTC())
		if err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	teacher.GET("/classes/:id/students/:studentID/records", func(c *gin.Context) {
		if _, ok := ownedClass(c, c.Param("id")); !ok {
			return
		}
		records, err := eng.StudentHistory(c.Request.Context(), c.Param("id"), c.Param("studentID"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	student := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	student.POST("/scan/:code", func(c *gin.Context) {
		res, err := eng.RecordScan(c.Request.Context(), c.Param("code"), auth.Subject(c), c.ClientIP(), time.Now().UTC())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "scan failed, try again"})
			return
		}
		if res.Status == attendance.ScanRejected {
			// the device can only retry what it can diagnose
			c.JSON(http.StatusConflict, gin.H{"status": res.Status, "reason": res.Reason})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": res.Status})
	})

	student.GET("/my/classes/:id/records", func(c *gin.Context) {
		records, err := eng.StudentHistory(c.Request.Context(), c.Param("id"), auth.Subject(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

// writeError maps domain errors onto HTTP statuses. Policy violations are
// expected outcomes and keep their message; anything else is a 500.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, roster.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, attendance.ErrRecordNotFound),
		errors.Is(err, token.ErrNoToken):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrOutOfWindow),
		errors.Is(err, session.ErrAlreadyCompleted),
		errors.Is(err, session.ErrDuplicateSession),
		errors.Is(err, token.ErrSessionClosed),
		errors.Is(err, attendance.ErrSessionClosed),
		errors.Is(err, roster.ErrCodeExists),
		errors.Is(err, roster.ErrAlreadyEnrolled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, roster.ErrInvalidMeetingSlot),
		errors.Is(err, roster.ErrStudentRequired),
		errors.Is(err, roster.ErrClassFieldsRequired),
		errors.Is(err, attendance.ErrInvalidPresence):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
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
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
