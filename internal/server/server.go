package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"wanVideoBot/internal/catalog"
	"wanVideoBot/internal/service"
)

const userIDHeader = "X-User-ID"

// ImageUploader is the object store behind /api/uploads/image.
type ImageUploader interface {
	PutImage(ctx context.Context, userID, name string, r io.Reader, size int64, contentType string) (string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires a Server. Images and DB may be nil.
type Options struct {
	Service        *service.GenerationService
	Catalog        *catalog.Catalog
	Registry       *catalog.Registry
	Images         ImageUploader
	DB             Pinger
	WebhookSecret  string
	AllowedOrigins []string
}

type Server struct {
	svc            *service.GenerationService
	catalog        *catalog.Catalog
	registry       *catalog.Registry
	images         ImageUploader
	db             Pinger
	webhookSecret  string
	allowedOrigins []string
}

func New(opts Options) *Server {
	return &Server{
		svc:            opts.Service,
		catalog:        opts.Catalog,
		registry:       opts.Registry,
		images:         opts.Images,
		db:             opts.DB,
		webhookSecret:  opts.WebhookSecret,
		allowedOrigins: opts.AllowedOrigins,
	}
}

// Keep 64-bit seeds exact; the validator accepts json.Number.
func init() {
	binding.EnableDecoderUseNumber = true
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), s.cors())

	r.GET("/", s.root)
	r.GET("/health", s.health)

	api := r.Group("/api")
	api.GET("/templates", s.listTemplates)
	api.GET("/templates/:id", s.getTemplate)
	api.GET("/models", s.listModels)
	api.GET("/cost", s.cost)
	api.POST("/webhooks/replicate", s.replicateWebhook)

	gen := api.Group("/generation")
	gen.POST("/validate/:mode", s.validate)
	gen.Use(requireUser())
	{
		gen.POST("/text-to-video", s.textToVideo)
		gen.POST("/image-to-video", s.imageToVideo)
		gen.GET("/status/:id", s.status)
		gen.GET("/history", s.history)
	}

	users := api.Group("/users", requireUser())
	{
		users.GET("/credits", s.credits)
		users.GET("/transactions", s.transactions)
	}

	api.POST("/uploads/image", requireUser(), s.uploadImage)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.L().Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user_id", c.GetString("user_id")),
		)
	}
}

// cors allows the configured origins; "*" allows any.
func (s *Server) cors() gin.HandlerFunc {
	allowAll := lo.Contains(s.allowedOrigins, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || lo.Contains(s.allowedOrigins, origin)) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+userIDHeader)
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requireUser takes the caller from the gateway-set header.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(userIDHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + userIDHeader + " header"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}
