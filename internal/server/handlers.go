package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"wanVideoBot/internal/api"
	"wanVideoBot/internal/catalog"
	"wanVideoBot/internal/database"
	"wanVideoBot/internal/generation"
	"wanVideoBot/internal/models"
	"wanVideoBot/internal/service"
	"wanVideoBot/internal/storage"
)

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": "wan video api", "status": "running"})
}

func (s *Server) health(c *gin.Context) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			zap.L().Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// respondError maps service errors onto status codes. cost is echoed with
// validation failures so a form can still show the price.
func respondError(c *gin.Context, err error, cost int) {
	var fieldErrs generation.FieldErrors
	switch {
	case errors.As(err, &fieldErrs):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"errors": fieldErrs, "cost": cost})
	case errors.Is(err, database.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits", "cost": cost})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrSubmitFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation could not be started, credits were refunded"})
	default:
		zap.L().Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func bindFields(c *gin.Context) (generation.RawFields, bool) {
	var raw generation.RawFields
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, false
	}
	if raw == nil {
		raw = generation.RawFields{}
	}
	return raw, true
}

func (s *Server) textToVideo(c *gin.Context) {
	s.submit(c, generation.ModeTextToVideo)
}

func (s *Server) imageToVideo(c *gin.Context) {
	s.submit(c, generation.ModeImageToVideo)
}

func (s *Server) submit(c *gin.Context, mode generation.Mode) {
	raw, ok := bindFields(c)
	if !ok {
		return
	}
	gen, err := s.svc.Submit(c.Request.Context(), c.GetString("user_id"), mode, raw)
	if err != nil {
		respondError(c, err, service.EstimateCost(raw))
		return
	}
	c.JSON(http.StatusCreated, gen)
}

func (s *Server) validate(c *gin.Context) {
	mode := generation.Mode(c.Param("mode"))
	if !mode.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown mode"})
		return
	}
	raw, ok := bindFields(c)
	if !ok {
		return
	}
	_, cost, err := s.svc.Quote(mode, raw)
	if err != nil {
		var fieldErrs generation.FieldErrors
		if errors.As(err, &fieldErrs) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"valid": false, "errors": fieldErrs, "cost": cost})
			return
		}
		respondError(c, err, cost)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "cost": cost})
}

func (s *Server) status(c *gin.Context) {
	gen, err := s.svc.Status(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		respondError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            gen.ID,
		"status":        gen.Status,
		"progress":      gen.Status.Progress(),
		"video_url":     gen.VideoURL,
		"error_message": gen.ErrorMessage,
	})
}

func (s *Server) history(c *gin.Context) {
	gens, err := s.svc.History(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, gin.H{"generations": emptyIfNil(gens)})
}

func (s *Server) credits(c *gin.Context) {
	balance, err := s.svc.Credits(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": balance})
}

func (s *Server) transactions(c *gin.Context) {
	txs, err := s.svc.Transactions(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": emptyIfNil(txs)})
}

func emptyIfNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

// listTemplates filters by any combination of category, q and featured.
func (s *Server) listTemplates(c *gin.Context) {
	templates := s.catalog.All()
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		templates = s.catalog.Search(q)
	}
	if category := c.Query("category"); category != "" {
		cat := catalog.Category(category)
		if !cat.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category", "categories": catalog.Categories()})
			return
		}
		templates = lo.Filter(templates, func(t catalog.PromptTemplate, _ int) bool { return t.Category == cat })
	}
	if c.Query("featured") == "true" {
		templates = lo.Filter(templates, func(t catalog.PromptTemplate, _ int) bool { return t.Featured })
	}
	c.JSON(http.StatusOK, gin.H{"templates": emptyIfNil(templates), "categories": catalog.Categories()})
}

func (s *Server) getTemplate(c *gin.Context) {
	tpl, ok := s.catalog.ByID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.registry.All()})
}

// cost prices one pair when model and resolution are given, otherwise
// returns the whole table.
func (s *Server) cost(c *gin.Context) {
	model, resolution := c.Query("model"), c.Query("resolution")
	if model != "" || resolution != "" {
		c.JSON(http.StatusOK, generation.Price{
			Model:      model,
			Resolution: resolution,
			Credits:    generation.Cost(model, resolution),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prices": generation.PriceList(), "default": generation.DefaultCost})
}

func (s *Server) replicateWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if s.webhookSecret != "" && !api.VerifySignature(s.webhookSecret, body, c.GetHeader(api.SignatureHeader)) {
		zap.L().Warn("webhook signature mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var prediction models.Prediction
	if err := json.Unmarshal(body, &prediction); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := s.svc.HandleWebhook(c.Request.Context(), &prediction, c.Query(api.WebhookRefParam))
	if errors.Is(err, service.ErrMissingPredictionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		respondError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) uploadImage(c *gin.Context) {
	if s.images == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage is not configured"})
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	if fh.Size > storage.MaxImageSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large", "max_bytes": storage.MaxImageSize})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	url, err := s.images.PutImage(c.Request.Context(), c.GetString("user_id"), fh.Filename, f, fh.Size, fh.Header.Get("Content-Type"))
	if errors.Is(err, storage.ErrUnsupportedImage) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only jpeg, png and webp images are accepted"})
		return
	}
	if err != nil {
		zap.L().Error("image upload failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": url})
}
