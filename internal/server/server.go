package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"marketsync/internal/config"
	"marketsync/internal/event"
	"marketsync/internal/prices"
	"marketsync/internal/service"
)

// Server exposes local read-only snapshots of the sync state plus a
// websocket event stream for a UI collaborator.
type Server struct {
	cfg    config.ServerConfig
	orch   *service.Orchestrator
	logger zerolog.Logger
	engine *gin.Engine
	hub    *hub
	http   *http.Server
}

// New builds the router. The server subscribes to the bus immediately so
// no events are lost between construction and Run.
func New(cfg config.ServerConfig, orch *service.Orchestrator, bus *event.Bus, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		orch:   orch,
		logger: logger.With().Str("component", "server").Logger(),
		engine: gin.New(),
		hub:    newHub(logger),
	}
	bus.Subscribe(s.hub.broadcast)

	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)
	api.GET("/prices", s.handlePrices)
	api.GET("/stats", s.handleStats)
	api.GET("/news", s.handleFeed("news"))
	api.GET("/videos", s.handleFeed("videos"))
	api.GET("/resources", s.handleResources)
	api.GET("/pinned", s.handlePinned)
	api.GET("/ad", s.handleAd)

	api.POST("/activity", s.handleActivity)
	api.POST("/search", s.handleSearch)
	api.POST("/sort", s.handleSort)
	api.POST("/favorites", s.handleFavoriteToggle)
	api.POST("/favorites/only", s.handleFavoritesOnly)
	api.POST("/news/read", s.handleMarkRead("news"))
	api.POST("/videos/read", s.handleMarkRead("videos"))

	s.engine.GET("/ws", s.handleWS)
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("snapshot api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.close()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePrices(c *gin.Context) {
	catalog := s.orch.Catalog()
	c.JSON(http.StatusOK, gin.H{
		"entries":       catalog.Snapshot(),
		"count":         catalog.Count(),
		"searching":     catalog.IsSearching(),
		"searchText":    catalog.SearchText(),
		"favoritesOnly": catalog.FavoritesOnly(),
		"lastUpdate":    catalog.LastUpdateString(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	catalog := s.orch.Catalog()
	c.JSON(http.StatusOK, gin.H{
		"marketCap":     catalog.MarketCap(),
		"marketCapText": catalog.MarketCapString(),
		"btcDominance":  catalog.BTCDominance(),
		"dominanceText": catalog.BTCDominanceString(),
		"freq":          catalog.Freq(),
	})
}

func (s *Server) handleFeed(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		set := s.orch.News()
		if kind == "videos" {
			set = s.orch.Videos()
		}
		c.JSON(http.StatusOK, gin.H{
			"channels":   set.Snapshot(),
			"unread":     set.CountUnread(),
			"lastUpdate": set.LastUpdateString(),
		})
	}
}

func (s *Server) handleResources(c *gin.Context) {
	groups := s.orch.Resources()
	c.JSON(http.StatusOK, gin.H{
		"groups":     groups.Snapshot(),
		"lastUpdate": groups.LastUpdate(),
	})
}

func (s *Server) handlePinned(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": s.orch.PinnedNews().Snapshot()})
}

func (s *Server) handleAd(c *gin.Context) {
	slot := s.orch.AdSlot()
	c.JSON(http.StatusOK, gin.H{
		"ad":   slot.Current(),
		"paid": slot.Paid(),
	})
}

func (s *Server) handleActivity(c *gin.Context) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.orch.SetWindowActive(body.Active)
	c.JSON(http.StatusOK, gin.H{"active": body.Active})
}

func (s *Server) handleSearch(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.orch.SetSearchText(c.Request.Context(), body.Text)
	c.JSON(http.StatusOK, gin.H{
		"text":      s.orch.Catalog().SearchText(),
		"searching": s.orch.Catalog().IsSearching(),
	})
}

var sortOrders = map[string]prices.SortOrder{
	"rank":        prices.SortRank,
	"name":        prices.SortNameAsc,
	"name_desc":   prices.SortNameDesc,
	"price":       prices.SortPriceAsc,
	"price_desc":  prices.SortPriceDesc,
	"change":      prices.SortChange24hAsc,
	"change_desc": prices.SortChange24hDesc,
}

func (s *Server) handleSort(c *gin.Context) {
	var body struct {
		Order string `json:"order"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, ok := sortOrders[body.Order]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown sort order"})
		return
	}
	s.orch.Catalog().SetSortOrder(order)
	c.JSON(http.StatusOK, gin.H{"order": body.Order})
}

func (s *Server) handleFavoriteToggle(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	favorite := s.orch.Catalog().ToggleFavorite(prices.Key{Name: body.Name, Code: body.Code})
	c.JSON(http.StatusOK, gin.H{"favorite": favorite})
}

func (s *Server) handleFavoritesOnly(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.orch.Catalog().SetFavoritesOnly(body.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": body.Enabled})
}

func (s *Server) handleMarkRead(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		set := s.orch.News()
		if kind == "videos" {
			set = s.orch.Videos()
		}

		var body struct {
			Address  string `json:"address"`
			Identity string `json:"identity"`
		}
		// An empty body marks the whole set read.
		if err := c.ShouldBindJSON(&body); err != nil || body.Address == "" {
			set.MarkAllRead()
			c.JSON(http.StatusOK, gin.H{"unread": set.CountUnread()})
			return
		}

		set.MarkItemRead(body.Address, body.Identity)
		c.JSON(http.StatusOK, gin.H{"unread": set.CountUnread()})
	}
}
