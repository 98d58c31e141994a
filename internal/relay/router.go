package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/keylan/babelcall/internal/config"
)

// SetupRouter builds the relay's HTTP surface: the signaling websocket and
// a health probe.
func SetupRouter(ctx context.Context, cfg *config.Config, hub *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctl := NewController(hub, cfg.Relay.ReadLimit)

	r.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "relay.http").Str("remote", c.ClientIP()).Msg("ws endpoint hit")
		ctl.HandleWS(ctx, c)
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clients": hub.reg.Count()})
	})

	return r
}
