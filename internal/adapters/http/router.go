package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/auth"
	"github.com/unisonfm/unison/internal/config"
	"github.com/unisonfm/unison/internal/signal"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable token cookie; the
// polling fallback uses it to correlate requests into one virtual
// connection.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, svc *signal.Service, verifier *auth.Verifier) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/lt/ws", func(c *gin.Context) {
		svc.HandleWS(ctx, c)
	})

	if cfg.AllowPollingFallback {
		log.Info().Str("module", "adapters.http").Msg("polling fallback transport enabled")
		api.POST("/lt/send", pollingSend(cfg, svc, verifier))
		api.GET("/lt/poll", pollingPoll(svc, verifier))
	}

	return r
}

func pollingIdentity(c *gin.Context, verifier *auth.Verifier) *auth.Identity {
	ident, err := verifier.Verify(c.Request.Context(), signal.BearerToken(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": signal.AuthMessage(err)})
		return nil
	}
	return ident
}

func pollingSend(cfg *config.Config, svc *signal.Service, verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := pollingIdentity(c, verifier)
		if ident == nil {
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, cfg.ReadLimit))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		reply := svc.PollingSend(c.GetString("client_token"), ident, body)
		if reply == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.Data(http.StatusOK, "application/json", reply)
	}
}

func pollingPoll(svc *signal.Service, verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := pollingIdentity(c, verifier)
		if ident == nil {
			return
		}
		frames := svc.PollingFrames(c.GetString("client_token"), ident)
		out := make([]json.RawMessage, 0, len(frames))
		for _, f := range frames {
			out = append(out, json.RawMessage(f))
		}
		c.JSON(http.StatusOK, gin.H{"frames": out})
	}
}
