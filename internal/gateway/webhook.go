package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WebhookServer is the bot.mode=webhook half of §6's bot configuration:
// a gin HTTP server exposing the configured webhook path plus
// /healthz and /metrics, matching the teacher's cmd/server/main.go
// composition (gin for the HTTP surface, promhttp.Handler mounted
// alongside the domain routes).
type WebhookServer struct {
	engine   *gin.Engine
	decoder  Decoder
	dispatch Dispatcher
	secret   string
	log      *logrus.Logger

	healthCheck func() error
}

// NewWebhookServer builds the gin engine and registers routes. path is
// the configured bot.webhookPath; secret, if non-empty, must either
// match the X-Webhook-Secret header (constant-time compared) or key a
// valid HMAC-SHA256 X-Webhook-Signature header on every incoming
// request before a payload is decoded.
func NewWebhookServer(path, secret string, decoder Decoder, dispatch Dispatcher, healthCheck func() error, metricsHandler http.Handler, log *logrus.Logger) *WebhookServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	w := &WebhookServer{
		engine:      engine,
		decoder:     decoder,
		dispatch:    dispatch,
		secret:      secret,
		log:         log,
		healthCheck: healthCheck,
	}

	engine.POST(path, w.handleWebhook)
	engine.GET("/healthz", w.handleHealthz)
	if metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(metricsHandler))
	}
	return w
}

// Handler exposes the underlying http.Handler for net/http.Server.
func (w *WebhookServer) Handler() http.Handler { return w.engine }

func (w *WebhookServer) handleWebhook(c *gin.Context) {
	requestID := uuid.NewString()
	log := w.log.WithField("request_id", requestID)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.WithError(err).Warn("gateway: read webhook body failed")
		c.Status(http.StatusBadRequest)
		return
	}

	if w.secret != "" && !w.authenticate(c, body) {
		c.Status(http.StatusUnauthorized)
		return
	}

	update, err := w.decoder.Decode(body)
	if err != nil {
		log.WithError(err).Warn("gateway: decode webhook payload failed")
		c.Status(http.StatusBadRequest)
		return
	}

	dispatch(c.Request.Context(), w.dispatch, update)
	c.Status(http.StatusOK)
}

// authenticate accepts either a constant-time shared-secret header
// (simple platforms) or an HMAC-SHA256 signature header (platforms
// that sign the payload instead of sending the secret in the clear).
func (w *WebhookServer) authenticate(c *gin.Context, body []byte) bool {
	if given := c.GetHeader("X-Webhook-Secret"); given != "" {
		return subtle.ConstantTimeCompare([]byte(given), []byte(w.secret)) == 1
	}
	if sig := c.GetHeader("X-Webhook-Signature"); sig != "" {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			return false
		}
		return verifySignature(w.secret, body, decoded)
	}
	return false
}

func (w *WebhookServer) handleHealthz(c *gin.Context) {
	if w.healthCheck != nil {
		if err := w.healthCheck(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// verifySignature is an alternate HMAC-signature verification path
// some platforms use instead of a shared-secret header; kept alongside
// the header check so a cmd/pingpongbot deployment can pick whichever
// the configured platform requires without another dependency.
func verifySignature(secret string, body, signature []byte) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, signature)
}
