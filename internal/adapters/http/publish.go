package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/dkeye/cordis/internal/app/gateway"
	"github.com/dkeye/cordis/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	SignatureHeader = "X-Cordis-Signature"
	signaturePrefix = "sha256="
	maxPublishBody  = 1 << 20
)

// Publisher puts an event on a gateway topic.
type Publisher interface {
	Publish(ctx context.Context, topic gateway.Topic, event string, payload any) error
}

// PublishRequest addresses exactly one of Topic, ServerID or UserID.
type PublishRequest struct {
	Topic    string          `json:"topic,omitempty"`
	ServerID domain.ServerID `json:"serverId,omitempty"`
	UserID   domain.UserID   `json:"userId,omitempty"`
	T        string          `json:"t"`
	D        json.RawMessage `json:"d"`
}

func (p PublishRequest) topic() (gateway.Topic, bool) {
	var topics []gateway.Topic
	if p.Topic != "" {
		topics = append(topics, gateway.Topic(p.Topic))
	}
	if p.ServerID != "" {
		topics = append(topics, gateway.ServerTopic(p.ServerID))
	}
	if p.UserID != "" {
		topics = append(topics, gateway.DMTopic(p.UserID))
	}
	if len(topics) != 1 {
		return "", false
	}
	return topics[0], true
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func publishHandler(pub Publisher, secret []byte) gin.HandlerFunc {
	logger := log.With().Str("module", "adapters.http.publish").Logger()
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPublishBody+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if len(body) > maxPublishBody {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		if !validSignature(secret, body, c.GetHeader(SignatureHeader)) {
			logger.Warn().Str("remote", c.ClientIP()).Msg("bad publish signature")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}

		var req PublishRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		topic, ok := req.topic()
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of topic, serverId, userId is required"})
			return
		}
		if !gateway.KnownEvent(req.T) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type"})
			return
		}
		if len(req.D) == 0 {
			req.D = json.RawMessage("null")
		}

		if err := pub.Publish(c.Request.Context(), topic, req.T, req.D); err != nil {
			logger.Error().Err(err).Str("topic", string(topic)).Str("event", req.T).Msg("publish")
			c.JSON(http.StatusBadGateway, gin.H{"error": "broker unavailable"})
			return
		}
		logger.Debug().Str("topic", string(topic)).Str("event", req.T).Msg("published")
		c.Status(http.StatusNoContent)
	}
}
