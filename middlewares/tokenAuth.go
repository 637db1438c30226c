package middlewares

import (
	"PsiConsulta/models"
	"PsiConsulta/utils"
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const participantKey = "participant"

// TransportTokenValidator decrypts participant tokens.
type TransportTokenValidator interface {
	Validate(token string) (*utils.TransportClaims, error)
}

// TokenChecker confirms a token is still the live one for its role.
type TokenChecker interface {
	IsTokenValid(ctx context.Context, consultationID string, role models.Role, token string) bool
}

// Participant is the caller of a room endpoint.
type Participant struct {
	ConsultationID string
	Role           models.Role
	UserID         string
	Token          string
}

// ParticipantTokenAuth accepts the transport token issued for the consultation in the
// :id path parameter, from the accessToken query parameter or the X-Session-Token header.
func ParticipantTokenAuth(validator TransportTokenValidator, checker TokenChecker, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.DefaultQuery("accessToken", "")
		if token == "" {
			token = strings.TrimSpace(c.GetHeader("X-Session-Token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing access token"})
			return
		}

		claims, err := validator.Validate(token)
		if err != nil {
			log.Debug("invalid transport token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		consultationID := c.Param("id")
		if claims.ConsultationID != consultationID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Token does not belong to this consultation"})
			return
		}

		role := models.Role(claims.Role)
		if !checker.IsTokenValid(c.Request.Context(), consultationID, role, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token has been revoked"})
			return
		}

		c.Set(participantKey, Participant{
			ConsultationID: consultationID,
			Role:           role,
			UserID:         claims.UserID,
			Token:          token,
		})
		c.Next()
	}
}

// ParticipantFromContext returns the participant stored by ParticipantTokenAuth.
func ParticipantFromContext(c *gin.Context) (Participant, bool) {
	value, ok := c.Get(participantKey)
	if !ok {
		return Participant{}, false
	}
	p, ok := value.(Participant)
	return p, ok
}
