package http

import (
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	HeaderParticipantID    = "X-Participant-Id"
	HeaderParticipantName  = "X-Participant-Name"
	HeaderParticipantEmail = "X-Participant-Email"

	identityKey = "identity"
)

func genClientToken() string {
	return uuid.NewString()
}

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

// IdentityMiddleware resolves who is calling. Headers from the identity
// provider win and are remembered in the cookie session; without them the
// session is used, and the client token is the id of last resort.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		id := c.GetHeader(HeaderParticipantID)
		name := c.GetHeader(HeaderParticipantName)
		email := c.GetHeader(HeaderParticipantEmail)

		if id != "" {
			sess.Set("pid", id)
			sess.Set("name", name)
			sess.Set("email", email)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		} else {
			id, _ = sess.Get("pid").(string)
			name, _ = sess.Get("name").(string)
			email, _ = sess.Get("email").(string)
		}
		if id == "" {
			id = c.GetString("client_token")
		}

		c.Set(identityKey, domain.Identity{
			ID:          domain.ParticipantID(id),
			DisplayName: name,
			Email:       domain.NormalizeEmail(email),
		})
		c.Next()
	}
}

func identity(c *gin.Context) domain.Identity {
	v, _ := c.Get(identityKey)
	who, _ := v.(domain.Identity)
	return who
}
