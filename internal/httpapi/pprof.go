package httpapi

import (
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

// PprofConfig mounts net/http/pprof under /debug/pprof on the API router.
type PprofConfig struct {
	Enabled bool
	// Token is required when the API listens on a non-loopback address.
	// Clients send it as "Authorization: Bearer <token>" or ?token=.
	Token string
}

var errPprofInsecure = errors.New("pprof on a non-loopback address requires a token")

// Validate rejects pprof exposed beyond localhost without a token.
func (c Config) Validate() error {
	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Token) == "" && !isLoopbackAddr(c.withDefaults().Addr) {
		return errPprofInsecure
	}
	return nil
}

func (a *API) setupPprof(router gin.IRouter) {
	g := router.Group("/debug/pprof", bearerAuth(a.d.Pprof.Token))
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	g.GET("/:profile", func(c *gin.Context) {
		hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
	})
}

func bearerAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			const p = "Bearer "
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got != tok {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
