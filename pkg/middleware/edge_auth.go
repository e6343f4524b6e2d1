package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/photoapp/pkg/metrics"
	"github.com/nao1215/photoapp/pkg/token"
)

// AuthOption は認証ミドルウェアの共通オプション。
type AuthOption func(*authOptions)

type authOptions struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

// WithLogger は拒否理由を記録するロガーを設定する。
func WithLogger(l *zap.Logger) AuthOption {
	return func(o *authOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics は判定結果を記録するメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) AuthOption {
	return func(o *authOptions) { o.metrics = m }
}

func newAuthOptions(opts []AuthOption) authOptions {
	o := authOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// EdgeAuth はgatewayの保護ルートでトークンを検証するGinミドルウェアを返す。
//
// 検証に失敗したリクエストは401で打ち切る。成功した場合はリクエストを複製し、
// X-User-Emailヘッダーをトークンのsubjectで上書きしてから後続に渡す。
// 受信したリクエスト自体は変更しない。トークンの値はログに出力しない。
func EdgeAuth(codec *token.Codec, opts ...AuthOption) gin.HandlerFunc {
	o := newAuthOptions(opts)

	reject := func(c *gin.Context, reason string) {
		o.log.Info("認証に失敗したためリクエストを拒否します",
			zap.String("path", c.Request.URL.Path),
			zap.String("reason", reason),
		)
		o.metrics.IncAuthDecision("edge", "rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			reject(c, "no authorization header")
			return
		}

		tokenString, ok := bearerToken(authHeader)
		if !ok {
			reject(c, "invalid authorization header format")
			return
		}

		claims, err := codec.Verify(tokenString)
		if err != nil {
			reject(c, "invalid token: "+err.Error())
			return
		}

		id := claims.Identity()
		req := c.Request.Clone(WithIdentity(c.Request.Context(), id))
		req.Header.Set(HeaderUserEmail, claims.Subject)
		c.Request = req
		c.Set(ginKeyIdentity, id)

		o.metrics.IncAuthDecision("edge", "accepted")
		c.Next()
	}
}
