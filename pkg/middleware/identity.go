package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/photoapp/pkg/token"
)

// HeaderUserEmail はgatewayが検証済みの利用者のメールアドレスを伝播するHTTPヘッダーキー。
const HeaderUserEmail = "X-User-Email"

// ginKeyIdentity はGinコンテキストに認証済みの呼び出し元を格納するキー。
const ginKeyIdentity = "identity"

type identityKey struct{}

// WithIdentity はコンテキストに認証済みの呼び出し元を設定する。
func WithIdentity(ctx context.Context, id token.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom はコンテキストから認証済みの呼び出し元を取得する。
func IdentityFrom(ctx context.Context) (token.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(token.Identity)
	return id, ok
}

// GetIdentity はGinコンテキストから認証済みの呼び出し元を取得する。
// EdgeAuthかServiceAuthが事前に適用されている必要がある。
func GetIdentity(c *gin.Context) (token.Identity, bool) {
	v, ok := c.Get(ginKeyIdentity)
	if !ok {
		return token.Identity{}, false
	}
	id, ok := v.(token.Identity)
	return id, ok
}

// setIdentity はGinコンテキストとリクエストコンテキストの両方に呼び出し元を設定する。
func setIdentity(c *gin.Context, id token.Identity) {
	c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
	c.Set(ginKeyIdentity, id)
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(authHeader string) (string, bool) {
	tok, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || tok == "" {
		return "", false
	}
	return tok, true
}
