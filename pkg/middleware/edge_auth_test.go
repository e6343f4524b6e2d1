package middleware

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/photoapp/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用の署名鍵。
var testSecret = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("s"), 64))

// newTestCodec はテスト用のCodecを生成する。
func newTestCodec(t *testing.T, ttl time.Duration) *token.Codec {
	t.Helper()

	codec, err := token.NewCodec(testSecret, ttl)
	if err != nil {
		t.Fatalf("token.NewCodec()でエラーが発生: %v", err)
	}
	return codec
}

// issueTestToken はテスト用のトークンを発行する。
func issueTestToken(t *testing.T, codec *token.Codec) string {
	t.Helper()

	tok, err := codec.Issue(token.Claims{Subject: "alice@example.com", UserID: 7})
	if err != nil {
		t.Fatalf("Issue()でエラーが発生: %v", err)
	}
	return tok
}

// errorBody はレスポンスのerrorフィールドを返す。
func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v", err)
	}
	return body["error"]
}

// TestEdgeAuth はEdgeAuthミドルウェアを検証する。
func TestEdgeAuth(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, time.Hour)
	validToken := issueTestToken(t, codec)
	expiredToken := issueTestToken(t, newTestCodec(t, 0))
	parts := strings.Split(validToken, ".")
	sig := []byte(parts[2])
	if sig[10] == 'A' {
		sig[10] = 'B'
	} else {
		sig[10] = 'A'
	}
	tamperedToken := parts[0] + "." + parts[1] + "." + string(sig)

	rejectTests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "Authorizationヘッダーが無い場合は401になること", header: "", want: "no authorization header"},
		{name: "Bearer形式でない場合は401になること", header: "Basic dXNlcjpwYXNz", want: "invalid authorization header format"},
		{name: "小文字のbearerは形式不正になること", header: "bearer " + validToken, want: "invalid authorization header format"},
		{name: "構文が不正なトークンは401になること", header: "Bearer garbage", want: "invalid token: token malformed"},
		{name: "期限切れのトークンは401になること", header: "Bearer " + expiredToken, want: "invalid token: token expired"},
		{name: "改ざんされたトークンは401になること", header: "Bearer " + tamperedToken, want: "invalid token: signature invalid"},
	}

	for _, tt := range rejectTests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handlerCalled := false
			router := gin.New()
			router.Use(EdgeAuth(codec))
			router.GET("/albums-ws/x", func(c *gin.Context) {
				handlerCalled = true
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/albums-ws/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if got := errorBody(t, w); got != tt.want {
				t.Errorf("error = %q, want %q", got, tt.want)
			}
			if handlerCalled {
				t.Error("拒否されたリクエストでハンドラーが呼ばれるべきではない")
			}
		})
	}

	t.Run("有効なトークンでX-User-Emailを上書きして転送すること", func(t *testing.T) {
		t.Parallel()

		var forwarded *http.Request
		var identity token.Identity
		router := gin.New()
		router.Use(EdgeAuth(codec))
		router.GET("/albums-ws/x", func(c *gin.Context) {
			forwarded = c.Request
			identity, _ = GetIdentity(c)
			c.Status(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/albums-ws/x", nil)
		req.Header.Set("Authorization", "Bearer "+validToken)
		req.Header.Set(HeaderUserEmail, "mallory@example.com")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := forwarded.Header.Get(HeaderUserEmail); got != "alice@example.com" {
			t.Errorf("転送先の X-User-Email = %q, want %q", got, "alice@example.com")
		}
		if got := req.Header.Get(HeaderUserEmail); got != "mallory@example.com" {
			t.Errorf("受信リクエストが変更された: X-User-Email = %q", got)
		}
		if forwarded == req {
			t.Error("受信リクエストと同じインスタンスが転送された")
		}
		if identity.Subject != "alice@example.com" || identity.UserID != 7 {
			t.Errorf("identity = %+v, want alice@example.com/7", identity)
		}
		if id, ok := IdentityFrom(forwarded.Context()); !ok || id.UserID != 7 {
			t.Errorf("IdentityFrom() = %+v, %v", id, ok)
		}
	})

	t.Run("トークンの値をログに出力しないこと", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.DebugLevel)
		router := gin.New()
		router.Use(EdgeAuth(codec, WithLogger(zap.New(core))))
		router.GET("/albums-ws/x", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/albums-ws/x", nil)
		req.Header.Set("Authorization", "Bearer "+tamperedToken)
		router.ServeHTTP(httptest.NewRecorder(), req)

		if logs.Len() == 0 {
			t.Fatal("拒否理由がログに出力されていない")
		}
		for _, entry := range logs.All() {
			for _, f := range entry.Context {
				if strings.Contains(f.String, tamperedToken) || strings.Contains(f.String, parts[1]) {
					t.Errorf("ログにトークンが含まれている: %s=%s", f.Key, f.String)
				}
			}
		}
	})
}
