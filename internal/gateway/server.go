package gateway

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/photoapp/pkg/httpclient"
	"github.com/nao1215/photoapp/pkg/logger"
	"github.com/nao1215/photoapp/pkg/metrics"
	"github.com/nao1215/photoapp/pkg/middleware"
	"github.com/nao1215/photoapp/pkg/token"
)

// Options はGatewayサーバーの設定と依存。
type Options struct {
	// Port はリッスンポート。
	Port string
	// Codec はトークンの検証器。
	Codec *token.Codec
	// UsersURL はユーザーサービスのベースURL。
	UsersURL string
	// AlbumURL はアルバムサービスのベースURL。
	AlbumURL string
	// LoginPath はユーザーサービスのログインパス。空なら "/users/login"。
	LoginPath string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// ConnectTimeout は内部サービスへの接続タイムアウト。
	ConnectTimeout time.Duration
	// ReadTimeout は内部サービスの応答待ちタイムアウト。
	ReadTimeout time.Duration
	// Logger はロガー。nilなら出力しない。
	Logger *zap.Logger
	// Metrics はメトリクス。nilなら専用のレジストリで生成する。
	Metrics *metrics.Metrics
}

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// codec はトークンの検証器。
	codec *token.Codec
	// serviceURLs は内部サービスのURL。
	serviceURLs serviceURLConfig
	// loginPath はユーザーサービスのログインパス。
	loginPath string
	// client は内部サービスへの転送に使うHTTPクライアント。
	client  *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics
}

// serviceURLConfig は内部サービスのURL設定。
type serviceURLConfig struct {
	Users string
	Album string
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(opts Options) (*Server, error) {
	if opts.Codec == nil {
		return nil, errors.New("codecは必須です")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		var err error
		if m, err = metrics.New(nil); err != nil {
			return nil, fmt.Errorf("メトリクスの初期化に失敗: %w", err)
		}
	}
	loginPath := opts.LoginPath
	if loginPath == "" {
		loginPath = "/users/login"
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = httpclient.DefaultConnectTimeout
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = httpclient.DefaultReadTimeout
	}

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log))
	router.Use(m.GinMiddleware("gateway"))
	router.Use(middleware.CORS(opts.AllowedOrigins, m))

	s := &Server{
		router: router,
		port:   opts.Port,
		codec:  opts.Codec,
		serviceURLs: serviceURLConfig{
			Users: strings.TrimRight(opts.UsersURL, "/"),
			Album: strings.TrimRight(opts.AlbumURL, "/"),
		},
		loginPath: loginPath,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: readTimeout,
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       90 * time.Second,
			},
			// リダイレクトはそのままクライアントに返す
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		log:     log,
		metrics: m,
	}
	s.setupRoutes()

	return s, nil
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ログインと登録（認証不要）
	auth := s.router.Group("/auth")
	{
		auth.POST("/login", s.handleProxy(s.serviceURLs.Users, s.loginPath))
		auth.POST("/register", s.handleProxy(s.serviceURLs.Users, "/users"))
	}

	// 認証必須の内部サービスへのプロキシ
	protected := s.router.Group("")
	protected.Use(middleware.EdgeAuth(s.codec, middleware.WithLogger(s.log), middleware.WithMetrics(s.metrics)))
	{
		protected.Any("/users-ws/*path", s.handleProxyPath(s.serviceURLs.Users))
		protected.Any("/albums-ws/*path", s.handleProxyPath(s.serviceURLs.Album))
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/metrics", s.metrics.GinHandler())
}

// handleProxy は指定されたサービスの固定パスにリクエストをプロキシするハンドラを返す。
func (s *Server) handleProxy(baseURL, path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.doProxy(c, c.Request.Method, withQuery(c, baseURL+path))
	}
}

// handleProxyPath はワイルドカード以降のパスをそのまま指定サービスにプロキシするハンドラを返す。
func (s *Server) handleProxyPath(baseURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.doProxy(c, c.Request.Method, withQuery(c, baseURL+c.Param("path")))
	}
}

func withQuery(c *gin.Context, url string) string {
	if c.Request.URL.RawQuery != "" {
		return url + "?" + c.Request.URL.RawQuery
	}
	return url
}

// forwardedRequestHeaders は内部サービスに転送するリクエストヘッダー。
var forwardedRequestHeaders = []string{"Authorization", "Content-Type", "Accept"}

// skippedResponseHeaders はクライアントに転送しないレスポンスヘッダー。
var skippedResponseHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"X-Request-Id":      true,
}

// doProxy はリクエストを内部サービスにプロキシする共通処理。
// X-User-Emailは検証済みの利用者がいる場合のみ設定し、受信したヘッダーの値は転送しない。
func (s *Server) doProxy(c *gin.Context, method, url string) {
	log := logger.From(c.Request.Context())

	req, err := http.NewRequestWithContext(c.Request.Context(), method, url, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "プロキシリクエストの作成に失敗しました"})
		return
	}
	req.ContentLength = c.Request.ContentLength

	// 元のリクエストヘッダーを転送
	for _, h := range forwardedRequestHeaders {
		if v := c.GetHeader(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if id, ok := middleware.GetIdentity(c); ok {
		req.Header.Set(middleware.HeaderUserEmail, id.Subject)
	}
	req.Header.Set(httpclient.HeaderRequestID, middleware.GetRequestID(c))

	resp, err := s.client.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
		log.Warn("プロキシエラー", zap.String("url", url), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "レスポンスの読み取りに失敗しました"})
		log.Warn("プロキシレスポンスの読み取りに失敗", zap.String("url", url), zap.Error(err))
		return
	}

	for k, vs := range resp.Header {
		if skippedResponseHeaders[k] || strings.HasPrefix(k, "Access-Control-") {
			continue
		}
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}
