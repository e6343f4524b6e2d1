package users

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/photoapp/pkg/httpclient"
	"github.com/nao1215/photoapp/pkg/logger"
	"github.com/nao1215/photoapp/pkg/metrics"
	"github.com/nao1215/photoapp/pkg/middleware"
	"github.com/nao1215/photoapp/pkg/token"
)

// DefaultLoginPath はログインエンドポイントの既定パス。
const DefaultLoginPath = "/users/login"

// Options はユーザーサーバーの依存。
type Options struct {
	// Port はリッスンポート。
	Port string
	// Store はユーザーの永続化先。
	Store UserRepository
	// Codec はトークンの発行・検証器。
	Codec *token.Codec
	// Albums はアルバムサービスのクライアント。
	Albums *AlbumClient
	// Logger はロガー。nilなら出力しない。
	Logger *zap.Logger
	// Metrics はメトリクス。nilなら専用のレジストリで生成する。
	Metrics *metrics.Metrics
	// LoginPath はログインのパス。空ならDefaultLoginPath。
	LoginPath string
	// BcryptCost はパスワードハッシュのコスト。0ならbcrypt.DefaultCost。
	BcryptCost int
}

// Server はユーザーサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はユーザーの永続化先。
	store UserRepository
	// codec はトークンの発行・検証器。
	codec *token.Codec
	// albums はアルバムサービスのクライアント。
	albums *AlbumClient
	log        *zap.Logger
	metrics    *metrics.Metrics
	loginPath  string
	bcryptCost int
}

// NewServer は新しいユーザーサーバーを生成する。
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Codec == nil || opts.Albums == nil {
		return nil, errors.New("store・codec・albumsは必須です")
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
		loginPath = DefaultLoginPath
	}
	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log))
	router.Use(m.GinMiddleware("users"))
	router.Use(middleware.ServiceAuth(middleware.ServiceAuthConfig{
		Codec:       opts.Codec,
		ExemptPaths: []string{loginPath, "/health", "/metrics", "/users/status/check"},
	}, middleware.WithLogger(log), middleware.WithMetrics(m)))

	s := &Server{
		router:     router,
		port:       opts.Port,
		store:      opts.Store,
		codec:      opts.Codec,
		albums:     opts.Albums,
		log:        log,
		metrics:    m,
		loginPath:  loginPath,
		bcryptCost: cost,
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
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "users"})
	})
	s.router.GET("/metrics", s.metrics.GinHandler())

	// 認証不要
	s.router.GET("/users/status/check", s.handleStatusCheck())
	s.router.POST("/users", s.handleRegister())
	s.router.POST(s.loginPath, s.handleLogin())
	s.router.GET("/users/validate/:id", s.handleValidate())

	protected := s.router.Group("/users")
	protected.Use(middleware.RequireIdentity())
	{
		protected.GET("", s.handleList())
		protected.GET("/:id", s.handleGetDetail())
		protected.GET("/:id/albums", s.handleListAlbums())
		protected.DELETE("/:id", s.handleDelete())
	}
}

// registerRequest はユーザー登録リクエストのJSON構造。
type registerRequest struct {
	Firstname string `json:"firstname" binding:"required,min=2,max=100"`
	Lastname  string `json:"lastname" binding:"required,min=2,max=100"`
	Password  string `json:"password" binding:"required,min=8,max=16"`
	Email     string `json:"email" binding:"required,email,min=5,max=150"`
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// userResponse はユーザーのJSONレスポンス構造。パスワードは含めない。
type userResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// userDetailResponse はアルバム一覧を含むユーザー詳細のJSONレスポンス構造。
type userDetailResponse struct {
	userResponse
	Albums []Album `json:"albums"`
}

func toUserResponse(u User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Firstname: u.Firstname, Lastname: u.Lastname}
}

// handleStatusCheck は稼働確認の文字列を返すハンドラを返す。
func (s *Server) handleStatusCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, "Users Service is running on port %s", s.port)
	}
}

// handleRegister はユーザー登録を処理するハンドラを返す。
// パスワードはbcryptでハッシュ化して保存する。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		ctx := c.Request.Context()
		if _, err := s.store.FindByEmail(ctx, req.Email); err == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "このメールアドレスは既に登録されています"})
			return
		} else if !errors.Is(err, ErrUserNotFound) {
			s.internalError(c, "ユーザーの確認に失敗しました", err)
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
		if err != nil {
			s.internalError(c, "パスワードのハッシュ化に失敗しました", err)
			return
		}

		created, err := s.store.Save(ctx, User{
			Email:             req.Email,
			Firstname:         req.Firstname,
			Lastname:          req.Lastname,
			EncryptedPassword: string(hash),
		})
		if errors.Is(err, ErrEmailAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "このメールアドレスは既に登録されています"})
			return
		}
		if err != nil {
			s.internalError(c, "ユーザーの作成に失敗しました", err)
			return
		}

		c.JSON(http.StatusCreated, toUserResponse(created))
	}
}

// handleLogin はログインを処理し、トークンを発行するハンドラを返す。
// トークンはjwt-tokenヘッダーとレスポンスボディの両方で返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		u, err := s.store.FindByEmail(c.Request.Context(), req.Email)
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if err != nil {
			s.internalError(c, "ユーザーの取得に失敗しました", err)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.EncryptedPassword), []byte(req.Password)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		tok, err := s.codec.Issue(token.Claims{
			Subject:   u.Email,
			UserID:    u.ID,
			Firstname: u.Firstname,
			Lastname:  u.Lastname,
		})
		if err != nil {
			s.internalError(c, "トークンの発行に失敗しました", err)
			return
		}

		s.log.Info("トークンを発行しました", zap.Int64("user_id", u.ID))
		c.Header("jwt-token", tok)
		c.JSON(http.StatusOK, gin.H{"token": tok, "userId": u.ID})
	}
}

// handleValidate はリモート検証の問い合わせに答えるハンドラを返す。
// トークンが有効で、そのsubjectが指定IDのユーザーのメールアドレスと一致する場合のみ200を返す。
// それ以外はすべて401を返す。
func (s *Server) handleValidate() gin.HandlerFunc {
	return func(c *gin.Context) {
		unauthorized := func(reason string) {
			s.metrics.IncAuthDecision("validate", "rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": reason})
		}

		raw, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || raw == "" {
			unauthorized("no authorization header")
			return
		}
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			unauthorized("invalid user id")
			return
		}

		claims, err := s.codec.Verify(raw)
		if err != nil {
			unauthorized("invalid token: " + err.Error())
			return
		}
		u, err := s.store.FindByID(c.Request.Context(), id)
		if err != nil {
			if !errors.Is(err, ErrUserNotFound) {
				s.log.Error("リモート検証でユーザーの取得に失敗", zap.Int64("user_id", id), zap.Error(err))
			}
			unauthorized("unknown user")
			return
		}
		if claims.Subject != u.Email {
			unauthorized("subject mismatch")
			return
		}

		s.metrics.IncAuthDecision("validate", "accepted")
		c.JSON(http.StatusOK, token.Identity{Subject: u.Email, UserID: u.ID, Roles: claims.Identity().Roles})
	}
}

// handleList はユーザー一覧を返すハンドラを返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := s.store.FindAll(c.Request.Context())
		if err != nil {
			s.internalError(c, "ユーザー一覧の取得に失敗しました", err)
			return
		}
		responses := make([]userResponse, 0, len(users))
		for _, u := range users {
			responses = append(responses, toUserResponse(u))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleGetDetail はアルバム一覧を含むユーザー詳細を返すハンドラを返す。
// アルバムサービスの障害時はフォールバックのレコードを含めて200を返す。
func (s *Server) handleGetDetail() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}

		u, err := s.store.FindByID(c.Request.Context(), id)
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, "ユーザーの取得に失敗しました", err)
			return
		}

		albums, err := s.albums.ListByUser(c.Request.Context(), c.GetHeader("Authorization"), id)
		if err != nil {
			s.peerError(c, err)
			return
		}

		c.JSON(http.StatusOK, userDetailResponse{userResponse: toUserResponse(u), Albums: albums})
	}
}

// handleListAlbums はユーザーのアルバム一覧をアルバムサービスから取得して返すハンドラを返す。
func (s *Server) handleListAlbums() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		albums, err := s.albums.ListByUser(c.Request.Context(), c.GetHeader("Authorization"), id)
		if err != nil {
			s.peerError(c, err)
			return
		}
		c.JSON(http.StatusOK, albums)
	}
}

// handleDelete はユーザーを削除するハンドラを返す。本人のみ削除できる。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		caller, _ := middleware.GetIdentity(c)
		if caller.UserID != id {
			c.JSON(http.StatusForbidden, gin.H{"error": "このユーザーを削除する権限がありません"})
			return
		}

		err := s.store.Delete(c.Request.Context(), id)
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, "ユーザーの削除に失敗しました", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "ユーザーを削除しました"})
	}
}

// parseID はパスパラメータのIDを取り出す。不正な場合は400を書き込んでfalseを返す。
func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "IDが不正です"})
		return 0, false
	}
	return id, true
}

// peerError はアルバムサービス呼び出しのエラーをレスポンスに変換する。
func (s *Server) peerError(c *gin.Context, err error) {
	if kind, ok := httpclient.KindOf(err); ok {
		c.JSON(kind.HTTPStatus(), gin.H{"error": fmt.Sprintf("album service call failed: %s", kind)})
		return
	}
	// 呼び出し元の切断など
	logger.From(c.Request.Context()).Debug("アルバムサービスの呼び出しが中断されました", zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	logger.From(c.Request.Context()).Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
