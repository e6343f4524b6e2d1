package album

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/photoapp/pkg/logger"
	"github.com/nao1215/photoapp/pkg/metrics"
	"github.com/nao1215/photoapp/pkg/middleware"
	"github.com/nao1215/photoapp/pkg/token"
)

// Options はアルバムサーバーの依存。
type Options struct {
	// Port はリッスンポート。
	Port string
	// Store はアルバムの永続化先。
	Store AlbumRepository
	// Codec は署名鍵を持つ場合のローカル検証器。nilならValidatorを使う。
	Codec *token.Codec
	// Validator は署名鍵を持たない場合のリモート検証器。
	Validator middleware.RemoteValidator
	// Logger はロガー。nilなら出力しない。
	Logger *zap.Logger
	// Metrics はメトリクス。nilなら専用のレジストリで生成する。
	Metrics *metrics.Metrics
}

// Server はアルバムサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はアルバムの永続化先。
	store   AlbumRepository
	metrics *metrics.Metrics
}

// NewServer は新しいアルバムサーバーを生成する。
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("storeは必須です")
	}
	if opts.Codec == nil && opts.Validator == nil {
		return nil, errors.New("トークンの検証にはcodecかvalidatorが必要です")
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

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log))
	router.Use(m.GinMiddleware("album"))
	router.Use(middleware.ServiceAuth(middleware.ServiceAuthConfig{
		Codec:       opts.Codec,
		Validator:   opts.Validator,
		ExemptPaths: []string{"/health", "/metrics"},
	}, middleware.WithLogger(log), middleware.WithMetrics(m)))

	s := &Server{
		router:  router,
		port:    opts.Port,
		store:   opts.Store,
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
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "album"})
	})
	s.router.GET("/metrics", s.metrics.GinHandler())

	api := s.router.Group("")
	api.Use(middleware.RequireIdentity())
	{
		// ユーザーのアルバム一覧取得
		api.GET("/users/:id/albums", s.handleListByUser())
		// アルバム作成
		api.POST("/users/:id/albums", s.handleCreate())
		// アルバム詳細取得
		api.GET("/albums/:id", s.handleGetByID())
		// アルバム削除
		api.DELETE("/albums/:id", s.handleDelete())
	}
}

// createAlbumRequest はアルバム作成リクエストのJSON構造。
type createAlbumRequest struct {
	// Name はアルバム名。
	Name string `json:"name" binding:"required,min=2,max=200"`
	// Description はアルバムの説明。
	Description string `json:"description"`
}

// albumResponse はアルバムのJSONレスポンス構造。
type albumResponse struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"userId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func toAlbumResponse(a Album) albumResponse {
	return albumResponse{ID: a.ID, UserID: a.UserID, Name: a.Name, Description: a.Description}
}

// handleListByUser はユーザーのアルバム一覧を返すハンドラを返す。
func (s *Server) handleListByUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := parseID(c)
		if !ok {
			return
		}

		albums, err := s.store.FindAllByUserID(c.Request.Context(), userID)
		if err != nil {
			internalError(c, "アルバム一覧の取得に失敗しました", err)
			return
		}

		responses := make([]albumResponse, 0, len(albums))
		for _, a := range albums {
			responses = append(responses, toAlbumResponse(a))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleCreate はアルバム作成を処理するハンドラを返す。
// 呼び出し元自身のユーザーID以外には作成できない。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := parseID(c)
		if !ok {
			return
		}
		caller, _ := middleware.GetIdentity(c)
		if caller.UserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "他のユーザーのアルバムは作成できません"})
			return
		}

		var req createAlbumRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		created, err := s.store.Save(c.Request.Context(), Album{
			UserID:      userID,
			Name:        req.Name,
			Description: req.Description,
		})
		if err != nil {
			internalError(c, "アルバムの作成に失敗しました", err)
			return
		}

		c.JSON(http.StatusCreated, toAlbumResponse(created))
	}
}

// handleGetByID はアルバム詳細取得を処理するハンドラを返す。
func (s *Server) handleGetByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}

		a, err := s.store.FindByID(c.Request.Context(), id)
		if errors.Is(err, ErrAlbumNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "アルバムが見つかりません"})
			return
		}
		if err != nil {
			internalError(c, "アルバムの取得に失敗しました", err)
			return
		}

		c.JSON(http.StatusOK, toAlbumResponse(a))
	}
}

// handleDelete はアルバム削除を処理するハンドラを返す。
// 所有者以外は削除できない。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}

		// アルバムの存在確認と所有者チェック
		a, err := s.store.FindByID(c.Request.Context(), id)
		if errors.Is(err, ErrAlbumNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "アルバムが見つかりません"})
			return
		}
		if err != nil {
			internalError(c, "アルバムの取得に失敗しました", err)
			return
		}
		caller, _ := middleware.GetIdentity(c)
		if a.UserID != caller.UserID {
			c.JSON(http.StatusForbidden, gin.H{"error": "このアルバムへのアクセス権がありません"})
			return
		}

		if err := s.store.Delete(c.Request.Context(), id); err != nil && !errors.Is(err, ErrAlbumNotFound) {
			internalError(c, "アルバムの削除に失敗しました", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "アルバムを削除しました"})
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

func internalError(c *gin.Context, msg string, err error) {
	logger.From(c.Request.Context()).Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
