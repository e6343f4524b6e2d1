package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// サービス名。
const (
	ServiceGateway = "gateway"
	ServiceUsers   = "users"
	ServiceAlbum   = "album"
)

// defaultPorts はサービスごとの既定ポート。
var defaultPorts = map[string]string{
	ServiceGateway: "8080",
	ServiceUsers:   "8081",
	ServiceAlbum:   "8082",
}

// Config はサービスの実行時設定。
type Config struct {
	// Service はサービス名。
	Service string
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// Log はロガーの設定。
	Log LogConfig
	// Token はトークンの設定。
	Token TokenConfig
	// DBPath はSQLiteデータベースファイルのパス。
	DBPath string
	// Peers は接続先サービスのURL。
	Peers PeerConfig
	// Client はサービス間呼び出しの設定。
	Client ClientConfig
	// Breaker はサーキットブレーカーの設定。
	Breaker BreakerConfig
	// IdentityCache は検証済み利用者情報のキャッシュ設定。
	IdentityCache IdentityCacheConfig
	// Redis はRedisの接続設定。
	Redis RedisConfig
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string
}

// LogConfig はロガーの設定。
type LogConfig struct {
	Env   string
	Level string
}

// TokenConfig はトークンの設定。
type TokenConfig struct {
	// Secret はbase64エンコードされた署名鍵。空の場合はローカル検証を行わない。
	Secret string
	// TTL はトークンの有効期間。
	TTL time.Duration
	// LoginPath は認証不要のログインパス。
	LoginPath string
}

// PeerConfig は接続先サービスのベースURL。
type PeerConfig struct {
	UsersURL string
	AlbumURL string
}

// ClientConfig はサービス間呼び出しのタイムアウトとリトライ回数。
type ClientConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     int
}

// BreakerConfig はサーキットブレーカーの設定。
type BreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
}

// IdentityCacheConfig は利用者情報キャッシュの設定。
type IdentityCacheConfig struct {
	// Backend は "memory"、"redis"、"none" のいずれか。
	Backend string
	// TTL はキャッシュの最大保持期間。
	TTL time.Duration
}

// RedisConfig はRedisの接続設定。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load はカレントディレクトリの .env を読み込んだ後、環境変数から設定を組み立てる。
func Load(service string) (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(service, os.Getenv)
}

// FromEnv は指定された参照関数から設定を組み立てる。
// 数値や期間の値が不正な場合は既定値を使う。
func FromEnv(service string, getenv func(string) string) (*Config, error) {
	if _, ok := defaultPorts[service]; !ok {
		return nil, fmt.Errorf("未知のサービス名です: %q", service)
	}
	e := env(getenv)

	cfg := &Config{
		Service: service,
		Port:    e.str("PORT", defaultPorts[service]),
		Log: LogConfig{
			Env:   e.str("APP_ENV", "dev"),
			Level: e.str("LOG_LEVEL", "info"),
		},
		Token: TokenConfig{
			Secret:    e.str("TOKEN_SECRET", ""),
			TTL:       time.Duration(e.integer("TOKEN_EXPIRATION_SECONDS", 86400)) * time.Second,
			LoginPath: e.str("LOGIN_PATH", "/users/login"),
		},
		DBPath: e.str("DB_PATH", "/data/"+service+".db"),
		Peers: PeerConfig{
			UsersURL: strings.TrimRight(e.str("USERS_URL", "http://localhost:8081"), "/"),
			AlbumURL: strings.TrimRight(e.str("ALBUM_URL", "http://localhost:8082"), "/"),
		},
		Client: ClientConfig{
			ConnectTimeout: e.duration("CLIENT_CONNECT_TIMEOUT", 2*time.Second),
			ReadTimeout:    e.duration("CLIENT_READ_TIMEOUT", 5*time.Second),
			MaxRetries:     e.integer("CLIENT_MAX_RETRIES", 2),
		},
		Breaker: BreakerConfig{
			FailureThreshold: e.integer("BREAKER_FAILURE_THRESHOLD", 3),
			CoolDown:         e.duration("BREAKER_COOLDOWN", 10*time.Second),
		},
		IdentityCache: IdentityCacheConfig{
			Backend: strings.ToLower(e.str("IDENTITY_CACHE", "memory")),
			TTL:     e.duration("IDENTITY_CACHE_TTL", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:     e.str("REDIS_ADDR", "127.0.0.1:6379"),
			Password: e.str("REDIS_PASSWORD", ""),
			DB:       e.integer("REDIS_DB", 0),
		},
		FrontendURL: e.str("FRONTEND_URL", "http://localhost:3000"),
	}

	if cfg.Token.TTL < 0 {
		return nil, fmt.Errorf("TOKEN_EXPIRATION_SECONDS が負の値です")
	}
	switch cfg.IdentityCache.Backend {
	case "memory", "redis", "none":
	default:
		return nil, fmt.Errorf("IDENTITY_CACHE の値が不正です: %q", cfg.IdentityCache.Backend)
	}
	return cfg, nil
}

// env は環境変数の参照関数に型変換を付けたもの。
type env func(string) string

func (e env) str(key, fallback string) string {
	if v := strings.TrimSpace(e(key)); v != "" {
		return v
	}
	return fallback
}

func (e env) integer(key string, fallback int) int {
	v, err := strconv.Atoi(e.str(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// duration は "5s" 形式のほか、単位なしの整数をミリ秒として受け付ける。
func (e env) duration(key string, fallback time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
