package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretBytes はデコード後の署名鍵に要求する最小バイト数。
const MinSecretBytes = 32

// 検証失敗の種別。Verifyはこのいずれかをそのまま返す。
var (
	// ErrMalformed はトークンの構文が不正であることを表す。
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid は署名（またはアルゴリズム）が一致しないことを表す。
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrExpired はトークンの有効期限が切れていることを表す。
	ErrExpired = errors.New("token expired")
	// ErrInvalidSecret は署名鍵の設定が不正であることを表す。
	ErrInvalidSecret = errors.New("invalid token secret")
)

// Claims はトークンに格納される利用者情報。発行後は変更されない。
type Claims struct {
	// Subject は利用者のメールアドレス。同一性の判定キーとして使う。
	Subject string
	// UserID は利用者の数値ID。
	UserID int64
	// Firstname は利用者の名。
	Firstname string
	// Lastname は利用者の姓。
	Lastname string
	// Roles は利用者のロール。空でもよい。
	Roles []string
	// IssuedAt は発行時刻（秒精度）。
	IssuedAt time.Time
	// ExpiresAt は有効期限（秒精度）。この時刻以降は失効している。
	ExpiresAt time.Time
}

// wireClaims はJWTペイロードのJSON表現。
type wireClaims struct {
	jwt.RegisteredClaims
	UserID    int64    `json:"userId"`
	Email     string   `json:"email"`
	Firstname string   `json:"firstname"`
	Lastname  string   `json:"lastname"`
	Roles     []string `json:"roles"`
}

// Codec はデコード済みの署名鍵と有効期間を保持するトークンの発行・検証器。
// 状態を変更しないため、複数のgoroutineから同時に使用できる。
type Codec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Option はCodecの生成オプション。
type Option func(*Codec)

// WithClock は現在時刻の取得関数を差し替える。テストで時刻を固定するために使う。
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec はbase64エンコードされた秘密鍵と有効期間からCodecを生成する。
// ttlに0を指定すると発行直後に失効するトークンになる。
func NewCodec(secret string, ttl time.Duration, opts ...Option) (*Codec, error) {
	key, err := DecodeSecret(secret)
	if err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, fmt.Errorf("有効期間が負の値です: %s", ttl)
	}

	c := &Codec{key: key, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DecodeSecret はbase64文字列の秘密鍵をデコードし、長さを検証する。
func DecodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: 秘密鍵が空です", ErrInvalidSecret)
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: base64のデコードに失敗: %v", ErrInvalidSecret, err)
	}
	if len(key) < MinSecretBytes {
		return nil, fmt.Errorf("%w: 鍵長が%dバイト未満です", ErrInvalidSecret, MinSecretBytes)
	}
	return key, nil
}

// TTL はこのCodecが発行するトークンの有効期間を返す。
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue はクレームに署名してトークン文字列を返す。
// IssuedAtとExpiresAtは引数の値を無視し、現在時刻と有効期間から設定する。
func (c *Codec) Issue(claims Claims) (string, error) {
	if claims.Subject == "" {
		return "", errors.New("subjectが空のトークンは発行できません")
	}

	now := c.now()
	roles := claims.Roles
	if roles == nil {
		roles = []string{}
	}

	wc := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		UserID:    claims.UserID,
		Email:     claims.Subject,
		Firstname: claims.Firstname,
		Lastname:  claims.Lastname,
		Roles:     roles,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, wc).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Verify はトークンを検証してクレームを返す。
// 失敗時はErrMalformed、ErrSignatureInvalid、ErrExpiredのいずれかを返す。
func (c *Codec) Verify(tokenString string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
	)

	wc := &wireClaims{}
	_, err := parser.ParseWithClaims(tokenString, wc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return c.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) && onlySignatureUnreadable(tokenString) {
			return Claims{}, ErrSignatureInvalid
		}
		return Claims{}, classify(err)
	}
	if wc.Subject == "" {
		return Claims{}, ErrMalformed
	}
	return wc.toClaims(), nil
}

// classify はjwtライブラリのエラーを検証失敗の種別に変換する。
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrMalformed
	}
}

// onlySignatureUnreadable はヘッダーとペイロードは読めるが、署名部がデコードできないトークンかを判定する。
// 署名部の改ざんはどの文字に変わっても署名不正として扱う。
func onlySignatureUnreadable(tokenString string) bool {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return false
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var h map[string]any
	if err := json.Unmarshal(header, &h); err != nil {
		return false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	var wc wireClaims
	if err := json.Unmarshal(payload, &wc); err != nil {
		return false
	}
	_, err = base64.RawURLEncoding.Strict().DecodeString(parts[2])
	return err != nil
}

func (wc *wireClaims) toClaims() Claims {
	c := Claims{
		Subject:   wc.Subject,
		UserID:    wc.UserID,
		Firstname: wc.Firstname,
		Lastname:  wc.Lastname,
		Roles:     wc.Roles,
	}
	if wc.IssuedAt != nil {
		c.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		c.ExpiresAt = wc.ExpiresAt.Time
	}
	if c.Roles == nil {
		c.Roles = []string{}
	}
	return c
}

// Peek は署名も有効期限も検証せずにペイロードのクレームを読み出す。
// 戻り値は所有サービスへの問い合わせやキャッシュ期間の算出にだけ使い、信頼してはならない。
func Peek(tokenString string) (Claims, error) {
	wc := &wireClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, wc); err != nil {
		return Claims{}, ErrMalformed
	}
	return wc.toClaims(), nil
}

// PeekUserID は署名を検証せずにペイロードからuserIdを読み出す。
func PeekUserID(tokenString string) (int64, error) {
	c, err := Peek(tokenString)
	if err != nil {
		return 0, err
	}
	return c.UserID, nil
}

// Issue は秘密鍵と有効期間を指定してトークンを発行する。
func Issue(claims Claims, secret string, ttl time.Duration) (string, error) {
	c, err := NewCodec(secret, ttl)
	if err != nil {
		return "", err
	}
	return c.Issue(claims)
}

// Verify は秘密鍵を指定してトークンを検証する。
func Verify(tokenString, secret string) (Claims, error) {
	c, err := NewCodec(secret, 0)
	if err != nil {
		return Claims{}, err
	}
	return c.Verify(tokenString)
}

// Identity は認証済みの呼び出し元。リクエストの処理中だけ存在し、永続化しない。
type Identity struct {
	// Subject は利用者のメールアドレス。
	Subject string `json:"subject"`
	// UserID は利用者の数値ID。
	UserID int64 `json:"userId"`
	// Roles は利用者のロール。
	Roles []string `json:"roles"`
}

// Identity はクレームから呼び出し元の情報を取り出す。
func (c Claims) Identity() Identity {
	roles := c.Roles
	if roles == nil {
		roles = []string{}
	}
	return Identity{Subject: c.Subject, UserID: c.UserID, Roles: roles}
}
