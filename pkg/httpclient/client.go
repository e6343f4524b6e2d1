package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultConnectTimeout は接続確立のタイムアウトの既定値。
	DefaultConnectTimeout = 2 * time.Second
	// DefaultReadTimeout は応答待ちのタイムアウトの既定値。
	DefaultReadTimeout = 5 * time.Second
)

// Client はサービス間通信用のHTTPクライアント。
// 接続と応答待ちのタイムアウトを持ち、1回の送信はその合計時間で打ち切る。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// target はエラーやメトリクスに使う接続先サービス名。
	target string
	// attemptTimeout は1回の送信に許す最大時間。
	attemptTimeout time.Duration
}

// Option はClientの生成オプション。
type Option func(*clientOptions)

type clientOptions struct {
	target         string
	connectTimeout time.Duration
	readTimeout    time.Duration
	transport      http.RoundTripper
}

// WithTarget は接続先サービス名を設定する。
func WithTarget(name string) Option {
	return func(o *clientOptions) { o.target = name }
}

// WithTimeouts は接続確立と応答待ちのタイムアウトを設定する。0以下の値は既定値を使う。
func WithTimeouts(connect, read time.Duration) Option {
	return func(o *clientOptions) {
		if connect > 0 {
			o.connectTimeout = connect
		}
		if read > 0 {
			o.readTimeout = read
		}
	}
}

// WithTransport は内部のRoundTripperを差し替える。タイムアウトの設定は上書きされない。
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.transport = rt }
}

// New は新しいサービス間通信用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://album:8082"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	o := clientOptions{
		target:         baseURL,
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	transport := o.transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   o.connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: o.readTimeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	return &Client{
		httpClient:     &http.Client{Transport: transport},
		baseURL:        baseURL,
		target:         o.target,
		attemptTimeout: o.connectTimeout + o.readTimeout,
	}
}

// Target は接続先サービス名を返す。
func (c *Client) Target() string {
	return c.target
}

// Request は1回の論理的な呼び出しの内容。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// Path はベースURLからの相対パス。クエリ文字列を含んでよい。
	Path string
	// Header は追加で送信するヘッダー。
	Header http.Header
	// Body はJSONにシリアライズして送信するボディ。nilなら送信しない。
	Body any
	// Idempotent は再試行しても副作用が重複しない呼び出しかどうか。
	Idempotent bool
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, result)
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Idempotent: true}, result)
}

// Do はリクエストを1回だけ送信する。
// 2xx以外の応答と送信エラーは*ServiceErrorとして返す。
// 呼び出し元のコンテキストが終了した場合はそのエラーをそのまま返す。
func (c *Client) Do(ctx context.Context, r Request, result any) error {
	var bodyReader io.Reader
	if r.Body != nil {
		jsonBody, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	attemptCtx := ctx
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, r.Method, c.baseURL+r.Path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	// コンテキストからリクエストIDを伝播する
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok && req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		kind, retryable := translateTransport(err)
		return &ServiceError{Target: c.target, Kind: kind, Retryable: retryable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind, retryable := Translate(resp.StatusCode)
		return &ServiceError{
			Target:    c.target,
			Kind:      kind,
			Retryable: retryable,
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("HTTPエラー: body=%s", string(respBody)),
		}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &ServiceError{
				Target: c.target,
				Kind:   KindUnknown,
				Status: resp.StatusCode,
				Err:    fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err),
			}
		}
	}
	return nil
}

// HeaderRequestID はリクエストIDを伝播するHTTPヘッダーキー。
const HeaderRequestID = "X-Request-ID"

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
const contextKeyRequestID contextKey = "request_id"

// WithRequestID はコンテキストにリクエストIDを設定する。
// サービス間通信時にリクエストIDを伝播するために使用する。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
