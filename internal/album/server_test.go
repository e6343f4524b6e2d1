package album

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/photoapp/pkg/authcache"
	"github.com/nao1215/photoapp/pkg/breaker"
	"github.com/nao1215/photoapp/pkg/httpclient"
	"github.com/nao1215/photoapp/pkg/metrics"
	"github.com/nao1215/photoapp/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSecret = base64.StdEncoding.EncodeToString([]byte("album-service-test-secret-0123456789abcdef"))

// newTestCodec はテスト用のCodecを生成する。
func newTestCodec(t *testing.T) *token.Codec {
	t.Helper()
	codec, err := token.NewCodec(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("Codecの生成に失敗: %v", err)
	}
	return codec
}

// issueTestToken は指定ユーザーのトークンを発行する。
func issueTestToken(t *testing.T, codec *token.Codec, userID int64) string {
	t.Helper()
	tok, err := codec.Issue(token.Claims{Subject: "user" + strconv.FormatInt(userID, 10) + "@example.com", UserID: userID})
	if err != nil {
		t.Fatalf("トークンの発行に失敗: %v", err)
	}
	return tok
}

// setupTestServer は署名鍵によるローカル検証でアルバムサーバーを構築する。
func setupTestServer(t *testing.T) (*Server, *Store, *token.Codec) {
	t.Helper()

	codec := newTestCodec(t)
	store := newTestStore(t)
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("メトリクスの生成に失敗: %v", err)
	}
	s, err := NewServer(Options{Port: "8082", Store: store, Codec: codec, Metrics: m})
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	return s, store, codec
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(s *Server, method, path, bearer string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// parseJSONArray はレスポンスボディをスライスにデコードするヘルパー関数。
func parseJSONArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var result []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSON配列のデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// TestHealthCheck はヘルスチェックエンドポイントが認証なしで応答することを検証する。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	s, _, _ := setupTestServer(t)
	w := doRequest(s, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	result := parseJSON(t, w)
	if result["status"] != "ok" || result["service"] != "album" {
		t.Errorf("body = %v", result)
	}
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(Options{Store: newTestStore(t)}); err == nil {
		t.Error("検証手段がない場合はエラーになるべき")
	}
}

// TestHandleCreate はアルバム作成ハンドラのテスト。
func TestHandleCreate(t *testing.T) {
	t.Parallel()

	t.Run("自分のユーザーIDにアルバムを作成できること", func(t *testing.T) {
		t.Parallel()
		s, _, codec := setupTestServer(t)

		body := map[string]string{"name": "旅行の写真", "description": "2024年の旅行写真集"}
		w := doRequest(s, http.MethodPost, "/users/1/albums", issueTestToken(t, codec, 1), body)

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}
		result := parseJSON(t, w)
		if result["name"] != "旅行の写真" {
			t.Errorf("name: got %v, want 旅行の写真", result["name"])
		}
		if result["userId"] != float64(1) {
			t.Errorf("userId: got %v, want 1", result["userId"])
		}
		if id, ok := result["id"].(float64); !ok || id <= 0 {
			t.Errorf("id: got %v", result["id"])
		}
	})

	t.Run("他人のユーザーIDにはForbiddenになること", func(t *testing.T) {
		t.Parallel()
		s, store, codec := setupTestServer(t)

		w := doRequest(s, http.MethodPost, "/users/2/albums", issueTestToken(t, codec, 1), map[string]string{"name": "intrusion"})
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
		albums, _ := store.FindAllByUserID(t.Context(), 2)
		if len(albums) != 0 {
			t.Errorf("他人のアルバムが作成された: %v", albums)
		}
	})

	t.Run("名前が未指定の場合はBadRequestになること", func(t *testing.T) {
		t.Parallel()
		s, _, codec := setupTestServer(t)

		w := doRequest(s, http.MethodPost, "/users/1/albums", issueTestToken(t, codec, 1), map[string]string{"description": "説明のみ"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("トークンがない場合はUnauthorizedになること", func(t *testing.T) {
		t.Parallel()
		s, _, _ := setupTestServer(t)

		w := doRequest(s, http.MethodPost, "/users/1/albums", "", map[string]string{"name": "trip"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleListByUser はユーザーのアルバム一覧取得ハンドラのテスト。
func TestHandleListByUser(t *testing.T) {
	t.Parallel()

	s, store, codec := setupTestServer(t)
	for _, a := range []Album{{UserID: 1, Name: "a1"}, {UserID: 1, Name: "a2"}, {UserID: 2, Name: "b1"}} {
		if _, err := store.Save(t.Context(), a); err != nil {
			t.Fatalf("テスト用アルバムの作成に失敗: %v", err)
		}
	}

	w := doRequest(s, http.MethodGet, "/users/1/albums", issueTestToken(t, codec, 2), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	list := parseJSONArray(t, w)
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	for _, a := range list {
		if a["userId"] != float64(1) {
			t.Errorf("userId: got %v, want 1", a["userId"])
		}
	}

	w = doRequest(s, http.MethodGet, "/users/3/albums", issueTestToken(t, codec, 3), nil)
	if w.Code != http.StatusOK || w.Body.String() != "[]" {
		t.Errorf("空の一覧: status=%d body=%s, want 200 []", w.Code, w.Body.String())
	}
}

// TestHandleGetAndDelete はアルバム詳細取得と削除のテスト。
func TestHandleGetAndDelete(t *testing.T) {
	t.Parallel()

	s, store, codec := setupTestServer(t)
	a, err := store.Save(t.Context(), Album{UserID: 1, Name: "mine"})
	if err != nil {
		t.Fatalf("テスト用アルバムの作成に失敗: %v", err)
	}
	path := "/albums/" + strconv.FormatInt(a.ID, 10)
	owner := issueTestToken(t, codec, 1)
	other := issueTestToken(t, codec, 2)

	if w := doRequest(s, http.MethodGet, path, owner, nil); w.Code != http.StatusOK {
		t.Errorf("詳細取得: ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if w := doRequest(s, http.MethodGet, "/albums/9999", owner, nil); w.Code != http.StatusNotFound {
		t.Errorf("存在しないアルバム: ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := doRequest(s, http.MethodGet, "/albums/abc", owner, nil); w.Code != http.StatusBadRequest {
		t.Errorf("不正なID: ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := doRequest(s, http.MethodDelete, path, other, nil); w.Code != http.StatusForbidden {
		t.Errorf("他人による削除: ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
	}
	if w := doRequest(s, http.MethodDelete, path, owner, nil); w.Code != http.StatusOK {
		t.Errorf("所有者による削除: ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if w := doRequest(s, http.MethodGet, path, owner, nil); w.Code != http.StatusNotFound {
		t.Errorf("削除後: ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
	}
}

// TestRemoteValidation は署名鍵を持たないアルバムサービスがユーザーサービスに検証を委ねることを検証する。
func TestRemoteValidation(t *testing.T) {
	t.Parallel()

	// ユーザーサービスの署名鍵で発行したトークン
	usersCodec := newTestCodec(t)
	tok := issueTestToken(t, usersCodec, 7)

	var hits atomic.Int32
	users := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/users/validate/7" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		claims, err := usersCodec.Verify(r.Header.Get("Authorization")[len("Bearer "):])
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(claims.Identity())
	}))
	t.Cleanup(users.Close)

	resilient := httpclient.NewResilient(httpclient.ResilientConfig{
		Client:  httpclient.New(users.URL, httpclient.WithTarget("users")),
		Breaker: breaker.New("users", breaker.Config{}),
	})
	validator := NewUsersValidator(ValidatorConfig{
		Resilient: resilient,
		Cache:     authcache.NewMemory(time.Minute),
		CacheTTL:  time.Minute,
	})
	s, err := NewServer(Options{Store: newTestStore(t), Validator: validator})
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}

	for range 3 {
		w := doRequest(s, http.MethodPost, "/users/7/albums", tok, map[string]string{"name": "remote"})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("ユーザーサービスへの問い合わせ回数 = %d, want 1", got)
	}

	// 別の鍵で署名されたトークンはユーザーサービスが拒否する
	forged, err := token.Issue(token.Claims{Subject: "user7@example.com", UserID: 7},
		base64.StdEncoding.EncodeToString([]byte("another-secret-another-secret-another")), time.Hour)
	if err != nil {
		t.Fatalf("トークンの発行に失敗: %v", err)
	}
	w := doRequest(s, http.MethodPost, "/users/7/albums", forged, map[string]string{"name": "forged"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("偽造トークン: ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
