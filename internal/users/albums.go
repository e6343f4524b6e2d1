package users

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nao1215/photoapp/pkg/httpclient"
)

// Album はアルバムサービスが返すアルバムのレコード。
type Album struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"userId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// フォールバックのレコードの内容。
const (
	FallbackAlbumID          int64 = -1
	FallbackAlbumName              = "albums unavailable"
	FallbackAlbumDescription       = "service temporarily unavailable"
)

// FallbackAlbums はアルバムサービスが利用できないときに返す1件のレコード。
func FallbackAlbums(userID int64) []Album {
	return []Album{{
		ID:          FallbackAlbumID,
		UserID:      userID,
		Name:        FallbackAlbumName,
		Description: FallbackAlbumDescription,
	}}
}

// AlbumClient はアルバムサービスへの保護された呼び出しを行う。
type AlbumClient struct {
	resilient *httpclient.Resilient
}

// NewAlbumClient は新しいAlbumClientを生成する。
func NewAlbumClient(r *httpclient.Resilient) *AlbumClient {
	return &AlbumClient{resilient: r}
}

// ListByUser はユーザーのアルバム一覧を取得する。
// authorizationは呼び出し元から受け取ったAuthorizationヘッダーの値で、そのまま転送する。
// アルバムサービスの障害時はFallbackAlbumsを成功として返す。
// 400・401・403・404はエラーとして返す。
func (c *AlbumClient) ListByUser(ctx context.Context, authorization string, userID int64) ([]Album, error) {
	header := http.Header{}
	if authorization != "" {
		header.Set("Authorization", authorization)
	}
	albums, err := httpclient.Call(ctx, c.resilient, httpclient.Request{
		Method:     http.MethodGet,
		Path:       "/users/" + strconv.FormatInt(userID, 10) + "/albums",
		Header:     header,
		Idempotent: true,
	}, func(error) []Album {
		return FallbackAlbums(userID)
	})
	if err != nil {
		return nil, err
	}
	if albums == nil {
		albums = []Album{}
	}
	return albums, nil
}
