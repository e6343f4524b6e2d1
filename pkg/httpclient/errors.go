package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind はサービス間呼び出しの失敗種別。
type ErrorKind int

const (
	// KindUnknown は分類できない失敗。
	KindUnknown ErrorKind = iota
	// KindBadRequest は400。
	KindBadRequest
	// KindUnauthorized は401。
	KindUnauthorized
	// KindForbidden は403。
	KindForbidden
	// KindNotFound は404。
	KindNotFound
	// KindTimeout は408・504、または応答待ちのタイムアウト。
	KindTimeout
	// KindRateLimited は429。
	KindRateLimited
	// KindInternalError は500。
	KindInternalError
	// KindUnavailable は502・503、または接続失敗。
	KindUnavailable
)

// String は種別名を返す。
func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "BadRequest"
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindNotFound:
		return "NotFound"
	case KindTimeout:
		return "Timeout"
	case KindRateLimited:
		return "RateLimited"
	case KindInternalError:
		return "InternalError"
	case KindUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// IsClientError は呼び出し側の誤りを表す種別かどうかを返す。
// これらはフォールバックで置き換えず、接続先の障害としても数えない。
func (k ErrorKind) IsClientError() bool {
	switch k {
	case KindBadRequest, KindUnauthorized, KindForbidden, KindNotFound:
		return true
	default:
		return false
	}
}

// HTTPStatus は種別に対応する、呼び出し元へ返すべきHTTPステータスを返す。
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// Translate はHTTPステータスを失敗種別とリトライ可否に変換する。
func Translate(status int) (ErrorKind, bool) {
	switch status {
	case http.StatusBadRequest:
		return KindBadRequest, false
	case http.StatusUnauthorized:
		return KindUnauthorized, false
	case http.StatusForbidden:
		return KindForbidden, false
	case http.StatusNotFound:
		return KindNotFound, false
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout, true
	case http.StatusTooManyRequests:
		return KindRateLimited, true
	case http.StatusInternalServerError:
		return KindInternalError, false
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return KindUnavailable, true
	default:
		return KindUnknown, false
	}
}

// ErrCircuitOpen はブレーカーが呼び出しを遮断したことを表す。
var ErrCircuitOpen = errors.New("circuit open")

// ServiceError はサービス間呼び出しの失敗。
type ServiceError struct {
	// Target は接続先サービス名。
	Target string
	// Kind は失敗種別。
	Kind ErrorKind
	// Retryable は再試行で回復しうるかどうか。
	Retryable bool
	// Status は応答のHTTPステータス。応答がなかった場合は0。
	Status int
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s呼び出しに失敗: kind=%s", e.Target, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(", status=%d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因となったエラーを返す。
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// KindOf はエラーがServiceErrorであればその種別を返す。
func KindOf(err error) (ErrorKind, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return KindUnknown, false
}

// translateTransport は応答を得られなかった送信エラーを種別に変換する。
// タイムアウトはKindTimeout、それ以外の接続失敗はKindUnavailableとし、いずれも再試行可能とする。
func translateTransport(err error) (ErrorKind, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout, true
	}
	return KindUnavailable, true
}
