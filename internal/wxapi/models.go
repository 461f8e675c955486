package wxapi

import (
	"encoding/json"
	"errors"
	"fmt"

	"resty.dev/v3"
)

const (
	// ErrCodeInvalidCredential 40001 获取access_token时Secret错误，或者access_token无效
	ErrCodeInvalidCredential = 40001
	// ErrCodeAccessTokenExpired 42001 access_token超时
	ErrCodeAccessTokenExpired = 42001
	// ErrCodeInvalidAccessToken 40014 不合法的access_token
	ErrCodeInvalidAccessToken = 40014
)

var (
	ErrorInvalidCredential  = errors.New("invalid credential")
	ErrorAccessTokenExpired = errors.New("access token expired")
	ErrorInvalidAccessToken = errors.New("invalid access token")
)

// isNeedRetryError 刷新 access_token 后可以恢复的错误
func isNeedRetryError(err error) bool {
	return errors.Is(err, ErrorInvalidCredential) ||
		errors.Is(err, ErrorAccessTokenExpired) ||
		errors.Is(err, ErrorInvalidAccessToken)
}

// checkResponseError 将微信错误码转换为 error
func checkResponseError(errCode int, errMsg string) error {
	switch errCode {
	case 0:
		return nil
	case ErrCodeInvalidCredential:
		return ErrorInvalidCredential
	case ErrCodeAccessTokenExpired:
		return ErrorAccessTokenExpired
	case ErrCodeInvalidAccessToken:
		return ErrorInvalidAccessToken
	}
	return ErrResponse{ErrCode: errCode, ErrMsg: errMsg}
}

func loadSuccessResponse[T any](resp *resty.Response, check func(*T) error) (*T, error) {
	if resp.IsError() {
		var result ErrResponse
		if err := json.Unmarshal(resp.Bytes(), &result); err != nil {
			return nil, fmt.Errorf("unexpected status %s: %w", resp.Status(), err)
		}
		return nil, result
	}
	if resp.IsSuccess() {
		var result T
		if err := json.Unmarshal(resp.Bytes(), &result); err != nil {
			return nil, err
		}
		if err := check(&result); err != nil {
			return nil, err
		}
		return &result, nil
	}
	return nil, fmt.Errorf("unknown error: %s", resp.Status())
}

type ErrResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (e ErrResponse) Error() string {
	return fmt.Sprintf("errcode=%d errmsg=%s", e.ErrCode, e.ErrMsg)
}

type AccessTokenResponse struct {
	ErrResponse
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// SnsOauth2Response 公众号网页授权 code 换取的用户令牌
type SnsOauth2Response struct {
	ErrResponse
	AccessToken    string `json:"access_token"`
	ExpiresIn      int    `json:"expires_in"`
	RefreshToken   string `json:"refresh_token"`
	OpenID         string `json:"openid"`
	Scope          string `json:"scope"`
	IsSnapshotUser int    `json:"is_snapshotuser"`
	UnionID        string `json:"unionid"`
}

// UserInfoResponse 企业微信 code 换取的成员身份, 非企业成员只返回 OpenId
type UserInfoResponse struct {
	ErrResponse
	UserID   string `json:"UserId"`
	OpenID   string `json:"OpenId"`
	DeviceID string `json:"DeviceId"`
}

// SnsUserInfoResponse snsapi_userinfo 授权后拉取的用户资料
type SnsUserInfoResponse struct {
	ErrResponse
	OpenID     string   `json:"openid"`
	Nickname   string   `json:"nickname"`
	Sex        int      `json:"sex"`
	Province   string   `json:"province"`
	City       string   `json:"city"`
	Country    string   `json:"country"`
	HeadImgURL string   `json:"headimgurl"`
	Privilege  []string `json:"privilege"`
	UnionID    string   `json:"unionid"`
}
