package phone

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
)

// SignatureVerifier 校验电话供应商 Webhook 请求的 HMAC 签名。
//
// 签名算法：以回调 URL 为基串，按参数名字典序追加 "名值" 对，
// 对拼接结果做 HMAC-SHA1 后取 base64。
type SignatureVerifier struct {
	authToken []byte
}

// NewSignatureVerifier 创建签名校验器
func NewSignatureVerifier(authToken string) *SignatureVerifier {
	return &SignatureVerifier{authToken: []byte(authToken)}
}

// Verify 校验一次 Webhook 请求的签名。
//
// requestURL 必须是供应商视角的完整回调地址（含 scheme 与 query），
// params 为表单参数。比较使用常量时间，防时序侧信道。
func (v *SignatureVerifier) Verify(requestURL string, params url.Values, signature string) bool {
	expected := v.compute(requestURL, params)
	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

func (v *SignatureVerifier) compute(requestURL string, params url.Values) []byte {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, v.authToken)
	mac.Write([]byte(requestURL))
	for _, key := range keys {
		for _, value := range params[key] {
			mac.Write([]byte(key))
			mac.Write([]byte(value))
		}
	}
	return mac.Sum(nil)
}

// Sign 计算签名的 base64 形式，测试与本地联调使用。
func (v *SignatureVerifier) Sign(requestURL string, params url.Values) string {
	return base64.StdEncoding.EncodeToString(v.compute(requestURL, params))
}
