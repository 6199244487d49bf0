package verifier

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/cache"
	"relaymail/backend/internal/domain"
)

// 单个签名证书响应体的大小上限
const maxCertBytes = 64 * 1024

// Verifier 校验通知信封的签名与来源。
//
// 证书按 URL 缓存，进程内并发校验对同一 URL 至多发起一次抓取。
type Verifier struct {
	certCache  *cache.LoaderCache
	httpClient *http.Client
	hostSuffix string
	log        *zap.Logger
}

// New 创建签名校验器
//
// 参数:
//   - hostSuffix: 签名证书 URL 允许的主机后缀，如 ".amazonaws.com"
//   - httpClient: 抓取证书用的 HTTP 客户端，nil 则使用 10 秒超时的默认客户端
func New(hostSuffix string, httpClient *http.Client, log *zap.Logger) *Verifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{
		certCache:  cache.NewLoaderCache(24 * time.Hour),
		httpClient: httpClient,
		hostSuffix: strings.ToLower(hostSuffix),
		log:        log,
	}
}

// Verify 校验信封签名
//
// 校验顺序：必填字段 → 证书 URL 来源 → 证书获取 → SHA1WithRSA 签名。
// 来源不合法时不会发起任何网络请求。
func (v *Verifier) Verify(ctx context.Context, env *domain.Envelope) error {
	if err := checkRequiredFields(env); err != nil {
		return err
	}

	certURL, err := url.Parse(env.SigningCertURL)
	if err != nil {
		return domain.NewPipelineError(domain.CodeMalformedEnvelope, "invalid SigningCertURL", err)
	}
	if !v.allowedCertHost(certURL) {
		return domain.NewPipelineError(domain.CodeSuspiciousOrigin,
			fmt.Sprintf("signing cert host %q outside allowlist", certURL.Host), nil)
	}

	pemBytes, err := v.certCache.GetOrLoad(ctx, env.SigningCertURL, v.fetchCert)
	if err != nil {
		return domain.NewPipelineError(domain.CodeCertUnavailable, "signing cert fetch failed", err)
	}

	pub, err := parseCertificate(pemBytes)
	if err != nil {
		// 缓存里留着坏证书没有意义
		v.certCache.Delete(env.SigningCertURL)
		return domain.NewPipelineError(domain.CodeCertUnavailable, "signing cert parse failed", err)
	}

	signature, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return domain.NewPipelineError(domain.CodeInvalidSignature, "signature is not valid base64", err)
	}

	digest := sha1.Sum(canonicalString(env))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], signature); err != nil {
		return domain.NewPipelineError(domain.CodeInvalidSignature, "signature verification failed", err)
	}

	return nil
}

// allowedCertHost 检查证书 URL 是否为 HTTPS 且主机命中允许后缀。
func (v *Verifier) allowedCertHost(u *url.URL) bool {
	if u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return strings.HasSuffix(host, v.hostSuffix)
}

// fetchCert 通过 HTTPS 抓取 PEM 证书。
func (v *Verifier) fetchCert(ctx context.Context, certURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching signing cert", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBytes))
	if err != nil {
		return nil, err
	}

	v.log.Debug("fetched signing certificate",
		zap.String("url", certURL),
		zap.Int("bytes", len(body)),
	)
	return body, nil
}

// parseCertificate 解析 PEM，要求其中恰好包含一张证书。
func parseCertificate(pemBytes []byte) (*rsa.PublicKey, error) {
	block, rest := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no PEM certificate found")
	}
	if extra, _ := pem.Decode(rest); extra != nil {
		return nil, fmt.Errorf("expected exactly one certificate, got more")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate does not carry an RSA public key")
	}
	return pub, nil
}

// checkRequiredFields 检查信封按类型必须携带的字段。
func checkRequiredFields(env *domain.Envelope) error {
	missing := func(field string) error {
		return domain.NewPipelineError(domain.CodeMalformedEnvelope,
			fmt.Sprintf("envelope missing required field %s", field), nil)
	}

	switch {
	case env.Type == "":
		return missing("Type")
	case env.MessageID == "":
		return missing("MessageId")
	case env.Timestamp == "":
		return missing("Timestamp")
	case env.TopicArn == "":
		return missing("TopicArn")
	case env.Signature == "":
		return missing("Signature")
	case env.SigningCertURL == "":
		return missing("SigningCertURL")
	}

	switch env.Type {
	case domain.EnvelopeNotification:
		if env.Message == "" {
			return missing("Message")
		}
	case domain.EnvelopeSubscriptionConfirmation:
		if env.Token == "" {
			return missing("Token")
		}
		if env.SubscribeURL == "" {
			return missing("SubscribeURL")
		}
	default:
		return domain.NewPipelineError(domain.CodeMalformedEnvelope,
			fmt.Sprintf("unknown envelope type %q", env.Type), nil)
	}

	return nil
}

// canonicalString 构造待签名的规范字符串。
//
// 字段按类型固定顺序排列，格式为 name NL value NL ...，与签名方约定一致，
// 对相同信封必须产出逐字节相同的结果。
func canonicalString(env *domain.Envelope) []byte {
	var b strings.Builder

	write := func(name, value string) {
		b.WriteString(name)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	switch env.Type {
	case domain.EnvelopeSubscriptionConfirmation:
		write("Message", env.Message)
		write("MessageId", env.MessageID)
		write("SubscribeURL", env.SubscribeURL)
		write("Timestamp", env.Timestamp)
		write("Token", env.Token)
		write("TopicArn", env.TopicArn)
		write("Type", string(env.Type))
	default: // Notification
		write("Message", env.Message)
		write("MessageId", env.MessageID)
		if env.Subject != "" {
			write("Subject", env.Subject)
		}
		write("Timestamp", env.Timestamp)
		write("TopicArn", env.TopicArn)
		write("Type", string(env.Type))
	}

	return []byte(b.String())
}
