package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
)

// Event 分类结果，带类型标签的联合体。
type Event struct {
	// Kind 为 EventMail 时 Mail 非空，EventSubscribe 时 SubscribeURL 非空
	Kind         EventKind
	Mail         *domain.InboundMailEvent
	SubscribeURL string
}

// EventKind 事件类型。
type EventKind string

const (
	// EventMail 入站邮件事件
	EventMail EventKind = "mail"
	// EventSubscribe 订阅确认事件
	EventSubscribe EventKind = "subscribe"
)

// Classifier 将已验签的信封归类为类型化事件。
type Classifier struct {
	allowedTopic string
	httpClient   *http.Client
	certSuffix   string
	log          *zap.Logger
}

// NewClassifier 创建通知分类器
//
// 参数:
//   - allowedTopic: 唯一接受的主题 ARN，其余主题一律判为永久失败
//   - certSuffix: 确认订阅 URL 允许的主机后缀，与证书来源共用同一允许域
func NewClassifier(allowedTopic, certSuffix string, httpClient *http.Client, log *zap.Logger) *Classifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Classifier{
		allowedTopic: allowedTopic,
		httpClient:   httpClient,
		certSuffix:   strings.ToLower(certSuffix),
		log:          log,
	}
}

// Classify 对信封做主题与类型检查，并解码邮件事件
//
// 任何拒绝都是永久失败：主题不匹配、类型未知、嵌套 JSON 解码失败，
// 重试不会改变结果。
func (c *Classifier) Classify(env *domain.Envelope) (*Event, error) {
	if env.TopicArn != c.allowedTopic {
		return nil, domain.NewPipelineError(domain.CodeMalformedEnvelope,
			fmt.Sprintf("topic %q is not the configured topic", env.TopicArn), nil)
	}

	switch env.Type {
	case domain.EnvelopeSubscriptionConfirmation:
		return &Event{Kind: EventSubscribe, SubscribeURL: env.SubscribeURL}, nil

	case domain.EnvelopeNotification:
		var mail domain.InboundMailEvent
		if err := json.Unmarshal([]byte(env.Message), &mail); err != nil {
			return nil, domain.NewPipelineError(domain.CodeMalformedEnvelope,
				"notification message is not a valid mail event", err)
		}
		return &Event{Kind: EventMail, Mail: &mail}, nil

	default:
		return nil, domain.NewPipelineError(domain.CodeMalformedEnvelope,
			fmt.Sprintf("unsupported envelope type %q", env.Type), nil)
	}
}

// ConfirmSubscription 回访 SubscribeURL 完成订阅确认。
//
// URL 主机必须命中允许后缀，防止信封诱导 Worker 访问任意地址。
func (c *Classifier) ConfirmSubscription(ctx context.Context, subscribeURL string) error {
	u, err := url.Parse(subscribeURL)
	if err != nil {
		return domain.NewPipelineError(domain.CodeMalformedEnvelope, "invalid SubscribeURL", err)
	}
	if u.Scheme != "https" || !strings.HasSuffix(strings.ToLower(u.Hostname()), c.certSuffix) {
		return domain.NewPipelineError(domain.CodeSuspiciousOrigin,
			fmt.Sprintf("subscribe host %q outside allowlist", u.Host), nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm subscription: unexpected status %d", resp.StatusCode)
	}

	c.log.Info("confirmed queue subscription", zap.String("host", u.Host))
	return nil
}
