package domain

// EnvelopeType 表示队列通知信封的类型。
type EnvelopeType string

const (
	// EnvelopeNotification 普通通知信封
	EnvelopeNotification EnvelopeType = "Notification"
	// EnvelopeSubscriptionConfirmation 订阅确认信封
	EnvelopeSubscriptionConfirmation EnvelopeType = "SubscriptionConfirmation"
)

// Envelope 表示从消息队列拉取到的一条通知信封。
//
// 信封由消息通知服务签名，处理前必须先通过签名校验。
// 字段集合因类型而异：
//   - Notification: Message + Subject
//   - SubscriptionConfirmation: Token + SubscribeURL
type Envelope struct {
	Type           EnvelopeType `json:"Type"`
	MessageID      string       `json:"MessageId"`
	Token          string       `json:"Token,omitempty"`
	TopicArn       string       `json:"TopicArn"`
	Subject        string       `json:"Subject,omitempty"`
	Message        string       `json:"Message"`
	SubscribeURL   string       `json:"SubscribeURL,omitempty"`
	Timestamp      string       `json:"Timestamp"`
	SignatureVer   string       `json:"SignatureVersion,omitempty"`
	Signature      string       `json:"Signature"`
	SigningCertURL string       `json:"SigningCertURL"`
	UnsubscribeURL string       `json:"UnsubscribeURL,omitempty"`

	// QueueMessageID 队列侧消息标识，删除消息时使用
	QueueMessageID string `json:"-"`
	// ReceiptHandle 队列可见性租约句柄
	ReceiptHandle string `json:"-"`
	// RawBody 原始消息体，用于问题排查日志
	RawBody []byte `json:"-"`
}
