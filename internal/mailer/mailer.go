package mailer

import (
	"context"
	"strings"
)

// OutboundMessage 一封待发出的转发邮件。
type OutboundMessage struct {
	From     string // 展示发件人，经中继域改写
	To       string
	ReplyTo  string
	Subject  string
	HTMLBody string
	TextBody string

	// Headers 需要原样保留的头部（Message-ID、References 等）
	Headers map[string]string
}

// SendStatus 发送结果标签。
type SendStatus int

const (
	// StatusOK 发送成功
	StatusOK SendStatus = iota
	// StatusTransient 瞬时失败，可在队列可见性包络内重试
	StatusTransient
	// StatusPermanent 永久失败，重试不会改变结果
	StatusPermanent
)

// SendResult 发送结果，Worker 依据 Status 标签决定重试策略。
type SendResult struct {
	Status SendStatus
	Code   string // 供应商错误码，失败时非空
	Err    error
}

// Mailer 出站邮件发送接口。
type Mailer interface {
	Send(ctx context.Context, msg *OutboundMessage) SendResult
}

// ClassifyFailure 按供应商错误码归类失败
//
// 错误码小写后包含 "throttling" 或 "pause" 视为瞬时，其余一律永久。
func ClassifyFailure(code string, err error) SendResult {
	lowered := strings.ToLower(code)
	if strings.Contains(lowered, "throttling") || strings.Contains(lowered, "pause") {
		return SendResult{Status: StatusTransient, Code: code, Err: err}
	}
	return SendResult{Status: StatusPermanent, Code: code, Err: err}
}
