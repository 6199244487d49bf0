package mailer

import (
	"context"
	"fmt"
	"mime"
	"sort"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// SMTPMailer 经 SMTP 中继主机发送的出站后端，自建部署时替代托管服务。
type SMTPMailer struct {
	addr string // 中继主机 "host:port"
	log  *zap.Logger
}

// NewSMTPMailer 创建 SMTP 出站后端
func NewSMTPMailer(addr string, log *zap.Logger) *SMTPMailer {
	return &SMTPMailer{addr: addr, log: log}
}

// Send 发送一封转发邮件。
//
// SMTP 协议错误没有供应商错误码，用错误文本参与瞬时/永久归类。
func (m *SMTPMailer) Send(ctx context.Context, msg *OutboundMessage) SendResult {
	raw := buildRawMessage(msg)

	err := gosmtp.SendMail(m.addr, nil, msg.From, []string{msg.To}, strings.NewReader(raw))
	if err != nil {
		m.log.Warn("smtp relay send failed", zap.String("addr", m.addr), zap.Error(err))
		return ClassifyFailure(err.Error(), err)
	}

	return SendResult{Status: StatusOK}
}

// buildRawMessage 组装 RFC 5322 消息文本。
func buildRawMessage(msg *OutboundMessage) string {
	var b strings.Builder

	writeHeader := func(name, value string) {
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	}

	writeHeader("From", msg.From)
	writeHeader("To", msg.To)
	if msg.ReplyTo != "" {
		writeHeader("Reply-To", msg.ReplyTo)
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))

	// 保留头部按名称排序，保证相同消息产出相同字节
	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeHeader(name, msg.Headers[name])
	}

	if msg.HTMLBody != "" {
		writeHeader("Content-Type", `text/html; charset="utf-8"`)
		b.WriteString("\r\n")
		b.WriteString(msg.HTMLBody)
	} else {
		writeHeader("Content-Type", `text/plain; charset="utf-8"`)
		b.WriteString("\r\n")
		b.WriteString(msg.TextBody)
	}

	return b.String()
}
