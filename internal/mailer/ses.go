package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// SESAPI 发送用到的 SES 操作子集。
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESMailer 托管邮件服务出站后端。
type SESMailer struct {
	client SESAPI
	log    *zap.Logger
}

// NewSESMailer 用注入的客户端创建 SES 后端
func NewSESMailer(client SESAPI, log *zap.Logger) *SESMailer {
	return &SESMailer{client: client, log: log}
}

// NewSESMailerFromRegion 用默认凭证链创建 SES 后端
func NewSESMailerFromRegion(ctx context.Context, region string, log *zap.Logger) (*SESMailer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESMailer(sesv2.NewFromConfig(awsCfg), log), nil
}

// Send 发送一封转发邮件。
func (m *SESMailer) Send(ctx context.Context, msg *OutboundMessage) SendResult {
	content := &types.EmailContent{
		Simple: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject)},
			Body:    &types.Body{},
			Headers: buildSESHeaders(msg.Headers),
		},
	}
	if msg.HTMLBody != "" {
		content.Simple.Body.Html = &types.Content{Data: aws.String(msg.HTMLBody)}
	}
	if msg.TextBody != "" {
		content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextBody)}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content:          content,
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := m.client.SendEmail(ctx, input)
	if err != nil {
		code := "SendFailed"
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			code = apiErr.ErrorCode()
		}
		m.log.Warn("outbound send failed",
			zap.String("code", code),
			zap.Error(err),
		)
		return ClassifyFailure(code, err)
	}

	m.log.Debug("outbound send accepted", zap.String("ses_message_id", aws.ToString(out.MessageId)))
	return SendResult{Status: StatusOK}
}

// buildSESHeaders 转换需要保留的邮件头部。
func buildSESHeaders(headers map[string]string) []types.MessageHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]types.MessageHeader, 0, len(headers))
	for name, value := range headers {
		out = append(out, types.MessageHeader{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}
	return out
}
