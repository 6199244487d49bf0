package mailer

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailure(t *testing.T) {
	cause := errors.New("provider rejected")

	t.Run("throttling 错误码归为瞬时", func(t *testing.T) {
		result := ClassifyFailure("ThrottlingException", cause)

		assert.Equal(t, StatusTransient, result.Status)
		assert.Equal(t, "ThrottlingException", result.Code)
	})

	t.Run("pause 错误码归为瞬时", func(t *testing.T) {
		result := ClassifyFailure("AccountSendingPausedException", cause)

		assert.Equal(t, StatusTransient, result.Status)
	})

	t.Run("大小写不敏感", func(t *testing.T) {
		assert.Equal(t, StatusTransient, ClassifyFailure("THROTTLING", cause).Status)
		assert.Equal(t, StatusTransient, ClassifyFailure("SendingPAUSE", cause).Status)
	})

	t.Run("其余错误码一律永久", func(t *testing.T) {
		for _, code := range []string{"MessageRejected", "MailFromDomainNotVerified", "BadRequest", ""} {
			result := ClassifyFailure(code, cause)
			assert.Equal(t, StatusPermanent, result.Status, "code=%s", code)
		}
	})
}

func TestBuildRawMessage(t *testing.T) {
	msg := &OutboundMessage{
		From:     `"Sender Name" <reply@relay.test>`,
		To:       "u@example.com",
		ReplyTo:  "reply+abc@relay.test",
		Subject:  "hello",
		TextBody: "body",
		Headers: map[string]string{
			"Message-ID": "<orig@example.com>",
			"References": "<a@x> <b@y>",
		},
	}

	raw := buildRawMessage(msg)

	assert.True(t, strings.HasPrefix(raw, `From: "Sender Name" <reply@relay.test>`+"\r\n"))
	assert.Contains(t, raw, "Reply-To: reply+abc@relay.test\r\n")
	assert.Contains(t, raw, "Message-ID: <orig@example.com>\r\n")
	assert.Contains(t, raw, "References: <a@x> <b@y>\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\nbody"))

	// 相同消息必须产出相同字节
	assert.Equal(t, raw, buildRawMessage(msg))
}
