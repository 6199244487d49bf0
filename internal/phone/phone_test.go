package phone

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage/memory"
)

// fakeSMS 记录发出的短信。
type fakeSMS struct {
	sent []sentSMS
	err  error
}

type sentSMS struct {
	from, to, body string
}

func (f *fakeSMS) SendSMS(ctx context.Context, from, to, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentSMS{from: from, to: to, body: body})
	return nil
}

var testMetrics = monitoring.NewMetrics()

func TestSignatureVerifier(t *testing.T) {
	v := NewSignatureVerifier("secret-token")
	callbackURL := "https://relay.example/api/v1/inbound_sms"
	params := url.Values{
		"From": {"+15551230001"},
		"To":   {"+15559990000"},
		"Body": {"hello"},
	}

	t.Run("合法签名通过", func(t *testing.T) {
		sig := v.Sign(callbackURL, params)
		assert.True(t, v.Verify(callbackURL, params, sig))
	})

	t.Run("参数被篡改后拒绝", func(t *testing.T) {
		sig := v.Sign(callbackURL, params)
		tampered := url.Values{
			"From": {"+15551230002"},
			"To":   {"+15559990000"},
			"Body": {"hello"},
		}
		assert.False(t, v.Verify(callbackURL, tampered, sig))
	})

	t.Run("密钥不同拒绝", func(t *testing.T) {
		other := NewSignatureVerifier("another-token")
		sig := other.Sign(callbackURL, params)
		assert.False(t, v.Verify(callbackURL, params, sig))
	})

	t.Run("非 base64 签名拒绝", func(t *testing.T) {
		assert.False(t, v.Verify(callbackURL, params, "%%%not-base64%%%"))
	})
}

func newVerifyService(store *memory.Store, sms *fakeSMS, maxAge time.Duration) *VerifyService {
	return NewVerifyService(store, store, sms, testMetrics,
		[]string{"US", "CA"}, maxAge, 5, zap.NewNop())
}

func TestVerifyService_RequestVerification(t *testing.T) {
	t.Run("登记号码并下发验证码", func(t *testing.T) {
		store := memory.NewStore()
		sms := &fakeSMS{}
		svc := newVerifyService(store, sms, 5*time.Minute)

		record, err := svc.RequestVerification(context.Background(), "user-1", "+12065550100", "")

		require.NoError(t, err)
		assert.Equal(t, "+12065550100", record.Number)
		assert.Len(t, record.VerificationCode, 6)
		assert.False(t, record.Verified)
		require.Len(t, sms.sent, 1)
		assert.Equal(t, "+12065550100", sms.sent[0].to)
		assert.Contains(t, sms.sent[0].body, record.VerificationCode)
	})

	t.Run("无国家码时按提示区域解析", func(t *testing.T) {
		store := memory.NewStore()
		sms := &fakeSMS{}
		svc := newVerifyService(store, sms, 5*time.Minute)

		record, err := svc.RequestVerification(context.Background(), "user-1", "206-555-0100", "US")

		require.NoError(t, err)
		assert.Equal(t, "+12065550100", record.Number)
	})

	t.Run("无法解析的号码返回专用错误码", func(t *testing.T) {
		store := memory.NewStore()
		svc := newVerifyService(store, &fakeSMS{}, 5*time.Minute)

		_, err := svc.RequestVerification(context.Background(), "user-1", "not-a-number", "")

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodeInvalidNumber, relayErr.Code)
		assert.Equal(t, domain.KindValidation, relayErr.Kind)
	})

	t.Run("不允许的国家拒绝", func(t *testing.T) {
		store := memory.NewStore()
		svc := newVerifyService(store, &fakeSMS{}, 5*time.Minute)

		// 英国号码不在允许列表
		_, err := svc.RequestVerification(context.Background(), "user-1", "+442071838750", "")

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodeNumberNotAllowed, relayErr.Code)
		assert.Equal(t, "GB", relayErr.Context["country"])
	})

	t.Run("已有已验证号码的用户冲突", func(t *testing.T) {
		store := memory.NewStore()
		now := time.Now().UTC()
		require.NoError(t, store.SaveRealPhone(&domain.RealPhone{
			UserID: "user-1", Number: "+12065550199", Verified: true, VerifiedAt: &now,
		}))
		svc := newVerifyService(store, &fakeSMS{}, 5*time.Minute)

		_, err := svc.RequestVerification(context.Background(), "user-1", "+12065550100", "")

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodeConflict, relayErr.Code)
	})

	t.Run("同号码未过期的待验证记录冲突", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.SaveRealPhone(&domain.RealPhone{
			UserID: "user-2", Number: "+12065550100",
			VerificationCode: "111111", VerificationSentAt: time.Now().UTC(),
		}))
		svc := newVerifyService(store, &fakeSMS{}, 5*time.Minute)

		_, err := svc.RequestVerification(context.Background(), "user-1", "+12065550100", "")

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodeConflict, relayErr.Code)
	})

	t.Run("同号码过期的待验证记录可重新登记", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.SaveRealPhone(&domain.RealPhone{
			UserID: "user-2", Number: "+12065550100",
			VerificationCode:   "111111",
			VerificationSentAt: time.Now().UTC().Add(-10 * time.Minute),
		}))
		sms := &fakeSMS{}
		svc := newVerifyService(store, sms, 5*time.Minute)

		_, err := svc.RequestVerification(context.Background(), "user-1", "+12065550100", "")

		require.NoError(t, err)
		assert.Len(t, sms.sent, 1)
	})

	t.Run("发送频次超限拒绝", func(t *testing.T) {
		store := memory.NewStore()
		sms := &fakeSMS{}
		svc := newVerifyService(store, sms, time.Nanosecond) // 旧记录立即过期，便于重复请求

		var lastErr error
		for i := 0; i < 6; i++ {
			_, lastErr = svc.RequestVerification(context.Background(), "user-1", "+12065550100", "")
		}

		var relayErr *domain.RelayError
		require.ErrorAs(t, lastErr, &relayErr)
		assert.Equal(t, domain.CodeAccountIsPaused, relayErr.Code)
		assert.Len(t, sms.sent, 5)
	})
}

func TestVerifyService_ConfirmVerification(t *testing.T) {
	seedPending := func(t *testing.T, store *memory.Store, sentAt time.Time) {
		t.Helper()
		require.NoError(t, store.SaveRealPhone(&domain.RealPhone{
			UserID: "user-1", Number: "+12065550100",
			VerificationCode: "123456", VerificationSentAt: sentAt,
		}))
	}

	t.Run("正确验证码置为已验证", func(t *testing.T) {
		store := memory.NewStore()
		seedPending(t, store, time.Now().UTC())
		svc := newVerifyService(store, &fakeSMS{}, 5*time.Minute)

		record, err := svc.ConfirmVerification(context.Background(), "user-1", "+12065550100", "", "123456")

		require.NoError(t, err)
		assert.True(t, record.Verified)
		require.NotNil(t, record.VerifiedAt)
		assert.Empty(t, record.VerificationCode)

		verified, err := store.GetVerifiedRealPhoneByUserID("user-1")
		require.NoError(t, err)
		assert.Equal(t, "+12065550100", verified.Number)
	})

	t.Run("错误验证码拒绝", func(t *testing.T) {
		store := memory.NewStore()
		seedPending(t, store, time.Now().UTC())
		svc := newVerifyService(store, &fakeSMS{}, 5*time.Minute)

		_, err := svc.ConfirmVerification(context.Background(), "user-1", "+12065550100", "", "654321")

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodeBadVerificationCode, relayErr.Code)
	})

	t.Run("过期验证码拒绝", func(t *testing.T) {
		store := memory.NewStore()
		seedPending(t, store, time.Now().UTC().Add(-6*time.Minute))
		svc := newVerifyService(store, &fakeSMS{}, 5*time.Minute)

		_, err := svc.ConfirmVerification(context.Background(), "user-1", "+12065550100", "", "123456")

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodeBadVerificationCode, relayErr.Code)
	})

	t.Run("记录不存在时同样返回验证码错误", func(t *testing.T) {
		store := memory.NewStore()
		svc := newVerifyService(store, &fakeSMS{}, 5*time.Minute)

		_, err := svc.ConfirmVerification(context.Background(), "user-1", "+12065550100", "", "123456")

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodeBadVerificationCode, relayErr.Code)
	})
}

func seedRelay(t *testing.T, store *memory.Store, storeLog bool) *domain.RelayNumber {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.SaveRealPhone(&domain.RealPhone{
		UserID: "user-1", Number: "+12065550100", Verified: true, VerifiedAt: &now,
	}))
	relay := &domain.RelayNumber{
		UserID: "user-1", Number: "+15559990000",
		Enabled: true, StorePhoneLog: storeLog,
		RemainingTexts: 75, RemainingSeconds: 3000,
	}
	require.NoError(t, store.SaveRelayNumber(relay))
	return relay
}

func TestDispatcher_HandleInboundSMS(t *testing.T) {
	t.Run("转发加来源前缀", func(t *testing.T) {
		store := memory.NewStore()
		relay := seedRelay(t, store, true)
		sms := &fakeSMS{}
		d := NewDispatcher(store, store, store, sms, testMetrics, zap.NewNop())

		err := d.HandleInboundSMS(context.Background(), "+15559990000", "+15551230001", "hi there")

		require.NoError(t, err)
		require.Len(t, sms.sent, 1)
		assert.Equal(t, "+12065550100", sms.sent[0].to)
		assert.Equal(t, "+15559990000", sms.sent[0].from)
		assert.Equal(t, "[Relay +15551230001] hi there", sms.sent[0].body)

		updated, _ := store.GetRelayNumberByNumber(relay.Number)
		assert.Equal(t, 1, updated.NumTexts)
		assert.Equal(t, 74, updated.RemainingTexts)

		contact, err := store.GetInboundContact(relay.ID, "+15551230001")
		require.NoError(t, err)
		assert.Equal(t, 1, contact.NumTexts)
	})

	t.Run("短信额度耗尽静默丢弃", func(t *testing.T) {
		store := memory.NewStore()
		relay := seedRelay(t, store, true)
		relay.RemainingTexts = 0
		require.NoError(t, store.SaveRelayNumber(relay))
		sms := &fakeSMS{}
		d := NewDispatcher(store, store, store, sms, testMetrics, zap.NewNop())

		err := d.HandleInboundSMS(context.Background(), "+15559990000", "+15551230001", "hi")

		require.NoError(t, err)
		assert.Empty(t, sms.sent)
		updated, _ := store.GetRelayNumberByNumber(relay.Number)
		assert.Equal(t, 1, updated.NumTextsBlocked)
		assert.Equal(t, 0, updated.NumTexts)
	})

	t.Run("停用号码静默丢弃", func(t *testing.T) {
		store := memory.NewStore()
		relay := seedRelay(t, store, true)
		relay.Enabled = false
		require.NoError(t, store.SaveRelayNumber(relay))
		sms := &fakeSMS{}
		d := NewDispatcher(store, store, store, sms, testMetrics, zap.NewNop())

		err := d.HandleInboundSMS(context.Background(), "+15559990000", "+15551230001", "hi")

		require.NoError(t, err)
		assert.Empty(t, sms.sent)
		updated, _ := store.GetRelayNumberByNumber(relay.Number)
		assert.Equal(t, 1, updated.NumTextsBlocked)
	})

	t.Run("被屏蔽联系人丢弃并计数", func(t *testing.T) {
		store := memory.NewStore()
		relay := seedRelay(t, store, true)
		require.NoError(t, store.SaveInboundContact(&domain.InboundContact{
			RelayNumberID: relay.ID, InboundNumber: "+15551230001", Blocked: true,
		}))
		sms := &fakeSMS{}
		d := NewDispatcher(store, store, store, sms, testMetrics, zap.NewNop())

		err := d.HandleInboundSMS(context.Background(), "+15559990000", "+15551230001", "hi")

		require.NoError(t, err)
		assert.Empty(t, sms.sent)
		contact, _ := store.GetInboundContact(relay.ID, "+15551230001")
		assert.Equal(t, 1, contact.NumTextsBlocked)
	})

	t.Run("未知中继号码返回错误", func(t *testing.T) {
		store := memory.NewStore()
		d := NewDispatcher(store, store, store, &fakeSMS{}, testMetrics, zap.NewNop())

		err := d.HandleInboundSMS(context.Background(), "+15550000000", "+15551230001", "hi")

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodeNoSuchAlias, relayErr.Code)
	})
}

func TestDispatcher_ReplyRouting(t *testing.T) {
	setup := func(t *testing.T) (*memory.Store, *domain.RelayNumber, *fakeSMS, *Dispatcher) {
		t.Helper()
		store := memory.NewStore()
		relay := seedRelay(t, store, true)
		sms := &fakeSMS{}
		d := NewDispatcher(store, store, store, sms, testMetrics, zap.NewNop())
		return store, relay, sms, d
	}

	addContact := func(t *testing.T, store *memory.Store, relayID, number string, texts int, last time.Time) {
		t.Helper()
		require.NoError(t, store.SaveInboundContact(&domain.InboundContact{
			RelayNumberID: relayID, InboundNumber: number,
			NumTexts: texts, LastInboundAt: last,
		}))
	}

	t.Run("无前缀回给最近来电者", func(t *testing.T) {
		store, relay, sms, d := setup(t)
		now := time.Now().UTC()
		addContact(t, store, relay.ID, "+15551230001", 1, now.Add(-time.Hour))
		addContact(t, store, relay.ID, "+15551230002", 1, now)

		err := d.HandleInboundSMS(context.Background(), "+15559990000", "+12065550100", "thanks!")

		require.NoError(t, err)
		require.Len(t, sms.sent, 1)
		assert.Equal(t, "+15551230002", sms.sent[0].to)
		assert.Equal(t, "thanks!", sms.sent[0].body)
	})

	t.Run("完整号码前缀指定目的地", func(t *testing.T) {
		store, relay, sms, d := setup(t)
		now := time.Now().UTC()
		addContact(t, store, relay.ID, "+15551230001", 1, now)
		addContact(t, store, relay.ID, "+15551230002", 1, now)

		err := d.HandleInboundSMS(context.Background(), "+15559990000", "+12065550100", "+15551230001 see you")

		require.NoError(t, err)
		require.Len(t, sms.sent, 1)
		assert.Equal(t, "+15551230001", sms.sent[0].to)
		assert.Equal(t, "see you", sms.sent[0].body)
	})

	t.Run("末四位前缀唯一匹配", func(t *testing.T) {
		store, relay, sms, d := setup(t)
		addContact(t, store, relay.ID, "+15551230001", 1, time.Now().UTC())

		err := d.HandleInboundSMS(context.Background(), "+15559990000", "+12065550100", "0001 hello again")

		require.NoError(t, err)
		require.Len(t, sms.sent, 1)
		assert.Equal(t, "+15551230001", sms.sent[0].to)
		assert.Equal(t, "hello again", sms.sent[0].body)
	})

	replyCode := func(t *testing.T, err error) string {
		t.Helper()
		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.KindSMSReply, relayErr.Kind)
		return relayErr.Code
	}

	t.Run("路由失败的错误码", func(t *testing.T) {
		store, relay, _, d := setup(t)
		ctx := context.Background()
		owner, to := "+12065550100", "+15559990000"

		assert.Equal(t, domain.CodeNoPreviousSender,
			replyCode(t, d.HandleInboundSMS(ctx, to, owner, "hello")))

		addContact(t, store, relay.ID, "+15551230001", 1, time.Now().UTC())
		addContact(t, store, relay.ID, "+15552220001", 1, time.Now().UTC())

		assert.Equal(t, domain.CodeFullNumberNoSenders,
			replyCode(t, d.HandleInboundSMS(ctx, to, owner, "+15559870000 hi")))
		assert.Equal(t, domain.CodeNoBodyAfterFullNumber,
			replyCode(t, d.HandleInboundSMS(ctx, to, owner, "+15551230001")))
		assert.Equal(t, domain.CodeShortPrefixNoSenders,
			replyCode(t, d.HandleInboundSMS(ctx, to, owner, "9999 hi")))
		assert.Equal(t, domain.CodeNoBodyAfterShortPrefix,
			replyCode(t, d.HandleInboundSMS(ctx, to, owner, "0001")))
		assert.Equal(t, domain.CodeMultipleNumberMatches,
			replyCode(t, d.HandleInboundSMS(ctx, to, owner, "0001 hi")))
	})

	t.Run("关闭通话记录时无法回信", func(t *testing.T) {
		store := memory.NewStore()
		relay := seedRelay(t, store, false)
		_ = relay
		d := NewDispatcher(store, store, store, &fakeSMS{}, testMetrics, zap.NewNop())

		err := d.HandleInboundSMS(context.Background(), "+15559990000", "+12065550100", "hello")

		assert.Equal(t, domain.CodeNoPhoneLog, replyCode(t, err))
	})
}

func TestDispatcher_HandleInboundCall(t *testing.T) {
	t.Run("转接到真实号码并隐藏来电显示", func(t *testing.T) {
		store := memory.NewStore()
		relay := seedRelay(t, store, true)
		d := NewDispatcher(store, store, store, &fakeSMS{}, testMetrics, zap.NewNop())

		twiml, err := d.HandleInboundCall(context.Background(), "+15559990000", "+15551230001")

		require.NoError(t, err)
		assert.Contains(t, twiml, `callerId="+15559990000"`)
		assert.Contains(t, twiml, "+12065550100")
		assert.NotContains(t, twiml, "<Reject")

		updated, _ := store.GetRelayNumberByNumber(relay.Number)
		assert.Equal(t, 1, updated.NumCalls)
	})

	t.Run("被屏蔽联系人拒接", func(t *testing.T) {
		store := memory.NewStore()
		relay := seedRelay(t, store, true)
		require.NoError(t, store.SaveInboundContact(&domain.InboundContact{
			RelayNumberID: relay.ID, InboundNumber: "+15551230001", Blocked: true,
		}))
		d := NewDispatcher(store, store, store, &fakeSMS{}, testMetrics, zap.NewNop())

		twiml, err := d.HandleInboundCall(context.Background(), "+15559990000", "+15551230001")

		require.NoError(t, err)
		assert.Contains(t, twiml, "<Reject")
		assert.NotContains(t, twiml, "+12065550100")

		updated, _ := store.GetRelayNumberByNumber(relay.Number)
		assert.Equal(t, 1, updated.NumCallsBlocked)
	})

	t.Run("未知号码拒接", func(t *testing.T) {
		store := memory.NewStore()
		d := NewDispatcher(store, store, store, &fakeSMS{}, testMetrics, zap.NewNop())

		twiml, err := d.HandleInboundCall(context.Background(), "+15550000000", "+15551230001")

		require.NoError(t, err)
		assert.Contains(t, twiml, "<Reject")
	})
}
