package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/blob"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/filter"
	"relaymail/backend/internal/mailer"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage/memory"
)

// fakeMailer 记录发送并返回脚本化结果。
type fakeMailer struct {
	sent    []*mailer.OutboundMessage
	results []mailer.SendResult
}

func (f *fakeMailer) Send(ctx context.Context, msg *mailer.OutboundMessage) mailer.SendResult {
	f.sent = append(f.sent, msg)
	if len(f.results) == 0 {
		return mailer.SendResult{Status: mailer.StatusOK}
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

// fakeBlobs 记录读取次数。
type fakeBlobs struct {
	data  map[string][]byte
	err   error
	reads int
}

func (f *fakeBlobs) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.data[bucket+"/"+key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return body, nil
}

var testMetrics = monitoring.NewMetrics()

func newTestDispatcher(t *testing.T, store *memory.Store, outbound *fakeMailer, blobs *fakeBlobs) *MailDispatcher {
	t.Helper()
	if blobs == nil {
		blobs = &fakeBlobs{}
	}
	return NewMailDispatcher(
		store, blobs, outbound, filter.New(nil), testMetrics,
		"relay.test", "replies@relay.test", "mail-bucket", zap.NewNop(),
	)
}

func inboundEvent(dest, content string) *domain.InboundMailEvent {
	return &domain.InboundMailEvent{
		NotificationType: "Received",
		Mail: domain.MailMeta{
			Source:      "sender@example.com",
			Destination: []string{dest},
			CommonHeaders: domain.CommonHeaders{
				From:      []string{`"Alice Sender" <sender@example.com>`},
				Subject:   "hello",
				MessageID: "<orig@example.com>",
			},
		},
		Content: content,
	}
}

func seedAlias(t *testing.T, store *memory.Store, enabled bool) *domain.Alias {
	t.Helper()
	alias := &domain.Alias{
		LocalPart: "mask1",
		Domain:    "relay.test",
		UserID:    "user-1",
		UserEmail: "u@example.com",
		Enabled:   enabled,
	}
	require.NoError(t, store.SaveAlias(alias))
	return alias
}

func TestMailDispatcher_ForwardsToEnabledAlias(t *testing.T) {
	store := memory.NewStore()
	alias := seedAlias(t, store, true)
	outbound := &fakeMailer{}
	d := newTestDispatcher(t, store, outbound, nil)

	err := d.Dispatch(context.Background(), inboundEvent("mask1@relay.test", "hello"))

	require.NoError(t, err)
	require.Len(t, outbound.sent, 1)
	msg := outbound.sent[0]
	assert.Equal(t, "u@example.com", msg.To)
	assert.Contains(t, msg.From, "Alice Sender [via Relay]")
	assert.Contains(t, msg.From, "replies@relay.test")
	assert.Equal(t, "mask1@relay.test", msg.ReplyTo)
	assert.Equal(t, "<orig@example.com>", msg.Headers["Message-ID"])

	updated, err := store.GetAlias(alias.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.NumForwarded)
	assert.NotNil(t, updated.LastUsedAt)
}

func TestMailDispatcher_DisabledAliasBlocks(t *testing.T) {
	store := memory.NewStore()
	alias := seedAlias(t, store, false)
	outbound := &fakeMailer{}
	d := newTestDispatcher(t, store, outbound, nil)

	err := d.Dispatch(context.Background(), inboundEvent("mask1@relay.test", "hello"))

	require.NoError(t, err)
	assert.Empty(t, outbound.sent)

	updated, err := store.GetAlias(alias.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.NumBlocked)
	assert.Equal(t, 0, updated.NumForwarded)
}

func TestMailDispatcher_UnknownAliasIsPermanent(t *testing.T) {
	store := memory.NewStore()
	outbound := &fakeMailer{}
	d := newTestDispatcher(t, store, outbound, nil)

	err := d.Dispatch(context.Background(), inboundEvent("missing@relay.test", "hello"))

	var relayErr *domain.RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, domain.CodeNoSuchAlias, relayErr.Code)
	assert.Empty(t, outbound.sent)
}

func TestMailDispatcher_CustomMaskResolution(t *testing.T) {
	store := memory.NewStore()
	alias := &domain.Alias{
		LocalPart: "shop",
		Subdomain: "alice",
		Domain:    "relay.test",
		UserID:    "user-1",
		UserEmail: "u@example.com",
		Enabled:   true,
	}
	require.NoError(t, store.SaveAlias(alias))
	outbound := &fakeMailer{}
	d := newTestDispatcher(t, store, outbound, nil)

	err := d.Dispatch(context.Background(), inboundEvent("shop@alice.relay.test", "hi"))

	require.NoError(t, err)
	require.Len(t, outbound.sent, 1)
	assert.Equal(t, "shop@alice.relay.test", outbound.sent[0].ReplyTo)
}

func TestMailDispatcher_BlobBody(t *testing.T) {
	t.Run("大邮件体从对象存储取回", func(t *testing.T) {
		store := memory.NewStore()
		seedAlias(t, store, true)
		outbound := &fakeMailer{}
		blobs := &fakeBlobs{data: map[string][]byte{"mail-bucket/key1": []byte("<p>stored body</p>")}}
		d := newTestDispatcher(t, store, outbound, blobs)

		event := inboundEvent("mask1@relay.test", "")
		event.Receipt.Action = &domain.ReceiptAction{Type: "S3", BucketName: "mail-bucket", ObjectKey: "key1"}

		err := d.Dispatch(context.Background(), event)

		require.NoError(t, err)
		require.Len(t, outbound.sent, 1)
		assert.Equal(t, "<p>stored body</p>", outbound.sent[0].HTMLBody)
		assert.Equal(t, 1, blobs.reads)
	})

	t.Run("事件未带桶名时使用默认桶", func(t *testing.T) {
		store := memory.NewStore()
		seedAlias(t, store, true)
		outbound := &fakeMailer{}
		blobs := &fakeBlobs{data: map[string][]byte{"mail-bucket/key2": []byte("fallback body")}}
		d := newTestDispatcher(t, store, outbound, blobs)

		event := inboundEvent("mask1@relay.test", "")
		event.Receipt.Action = &domain.ReceiptAction{Type: "S3", ObjectKey: "key2"}

		err := d.Dispatch(context.Background(), event)

		require.NoError(t, err)
		require.Len(t, outbound.sent, 1)
		assert.Equal(t, "fallback body", outbound.sent[0].HTMLBody)
	})

	t.Run("对象存储故障时单次尝试后返回瞬时错误", func(t *testing.T) {
		store := memory.NewStore()
		seedAlias(t, store, true)
		outbound := &fakeMailer{}
		blobs := &fakeBlobs{err: errors.New("connection reset")}
		d := newTestDispatcher(t, store, outbound, blobs)

		event := inboundEvent("mask1@relay.test", "")
		event.Receipt.Action = &domain.ReceiptAction{Type: "S3", BucketName: "mail-bucket", ObjectKey: "key1"}

		err := d.Dispatch(context.Background(), event)

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodeBlobUnavailable, relayErr.Code)
		assert.Equal(t, 1, blobs.reads)
		assert.Empty(t, outbound.sent)
	})
}

func TestMailDispatcher_OutboundClassification(t *testing.T) {
	t.Run("限流错误归为瞬时", func(t *testing.T) {
		store := memory.NewStore()
		alias := seedAlias(t, store, true)
		outbound := &fakeMailer{results: []mailer.SendResult{
			{Status: mailer.StatusTransient, Code: "ThrottlingException"},
		}}
		d := newTestDispatcher(t, store, outbound, nil)

		err := d.Dispatch(context.Background(), inboundEvent("mask1@relay.test", "hello"))

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodeTransientOutbound, relayErr.Code)

		// 发送失败时不得累计转发数
		updated, _ := store.GetAlias(alias.ID)
		assert.Equal(t, 0, updated.NumForwarded)
	})

	t.Run("拒信错误归为永久", func(t *testing.T) {
		store := memory.NewStore()
		seedAlias(t, store, true)
		outbound := &fakeMailer{results: []mailer.SendResult{
			{Status: mailer.StatusPermanent, Code: "MessageRejected"},
		}}
		d := newTestDispatcher(t, store, outbound, nil)

		err := d.Dispatch(context.Background(), inboundEvent("mask1@relay.test", "hello"))

		var relayErr *domain.RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, domain.CodePermanentOutbound, relayErr.Code)
	})
}

// countingAliasStore 统计批量计数调用次数。
type countingAliasStore struct {
	*memory.Store
	bumpByCalls int
}

func (c *countingAliasStore) IncrementAliasCounterBy(id, counter string, n int) error {
	c.bumpByCalls++
	return c.Store.IncrementAliasCounterBy(id, counter, n)
}

func TestMailDispatcher_TrackerCounting(t *testing.T) {
	store := &countingAliasStore{Store: memory.NewStore()}
	alias := seedAlias(t, store.Store, true)
	outbound := &fakeMailer{}
	d := NewMailDispatcher(
		store, &fakeBlobs{}, outbound, filter.New(nil), testMetrics,
		"relay.test", "replies@relay.test", "mail-bucket", zap.NewNop(),
	)

	body := `<p>hi</p><img src="https://open.pixel-stats.io/a.gif"><img src="https://beacon.adsrv.example/b.gif">`
	err := d.Dispatch(context.Background(), inboundEvent("mask1@relay.test", body))

	require.NoError(t, err)
	require.Len(t, outbound.sent, 1)
	assert.NotContains(t, outbound.sent[0].HTMLBody, "pixel-stats")

	// 两个追踪器合并为一次累加
	updated, _ := store.GetAlias(alias.ID)
	assert.Equal(t, 2, updated.NumTrackersBlockedLevel1)
	assert.Equal(t, 1, store.bumpByCalls)
}

func TestMailDispatcher_SpamDropped(t *testing.T) {
	store := memory.NewStore()
	alias := seedAlias(t, store, true)
	outbound := &fakeMailer{}
	d := newTestDispatcher(t, store, outbound, nil)

	event := inboundEvent("mask1@relay.test", "hello")
	event.Receipt.SpamVerdict = &domain.ReceiptVerdict{Status: "FAIL"}

	err := d.Dispatch(context.Background(), event)

	require.NoError(t, err)
	assert.Empty(t, outbound.sent)

	updated, _ := store.GetAlias(alias.ID)
	assert.Equal(t, 1, updated.NumSpam)
	assert.Equal(t, 0, updated.NumForwarded)
}
