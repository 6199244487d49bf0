package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/blob"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/filter"
	"relaymail/backend/internal/mailer"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
)

// BodyFetcher 大邮件体的对象存储读取接口。
type BodyFetcher interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// MailDispatcher 把已验证的入站邮件事件落实为转发动作。
type MailDispatcher struct {
	store       storage.AliasRepository
	blobs       BodyFetcher
	mailer      mailer.Mailer
	filter      *filter.Filter
	metrics     *monitoring.Metrics
	relayDomain string
	fromAddress string
	blobBucket  string
	log         *zap.Logger
}

// NewMailDispatcher 创建邮件分发器
//
// blobBucket 为事件未携带桶名时的默认对象存储桶。
func NewMailDispatcher(
	store storage.AliasRepository,
	blobs BodyFetcher,
	outbound mailer.Mailer,
	contentFilter *filter.Filter,
	metrics *monitoring.Metrics,
	relayDomain string,
	fromAddress string,
	blobBucket string,
	log *zap.Logger,
) *MailDispatcher {
	return &MailDispatcher{
		store:       store,
		blobs:       blobs,
		mailer:      outbound,
		filter:      contentFilter,
		metrics:     metrics,
		relayDomain: strings.ToLower(relayDomain),
		fromAddress: fromAddress,
		blobBucket:  blobBucket,
		log:         log,
	}
}

// Dispatch 处理一封入站邮件
//
// 永久性的业务决策（别名停用、垃圾判定、屏蔽）按成功返回，
// 不触发队列重试；返回错误时由 Worker 按错误码归类处置。
func (d *MailDispatcher) Dispatch(ctx context.Context, event *domain.InboundMailEvent) error {
	alias, err := d.resolveAlias(event.Mail.Destination)
	if err != nil {
		return err
	}

	if !alias.Enabled {
		// 停用的别名照常消费消息，只累计屏蔽数
		if err := d.store.IncrementAliasCounter(alias.ID, storage.CounterBlocked); err != nil {
			d.log.Warn("failed to bump blocked counter", zap.String("alias_id", alias.ID), zap.Error(err))
		}
		d.metrics.EmailsBlocked.Inc()
		d.log.Info("alias disabled, dropping mail",
			zap.String("alias_id", alias.ID),
			zap.String("source", event.Mail.Source),
		)
		return nil
	}

	body, err := d.acquireBody(ctx, event)
	if err != nil {
		return err
	}

	result := d.filter.Apply(event.Mail.Source, event.SpamFlagged(), body)
	switch result.Decision {
	case filter.DecisionBlock:
		if err := d.store.IncrementAliasCounter(alias.ID, storage.CounterBlocked); err != nil {
			d.log.Warn("failed to bump blocked counter", zap.String("alias_id", alias.ID), zap.Error(err))
		}
		d.metrics.EmailsBlocked.Inc()
		d.log.Info("mail blocked", zap.String("alias_id", alias.ID), zap.String("reason", result.Reason))
		return nil

	case filter.DecisionSpam:
		if err := d.store.IncrementAliasCounter(alias.ID, storage.CounterSpam); err != nil {
			d.log.Warn("failed to bump spam counter", zap.String("alias_id", alias.ID), zap.Error(err))
		}
		d.metrics.EmailsSpam.Inc()
		d.log.Info("mail dropped as spam", zap.String("alias_id", alias.ID), zap.String("reason", result.Reason))
		return nil
	}

	if result.TrackersRemoved > 0 {
		if err := d.store.IncrementAliasCounterBy(alias.ID, storage.CounterTrackersLevel1, result.TrackersRemoved); err != nil {
			d.log.Warn("failed to bump tracker counter", zap.String("alias_id", alias.ID), zap.Error(err))
		}
		d.metrics.TrackersRemoved.Add(float64(result.TrackersRemoved))
	}

	outbound := d.renderForward(event, alias, result.HTML)
	sendResult := d.mailer.Send(ctx, outbound)
	switch sendResult.Status {
	case mailer.StatusTransient:
		return domain.NewPipelineError(domain.CodeTransientOutbound,
			fmt.Sprintf("outbound send throttled (%s)", sendResult.Code), sendResult.Err)
	case mailer.StatusPermanent:
		return domain.NewPipelineError(domain.CodePermanentOutbound,
			fmt.Sprintf("outbound send rejected (%s)", sendResult.Code), sendResult.Err)
	}

	if err := d.store.IncrementAliasCounter(alias.ID, storage.CounterForwarded); err != nil {
		d.log.Warn("failed to bump forwarded counter", zap.String("alias_id", alias.ID), zap.Error(err))
	}
	if err := d.store.TouchAliasLastUsed(alias.ID, time.Now().UTC()); err != nil {
		d.log.Warn("failed to touch last_used_at", zap.String("alias_id", alias.ID), zap.Error(err))
	}
	d.metrics.EmailsForwarded.Inc()

	d.log.Info("mail forwarded",
		zap.String("alias_id", alias.ID),
		zap.String("to", alias.UserEmail),
		zap.Int("trackers_removed", result.TrackersRemoved),
	)
	return nil
}

// resolveAlias 在收件人列表中找出属于中继域的掩码并解析。
//
// local@relaydomain 为随机掩码；local@sub.relaydomain 为自定义掩码。
func (d *MailDispatcher) resolveAlias(destinations []string) (*domain.Alias, error) {
	for _, dest := range destinations {
		addr := strings.ToLower(strings.TrimSpace(dest))
		at := strings.LastIndex(addr, "@")
		if at < 0 {
			continue
		}
		localPart, host := addr[:at], addr[at+1:]

		if host == d.relayDomain {
			alias, err := d.store.GetAliasByLocalPart(localPart)
			if err == nil {
				return alias, nil
			}
			if !errors.Is(err, storage.ErrAliasNotFound) {
				return nil, err
			}
			continue
		}

		if strings.HasSuffix(host, "."+d.relayDomain) {
			subdomain := strings.TrimSuffix(host, "."+d.relayDomain)
			alias, err := d.store.GetAliasByCustomMask(subdomain, localPart)
			if err == nil {
				return alias, nil
			}
			if !errors.Is(err, storage.ErrAliasNotFound) {
				return nil, err
			}
		}
	}

	return nil, domain.NewPipelineError(domain.CodeNoSuchAlias,
		fmt.Sprintf("no alias matches destinations %v", destinations), nil)
}

// acquireBody 取得邮件体：内联优先，否则对对象存储做一次读取。
//
// 对象存储的读取每个信封至多一次，失败交给可见性租约带来的重投。
func (d *MailDispatcher) acquireBody(ctx context.Context, event *domain.InboundMailEvent) (string, error) {
	if event.HasInlineContent() {
		return event.Content, nil
	}

	bucket, key := event.BlobRef()
	if bucket == "" {
		// 摄取服务省略桶名时落回配置的默认桶
		bucket = d.blobBucket
	}
	if bucket == "" || key == "" {
		return "", domain.NewPipelineError(domain.CodeMalformedEnvelope,
			"mail event carries neither inline content nor blob reference", nil)
	}

	body, err := d.blobs.Get(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return "", domain.NewPipelineError(domain.CodePermanentOutbound,
				fmt.Sprintf("mail body s3://%s/%s is gone", bucket, key), err)
		}
		return "", domain.NewPipelineError(domain.CodeBlobUnavailable,
			fmt.Sprintf("mail body s3://%s/%s unavailable", bucket, key), err)
	}
	return string(body), nil
}

// renderForward 组装转发邮件：改写 From 保留原显示名，保留 Message-ID 与 References。
func (d *MailDispatcher) renderForward(event *domain.InboundMailEvent, alias *domain.Alias, htmlBody string) *mailer.OutboundMessage {
	displayName := event.Mail.Source
	if parsed, err := mail.ParseAddress(originalFrom(event)); err == nil {
		if parsed.Name != "" {
			displayName = parsed.Name
		} else {
			displayName = parsed.Address
		}
	}

	from := fmt.Sprintf("%q <%s>", displayName+" [via Relay]", d.fromAddress)

	headers := make(map[string]string)
	if event.Mail.CommonHeaders.MessageID != "" {
		headers["Message-ID"] = event.Mail.CommonHeaders.MessageID
	}
	if event.Mail.CommonHeaders.References != "" {
		headers["References"] = event.Mail.CommonHeaders.References
	}
	if event.Mail.CommonHeaders.InReplyTo != "" {
		headers["In-Reply-To"] = event.Mail.CommonHeaders.InReplyTo
	}

	return &mailer.OutboundMessage{
		From:     from,
		To:       alias.UserEmail,
		ReplyTo:  alias.Address(),
		Subject:  event.Mail.CommonHeaders.Subject,
		HTMLBody: htmlBody,
		Headers:  headers,
	}
}

// originalFrom 返回原始 From 头，缺失时退回信封源地址。
func originalFrom(event *domain.InboundMailEvent) string {
	if len(event.Mail.CommonHeaders.From) > 0 {
		return event.Mail.CommonHeaders.From[0]
	}
	return event.Mail.Source
}
