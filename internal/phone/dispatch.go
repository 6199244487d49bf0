package phone

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
)

// Dispatcher 处理电话供应商推送的入站短信与来电。
type Dispatcher struct {
	numbers  storage.RelayNumberRepository
	phones   storage.RealPhoneRepository
	contacts storage.InboundContactRepository
	sms      SMSSender
	metrics  *monitoring.Metrics
	log      *zap.Logger

	now func() time.Time
}

// NewDispatcher 创建电话分发器
func NewDispatcher(
	numbers storage.RelayNumberRepository,
	phones storage.RealPhoneRepository,
	contacts storage.InboundContactRepository,
	sms SMSSender,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		numbers:  numbers,
		phones:   phones,
		contacts: contacts,
		sms:      sms,
		metrics:  metrics,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleInboundSMS 处理一条入站短信。
//
// from 为所有者真实号码时按回信处理，其余按转发处理。
// 屏蔽与额度耗尽按成功消化，不向供应商报错。
func (d *Dispatcher) HandleInboundSMS(ctx context.Context, to, from, body string) error {
	relay, err := d.numbers.GetRelayNumberByNumber(to)
	if err != nil {
		if errors.Is(err, storage.ErrRelayNumberNotFound) {
			return domain.NewPipelineError(domain.CodeNoSuchAlias,
				fmt.Sprintf("no relay number matches %s", to), nil)
		}
		return err
	}

	owner, err := d.phones.GetVerifiedRealPhoneByUserID(relay.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrRealPhoneNotFound) {
			return domain.NewPipelineError(domain.CodeNoSuchAlias,
				fmt.Sprintf("relay number %s has no verified destination", relay.Number), nil)
		}
		return err
	}

	if from == owner.Number {
		return d.relayReply(ctx, relay, body)
	}
	return d.relayInbound(ctx, relay, owner, from, body)
}

// relayInbound 把外部号码的短信转给所有者，正文加上来源前缀。
func (d *Dispatcher) relayInbound(ctx context.Context, relay *domain.RelayNumber, owner *domain.RealPhone, from, body string) error {
	if !relay.Enabled {
		d.countBlockedText(relay, nil)
		d.log.Info("relay number disabled, dropping sms",
			zap.String("relay_number", relay.Number))
		return nil
	}

	contact, err := d.upsertContact(relay, from)
	if err != nil {
		return err
	}
	if contact != nil && contact.Blocked {
		d.countBlockedText(relay, contact)
		d.log.Info("sms from blocked contact dropped",
			zap.String("relay_number", relay.Number),
			zap.String("inbound_number", from))
		return nil
	}

	if relay.RemainingTexts <= 0 {
		d.countBlockedText(relay, contact)
		d.log.Warn("text budget exhausted, dropping sms",
			zap.String("relay_number", relay.Number))
		return nil
	}

	prefixed := fmt.Sprintf("[Relay %s] %s", from, body)
	if err := d.sms.SendSMS(ctx, relay.Number, owner.Number, prefixed); err != nil {
		return domain.NewPipelineError(domain.CodeTransientOutbound,
			"forward inbound sms", err)
	}

	if err := d.numbers.IncrementRelayNumberCounter(relay.ID, storage.CounterTexts); err != nil {
		d.log.Warn("failed to bump text counter", zap.Error(err))
	}
	if err := d.numbers.ConsumeRelayNumberTexts(relay.ID); err != nil {
		d.log.Warn("failed to consume text budget", zap.Error(err))
	}
	if contact != nil {
		if err := d.contacts.IncrementContactCounter(contact.ID, storage.CounterTexts); err != nil {
			d.log.Warn("failed to bump contact text counter", zap.Error(err))
		}
		if err := d.contacts.TouchContactLastInbound(contact.ID, d.now()); err != nil {
			d.log.Warn("failed to touch contact", zap.Error(err))
		}
	}
	d.metrics.SMSRelayed.Inc()
	return nil
}

var (
	fullNumberPrefix  = regexp.MustCompile(`^(\+\d{7,15})\b`)
	shortDigitsPrefix = regexp.MustCompile(`^(\d{4})(?:\s|$)`)
)

// relayReply 把所有者发给中继号码的短信转回原始来电者。
//
// 正文决定目的地：
//   - "+E164 正文" 回给指定号码
//   - "1234 正文" 回给末四位匹配的唯一联系人
//   - 无前缀时回给最近一个来电联系人
//
// 路由失败返回 sms_reply 类错误，由传输层转成提示短信回告所有者。
func (d *Dispatcher) relayReply(ctx context.Context, relay *domain.RelayNumber, body string) error {
	if !relay.StorePhoneLog {
		return domain.NewSMSReplyError(domain.CodeNoPhoneLog,
			"phone log is disabled, replies cannot be routed")
	}

	contacts, err := d.contacts.ListContactsByRelayNumber(relay.ID)
	if err != nil {
		return err
	}

	var (
		target  *domain.InboundContact
		payload string
	)

	switch {
	case fullNumberPrefix.MatchString(body):
		number := fullNumberPrefix.FindStringSubmatch(body)[1]
		payload = strings.TrimSpace(strings.TrimPrefix(body, number))
		if payload == "" {
			return domain.NewSMSReplyError(domain.CodeNoBodyAfterFullNumber,
				"nothing to send after the phone number")
		}
		for i := range contacts {
			if contacts[i].InboundNumber == number {
				target = &contacts[i]
				break
			}
		}
		if target == nil {
			return domain.NewSMSReplyError(domain.CodeFullNumberNoSenders,
				"no previous sender matches that number")
		}

	case shortDigitsPrefix.MatchString(body):
		digits := shortDigitsPrefix.FindStringSubmatch(body)[1]
		payload = strings.TrimSpace(strings.TrimPrefix(body, digits))
		if payload == "" {
			return domain.NewSMSReplyError(domain.CodeNoBodyAfterShortPrefix,
				"nothing to send after the number prefix")
		}
		var matches []*domain.InboundContact
		for i := range contacts {
			if strings.HasSuffix(contacts[i].InboundNumber, digits) {
				matches = append(matches, &contacts[i])
			}
		}
		switch len(matches) {
		case 0:
			return domain.NewSMSReplyError(domain.CodeShortPrefixNoSenders,
				"no previous sender matches those digits")
		case 1:
			target = matches[0]
		default:
			return domain.NewSMSReplyError(domain.CodeMultipleNumberMatches,
				"multiple previous senders match those digits").
				WithContext("matches", len(matches))
		}

	default:
		payload = body
		for i := range contacts {
			if contacts[i].NumTexts == 0 {
				continue
			}
			if target == nil || contacts[i].LastInboundAt.After(target.LastInboundAt) {
				target = &contacts[i]
			}
		}
		if target == nil {
			return domain.NewSMSReplyError(domain.CodeNoPreviousSender,
				"no previous sender to reply to")
		}
	}

	if err := d.sms.SendSMS(ctx, relay.Number, target.InboundNumber, payload); err != nil {
		return domain.NewPipelineError(domain.CodeTransientOutbound,
			"forward reply sms", err)
	}

	d.metrics.SMSRelayed.Inc()
	d.log.Info("reply relayed",
		zap.String("relay_number", relay.Number),
		zap.String("to", target.InboundNumber))
	return nil
}

// twimlResponse 供应商语音应答文档。
type twimlResponse struct {
	XMLName xml.Name   `xml:"Response"`
	Reject  *struct{}  `xml:"Reject,omitempty"`
	Dial    *twimlDial `xml:"Dial,omitempty"`
}

type twimlDial struct {
	CallerID string `xml:"callerId,attr"`
	Number   string `xml:",chardata"`
}

// HandleInboundCall 处理一次来电，返回给供应商的应答 XML。
//
// 转接时以中继号码作为主叫显示，真实号码不暴露给来电者。
func (d *Dispatcher) HandleInboundCall(ctx context.Context, to, from string) (string, error) {
	relay, err := d.numbers.GetRelayNumberByNumber(to)
	if err != nil {
		if errors.Is(err, storage.ErrRelayNumberNotFound) {
			return renderTwiML(&twimlResponse{Reject: &struct{}{}})
		}
		return "", err
	}

	owner, err := d.phones.GetVerifiedRealPhoneByUserID(relay.UserID)
	if err != nil {
		return renderTwiML(&twimlResponse{Reject: &struct{}{}})
	}

	if !relay.Enabled {
		d.countBlockedCall(relay, nil)
		return renderTwiML(&twimlResponse{Reject: &struct{}{}})
	}

	contact, err := d.upsertContact(relay, from)
	if err != nil {
		return "", err
	}
	if contact != nil && contact.Blocked {
		d.countBlockedCall(relay, contact)
		return renderTwiML(&twimlResponse{Reject: &struct{}{}})
	}

	// 通话时长在接通时未知，余额由挂断后的供应商用量同步结算
	if relay.RemainingSeconds <= 0 {
		d.countBlockedCall(relay, contact)
		return renderTwiML(&twimlResponse{Reject: &struct{}{}})
	}

	if err := d.numbers.IncrementRelayNumberCounter(relay.ID, storage.CounterCalls); err != nil {
		d.log.Warn("failed to bump call counter", zap.Error(err))
	}
	if contact != nil {
		if err := d.contacts.IncrementContactCounter(contact.ID, storage.CounterCalls); err != nil {
			d.log.Warn("failed to bump contact call counter", zap.Error(err))
		}
		if err := d.contacts.TouchContactLastInbound(contact.ID, d.now()); err != nil {
			d.log.Warn("failed to touch contact", zap.Error(err))
		}
	}
	d.metrics.CallsRelayed.Inc()

	return renderTwiML(&twimlResponse{
		Dial: &twimlDial{CallerID: relay.Number, Number: owner.Number},
	})
}

// upsertContact 按需建立联系人记录，所有者关闭通话记录时返回 nil。
func (d *Dispatcher) upsertContact(relay *domain.RelayNumber, inboundNumber string) (*domain.InboundContact, error) {
	if !relay.StorePhoneLog {
		return nil, nil
	}

	contact, err := d.contacts.GetInboundContact(relay.ID, inboundNumber)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, storage.ErrContactNotFound) {
		return nil, err
	}

	contact = &domain.InboundContact{
		RelayNumberID: relay.ID,
		InboundNumber: inboundNumber,
		LastInboundAt: d.now(),
	}
	if err := d.contacts.SaveInboundContact(contact); err != nil {
		return nil, err
	}
	return contact, nil
}

func (d *Dispatcher) countBlockedText(relay *domain.RelayNumber, contact *domain.InboundContact) {
	if err := d.numbers.IncrementRelayNumberCounter(relay.ID, storage.CounterTextsBlocked); err != nil {
		d.log.Warn("failed to bump blocked text counter", zap.Error(err))
	}
	if contact != nil {
		if err := d.contacts.IncrementContactCounter(contact.ID, storage.CounterTextsBlocked); err != nil {
			d.log.Warn("failed to bump contact blocked text counter", zap.Error(err))
		}
	}
	d.metrics.SMSBlocked.Inc()
}

func (d *Dispatcher) countBlockedCall(relay *domain.RelayNumber, contact *domain.InboundContact) {
	if err := d.numbers.IncrementRelayNumberCounter(relay.ID, storage.CounterCallsBlocked); err != nil {
		d.log.Warn("failed to bump blocked call counter", zap.Error(err))
	}
	if contact != nil {
		if err := d.contacts.IncrementContactCounter(contact.ID, storage.CounterCallsBlocked); err != nil {
			d.log.Warn("failed to bump contact blocked call counter", zap.Error(err))
		}
	}
	d.metrics.CallsBlocked.Inc()
}

// renderTwiML 序列化应答文档，带 XML 头。
func renderTwiML(resp *twimlResponse) (string, error) {
	data, err := xml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("marshal twiml: %w", err)
	}
	return xml.Header + string(data), nil
}
