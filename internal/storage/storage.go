package storage

import (
	"errors"
	"time"

	"relaymail/backend/internal/domain"
)

var (
	// ErrAliasNotFound 别名未找到错误
	ErrAliasNotFound = errors.New("alias not found")
	// ErrRealPhoneNotFound 真实号码记录未找到错误
	ErrRealPhoneNotFound = errors.New("real phone not found")
	// ErrRelayNumberNotFound 中继号码未找到错误
	ErrRelayNumberNotFound = errors.New("relay number not found")
	// ErrContactNotFound 入站联系人未找到错误
	ErrContactNotFound = errors.New("inbound contact not found")
	// ErrRelayNumberExists 用户已有中继号码错误
	ErrRelayNumberExists = errors.New("relay number already exists for user")
)

// 别名计数器列名。计数器更新走存储层的原子自增，
// at-least-once 投递下自增可交换，不需要读改写。
const (
	CounterForwarded       = "num_forwarded"
	CounterBlocked         = "num_blocked"
	CounterSpam            = "num_spam"
	CounterReplied         = "num_replied"
	CounterTrackersLevel1  = "num_level_one_trackers_blocked"
)

// 中继号码与联系人计数器列名。
const (
	CounterTexts        = "num_texts"
	CounterTextsBlocked = "num_texts_blocked"
	CounterCalls        = "num_calls"
	CounterCallsBlocked = "num_calls_blocked"
)

// AliasRepository 定义邮箱别名数据存取操作。
type AliasRepository interface {
	SaveAlias(alias *domain.Alias) error
	GetAlias(id string) (*domain.Alias, error)
	// GetAliasByLocalPart 查询随机掩码（无子域）
	GetAliasByLocalPart(localPart string) (*domain.Alias, error)
	// GetAliasByCustomMask 查询自定义掩码 (子域, 本地部分)
	GetAliasByCustomMask(subdomain, localPart string) (*domain.Alias, error)
	ListAliasesByUserID(userID string) ([]domain.Alias, error)
	CountAliasesByUserID(userID string) (int, error)
	// IncrementAliasCounter 原子自增计数器列
	IncrementAliasCounter(id, counter string) error
	// IncrementAliasCounterBy 原子累加计数器列，批量计数用单次更新完成
	IncrementAliasCounterBy(id, counter string, n int) error
	TouchAliasLastUsed(id string, usedAt time.Time) error
	// DeleteAlias 删除别名并归档地址哈希与最终计数
	DeleteAlias(id string) error
	GetDeletedAliasByHash(addressHash string) (*domain.DeletedAlias, error)
}

// RealPhoneRepository 定义真实号码验证记录的存取操作。
type RealPhoneRepository interface {
	SaveRealPhone(phone *domain.RealPhone) error
	UpdateRealPhone(phone *domain.RealPhone) error
	// GetVerifiedRealPhoneByUserID 查询用户唯一的已验证记录
	GetVerifiedRealPhoneByUserID(userID string) (*domain.RealPhone, error)
	// GetRealPhonesByNumber 返回同一 E.164 号码的全部记录（含待验证）
	GetRealPhonesByNumber(number string) ([]domain.RealPhone, error)
	GetRealPhoneByUserAndNumber(userID, number string) (*domain.RealPhone, error)
	DeleteRealPhone(id string) error
}

// RelayNumberRepository 定义中继号码的存取操作。
type RelayNumberRepository interface {
	SaveRelayNumber(number *domain.RelayNumber) error
	GetRelayNumberByNumber(number string) (*domain.RelayNumber, error)
	GetRelayNumberByUserID(userID string) (*domain.RelayNumber, error)
	IncrementRelayNumberCounter(id, counter string) error
	// ConsumeRelayNumberTexts 原子扣减一条剩余短信额度
	ConsumeRelayNumberTexts(id string) error
}

// InboundContactRepository 定义入站联系人的存取操作。
type InboundContactRepository interface {
	SaveInboundContact(contact *domain.InboundContact) error
	GetInboundContact(relayNumberID, inboundNumber string) (*domain.InboundContact, error)
	// ListContactsByRelayNumber 列出中继号码的全部联系人，回信路由使用
	ListContactsByRelayNumber(relayNumberID string) ([]domain.InboundContact, error)
	IncrementContactCounter(id, counter string) error
	TouchContactLastInbound(id string, at time.Time) error
}

// RateLimitRepository 定义限流操作。
type RateLimitRepository interface {
	IncrementRateLimit(key string, window time.Duration) (int64, error)
}

// Store 定义完整的存储接口。
type Store interface {
	AliasRepository
	RealPhoneRepository
	RelayNumberRepository
	InboundContactRepository
	RateLimitRepository

	// 工具方法
	Close() error
	Health() error
}
