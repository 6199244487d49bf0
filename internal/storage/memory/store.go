package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

// Store 内存存储实现，开发环境与测试使用。
type Store struct {
	mu sync.RWMutex

	aliases        map[string]*domain.Alias
	deletedAliases map[string]*domain.DeletedAlias // addressHash → 归档
	realPhones     map[string]*domain.RealPhone
	relayNumbers   map[string]*domain.RelayNumber
	contacts       map[string]*domain.InboundContact

	rateLimits map[string]*rateWindow
}

type rateWindow struct {
	count     int64
	expiresAt time.Time
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		aliases:        make(map[string]*domain.Alias),
		deletedAliases: make(map[string]*domain.DeletedAlias),
		realPhones:     make(map[string]*domain.RealPhone),
		relayNumbers:   make(map[string]*domain.RelayNumber),
		contacts:       make(map[string]*domain.InboundContact),
		rateLimits:     make(map[string]*rateWindow),
	}
}

// ---- AliasRepository ----

// SaveAlias 保存别名（新建或覆盖）。
func (s *Store) SaveAlias(alias *domain.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alias.ID == "" {
		alias.ID = uuid.NewString()
	}
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = time.Now().UTC()
	}
	copied := *alias
	s.aliases[alias.ID] = &copied
	return nil
}

// GetAlias 按 ID 查询别名。
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alias, ok := s.aliases[id]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	copied := *alias
	return &copied, nil
}

// GetAliasByLocalPart 查询随机掩码。
func (s *Store) GetAliasByLocalPart(localPart string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, alias := range s.aliases {
		if alias.Subdomain == "" && alias.LocalPart == localPart {
			copied := *alias
			return &copied, nil
		}
	}
	return nil, storage.ErrAliasNotFound
}

// GetAliasByCustomMask 查询自定义掩码。
func (s *Store) GetAliasByCustomMask(subdomain, localPart string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, alias := range s.aliases {
		if alias.Subdomain == subdomain && alias.LocalPart == localPart {
			copied := *alias
			return &copied, nil
		}
	}
	return nil, storage.ErrAliasNotFound
}

// ListAliasesByUserID 列出用户的全部别名。
func (s *Store) ListAliasesByUserID(userID string) ([]domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Alias
	for _, alias := range s.aliases {
		if alias.UserID == userID {
			out = append(out, *alias)
		}
	}
	return out, nil
}

// CountAliasesByUserID 统计用户的别名数。
func (s *Store) CountAliasesByUserID(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, alias := range s.aliases {
		if alias.UserID == userID {
			count++
		}
	}
	return count, nil
}

// IncrementAliasCounter 原子自增计数器列。
func (s *Store) IncrementAliasCounter(id, counter string) error {
	return s.IncrementAliasCounterBy(id, counter, 1)
}

// IncrementAliasCounterBy 原子累加计数器列。
func (s *Store) IncrementAliasCounterBy(id, counter string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alias, ok := s.aliases[id]
	if !ok {
		return storage.ErrAliasNotFound
	}

	switch counter {
	case storage.CounterForwarded:
		alias.NumForwarded += n
	case storage.CounterBlocked:
		alias.NumBlocked += n
	case storage.CounterSpam:
		alias.NumSpam += n
	case storage.CounterReplied:
		alias.NumReplied += n
	case storage.CounterTrackersLevel1:
		alias.NumTrackersBlockedLevel1 += n
	}
	return nil
}

// TouchAliasLastUsed 更新最近使用时间。
func (s *Store) TouchAliasLastUsed(id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alias, ok := s.aliases[id]
	if !ok {
		return storage.ErrAliasNotFound
	}
	alias.LastUsedAt = &usedAt
	return nil
}

// DeleteAlias 删除别名并归档地址哈希与最终计数。
func (s *Store) DeleteAlias(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alias, ok := s.aliases[id]
	if !ok {
		return storage.ErrAliasNotFound
	}

	hash := domain.HashAliasAddress(alias.Address())
	s.deletedAliases[hash] = &domain.DeletedAlias{
		ID:           uuid.NewString(),
		AddressHash:  hash,
		NumForwarded: alias.NumForwarded,
		NumBlocked:   alias.NumBlocked,
		NumSpam:      alias.NumSpam,
		NumReplied:   alias.NumReplied,
		DeletedAt:    time.Now().UTC(),
	}
	delete(s.aliases, id)
	return nil
}

// GetDeletedAliasByHash 按地址哈希查询归档。
func (s *Store) GetDeletedAliasByHash(addressHash string) (*domain.DeletedAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	archived, ok := s.deletedAliases[addressHash]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	copied := *archived
	return &copied, nil
}

// ---- RealPhoneRepository ----

// SaveRealPhone 保存真实号码记录。
func (s *Store) SaveRealPhone(phone *domain.RealPhone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if phone.ID == "" {
		phone.ID = uuid.NewString()
	}
	if phone.CreatedAt.IsZero() {
		phone.CreatedAt = time.Now().UTC()
	}
	copied := *phone
	s.realPhones[phone.ID] = &copied
	return nil
}

// UpdateRealPhone 更新真实号码记录。
func (s *Store) UpdateRealPhone(phone *domain.RealPhone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.realPhones[phone.ID]; !ok {
		return storage.ErrRealPhoneNotFound
	}
	copied := *phone
	s.realPhones[phone.ID] = &copied
	return nil
}

// GetVerifiedRealPhoneByUserID 查询用户唯一的已验证记录。
func (s *Store) GetVerifiedRealPhoneByUserID(userID string) (*domain.RealPhone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, phone := range s.realPhones {
		if phone.UserID == userID && phone.Verified {
			copied := *phone
			return &copied, nil
		}
	}
	return nil, storage.ErrRealPhoneNotFound
}

// GetRealPhonesByNumber 返回同一号码的全部记录。
func (s *Store) GetRealPhonesByNumber(number string) ([]domain.RealPhone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.RealPhone
	for _, phone := range s.realPhones {
		if phone.Number == number {
			out = append(out, *phone)
		}
	}
	return out, nil
}

// GetRealPhoneByUserAndNumber 查询用户指定号码的记录。
func (s *Store) GetRealPhoneByUserAndNumber(userID, number string) (*domain.RealPhone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, phone := range s.realPhones {
		if phone.UserID == userID && phone.Number == number {
			copied := *phone
			return &copied, nil
		}
	}
	return nil, storage.ErrRealPhoneNotFound
}

// DeleteRealPhone 删除真实号码记录。
func (s *Store) DeleteRealPhone(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.realPhones[id]; !ok {
		return storage.ErrRealPhoneNotFound
	}
	delete(s.realPhones, id)
	return nil
}

// ---- RelayNumberRepository ----

// SaveRelayNumber 保存中继号码，每个用户至多一个。
func (s *Store) SaveRelayNumber(number *domain.RelayNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if number.ID == "" {
		for _, existing := range s.relayNumbers {
			if existing.UserID == number.UserID {
				return storage.ErrRelayNumberExists
			}
		}
		number.ID = uuid.NewString()
	}
	if number.CreatedAt.IsZero() {
		number.CreatedAt = time.Now().UTC()
	}
	copied := *number
	s.relayNumbers[number.ID] = &copied
	return nil
}

// GetRelayNumberByNumber 按 E.164 号码查询。
func (s *Store) GetRelayNumberByNumber(number string) (*domain.RelayNumber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, relay := range s.relayNumbers {
		if relay.Number == number {
			copied := *relay
			return &copied, nil
		}
	}
	return nil, storage.ErrRelayNumberNotFound
}

// GetRelayNumberByUserID 查询用户的中继号码。
func (s *Store) GetRelayNumberByUserID(userID string) (*domain.RelayNumber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, relay := range s.relayNumbers {
		if relay.UserID == userID {
			copied := *relay
			return &copied, nil
		}
	}
	return nil, storage.ErrRelayNumberNotFound
}

// IncrementRelayNumberCounter 原子自增中继号码计数器。
func (s *Store) IncrementRelayNumberCounter(id, counter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	relay, ok := s.relayNumbers[id]
	if !ok {
		return storage.ErrRelayNumberNotFound
	}

	switch counter {
	case storage.CounterTexts:
		relay.NumTexts++
	case storage.CounterTextsBlocked:
		relay.NumTextsBlocked++
	case storage.CounterCalls:
		relay.NumCalls++
	case storage.CounterCallsBlocked:
		relay.NumCallsBlocked++
	}
	return nil
}

// ConsumeRelayNumberTexts 原子扣减一条剩余短信额度。
func (s *Store) ConsumeRelayNumberTexts(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	relay, ok := s.relayNumbers[id]
	if !ok {
		return storage.ErrRelayNumberNotFound
	}
	relay.RemainingTexts--
	return nil
}

// ---- InboundContactRepository ----

func contactKey(relayNumberID, inboundNumber string) string {
	return relayNumberID + "|" + inboundNumber
}

// SaveInboundContact 保存入站联系人。
func (s *Store) SaveInboundContact(contact *domain.InboundContact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = time.Now().UTC()
	}
	copied := *contact
	s.contacts[contactKey(contact.RelayNumberID, contact.InboundNumber)] = &copied
	return nil
}

// GetInboundContact 查询联系人。
func (s *Store) GetInboundContact(relayNumberID, inboundNumber string) (*domain.InboundContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contact, ok := s.contacts[contactKey(relayNumberID, inboundNumber)]
	if !ok {
		return nil, storage.ErrContactNotFound
	}
	copied := *contact
	return &copied, nil
}

// ListContactsByRelayNumber 列出中继号码的全部联系人。
func (s *Store) ListContactsByRelayNumber(relayNumberID string) ([]domain.InboundContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.InboundContact
	for _, contact := range s.contacts {
		if contact.RelayNumberID == relayNumberID {
			out = append(out, *contact)
		}
	}
	return out, nil
}

// IncrementContactCounter 原子自增联系人计数器。
func (s *Store) IncrementContactCounter(id, counter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, contact := range s.contacts {
		if contact.ID != id {
			continue
		}
		switch counter {
		case storage.CounterTexts:
			contact.NumTexts++
		case storage.CounterTextsBlocked:
			contact.NumTextsBlocked++
		case storage.CounterCalls:
			contact.NumCalls++
		case storage.CounterCallsBlocked:
			contact.NumCallsBlocked++
		}
		return nil
	}
	return storage.ErrContactNotFound
}

// TouchContactLastInbound 更新最近来电时间。
func (s *Store) TouchContactLastInbound(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, contact := range s.contacts {
		if contact.ID == id {
			contact.LastInboundAt = at
			return nil
		}
	}
	return storage.ErrContactNotFound
}

// ---- RateLimitRepository ----

// IncrementRateLimit 窗口计数自增，窗口过期后重新计数。
func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.rateLimits[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &rateWindow{expiresAt: now.Add(window)}
		s.rateLimits[key] = entry
	}
	entry.count++
	return entry.count, nil
}

// ---- 工具方法 ----

// Close 关闭存储（内存实现为空操作）。
func (s *Store) Close() error {
	return nil
}

// Health 健康检查（内存实现恒为健康）。
func (s *Store) Health() error {
	return nil
}
