package sql

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver (pgx)
	"github.com/google/uuid"
	gormmysql "gorm.io/driver/mysql"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）。
type Store struct {
	db     *sql.DB
	gormDB *gorm.DB
}

// NewStore 创建 SQL 数据库存储
//
// 参数:
//   - driverName: "mysql" 或 "postgres"
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	sqlDriver := driverName
	if driverName == "postgres" {
		sqlDriver = "pgx"
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var gormDB *gorm.DB
	if driverName == "mysql" {
		gormDB, err = gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), gormConfig)
	} else {
		gormDB, err = gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db}), gormConfig)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{db: db, gormDB: gormDB}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 执行数据库迁移（使用 GORM AutoMigrate）。
func (s *Store) migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.Alias{},
		&domain.DeletedAlias{},
		&domain.RealPhone{},
		&domain.RelayNumber{},
		&domain.InboundContact{},
		&rateLimitEntry{},
	)
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态。
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// ---- AliasRepository ----

// SaveAlias 保存别名。
func (s *Store) SaveAlias(alias *domain.Alias) error {
	if alias.ID == "" {
		alias.ID = uuid.NewString()
	}
	return s.gormDB.Save(alias).Error
}

// GetAlias 按 ID 查询别名。
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	var alias domain.Alias
	err := s.gormDB.First(&alias, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, storage.ErrAliasNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alias, nil
}

// GetAliasByLocalPart 查询随机掩码。
func (s *Store) GetAliasByLocalPart(localPart string) (*domain.Alias, error) {
	var alias domain.Alias
	err := s.gormDB.First(&alias, "local_part = ? AND subdomain = ''", localPart).Error
	if err == gorm.ErrRecordNotFound {
		return nil, storage.ErrAliasNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alias, nil
}

// GetAliasByCustomMask 查询自定义掩码。
func (s *Store) GetAliasByCustomMask(subdomain, localPart string) (*domain.Alias, error) {
	var alias domain.Alias
	err := s.gormDB.First(&alias, "subdomain = ? AND local_part = ?", subdomain, localPart).Error
	if err == gorm.ErrRecordNotFound {
		return nil, storage.ErrAliasNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alias, nil
}

// ListAliasesByUserID 列出用户的全部别名。
func (s *Store) ListAliasesByUserID(userID string) ([]domain.Alias, error) {
	var aliases []domain.Alias
	err := s.gormDB.Where("user_id = ?", userID).Find(&aliases).Error
	return aliases, err
}

// CountAliasesByUserID 统计用户的别名数。
func (s *Store) CountAliasesByUserID(userID string) (int, error) {
	var count int64
	err := s.gormDB.Model(&domain.Alias{}).Where("user_id = ?", userID).Count(&count).Error
	return int(count), err
}

// IncrementAliasCounter 原子自增计数器列。
//
// 用数据库端的自增表达式，避免读改写在行锁竞争下丢失更新。
func (s *Store) IncrementAliasCounter(id, counter string) error {
	return s.IncrementAliasCounterBy(id, counter, 1)
}

// IncrementAliasCounterBy 原子累加计数器列，单条 UPDATE 完成批量计数。
func (s *Store) IncrementAliasCounterBy(id, counter string, n int) error {
	if !validCounter(counter) {
		return fmt.Errorf("unknown alias counter column %q", counter)
	}
	result := s.gormDB.Model(&domain.Alias{}).
		Where("id = ?", id).
		UpdateColumn(counter, gorm.Expr(counter+" + ?", n))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAliasNotFound
	}
	return nil
}

// TouchAliasLastUsed 更新最近使用时间。
func (s *Store) TouchAliasLastUsed(id string, usedAt time.Time) error {
	return s.gormDB.Model(&domain.Alias{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", usedAt).Error
}

// DeleteAlias 删除别名并在同一事务内归档。
func (s *Store) DeleteAlias(id string) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		var alias domain.Alias
		if err := tx.First(&alias, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return storage.ErrAliasNotFound
			}
			return err
		}

		archived := &domain.DeletedAlias{
			ID:           uuid.NewString(),
			AddressHash:  domain.HashAliasAddress(alias.Address()),
			NumForwarded: alias.NumForwarded,
			NumBlocked:   alias.NumBlocked,
			NumSpam:      alias.NumSpam,
			NumReplied:   alias.NumReplied,
			DeletedAt:    time.Now().UTC(),
		}
		if err := tx.Create(archived).Error; err != nil {
			return err
		}

		return tx.Delete(&domain.Alias{}, "id = ?", id).Error
	})
}

// GetDeletedAliasByHash 按地址哈希查询归档。
func (s *Store) GetDeletedAliasByHash(addressHash string) (*domain.DeletedAlias, error) {
	var archived domain.DeletedAlias
	err := s.gormDB.First(&archived, "address_hash = ?", addressHash).Error
	if err == gorm.ErrRecordNotFound {
		return nil, storage.ErrAliasNotFound
	}
	if err != nil {
		return nil, err
	}
	return &archived, nil
}

// ---- RealPhoneRepository ----

// SaveRealPhone 保存真实号码记录。
func (s *Store) SaveRealPhone(phone *domain.RealPhone) error {
	if phone.ID == "" {
		phone.ID = uuid.NewString()
	}
	return s.gormDB.Save(phone).Error
}

// UpdateRealPhone 更新真实号码记录。
func (s *Store) UpdateRealPhone(phone *domain.RealPhone) error {
	result := s.gormDB.Model(&domain.RealPhone{}).
		Where("id = ?", phone.ID).
		Updates(map[string]any{
			"verification_code":    phone.VerificationCode,
			"verification_sent_at": phone.VerificationSentAt,
			"verified":             phone.Verified,
			"verified_at":          phone.VerifiedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrRealPhoneNotFound
	}
	return nil
}

// GetVerifiedRealPhoneByUserID 查询用户唯一的已验证记录。
func (s *Store) GetVerifiedRealPhoneByUserID(userID string) (*domain.RealPhone, error) {
	var phone domain.RealPhone
	err := s.gormDB.First(&phone, "user_id = ? AND verified = ?", userID, true).Error
	if err == gorm.ErrRecordNotFound {
		return nil, storage.ErrRealPhoneNotFound
	}
	if err != nil {
		return nil, err
	}
	return &phone, nil
}

// GetRealPhonesByNumber 返回同一号码的全部记录。
func (s *Store) GetRealPhonesByNumber(number string) ([]domain.RealPhone, error) {
	var phones []domain.RealPhone
	err := s.gormDB.Where("number = ?", number).Find(&phones).Error
	return phones, err
}

// GetRealPhoneByUserAndNumber 查询用户指定号码的记录。
func (s *Store) GetRealPhoneByUserAndNumber(userID, number string) (*domain.RealPhone, error) {
	var phone domain.RealPhone
	err := s.gormDB.First(&phone, "user_id = ? AND number = ?", userID, number).Error
	if err == gorm.ErrRecordNotFound {
		return nil, storage.ErrRealPhoneNotFound
	}
	if err != nil {
		return nil, err
	}
	return &phone, nil
}

// DeleteRealPhone 删除真实号码记录。
func (s *Store) DeleteRealPhone(id string) error {
	result := s.gormDB.Delete(&domain.RealPhone{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrRealPhoneNotFound
	}
	return nil
}

// ---- RelayNumberRepository ----

// SaveRelayNumber 保存中继号码，user_id 唯一索引保证每个用户至多一个。
func (s *Store) SaveRelayNumber(number *domain.RelayNumber) error {
	if number.ID == "" {
		number.ID = uuid.NewString()
	}
	return s.gormDB.Save(number).Error
}

// GetRelayNumberByNumber 按 E.164 号码查询。
func (s *Store) GetRelayNumberByNumber(number string) (*domain.RelayNumber, error) {
	var relay domain.RelayNumber
	err := s.gormDB.First(&relay, "number = ?", number).Error
	if err == gorm.ErrRecordNotFound {
		return nil, storage.ErrRelayNumberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &relay, nil
}

// GetRelayNumberByUserID 查询用户的中继号码。
func (s *Store) GetRelayNumberByUserID(userID string) (*domain.RelayNumber, error) {
	var relay domain.RelayNumber
	err := s.gormDB.First(&relay, "user_id = ?", userID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, storage.ErrRelayNumberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &relay, nil
}

// IncrementRelayNumberCounter 原子自增中继号码计数器。
func (s *Store) IncrementRelayNumberCounter(id, counter string) error {
	if !validCounter(counter) {
		return fmt.Errorf("unknown relay number counter column %q", counter)
	}
	result := s.gormDB.Model(&domain.RelayNumber{}).
		Where("id = ?", id).
		UpdateColumn(counter, gorm.Expr(counter+" + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrRelayNumberNotFound
	}
	return nil
}

// ConsumeRelayNumberTexts 原子扣减一条剩余短信额度。
func (s *Store) ConsumeRelayNumberTexts(id string) error {
	result := s.gormDB.Model(&domain.RelayNumber{}).
		Where("id = ?", id).
		UpdateColumn("remaining_texts", gorm.Expr("remaining_texts - 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrRelayNumberNotFound
	}
	return nil
}

// ---- InboundContactRepository ----

// SaveInboundContact 保存入站联系人。
func (s *Store) SaveInboundContact(contact *domain.InboundContact) error {
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	return s.gormDB.Save(contact).Error
}

// GetInboundContact 查询联系人。
func (s *Store) GetInboundContact(relayNumberID, inboundNumber string) (*domain.InboundContact, error) {
	var contact domain.InboundContact
	err := s.gormDB.First(&contact,
		"relay_number_id = ? AND inbound_number = ?", relayNumberID, inboundNumber).Error
	if err == gorm.ErrRecordNotFound {
		return nil, storage.ErrContactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// ListContactsByRelayNumber 列出中继号码的全部联系人。
func (s *Store) ListContactsByRelayNumber(relayNumberID string) ([]domain.InboundContact, error) {
	var contacts []domain.InboundContact
	err := s.gormDB.Where("relay_number_id = ?", relayNumberID).Find(&contacts).Error
	if err != nil {
		return nil, err
	}
	return contacts, nil
}

// IncrementContactCounter 原子自增联系人计数器。
func (s *Store) IncrementContactCounter(id, counter string) error {
	if !validCounter(counter) {
		return fmt.Errorf("unknown contact counter column %q", counter)
	}
	result := s.gormDB.Model(&domain.InboundContact{}).
		Where("id = ?", id).
		UpdateColumn(counter, gorm.Expr(counter+" + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrContactNotFound
	}
	return nil
}

// TouchContactLastInbound 更新最近来电时间。
func (s *Store) TouchContactLastInbound(id string, at time.Time) error {
	return s.gormDB.Model(&domain.InboundContact{}).
		Where("id = ?", id).
		UpdateColumn("last_inbound_at", at).Error
}

// ---- RateLimitRepository ----

// rateLimitEntry 数据库侧的限流窗口，未配置 Redis 时的回退实现。
type rateLimitEntry struct {
	Key       string    `gorm:"primaryKey;type:varchar(128)"`
	Count     int64     `gorm:"default:0"`
	ExpiresAt time.Time `gorm:"index"`
}

// IncrementRateLimit 窗口计数自增，窗口过期后重新计数。
func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	var count int64
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		var entry rateLimitEntry
		err := tx.First(&entry, "key = ?", key).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			// 查询失败不能当作新窗口处理，否则数据库故障会把计数清零
			return err
		}

		now := time.Now().UTC()
		if err == gorm.ErrRecordNotFound || now.After(entry.ExpiresAt) {
			// 过期窗口沿用同一主键，用 upsert 覆盖旧行
			entry = rateLimitEntry{Key: key, Count: 1, ExpiresAt: now.Add(window)}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error; err != nil {
				return err
			}
		} else {
			entry.Count++
			if err := tx.Save(&entry).Error; err != nil {
				return err
			}
		}
		count = entry.Count
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// validCounter 计数器列名白名单，防止拼接进 SQL 的列名被滥用。
func validCounter(counter string) bool {
	switch counter {
	case storage.CounterForwarded, storage.CounterBlocked, storage.CounterSpam,
		storage.CounterReplied, storage.CounterTrackersLevel1,
		storage.CounterTexts, storage.CounterTextsBlocked,
		storage.CounterCalls, storage.CounterCallsBlocked:
		return true
	}
	return false
}
