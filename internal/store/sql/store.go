package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"restops/internal/domain"
	"restops/internal/security/secretbox"
	"restops/internal/store"
)

// Store persists gateway state in postgres or sqlite through bun. Provider
// tokens are sealed before they reach the database.
type Store struct {
	db     *bun.DB
	sealer secretbox.Sealer

	audit     repository.Repository[*auditLogRecord]
	accounts  repository.Repository[*externalAccountRecord]
	instances repository.Repository[*messagingInstanceRecord]
}

func New(db *bun.DB, sealer secretbox.Sealer) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if sealer == nil {
		sealer = secretbox.Plain{}
	}
	audit := repository.NewRepository[*auditLogRecord](db, auditHandlers())
	if validator, ok := audit.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid audit repository wiring: %w", err)
		}
	}
	accounts := repository.NewRepository[*externalAccountRecord](db, accountHandlers())
	if validator, ok := accounts.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid account repository wiring: %w", err)
		}
	}
	instances := repository.NewRepository[*messagingInstanceRecord](db, instanceHandlers())
	if validator, ok := instances.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid instance repository wiring: %w", err)
		}
	}
	return &Store{
		db:        db,
		sealer:    sealer,
		audit:     audit,
		accounts:  accounts,
		instances: instances,
	}, nil
}

// PutGrant inserts a capability grant, ignoring duplicates. Used by seeding.
func (s *Store) PutGrant(ctx context.Context, identity, featureCode, action string) error {
	record := &capabilityGrantRecord{
		ID:          uuid.NewString(),
		Identity:    strings.TrimSpace(identity),
		FeatureCode: strings.TrimSpace(featureCode),
		Action:      strings.TrimSpace(action),
		CreatedAt:   time.Now().UTC(),
	}
	if record.Identity == "" || record.FeatureCode == "" || record.Action == "" {
		return fmt.Errorf("sqlstore: identity, feature code and action are required")
	}
	_, err := s.db.NewInsert().Model(record).On("CONFLICT DO NOTHING").Exec(ctx)
	return err
}

func (s *Store) HasGrant(ctx context.Context, identity, featureCode, action string) (bool, error) {
	return s.db.NewSelect().
		Model((*capabilityGrantRecord)(nil)).
		Where("identity = ?", identity).
		Where("feature_code = ?", featureCode).
		Where("action = ?", action).
		Exists(ctx)
}

func (s *Store) CountRequests(ctx context.Context, functionName, key string, since time.Time) (int, error) {
	return s.db.NewSelect().
		Model((*rateLimitRecord)(nil)).
		Where("function_name = ?", functionName).
		Where("identifier = ?", key).
		Where("created_at >= ?", since.UTC()).
		Count(ctx)
}

func (s *Store) RecordRequest(ctx context.Context, functionName, key string, at time.Time) error {
	record := &rateLimitRecord{
		ID:           uuid.NewString(),
		FunctionName: functionName,
		Identifier:   key,
		CreatedAt:    at.UTC(),
	}
	_, err := s.db.NewInsert().Model(record).Exec(ctx)
	return err
}

func (s *Store) PruneRequests(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.NewDelete().
		Model((*rateLimitRecord)(nil)).
		Where("created_at < ?", before.UTC()).
		Exec(ctx)
	return affected(res, err)
}

func (s *Store) KeyExists(ctx context.Context, key string) (bool, error) {
	return s.db.NewSelect().
		Model((*idempotencyKeyRecord)(nil)).
		Where("idempotency_key = ?", key).
		Exists(ctx)
}

func (s *Store) InsertKey(ctx context.Context, key string, at time.Time) error {
	record := &idempotencyKeyRecord{Key: key, CreatedAt: at.UTC()}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) PruneKeys(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.NewDelete().
		Model((*idempotencyKeyRecord)(nil)).
		Where("created_at < ?", before.UTC()).
		Exec(ctx)
	return affected(res, err)
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	record := &auditLogRecord{
		ID:        entry.ID,
		Identity:  entry.Identity,
		Action:    entry.Action,
		Entity:    entry.Entity,
		EntityID:  entry.EntityID,
		OldData:   entry.OldData,
		NewData:   entry.NewData,
		IP:        entry.IP,
		CreatedAt: entry.CreatedAt.UTC(),
	}
	_, err := s.audit.Create(ctx, record)
	return err
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	records, _, err := s.audit.List(ctx,
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0, len(records))
	for _, record := range records {
		out = append(out, domain.AuditEntry{
			ID:        record.ID,
			Identity:  record.Identity,
			Action:    record.Action,
			Entity:    record.Entity,
			EntityID:  record.EntityID,
			OldData:   record.OldData,
			NewData:   record.NewData,
			IP:        record.IP,
			CreatedAt: record.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *Store) CreateAccount(ctx context.Context, account domain.ExternalAccount, owner string) (domain.ExternalAccount, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	record, err := s.accountRecord(account)
	if err != nil {
		return domain.ExternalAccount{}, err
	}
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, createErr := s.accounts.CreateTx(ctx, tx, record); createErr != nil {
			return createErr
		}
		if owner == "" {
			return nil
		}
		member := &accountMemberRecord{
			AccountID: account.ID,
			Identity:  owner,
			CreatedAt: now,
		}
		_, insertErr := tx.NewInsert().Model(member).Exec(ctx)
		return insertErr
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ExternalAccount{}, store.ErrDuplicate
		}
		return domain.ExternalAccount{}, err
	}
	return account, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (domain.ExternalAccount, error) {
	record := new(externalAccountRecord)
	err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", strings.TrimSpace(id)).Scan(ctx)
	if err != nil {
		return domain.ExternalAccount{}, notFound(err)
	}
	return s.accountFromRecord(record)
}

func (s *Store) FindAccountByMerchant(ctx context.Context, merchantID string) (domain.ExternalAccount, error) {
	records, _, err := s.accounts.List(ctx,
		repository.SelectBy("merchant_id", "=", strings.TrimSpace(merchantID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return domain.ExternalAccount{}, notFound(err)
	}
	if len(records) == 0 {
		return domain.ExternalAccount{}, store.ErrNotFound
	}
	return s.accountFromRecord(records[0])
}

func (s *Store) UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	sealedAccess, err := s.sealer.Seal(accessToken)
	if err != nil {
		return fmt.Errorf("sqlstore: seal access token: %w", err)
	}
	sealedRefresh, err := s.sealer.Seal(refreshToken)
	if err != nil {
		return fmt.Errorf("sqlstore: seal refresh token: %w", err)
	}
	res, err := s.db.NewUpdate().
		Model((*externalAccountRecord)(nil)).
		Set("access_token = ?", sealedAccess).
		Set("refresh_token = ?", sealedRefresh).
		Set("token_expires_at = ?", expiresAt.UTC()).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return requireRow(res, err)
}

func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.NewUpdate().
		Model((*externalAccountRecord)(nil)).
		Set("is_active = ?", active).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return requireRow(res, err)
}

func (s *Store) GrantAccountAccess(ctx context.Context, accountID, identity string) error {
	exists, err := s.db.NewSelect().
		Model((*externalAccountRecord)(nil)).
		Where("id = ?", accountID).
		Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	record := &accountMemberRecord{
		AccountID: accountID,
		Identity:  identity,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.NewInsert().Model(record).On("CONFLICT DO NOTHING").Exec(ctx)
	return err
}

func (s *Store) ListAccountsFor(ctx context.Context, identity string) ([]domain.ExternalAccount, error) {
	var records []*externalAccountRecord
	err := s.db.NewSelect().
		Model(&records).
		Join("JOIN account_members AS am ON am.account_id = ea.id").
		Where("am.identity = ?", identity).
		OrderExpr("ea.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ExternalAccount, 0, len(records))
	for _, record := range records {
		account, err := s.accountFromRecord(record)
		if err != nil {
			return nil, err
		}
		out = append(out, account)
	}
	return out, nil
}

func (s *Store) CreateInstance(ctx context.Context, instance domain.MessagingInstance) (domain.MessagingInstance, error) {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now

	record, err := s.instanceRecord(instance)
	if err != nil {
		return domain.MessagingInstance{}, err
	}
	if _, err := s.instances.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			return domain.MessagingInstance{}, store.ErrDuplicate
		}
		return domain.MessagingInstance{}, err
	}
	return instance, nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (domain.MessagingInstance, error) {
	record := new(messagingInstanceRecord)
	err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", strings.TrimSpace(id)).Scan(ctx)
	if err != nil {
		return domain.MessagingInstance{}, notFound(err)
	}
	return s.instanceFromRecord(record)
}

func (s *Store) FindInstanceByExternalID(ctx context.Context, externalID string) (domain.MessagingInstance, error) {
	records, _, err := s.instances.List(ctx,
		repository.SelectBy("external_instance_id", "=", strings.TrimSpace(externalID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return domain.MessagingInstance{}, notFound(err)
	}
	if len(records) == 0 {
		return domain.MessagingInstance{}, store.ErrNotFound
	}
	return s.instanceFromRecord(records[0])
}

func (s *Store) UpdateInstance(ctx context.Context, instance domain.MessagingInstance) error {
	current := new(messagingInstanceRecord)
	if err := s.db.NewSelect().Model(current).Where("?TableAlias.id = ?", instance.ID).Scan(ctx); err != nil {
		return notFound(err)
	}
	instance.CreatedAt = current.CreatedAt
	instance.UpdatedAt = time.Now().UTC()
	record, err := s.instanceRecord(instance)
	if err != nil {
		return err
	}
	_, err = s.instances.Update(ctx, record, repository.UpdateByID(instance.ID))
	return err
}

func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	res, err := s.db.NewDelete().
		Model((*messagingInstanceRecord)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return requireRow(res, err)
}

func (s *Store) ListInstances(ctx context.Context) ([]domain.MessagingInstance, error) {
	records, _, err := s.instances.List(ctx, repository.OrderBy("created_at ASC"))
	if err != nil {
		return nil, err
	}
	out := make([]domain.MessagingInstance, 0, len(records))
	for _, record := range records {
		instance, err := s.instanceFromRecord(record)
		if err != nil {
			return nil, err
		}
		out = append(out, instance)
	}
	return out, nil
}

func (s *Store) accountRecord(account domain.ExternalAccount) (*externalAccountRecord, error) {
	access, err := s.sealer.Seal(account.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: seal access token: %w", err)
	}
	refresh, err := s.sealer.Seal(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: seal refresh token: %w", err)
	}
	return &externalAccountRecord{
		ID:             account.ID,
		MerchantID:     account.MerchantID,
		Name:           account.Name,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: account.TokenExpiresAt.UTC(),
		IsActive:       account.IsActive,
		CreatedAt:      account.CreatedAt.UTC(),
		UpdatedAt:      account.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) accountFromRecord(record *externalAccountRecord) (domain.ExternalAccount, error) {
	access, err := s.sealer.Open(record.AccessToken)
	if err != nil {
		return domain.ExternalAccount{}, fmt.Errorf("sqlstore: open access token: %w", err)
	}
	refresh, err := s.sealer.Open(record.RefreshToken)
	if err != nil {
		return domain.ExternalAccount{}, fmt.Errorf("sqlstore: open refresh token: %w", err)
	}
	return domain.ExternalAccount{
		ID:             record.ID,
		MerchantID:     record.MerchantID,
		Name:           record.Name,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: record.TokenExpiresAt.UTC(),
		IsActive:       record.IsActive,
		CreatedAt:      record.CreatedAt.UTC(),
		UpdatedAt:      record.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) instanceRecord(instance domain.MessagingInstance) (*messagingInstanceRecord, error) {
	token, err := s.sealer.Seal(instance.InstanceToken)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: seal instance token: %w", err)
	}
	return &messagingInstanceRecord{
		ID:                 instance.ID,
		Name:               instance.Name,
		ExternalInstanceID: instance.ExternalInstanceID,
		InstanceToken:      token,
		Status:             string(instance.Status),
		ProfileName:        instance.ProfileName,
		PhoneNumber:        instance.PhoneNumber,
		WebhookURL:         instance.WebhookURL,
		WebhookEnabled:     instance.WebhookEnabled,
		CreatedAt:          instance.CreatedAt.UTC(),
		UpdatedAt:          instance.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) instanceFromRecord(record *messagingInstanceRecord) (domain.MessagingInstance, error) {
	token, err := s.sealer.Open(record.InstanceToken)
	if err != nil {
		return domain.MessagingInstance{}, fmt.Errorf("sqlstore: open instance token: %w", err)
	}
	return domain.MessagingInstance{
		ID:                 record.ID,
		Name:               record.Name,
		ExternalInstanceID: record.ExternalInstanceID,
		InstanceToken:      token,
		Status:             domain.InstanceStatus(record.Status),
		ProfileName:        record.ProfileName,
		PhoneNumber:        record.PhoneNumber,
		WebhookURL:         record.WebhookURL,
		WebhookEnabled:     record.WebhookEnabled,
		CreatedAt:          record.CreatedAt.UTC(),
		UpdatedAt:          record.UpdatedAt.UTC(),
	}, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func affected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func requireRow(res sql.Result, err error) error {
	n, err := affected(res, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ store.Store = (*Store)(nil)
