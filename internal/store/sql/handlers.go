package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func auditHandlers() repository.ModelHandlers[*auditLogRecord] {
	return repository.ModelHandlers[*auditLogRecord]{
		NewRecord: func() *auditLogRecord {
			return &auditLogRecord{}
		},
		GetID: func(record *auditLogRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *auditLogRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *auditLogRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func accountHandlers() repository.ModelHandlers[*externalAccountRecord] {
	return repository.ModelHandlers[*externalAccountRecord]{
		NewRecord: func() *externalAccountRecord {
			return &externalAccountRecord{}
		},
		GetID: func(record *externalAccountRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *externalAccountRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "merchant_id"
		},
		GetIdentifierValue: func(record *externalAccountRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.MerchantID)
		},
	}
}

func instanceHandlers() repository.ModelHandlers[*messagingInstanceRecord] {
	return repository.ModelHandlers[*messagingInstanceRecord]{
		NewRecord: func() *messagingInstanceRecord {
			return &messagingInstanceRecord{}
		},
		GetID: func(record *messagingInstanceRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *messagingInstanceRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "external_instance_id"
		},
		GetIdentifierValue: func(record *messagingInstanceRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ExternalInstanceID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
