package contacts

import (
	"fmt"

	"go.uber.org/zap"
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "contacts.service.new"
	opListFollows     = "contacts.list_follows"
	opUpdateContact   = "contacts.update_contact"
	opUpdateBulk      = "contacts.update_bulk"
	opRemoveTag       = "contacts.remove_tag"
	opUniqueTags      = "contacts.unique_tags"
	opContactStats    = "contacts.stats"
	opSync            = "contacts.sync"
	opSyncEligibility = "contacts.sync_eligibility"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("contacts service error", attrs...)
}
