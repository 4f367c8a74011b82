package lifecycle

import "fmt"

// ValidationError reports a rejected creation request. Nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// PaymentError reports that the ledger refused or failed the debit. The batch
// created for the request has been removed.
type PaymentError struct {
	UserID      string
	AmountCents int64
	Err         error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment of %d cents for user %s failed: %v", e.AmountCents, e.UserID, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// StorageError reports a persistence failure during creation. Rows written
// before the failure were compensated on a best-effort basis; Compensated is
// false when that cleanup itself failed.
type StorageError struct {
	Op          string
	BatchID     string
	Compensated bool
	Err         error
}

func (e *StorageError) Error() string {
	if e.BatchID != "" {
		return fmt.Sprintf("%s (batch %s): %v", e.Op, e.BatchID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
