package models

import (
	"database/sql/driver"
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

var (
	ErrQueueItemNotFound = errors.New("queue item not found")
	ErrNotInFailedStatus = errors.New("not in failed status")
	ErrNotProcessing     = errors.New("queue item is not in processing status")
)

// MySQL error numbers that indicate contention rather than a broken query.
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// IsTransientStoreError reports lock contention or a dropped connection.
// The worker logs these at warn level and simply tries again next cycle.
func IsTransientStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqlDriver.ErrInvalidConn) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrLockWaitTimeout || mysqlErr.Number == mysqlErrDeadlock
	}
	return false
}
