/*
store.go - Transaction boundary shared by every persistence backend

PURPOSE:
  Domain packages declare their own store interfaces; this file only
  defines how a caller runs several of those calls atomically.

ATOMIC CHECK-THEN-WRITE:
  Booking a lesson reads the month's usage, decides overage and inserts
  the schedule. Run as three independent calls, two concurrent bookings
  can both see the last free slot. WithTx runs the whole sequence in one
  transaction:
  - store/sqlite: BEGIN IMMEDIATE, one writer at a time
  - store/postgres: SERIALIZABLE, retried on serialization failure
  - store/memory: global lock plus snapshot/rollback

SEE ALSO:
  - lessons/store.go: The lesson store interfaces
  - billing/service.go: Uses WithTx around booking
*/
package generic

import "context"

// Transactor runs fn inside a transaction over store type S.
// If fn returns an error the transaction is rolled back, otherwise committed.
type Transactor[S any] interface {
	WithTx(ctx context.Context, fn func(S) error) error
}
