package model

import "time"

// LockID is the key of the only lock document a lock collection ever holds.
const LockID = 1

// LockRecord is the persisted exclusive-access state shared by every migration
// runner pointed at the same database. Field names match the layout other
// changelog tools use for the lock collection, so an existing collection can be
// adopted as is.
type LockRecord struct {
	ID         int        `bson:"_id" json:"id"`
	Held       bool       `bson:"locked" json:"locked"`
	Holder     string     `bson:"lockedBy,omitempty" json:"locked_by,omitempty" validate:"required_if=Held true"`
	AcquiredAt *time.Time `bson:"lockGranted,omitempty" json:"lock_granted,omitempty" validate:"required_if=Held true"`
}

// NewHeldLock returns the record written by a successful acquire.
func NewHeldLock(holder string, at time.Time) *LockRecord {
	at = at.UTC().Truncate(time.Millisecond)
	return &LockRecord{
		ID:         LockID,
		Held:       true,
		Holder:     holder,
		AcquiredAt: &at,
	}
}

// NewReleasedLock returns the record written by a successful release.
// Holder and AcquiredAt are dropped: they carry no meaning once the lock is free.
func NewReleasedLock() *LockRecord {
	return &LockRecord{
		ID:   LockID,
		Held: false,
	}
}

// HeldBy reports whether the record is locked by holder.
func (l *LockRecord) HeldBy(holder string) bool {
	return l != nil && l.Held && l.Holder == holder
}
