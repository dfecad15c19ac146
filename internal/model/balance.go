package model

import "time"

// Scope identifies the organizational partition a balance lives in.
// TenantID is the franqueadora (topmost owner); UnitID optionally narrows
// the balance down to a single unit and is empty when not used.
type Scope struct {
	TenantID string `json:"tenant_id"`
	UnitID   string `json:"unit_id,omitempty"`
}

// StudentClassBalance is the materialized view of a student's lesson-credit
// ledger within one scope. Invariant: TotalPurchased - TotalConsumed -
// LockedQty >= 0 at every observable point (over-consume floors LockedQty
// at zero instead of going negative).
type StudentClassBalance struct {
	StudentID      string    `json:"student_id"`
	TenantID       string    `json:"tenant_id"`
	UnitID         string    `json:"unit_id,omitempty"`
	TotalPurchased int64     `json:"total_purchased"`
	TotalConsumed  int64     `json:"total_consumed"`
	LockedQty      int64     `json:"locked_qty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available returns the credits a student can still spend or reserve.
func (b *StudentClassBalance) Available() int64 {
	return b.TotalPurchased - b.TotalConsumed - b.LockedQty
}

func (b *StudentClassBalance) Scope() Scope {
	return Scope{TenantID: b.TenantID, UnitID: b.UnitID}
}

// ProfessorHourBalance tracks the two professor pools: AvailableHours is
// directly spendable (purchases, grants, matured bonus); LockedHours is bonus
// in flight, tied to an unfinished lesson and not spendable.
type ProfessorHourBalance struct {
	ProfessorID    string    `json:"professor_id"`
	TenantID       string    `json:"tenant_id"`
	UnitID         string    `json:"unit_id,omitempty"`
	AvailableHours int64     `json:"available_hours"`
	LockedHours    int64     `json:"locked_hours"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Spendable returns the hours a professor can still commit.
func (b *ProfessorHourBalance) Spendable() int64 {
	return b.AvailableHours - b.LockedHours
}

func (b *ProfessorHourBalance) Scope() Scope {
	return Scope{TenantID: b.TenantID, UnitID: b.UnitID}
}

// Tenant is a franqueadora row used for scope validation. When a scope points
// at an inactive or unknown tenant, balances fall back to the principal one.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Principal bool      `json:"principal"`
	CreatedAt time.Time `json:"created_at"`
}
