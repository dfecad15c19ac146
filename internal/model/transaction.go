package model

import "time"

// StudentTxnType enumerates the student class-credit ledger row types.
type StudentTxnType string

const (
	StudentTxnPurchase StudentTxnType = "PURCHASE"
	StudentTxnConsume  StudentTxnType = "CONSUME"
	StudentTxnLock     StudentTxnType = "LOCK"
	StudentTxnUnlock   StudentTxnType = "UNLOCK"
	StudentTxnRefund   StudentTxnType = "REFUND"
	StudentTxnRevoke   StudentTxnType = "REVOKE"
	StudentTxnGrant    StudentTxnType = "GRANT"
)

// HourTxnType enumerates the professor hour ledger row types. LOCK/UNLOCK
// cover the standard guarded reservation cycle; BONUS_LOCK/BONUS_UNLOCK cover
// platform-reward hours that mature on lesson completion.
type HourTxnType string

const (
	HourTxnPurchase    HourTxnType = "PURCHASE"
	HourTxnConsume     HourTxnType = "CONSUME"
	HourTxnLock        HourTxnType = "LOCK"
	HourTxnUnlock      HourTxnType = "UNLOCK"
	HourTxnBonusLock   HourTxnType = "BONUS_LOCK"
	HourTxnBonusUnlock HourTxnType = "BONUS_UNLOCK"
	HourTxnRefund      HourTxnType = "REFUND"
	HourTxnRevoke      HourTxnType = "REVOKE"
	HourTxnGrant       HourTxnType = "GRANT"
)

// TxnSource records which actor class caused a ledger row.
type TxnSource string

const (
	SourceStudent   TxnSource = "ALUNO"
	SourceProfessor TxnSource = "PROFESSOR"
	SourceSystem    TxnSource = "SYSTEM"
	SourceAdmin     TxnSource = "ADMIN"
)

// StudentClassTransaction is one append-only student ledger row. UnlockAt is
// only meaningful on LOCK rows awaiting time-based expiry.
type StudentClassTransaction struct {
	ID        string            `json:"id"`
	StudentID string            `json:"student_id"`
	TenantID  string            `json:"tenant_id"`
	UnitID    string            `json:"unit_id,omitempty"`
	Type      StudentTxnType    `json:"type"`
	Source    TxnSource         `json:"source"`
	Qty       int64             `json:"qty"`
	BookingID string            `json:"booking_id,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	UnlockAt  *time.Time        `json:"unlock_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// HourTransaction is one append-only professor hour ledger row. A zero Hours
// value is legal on BONUS_UNLOCK/REVOKE rows recording an effect-free call.
type HourTransaction struct {
	ID          string            `json:"id"`
	ProfessorID string            `json:"professor_id"`
	TenantID    string            `json:"tenant_id"`
	UnitID      string            `json:"unit_id,omitempty"`
	Type        HourTxnType       `json:"type"`
	Source      TxnSource         `json:"source"`
	Hours       int64             `json:"hours"`
	BookingID   string            `json:"booking_id,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	UnlockAt    *time.Time        `json:"unlock_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
