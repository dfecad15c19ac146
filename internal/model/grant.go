package model

import "time"

// CreditType distinguishes which ledger a manual grant landed in.
type CreditType string

const (
	CreditTypeStudentClass  CreditType = "STUDENT_CLASS"
	CreditTypeProfessorHour CreditType = "PROFESSOR_HOUR"
)

// CreditGrant is the immutable audit record of a manual admin-initiated
// grant. TransactionID points at the ledger row that moved the balance; the
// grant row itself never mutates balances.
type CreditGrant struct {
	ID             string     `json:"id"`
	RecipientID    string     `json:"recipient_id"`
	RecipientEmail string     `json:"recipient_email"`
	RecipientName  string     `json:"recipient_name"`
	CreditType     CreditType `json:"credit_type"`
	Quantity       int64      `json:"quantity"`
	Reason         string     `json:"reason"`
	GrantedByID    string     `json:"granted_by_id"`
	GrantedByEmail string     `json:"granted_by_email"`
	TenantID       string     `json:"tenant_id"`
	FranchiseID    string     `json:"franchise_id,omitempty"`
	TransactionID  string     `json:"transaction_id"`
	CreatedAt      time.Time  `json:"created_at"`
}
