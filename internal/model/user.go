package model

import "time"

// Plan is the subscription tier of a user.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
)

// IsPaid reports whether the plan is a paid tier. Unknown values count as free.
func (p Plan) IsPaid() bool {
	return p == PlanPro || p == PlanPremium
}

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	return p == PlanFree || p.IsPaid()
}

// User is an account of the service. APIKey is the client credential.
type User struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	APIKey    string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"-"`
	Plan      Plan      `gorm:"type:varchar(50);default:'free';not null" json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
