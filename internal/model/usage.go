package model

import "time"

// UsageKind is one of the metered actions.
type UsageKind string

const (
	UsageChatMessages       UsageKind = "chat_messages"
	UsageVideoSearches      UsageKind = "video_searches"
	UsageContentGenerations UsageKind = "content_generations"
)

// UsageKinds lists every metered action in report order.
var UsageKinds = []UsageKind{UsageChatMessages, UsageVideoSearches, UsageContentGenerations}

// Valid reports whether k is a known kind. The value doubles as the column name.
func (k UsageKind) Valid() bool {
	switch k {
	case UsageChatMessages, UsageVideoSearches, UsageContentGenerations:
		return true
	}
	return false
}

// UsageCounter holds one user's metered actions for one accounting period.
// Rows are created on the first action of a period and only ever incremented.
type UsageCounter struct {
	UserID             string `gorm:"type:varchar(36);primaryKey"`
	PeriodKey          string `gorm:"type:varchar(7);primaryKey"`
	ChatMessages       int    `gorm:"default:0;not null"`
	VideoSearches      int    `gorm:"default:0;not null"`
	ContentGenerations int    `gorm:"default:0;not null"`
	UpdatedAt          time.Time
}

// Count returns the counter value for kind.
func (c UsageCounter) Count(kind UsageKind) int {
	switch kind {
	case UsageChatMessages:
		return c.ChatMessages
	case UsageVideoSearches:
		return c.VideoSearches
	case UsageContentGenerations:
		return c.ContentGenerations
	}
	return 0
}
