package domain

import (
	"time"
)

// Plan is a row in the plan catalog. Live rows are immutable commercial terms;
// a price change ships as a new version, never an in-place edit.
type Plan struct {
	Code               string    `json:"code" gorm:"primaryKey;type:text"`
	Name               string    `json:"name" gorm:"type:text;not null"`
	Price              int64     `json:"price" gorm:"not null"`
	Currency           string    `json:"currency" gorm:"type:text;not null"`
	CameraQuota        int       `json:"camera_quota" gorm:"not null;default:0"`
	RetentionDays      int       `json:"retention_days" gorm:"not null;default:0"`
	CaregiverSeats     int       `json:"caregiver_seats" gorm:"not null;default:0"`
	Sites              int       `json:"sites" gorm:"not null;default:0"`
	MajorUpdatesMonths int       `json:"major_updates_months" gorm:"not null;default:0"`
	BillingType        string    `json:"billing_type" gorm:"type:text;not null;default:'monthly'"`
	Version            int       `json:"version" gorm:"not null;default:1"`
	Active             bool      `json:"active" gorm:"not null;default:true"`
	CreatedAt          time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Plan) TableName() string { return "plans" }

// Snapshot is the value copy of plan terms frozen into billing transactions.
// A transaction priced against version N keeps version N forever.
type Snapshot struct {
	Code               string `json:"code"`
	Name               string `json:"name"`
	Price              int64  `json:"price"`
	Currency           string `json:"currency"`
	CameraQuota        int    `json:"camera_quota"`
	RetentionDays      int    `json:"retention_days"`
	CaregiverSeats     int    `json:"caregiver_seats"`
	Sites              int    `json:"sites"`
	MajorUpdatesMonths int    `json:"major_updates_months"`
	BillingType        string `json:"billing_type"`
	Version            int    `json:"version"`
}

// Snapshot freezes the plan's current terms.
func (p *Plan) Snapshot() Snapshot {
	return Snapshot{
		Code:               p.Code,
		Name:               p.Name,
		Price:              p.Price,
		Currency:           p.Currency,
		CameraQuota:        p.CameraQuota,
		RetentionDays:      p.RetentionDays,
		CaregiverSeats:     p.CaregiverSeats,
		Sites:              p.Sites,
		MajorUpdatesMonths: p.MajorUpdatesMonths,
		BillingType:        p.BillingType,
		Version:            p.Version,
	}
}
