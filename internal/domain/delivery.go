// Package domain defines the core persistence models for the relay.
// This file holds the webhook delivery dedup record.
package domain

import "time"

// Delivery records a webhook delivery that has already been accepted, keyed
// by the platform's delivery identifier. The chat platform retries webhook
// deliveries on slow acknowledgments, so the transport layer consults this
// table to drop duplicates instead of re-running the relay pipeline.
type Delivery struct {
	ID         string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	DeliveryID int64     `gorm:"uniqueIndex:ux_delivery_id;not null"`
	UserID     string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt  time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Delivery) TableName() string { return "deliveries" }
