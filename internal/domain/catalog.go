package domain

import "time"

// CatalogItem is a published offering (service, video lesson or in-person intensive).
type CatalogItem struct {
	ID               string    `json:"id" yaml:"id"`
	Title            string    `json:"title" yaml:"title"`
	Category         string    `json:"category" yaml:"category"`
	Description      string    `json:"description" yaml:"description"`
	Level            string    `json:"level,omitempty" yaml:"level"`
	Duration         string    `json:"duration,omitempty" yaml:"duration"`
	PriceAmount      string    `json:"priceAmount,omitempty" yaml:"price_amount"`
	Currency         string    `json:"currency,omitempty" yaml:"currency"`
	Location         string    `json:"location,omitempty" yaml:"location"`
	UpcomingSessions int       `json:"upcomingSessions" yaml:"upcoming_sessions"`
	Published        bool      `json:"-" yaml:"-"`
	UpdatedAt        time.Time `json:"-" yaml:"-"`
}
