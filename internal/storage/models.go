package storage

import "time"

// Miner is a polled device, identified by its endpoint URL.
type Miner struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Endpoint string    `json:"endpoint"`
	AddedAt  time.Time `json:"addedAt"`
}

// Reading is one successful poll of a miner. Readings are never updated.
type Reading struct {
	ID              int64     `json:"id"`
	MinerID         int64     `json:"minerId"`
	Timestamp       time.Time `json:"timestamp"`
	HashRate        float64   `json:"hashRate"`    // GH/s
	Temperature     float64   `json:"temperature"` // Celsius
	Voltage         float64   `json:"voltage"`     // Volts
	BestDiff        string    `json:"bestDiff"`    // canonical integer string
	ErrorPercentage float64   `json:"errorPercentage"`
	StratumDiff     float64   `json:"stratumDiff"`
	SharesAccepted  int64     `json:"sharesAccepted"`
	SharesRejected  int64     `json:"sharesRejected"`
	StratumURL      string    `json:"stratumUrl"`
}

// MinerWithLatest pairs a miner with its newest reading, if it has one.
type MinerWithLatest struct {
	Miner
	Latest *Reading `json:"latest,omitempty"`
}
