package api

import (
	"sort"
	"strconv"
	"time"

	"github.com/camarigor/bitaxe-sentry/internal/difficulty"
	"github.com/camarigor/bitaxe-sentry/internal/storage"
)

// maxWindowHours caps the longest history window at one week.
const maxWindowHours = 168

// historyWindows returns the chart windows, in hours, that fit in the
// retention period.
func historyWindows(retentionHours int) []int {
	windows := []int{1, 6}
	switch {
	case retentionHours > 24:
		windows = append(windows, 24)
		longest := retentionHours
		if longest > maxWindowHours {
			longest = maxWindowHours
		}
		if longest != 24 {
			windows = append(windows, longest)
		}
	case retentionHours == 24:
		windows = append(windows, 24)
	case retentionHours > 6:
		windows = append(windows, retentionHours)
	}
	return windows
}

// HistoryPoint is a reading as plotted on the history charts.
type HistoryPoint struct {
	Timestamp       time.Time `json:"timestamp"`
	HashRate        float64   `json:"hashRate"`
	Temperature     float64   `json:"temperature"`
	Voltage         float64   `json:"voltage"`
	BestDiff        string    `json:"bestDiff"`
	BestDiffDisplay string    `json:"bestDiffDisplay"`
	ErrorPercentage float64   `json:"errorPercentage"`
}

// HistoryResponse groups readings by miner name, once per window.
type HistoryResponse struct {
	Windows []int                                `json:"windows"`
	Latest  *time.Time                           `json:"latest,omitempty"`
	Data    map[string]map[string][]HistoryPoint `json:"data"`
}

// buildHistory slices readings into windows measured back from the newest
// reading, not from the current time.
func buildHistory(readings []*storage.Reading, names map[int64]string, windows []int) HistoryResponse {
	resp := HistoryResponse{
		Windows: windows,
		Data:    make(map[string]map[string][]HistoryPoint, len(windows)),
	}
	for _, h := range windows {
		resp.Data[strconv.Itoa(h)] = map[string][]HistoryPoint{}
	}
	if len(readings) == 0 {
		return resp
	}

	sorted := append([]*storage.Reading(nil), readings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	latest := sorted[len(sorted)-1].Timestamp
	resp.Latest = &latest

	for _, h := range windows {
		cutoff := latest.Add(-time.Duration(h) * time.Hour)
		bucket := resp.Data[strconv.Itoa(h)]
		for _, r := range sorted {
			if !r.Timestamp.After(cutoff) {
				continue
			}
			name, ok := names[r.MinerID]
			if !ok {
				name = "unknown"
			}
			bucket[name] = append(bucket[name], HistoryPoint{
				Timestamp:       r.Timestamp,
				HashRate:        r.HashRate,
				Temperature:     r.Temperature,
				Voltage:         r.Voltage,
				BestDiff:        r.BestDiff,
				BestDiffDisplay: difficulty.Format(r.BestDiff),
				ErrorPercentage: r.ErrorPercentage,
			})
		}
	}
	return resp
}
