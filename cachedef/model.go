package cachedef

import (
	"encoding/json"
	"math"
)

// Entry is a point-in-time view of one cached key for snapshots.
type Entry struct {
	Key            string `json:"key"`
	Value          string `json:"value"`
	LoadedAtMillis int64  `json:"loadedAtMillis"`
	AccessCount    int64  `json:"accessCount"`
}

// Statistics is a point-in-time view of one cache's runtime counters.
type Statistics struct {
	CacheDefinitionID       string  `json:"cacheDefinitionId"`
	Name                    string  `json:"name"`
	Size                    int64   `json:"size"`
	HitCount                int64   `json:"hitCount"`
	MissCount               int64   `json:"missCount"`
	LoadSuccessCount        int64   `json:"loadSuccessCount"`
	LoadExceptionCount      int64   `json:"loadExceptionCount"`
	HitRate                 float64 `json:"hitRate"`
	EvictionCount           int64   `json:"evictionCount"`
	RequestCount            int64   `json:"requestCount"`
	TotalLoadTimeNanos      int64   `json:"totalLoadTimeNanos"`
	AverageLoadPenaltyNanos float64 `json:"averageLoadPenaltyNanos"`
	EstimatedMemoryBytes    int64   `json:"estimatedMemoryBytes"`
}

// MarshalJSON renders an undefined hit rate (NaN, no requests yet) as null;
// consumers display it as a dash.
func (s Statistics) MarshalJSON() ([]byte, error) {
	type alias Statistics
	aux := struct {
		alias
		HitRate interface{} `json:"hitRate"`
	}{alias: alias(s)}
	if !math.IsNaN(s.HitRate) {
		aux.HitRate = s.HitRate
	}
	return json.Marshal(aux)
}

// Snapshot bundles statistics with a filtered, sorted, limited view of the
// entries. TotalEntries counts everything in the store at collection time,
// MatchedEntries counts what survived the filter before the limit applied.
type Snapshot struct {
	Statistics     Statistics `json:"statistics"`
	Entries        []Entry    `json:"entries"`
	TotalEntries   int        `json:"totalEntries"`
	MatchedEntries int        `json:"matchedEntries"`
}
