package flake

import "time"

// Mode is the generator's current operating mode
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDrift    Mode = "drift"
	ModeRollback Mode = "rollback"
)

// Stats is a snapshot of generator statistics
type Stats struct {
	TotalGenerated   uint64    `json:"total_generated" msgpack:"total"`
	DriftEpisodes    uint64    `json:"drift_episodes" msgpack:"drift"`
	RollbackEpisodes uint64    `json:"rollback_episodes" msgpack:"rollback"`
	StartTime        time.Time `json:"start_time" msgpack:"start"`
	UptimeMs         int64     `json:"uptime_ms" msgpack:"uptime"`
	AvgPerSecond     float64   `json:"avg_per_second" msgpack:"avg"`
	Mode             Mode      `json:"mode" msgpack:"mode"`
}

type counters struct {
	total     uint64
	drifts    uint64
	rollbacks uint64
	startTime time.Time
}

func (c counters) snapshot(now time.Time, mode Mode) Stats {
	uptime := now.Sub(c.startTime).Milliseconds()
	if uptime < 0 {
		uptime = 0
	}

	// a sub-millisecond uptime is reported as one millisecond
	elapsed := uptime
	if elapsed < 1 {
		elapsed = 1
	}

	return Stats{
		TotalGenerated:   c.total,
		DriftEpisodes:    c.drifts,
		RollbackEpisodes: c.rollbacks,
		StartTime:        c.startTime,
		UptimeMs:         uptime,
		AvgPerSecond:     float64(c.total) * 1000 / float64(elapsed),
		Mode:             mode,
	}
}
