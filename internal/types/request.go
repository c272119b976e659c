package types

import (
	"database/sql"
	"time"
)

// Request status ids, matching the request_status lookup table.
const (
	StatusOpen    = 1
	StatusRunning = 2
	StatusDone    = 3
	StatusError   = 4
)

// Reserved request tags consumed by the stitching engine.
const (
	TagHourly = "resolution:hourly"
	TagDaily  = "resolution:daily"
)

// Geo scope names as stored in trends_geo_scopes.
const (
	ScopeCountry = "COUNTRY"
	ScopeStates  = "STATES"
	ScopeRegion  = "REGION"
	ScopeDMA     = "DMA"
)

// WorldwideState is the state value under which worldwide series are
// published in the analytics database.
const WorldwideState = "world"

// Claim is one dispatchable request as returned by the claim query:
// the request row joined with its keyword and optional location.
type Claim struct {
	RID         int64
	KID         int64
	Query       string
	Geo         sql.NullString
	WindowStart time.Time
	WindowEnd   time.Time
	Priority    int
}

// GeoCode returns the ISO code of the claim's location, or the empty
// string for worldwide requests.
func (c *Claim) GeoCode() string {
	if !c.Geo.Valid {
		return ""
	}
	return c.Geo.String
}

// Fragment is one completed request's stored sample vector with its
// window bounds.
type Fragment struct {
	RID    int64
	Start  time.Time
	End    time.Time
	Values []int64
}

// StagedPayload is one raw_fetcher_output row joined with the request
// fields ingestion needs to replay it.
type StagedPayload struct {
	RfoID       int64
	RID         int64
	KID         int64
	FID         sql.NullInt64
	Raw         string
	FetchedAt   time.Time
	Geo         sql.NullString
	WindowStart time.Time
	WindowEnd   time.Time
}

// GeoCode returns the ISO code of the staged request's location, or
// the empty string for worldwide requests.
func (s *StagedPayload) GeoCode() string {
	if !s.Geo.Valid {
		return ""
	}
	return s.Geo.String
}

// IngestRecord carries everything the store needs to turn one staged
// payload into structured records. FetchedAt is the fetch instant,
// preserved verbatim through staging recovery.
type IngestRecord struct {
	RfoID     int64
	RID       int64
	KID       int64
	FID       sql.NullInt64
	Geo       string
	FetchedAt time.Time
	Payload   *Payload
}
