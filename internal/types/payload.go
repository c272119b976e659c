package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// labelLayout is the timestamp format the upstream service uses for
// time-series labels. Labels carry no zone and are taken as UTC.
const labelLayout = "2006-01-02T15:04:05"

// Payload is one parsed fetcher output: the time-series samples, the
// per-scope geo breakdown, and the related query/topic suggestions.
type Payload struct {
	Time    []TimePoint
	Geo     map[string]map[string]GeoEntry
	Related RelatedSection
}

// TimePoint is one labelled sample.
type TimePoint struct {
	Label time.Time
	Value int64
}

// GeoEntry is the wire pair [display-name, value] under a location code.
type GeoEntry struct {
	Name  string
	Value int64
}

func (e *GeoEntry) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("geo entry: want [name, value], got %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &e.Name); err != nil {
		return fmt.Errorf("geo entry name: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &e.Value); err != nil {
		return fmt.Errorf("geo entry value: %w", err)
	}
	return nil
}

// RelatedSection holds the related-keyword suggestions of a payload.
type RelatedSection struct {
	Query RelatedQueries `json:"query"`
	Topic RelatedTopics  `json:"topic"`
}

// RelatedQueries splits plain-query suggestions into top and rising.
type RelatedQueries struct {
	Top    []RelatedQuery `json:"top"`
	Rising []RelatedQuery `json:"rising"`
}

// RelatedQuery is the wire pair [query, value].
type RelatedQuery struct {
	Query string
	Value int64
}

func (q *RelatedQuery) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("related query: want [query, value], got %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &q.Query); err != nil {
		return fmt.Errorf("related query text: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &q.Value); err != nil {
		return fmt.Errorf("related query value: %w", err)
	}
	return nil
}

// RelatedTopics splits topic suggestions into top and rising.
type RelatedTopics struct {
	Top    []RelatedTopic `json:"top"`
	Rising []RelatedTopic `json:"rising"`
}

// RelatedTopic is the wire tuple [mid, title, topic, value].
type RelatedTopic struct {
	MID   string
	Title string
	Topic string
	Value int64
}

func (t *RelatedTopic) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 4 {
		return fmt.Errorf("related topic: want [mid, title, topic, value], got %d elements", len(tuple))
	}
	fields := []struct {
		name string
		dst  any
	}{
		{"mid", &t.MID},
		{"title", &t.Title},
		{"topic", &t.Topic},
		{"value", &t.Value},
	}
	for i, f := range fields {
		if err := json.Unmarshal(tuple[i], f.dst); err != nil {
			return fmt.Errorf("related topic %s: %w", f.name, err)
		}
	}
	return nil
}

// ParsePayload decodes a raw fetcher output into a Payload. Time
// points are sorted chronologically regardless of wire order.
func ParsePayload(raw []byte) (*Payload, error) {
	var wire struct {
		Time    map[string]int64               `json:"time"`
		Geo     map[string]map[string]GeoEntry `json:"geo"`
		Related RelatedSection                 `json:"related"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	p := &Payload{Geo: wire.Geo, Related: wire.Related}
	for label, v := range wire.Time {
		t, err := ParseLabel(label)
		if err != nil {
			return nil, fmt.Errorf("time label %q: %w", label, err)
		}
		p.Time = append(p.Time, TimePoint{Label: t, Value: v})
	}
	sort.Slice(p.Time, func(i, j int) bool {
		return p.Time[i].Label.Before(p.Time[j].Label)
	})
	return p, nil
}

// ParseLabel parses a service timestamp label.
func ParseLabel(s string) (time.Time, error) {
	if t, err := time.Parse(labelLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported label format %q", s)
	}
	return t.UTC(), nil
}

// Labels returns the payload's own labels in chronological order.
func (p *Payload) Labels() []time.Time {
	labels := make([]time.Time, len(p.Time))
	for i, tp := range p.Time {
		labels[i] = tp.Label
	}
	return labels
}

// Values returns the sample vector ordered by label.
func (p *Payload) Values() []int64 {
	values := make([]int64, len(p.Time))
	for i, tp := range p.Time {
		values[i] = tp.Value
	}
	return values
}
