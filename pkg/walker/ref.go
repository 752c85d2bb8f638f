package walker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/record"
)

// Kind is the type of a hierarchy node.
type Kind string

const (
	KindScope           Kind = "scope"
	KindLocation        Kind = "location"
	KindSensor          Kind = "sensor"
	KindMeasurementPage Kind = "measurement-page"
)

// Scope is a top-level partition of work: one country.
type Scope struct {
	ID   int64
	Name string
}

// ParseScope accepts "145" or "Nepal:145".
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	name, idPart := "", s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		name, idPart = strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return Scope{}, fmt.Errorf("invalid scope %q: want a positive country id or name:id", s)
	}
	return Scope{ID: id, Name: name}, nil
}

// Label is the scope's identifier in summaries and checkpoint headers.
func (s Scope) Label() string {
	return strconv.FormatInt(s.ID, 10)
}

func (s Scope) String() string {
	if s.Name == "" {
		return s.Label()
	}
	return s.Name + ":" + s.Label()
}

// Window is a half-open date range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) String() string {
	return w.From.UTC().Format(time.RFC3339) + ".." + w.To.UTC().Format(time.RFC3339)
}

// Windows splits [from, to) into consecutive windows of size. A size of zero
// yields a single window. An empty range yields none.
func Windows(from, to time.Time, size time.Duration) []Window {
	if !from.Before(to) {
		return nil
	}
	if size <= 0 {
		return []Window{{From: from, To: to}}
	}
	var out []Window
	for start := from; start.Before(to); start = start.Add(size) {
		end := start.Add(size)
		if end.After(to) {
			end = to
		}
		out = append(out, Window{From: start, To: end})
	}
	return out
}

// ResourceRef addresses one node of the hierarchy. Refs are immutable and
// share their parent chain.
type ResourceRef struct {
	Kind   Kind
	Parent *ResourceRef
	ID     int64

	// Window is set for measurement pages.
	Window Window

	// Scope is set on every ref.
	Scope Scope

	// Location and Sensor carry the normalised ancestor rows children need.
	Location *record.Location
	Sensor   *record.Sensor
}

func (r *ResourceRef) segment() string {
	switch r.Kind {
	case KindMeasurementPage:
		return "window=" + r.Window.String()
	default:
		return fmt.Sprintf("%s=%d", r.Kind, r.ID)
	}
}

// Key renders the stable path of the ref, for example
// scope=145/location=3/sensor=77/window=2024-01-01T00:00:00Z..2024-02-01T00:00:00Z.
func (r *ResourceRef) Key() string {
	if r.Parent == nil {
		return r.segment()
	}
	return r.Parent.Key() + "/" + r.segment()
}

// ScopeRef returns the root ref of a scope.
func ScopeRef(s Scope) *ResourceRef {
	return &ResourceRef{Kind: KindScope, ID: s.ID, Scope: s}
}

func (r *ResourceRef) child(kind Kind, id int64) *ResourceRef {
	return &ResourceRef{
		Kind:     kind,
		Parent:   r,
		ID:       id,
		Scope:    r.Scope,
		Location: r.Location,
		Sensor:   r.Sensor,
	}
}
