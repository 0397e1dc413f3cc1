package store

// Item types.
const (
	ItemTypeHeader  = "header"
	ItemTypeRegular = "regular"
)

// Showcaller status fan-out values.
const (
	ItemStatusCurrent   = "current"
	ItemStatusCompleted = "completed"
	ItemStatusUpcoming  = "upcoming"
)

// Named item fields. Anything else lands in the Custom map.
const (
	FieldName     = "name"
	FieldScript   = "script"
	FieldTalent   = "talent"
	FieldDuration = "duration"
)

// Document-level fields.
const (
	GlobalTitle     = "title"
	GlobalStartTime = "startTime"
	GlobalTimezone  = "timezone"
)

// Item is one rundown row. Items are looked up and diffed by ID, never by
// array position, so structural moves are not mistaken for content edits.
// Rev is the per-item version marker cell-level conditional writes check.
type Item struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Script   string            `json:"script"`
	Talent   string            `json:"talent"`
	Duration string            `json:"duration"`
	Status   string            `json:"status,omitempty"`
	Rev      int               `json:"rev"`
	Custom   map[string]string `json:"custom,omitempty"`
}

// Field returns the value of a named field, falling back to the custom map.
func (i Item) Field(name string) string {
	switch name {
	case FieldName:
		return i.Name
	case FieldScript:
		return i.Script
	case FieldTalent:
		return i.Talent
	case FieldDuration:
		return i.Duration
	default:
		return i.Custom[name]
	}
}

// SetField writes the value of a named field, falling back to the custom map.
func (i *Item) SetField(name, value string) {
	switch name {
	case FieldName:
		i.Name = value
	case FieldScript:
		i.Script = value
	case FieldTalent:
		i.Talent = value
	case FieldDuration:
		i.Duration = value
	default:
		if i.Custom == nil {
			i.Custom = make(map[string]string)
		}
		i.Custom[name] = value
	}
}

// Rundown is the document the sync core reconciles. UpdatedAt is the
// server-assigned OCC token: a write only lands when the caller's expected
// token still matches the row.
type Rundown struct {
	ID         string
	Title      string
	Timezone   string
	StartTime  string
	Items      []Item
	DocVersion int
	UpdatedBy  string
	UpdatedAt  string
}

// Global returns a document-level field by name.
func (r Rundown) Global(field string) string {
	switch field {
	case GlobalTitle:
		return r.Title
	case GlobalStartTime:
		return r.StartTime
	case GlobalTimezone:
		return r.Timezone
	default:
		return ""
	}
}

// SetGlobal writes a document-level field by name.
func (r *Rundown) SetGlobal(field, value string) {
	switch field {
	case GlobalTitle:
		r.Title = value
	case GlobalStartTime:
		r.StartTime = value
	case GlobalTimezone:
		r.Timezone = value
	}
}

// ItemByID returns a pointer into Items for the given id, or nil.
func (r *Rundown) ItemByID(id string) *Item {
	for idx := range r.Items {
		if r.Items[idx].ID == id {
			return &r.Items[idx]
		}
	}
	return nil
}

// SaveResult is the outcome of a conditional document write. Conflict is the
// expected alternate outcome, not an error: the gateway has already fetched
// the authoritative row so the caller can run the resolver against it.
type SaveResult struct {
	Conflict     bool
	Server       Rundown
	NewUpdatedAt string
}

// CellSaveResult is the outcome of a conditional per-cell write.
type CellSaveResult struct {
	Conflict     bool
	Server       Rundown
	NewUpdatedAt string
	NewItemRev   int
}
