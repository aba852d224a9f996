package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const CreateCalendarEventName = "create_calendar_event"

const (
	searchCalendarSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Text matched against event titles and descriptions"},
    "attendee": {"type": "string", "description": "Attendee name or email filter"},
    "location": {"type": "string", "description": "Location filter"}
  },
  "required": ["query"]
}`
	dateSchema = `{
  "type": "object",
  "properties": {
    "date": {"type": "string", "description": "Date in YYYY-MM-DD format"}
  },
  "required": ["date"]
}`
	timeRangeSchema = `{
  "type": "object",
  "properties": {
    "start_time": {"type": "string", "description": "ISO-8601 start, e.g. 2024-01-22T09:00:00Z"},
    "end_time": {"type": "string", "description": "ISO-8601 end"}
  },
  "required": ["start_time", "end_time"]
}`
	eventIDSchema = `{
  "type": "object",
  "properties": {
    "event_id": {"type": "string"}
  },
  "required": ["event_id"]
}`
	createEventSchema = `{
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "start_time": {"type": "string", "description": "ISO-8601 start"},
    "end_time": {"type": "string", "description": "ISO-8601 end"},
    "description": {"type": "string"},
    "location": {"type": "string"},
    "attendees": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "email": {"type": "string"},
          "name": {"type": "string"}
        },
        "required": ["email"]
      }
    }
  },
  "required": ["title", "start_time", "end_time"]
}`
	freeSlotsSchema = `{
  "type": "object",
  "properties": {
    "start_date": {"type": "string", "description": "First day, YYYY-MM-DD"},
    "end_date": {"type": "string", "description": "Last day, YYYY-MM-DD"},
    "duration_minutes": {"type": "integer", "minimum": 1},
    "working_hours_only": {"type": "boolean", "description": "Restrict to 09:00-18:00, default true"}
  },
  "required": ["start_date", "end_date", "duration_minutes"]
}`
)

const eventTimeLayout = "2006-01-02T15:04:05"

func (d *DataLake) calendar() ([]Record, error) {
	return d.records(CalendarFile, "calendar_events")
}

func sortByStart(events []Record) []Record {
	sort.SliceStable(events, func(i, j int) bool { return str(events[i], "start_time") < str(events[j], "start_time") })
	return events
}

func overlaps(e Record, start, end string) bool {
	return start < str(e, "end_time") && end > str(e, "start_time")
}

func attendeeMatches(e Record, attendee string) bool {
	list, _ := e["attendees"].([]any)
	for _, a := range list {
		att, ok := a.(map[string]any)
		if !ok {
			continue
		}
		if containsFold(str(att, "email"), attendee) || containsFold(str(att, "name"), attendee) {
			return true
		}
	}
	return false
}

func calendarTools(d *DataLake) []*accessor {
	type searchParams struct {
		Query    string `json:"query"`
		Attendee string `json:"attendee"`
		Location string `json:"location"`
	}
	type dateParams struct {
		Date string `json:"date"`
	}
	type rangeParams struct {
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	}
	type idParams struct {
		EventID string `json:"event_id"`
	}

	create := bind("create_calendar_event",
		"Create a calendar event. Only call after the user explicitly confirmed the event details.",
		createEventSchema, d.createCalendarEvent)
	create.mutates = true

	return []*accessor{
		bind("search_calendar_events", "Search calendar events by text, optionally filtered by attendee and location.", searchCalendarSchema,
			func(ctx context.Context, p searchParams) (any, error) {
				events, err := d.calendar()
				if err != nil {
					return nil, err
				}
				return filter(events, func(e Record) bool {
					if !containsFold(str(e, "title"), p.Query) && !containsFold(str(e, "description"), p.Query) {
						return false
					}
					if p.Attendee != "" && !attendeeMatches(e, p.Attendee) {
						return false
					}
					return p.Location == "" || containsFold(str(e, "location"), p.Location)
				}), nil
			}),
		bind("get_calendar_by_date", "List the events on one day, ordered by start time.", dateSchema,
			func(ctx context.Context, p dateParams) (any, error) {
				events, err := d.calendar()
				if err != nil {
					return nil, err
				}
				return sortByStart(filter(events, func(e Record) bool {
					day, _, _ := strings.Cut(str(e, "start_time"), "T")
					return day == p.Date
				})), nil
			}),
		bind("check_time_availability", "Check whether a time range is free and list conflicting events.", timeRangeSchema,
			func(ctx context.Context, p rangeParams) (any, error) {
				events, err := d.calendar()
				if err != nil {
					return nil, err
				}
				conflicts := filter(events, func(e Record) bool { return overlaps(e, p.StartTime, p.EndTime) })
				return map[string]any{
					"is_free":           len(conflicts) == 0,
					"conflicts":         conflicts,
					"conflicting_count": len(conflicts),
				}, nil
			}),
		bind("get_calendar_event_by_id", "Fetch one calendar event by id.", eventIDSchema,
			func(ctx context.Context, p idParams) (any, error) {
				events, err := d.calendar()
				if err != nil {
					return nil, err
				}
				return first(events, func(e Record) bool { return str(e, "id") == p.EventID }), nil
			}),
		bind("get_events_by_timeframe", "List events overlapping a time range, ordered by start time.", timeRangeSchema,
			func(ctx context.Context, p rangeParams) (any, error) {
				return d.eventsInRange(p.StartTime, p.EndTime)
			}),
		create,
		bind("find_free_time_slots", "Find free slots of at least duration_minutes between two dates.", freeSlotsSchema, d.findFreeTimeSlots),
	}
}

func (d *DataLake) eventsInRange(start, end string) ([]Record, error) {
	events, err := d.calendar()
	if err != nil {
		return nil, err
	}
	return sortByStart(filter(events, func(e Record) bool { return overlaps(e, start, end) })), nil
}

type createEventParams struct {
	Title       string           `json:"title"`
	StartTime   string           `json:"start_time"`
	EndTime     string           `json:"end_time"`
	Description string           `json:"description"`
	Location    *string          `json:"location"`
	Attendees   []map[string]any `json:"attendees"`
}

func (d *DataLake) createCalendarEvent(ctx context.Context, p createEventParams) (any, error) {
	if p.Title == "" || p.StartTime == "" || p.EndTime == "" {
		return nil, errors.New("title, start_time and end_time are required")
	}
	if p.EndTime <= p.StartTime {
		return nil, errors.New("end_time must be after start_time")
	}

	l := d.lock(CalendarFile)
	l.Lock()
	defer l.Unlock()

	var doc map[string][]Record
	if err := d.readUnlocked(CalendarFile, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string][]Record)
	}
	events := doc["calendar_events"]

	maxID := 0
	for _, e := range events {
		id := str(e, "id")
		if !strings.HasPrefix(id, "cal_event_") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(id, "cal_event_")); err == nil && n > maxID {
			maxID = n
		}
	}

	attendees := make([]any, 0, len(p.Attendees))
	for _, a := range p.Attendees {
		attendees = append(attendees, a)
	}
	if len(attendees) == 0 {
		attendees = append(attendees, map[string]any{
			"email":     d.owner.Email,
			"name":      d.owner.Name,
			"response":  "accepted",
			"organizer": true,
		})
	}

	var location any
	if p.Location != nil {
		location = *p.Location
	}

	event := Record{
		"id":          fmt.Sprintf("cal_event_%03d", maxID+1),
		"title":       p.Title,
		"description": p.Description,
		"start_time":  p.StartTime,
		"end_time":    p.EndTime,
		"location":    location,
		"attendees":   attendees,
		"created_by":  d.owner.Email,
		"created_at":  d.now(),
		"recurring":   false,
	}
	doc["calendar_events"] = append(events, event)
	if err := d.writeUnlocked(CalendarFile, doc); err != nil {
		return nil, err
	}
	return event, nil
}

type freeSlotsParams struct {
	StartDate        string `json:"start_date"`
	EndDate          string `json:"end_date"`
	DurationMinutes  int    `json:"duration_minutes"`
	WorkingHoursOnly *bool  `json:"working_hours_only"`
}

func (d *DataLake) findFreeTimeSlots(ctx context.Context, p freeSlotsParams) (any, error) {
	day, err := time.Parse("2006-01-02", p.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start_date: %w", err)
	}
	last, err := time.Parse("2006-01-02", p.EndDate)
	if err != nil {
		return nil, fmt.Errorf("invalid end_date: %w", err)
	}
	if p.DurationMinutes <= 0 {
		return nil, errors.New("duration_minutes must be positive")
	}
	workingHours := p.WorkingHoursOnly == nil || *p.WorkingHoursOnly
	need := time.Duration(p.DurationMinutes) * time.Minute

	events, err := d.eventsInRange(p.StartDate+"T00:00:00Z", p.EndDate+"T23:59:59Z")
	if err != nil {
		return nil, err
	}

	slots := make([]map[string]any, 0)
	addSlot := func(from, to time.Time) {
		if to.Sub(from) >= need {
			slots = append(slots, map[string]any{
				"start_time":       from.Format(eventTimeLayout) + "Z",
				"end_time":         to.Format(eventTimeLayout) + "Z",
				"duration_minutes": int(to.Sub(from).Minutes()),
			})
		}
	}

	for ; !day.After(last); day = day.AddDate(0, 0, 1) {
		dayStart, dayEnd := day, day.Add(23*time.Hour+59*time.Minute+59*time.Second)
		if workingHours {
			dayStart, dayEnd = day.Add(9*time.Hour), day.Add(18*time.Hour)
		}

		prefix := day.Format("2006-01-02")
		cursor := dayStart
		for _, e := range events {
			if !strings.HasPrefix(str(e, "start_time"), prefix) {
				continue
			}
			start, err1 := time.Parse(eventTimeLayout, strings.TrimSuffix(str(e, "start_time"), "Z"))
			end, err2 := time.Parse(eventTimeLayout, strings.TrimSuffix(str(e, "end_time"), "Z"))
			if err1 != nil || err2 != nil {
				continue
			}
			addSlot(cursor, start)
			if end.After(cursor) {
				cursor = end
			}
		}
		addSlot(cursor, dayEnd)
	}
	return slots, nil
}
