package tools

import (
	"context"
	"encoding/json"
	"time"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
)

// accessor adapts a data lake query to the Tool port.
type accessor struct {
	name        string
	description string
	schema      string
	mutates     bool
	invoke      func(ctx context.Context, args json.RawMessage) (any, error)
}

func (a *accessor) Name() string        { return a.name }
func (a *accessor) Description() string { return a.description }
func (a *accessor) Schema() []byte      { return []byte(a.schema) }
func (a *accessor) Mutates() bool       { return a.mutates }

func (a *accessor) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.invoke(ctx, args)
}

// bind builds an accessor whose arguments decode into P.
func bind[P any](name, description, schema string, fn func(ctx context.Context, p P) (any, error)) *accessor {
	return &accessor{
		name:        name,
		description: description,
		schema:      schema,
		invoke: func(ctx context.Context, raw json.RawMessage) (any, error) {
			p, err := decode[P](raw)
			if err != nil {
				return nil, err
			}
			return fn(ctx, p)
		},
	}
}

// All returns every data lake tool. create_calendar_event is the only one
// that mutates.
func All(d *DataLake) []ports.Tool {
	var out []ports.Tool
	for _, group := range [][]*accessor{
		calendarTools(d),
		codeTools(d),
		emailTools(d),
		repoTools(d),
		localFileTools(d),
		restaurantTools(d),
		logTools(d),
		transactionTools(d),
	} {
		for _, a := range group {
			out = append(out, a)
		}
	}
	return out
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
