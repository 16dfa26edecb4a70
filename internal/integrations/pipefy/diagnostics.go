package pipefy

import (
	"context"

	"sdr-agent/internal/domain"
)

const describeFieldsQuery = `
query DescribePipeFields($pipeId: ID!) {
  pipe(id: $pipeId) {
    start_form_fields {
      id
      internal_id
      label
      type
      required
    }
  }
}`

// StartFormField describes one field of the pipe's start form.
type StartFormField struct {
	ID         string `json:"id"`
	InternalID string `json:"internal_id"`
	Label      string `json:"label"`
	Type       string `json:"type"`
	Required   bool   `json:"required"`
}

// Key returns the semantic key the label maps to, if any.
func (f StartFormField) Key() (FieldKey, bool) {
	key, ok := fieldLabels[f.Label]
	return key, ok
}

type describeFieldsData struct {
	Pipe *struct {
		StartFormFields []StartFormField `json:"start_form_fields"`
	} `json:"pipe"`
}

// ListStartFormFields returns every start-form field of the pipe as reported
// by the API, bypassing the field cache. It is meant for setting up a pipe,
// so simulated mode is an error.
func (c *Client) ListStartFormFields(ctx context.Context) ([]StartFormField, error) {
	const op = "pipefy.ListStartFormFields"

	if c.simulated {
		return nil, domain.NewError(domain.KindSchemaResolution, op, "modo simulado não consulta o pipe", nil)
	}
	var data describeFieldsData
	if err := c.execute(ctx, op, describeFieldsQuery, map[string]any{"pipeId": c.pipeID}, &data); err != nil {
		return nil, err
	}
	if data.Pipe == nil {
		return nil, domain.NewError(domain.KindSchemaResolution, op, "pipe não encontrado", nil)
	}
	return data.Pipe.StartFormFields, nil
}

// MissingKeys returns the semantic keys none of fields maps to, sorted.
func MissingKeys(fields []StartFormField) []string {
	found := FieldIDs{}
	for _, f := range fields {
		if key, ok := f.Key(); ok {
			found[key] = f.ID
		}
	}
	missing := FieldIDs{}
	for _, key := range fieldLabels {
		if _, ok := found[key]; !ok {
			missing[key] = ""
		}
	}
	return missing.Keys()
}
