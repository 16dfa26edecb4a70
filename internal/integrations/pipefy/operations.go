package pipefy

import (
	"context"
	"fmt"
	"strings"

	"sdr-agent/internal/domain"
)

const pipeFieldsQuery = `
query GetPipeFields($pipeId: ID!) {
  pipe(id: $pipeId) {
    start_form_fields {
      id
      label
    }
  }
}`

const createCardMutation = `
mutation CreateCard($input: CreateCardInput!) {
  createCard(input: $input) {
    card {
      id
      title
    }
  }
}`

const updateFieldsMutation = `
mutation UpdateMeetingFields($input: UpdateFieldsValuesInput!) {
  updateFieldsValues(input: $input) {
    success
    userErrors {
      field
      message
    }
  }
}`

type startFormField struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type pipeFieldsData struct {
	Pipe *struct {
		StartFormFields []startFormField `json:"start_form_fields"`
	} `json:"pipe"`
}

type createCardData struct {
	CreateCard *struct {
		Card *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"card"`
	} `json:"createCard"`
}

type updateFieldsData struct {
	UpdateFieldsValues *struct {
		Success    bool `json:"success"`
		UserErrors []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"userErrors"`
	} `json:"updateFieldsValues"`
}

type fieldAttribute struct {
	FieldID    string `json:"field_id"`
	FieldValue string `json:"field_value"`
}

type fieldValue struct {
	FieldID string `json:"fieldId"`
	Value   string `json:"value"`
}

type cardAttribute struct {
	key   FieldKey
	value string
}

// Meeting carries optional meeting data written together with a new card.
type Meeting struct {
	Link     string
	DateTime string
}

// ResolveFieldIDs returns the pipe's start-form field ids, querying the
// schema on first use only.
func (c *Client) ResolveFieldIDs(ctx context.Context) (FieldIDs, error) {
	return c.fields.Load(ctx, c.fetchFieldIDs)
}

func (c *Client) fetchFieldIDs(ctx context.Context) (FieldIDs, error) {
	const op = "pipefy.ResolveFieldIDs"

	var data pipeFieldsData
	if err := c.execute(ctx, op, pipeFieldsQuery, map[string]any{"pipeId": c.pipeID}, &data); err != nil {
		return nil, domain.NewError(domain.KindSchemaResolution, op, "não foi possível buscar os campos do pipe", err)
	}
	if data.Pipe == nil || len(data.Pipe.StartFormFields) == 0 {
		return nil, domain.NewError(domain.KindSchemaResolution, op, "nenhum campo encontrado no formulário inicial do pipe", nil)
	}

	ids := mapFieldLabels(data.Pipe.StartFormFields)
	if len(ids) == 0 {
		return nil, domain.NewError(domain.KindSchemaResolution, op, "nenhum campo esperado encontrado no formulário inicial do pipe", nil)
	}
	if len(ids) < len(fieldLabels) {
		c.logger.Warn("pipefy: not all expected start form fields were found",
			"found", ids.Keys(),
			"expected", len(fieldLabels),
		)
	}
	return ids, nil
}

func requireField(op string, ids FieldIDs, key FieldKey) (string, error) {
	id, ok := ids[key]
	if !ok {
		return "", domain.NewError(domain.KindSchemaResolution, op, fmt.Sprintf("campo %q não encontrado no pipe", key), nil)
	}
	return id, nil
}

// CreateLead validates the lead's need and creates a card for it, returning
// the new card id. Meeting data is written only when provided.
func (c *Client) CreateLead(ctx context.Context, lead domain.Lead, meeting *Meeting) (string, error) {
	const op = "pipefy.CreateLead"

	need, ok := domain.ParseNeed(lead.Need)
	if !ok {
		return "", domain.NewError(domain.KindInvalidNeed, op, fmt.Sprintf("necessidade inválida: %q", lead.Need), nil)
	}

	if c.simulated {
		c.logger.Debug("pipefy: simulated createCard", "email", lead.Email)
		return SimulatedCardID, nil
	}

	ids, err := c.ResolveFieldIDs(ctx)
	if err != nil {
		return "", err
	}

	attrs := []cardAttribute{
		{FieldName, lead.Name},
		{FieldEmail, lead.Email},
		{FieldCompany, lead.Company},
		{FieldNeed, string(need)},
		{FieldInterest, interestConfirmed},
	}
	if meeting != nil {
		if link := strings.TrimSpace(meeting.Link); link != "" {
			attrs = append(attrs, cardAttribute{FieldMeetingLink, link})
		}
		if strings.TrimSpace(meeting.DateTime) != "" {
			dt, err := c.normalizeDate(meeting.DateTime)
			if err != nil {
				return "", err
			}
			attrs = append(attrs, cardAttribute{FieldMeetingDateTime, dt})
		}
	}

	fields := make([]fieldAttribute, 0, len(attrs))
	for _, a := range attrs {
		id, err := requireField(op, ids, a.key)
		if err != nil {
			return "", err
		}
		fields = append(fields, fieldAttribute{FieldID: id, FieldValue: a.value})
	}

	var data createCardData
	err = c.execute(ctx, op, createCardMutation, map[string]any{
		"input": map[string]any{
			"pipe_id":           c.pipeID,
			"fields_attributes": fields,
		},
	}, &data)
	if err != nil {
		return "", err
	}
	if data.CreateCard == nil || data.CreateCard.Card == nil || data.CreateCard.Card.ID == "" {
		return "", domain.NewError(domain.KindRemoteOperation, op, "createCard não retornou o card criado", nil)
	}
	return data.CreateCard.Card.ID, nil
}

// UpdateMeetingFields writes the meeting link and date of a card in one
// batched mutation. The batch succeeds or fails as a whole.
func (c *Client) UpdateMeetingFields(ctx context.Context, recordID, meetingLink, meetingDateTime string) error {
	const op = "pipefy.UpdateMeetingFields"

	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return domain.NewError(domain.KindInvalidArguments, op, "card_id é obrigatório", nil)
	}
	dt, err := c.normalizeDate(meetingDateTime)
	if err != nil {
		return err
	}

	if c.simulated {
		c.logger.Debug("pipefy: simulated updateFieldsValues", "card_id", recordID, "meeting_at", dt)
		return nil
	}

	ids, err := c.ResolveFieldIDs(ctx)
	if err != nil {
		return err
	}
	linkID, err := requireField(op, ids, FieldMeetingLink)
	if err != nil {
		return err
	}
	dateID, err := requireField(op, ids, FieldMeetingDateTime)
	if err != nil {
		return err
	}

	var data updateFieldsData
	err = c.execute(ctx, op, updateFieldsMutation, map[string]any{
		"input": map[string]any{
			"nodeId": recordID,
			"values": []fieldValue{
				{FieldID: linkID, Value: meetingLink},
				{FieldID: dateID, Value: dt},
			},
		},
	}, &data)
	if err != nil {
		return err
	}

	res := data.UpdateFieldsValues
	if res == nil || !res.Success {
		detail := "updateFieldsValues não confirmou a atualização"
		if res != nil && len(res.UserErrors) > 0 {
			msgs := make([]string, 0, len(res.UserErrors))
			for _, ue := range res.UserErrors {
				msgs = append(msgs, strings.TrimSpace(ue.Field+" "+ue.Message))
			}
			detail = strings.Join(msgs, "; ")
		}
		return domain.NewError(domain.KindRemoteOperation, op, detail, nil)
	}
	return nil
}

func (c *Client) normalizeDate(s string) (string, error) {
	if c.dates == nil {
		return strings.TrimSpace(s), nil
	}
	return c.dates.Normalize(s)
}
