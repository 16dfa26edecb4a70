package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"sdr-agent/internal/domain"
)

const (
	skLead            = "LEAD"
	skPrefixMeeting   = "MEETING#"
	ttlDuration       = 180 * 24 * time.Hour // 180-day TTL
	conditionNewItem  = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
	updateLeadMeeting = "SET #state = :state, meetingLink = :link, meetingAt = :at, updatedAt = :now, " +
		"recordId = :id, createdAt = if_not_exists(createdAt, :now), #ttl = :ttl"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding the lead ledger.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// cardPK returns the DynamoDB partition key for a card.
func cardPK(recordID string) string {
	return "CARD#" + recordID
}

func meetingSK(ts time.Time) string {
	return skPrefixMeeting + ts.UTC().Format(time.RFC3339Nano)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// SaveLead writes or replaces the lead item of a card.
func (c *Client) SaveLead(ctx context.Context, rec domain.LeadRecord) error {
	if strings.TrimSpace(rec.RecordID) == "" {
		return errors.New("repository: SaveLead: record id is required")
	}
	now := c.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.State == "" {
		rec.State = domain.StateRegistered
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      leadItem(rec, c.ttlValue()),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveLead: %w", err)
	}
	return nil
}

// GetLead reads the lead item of a card. A missing item is not an error.
func (c *Client) GetLead(ctx context.Context, recordID string) (domain.LeadRecord, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: cardPK(recordID)},
			"SK": &types.AttributeValueMemberS{Value: skLead},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.LeadRecord{}, false, fmt.Errorf("repository: GetLead get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.LeadRecord{}, false, nil
	}
	rec, err := itemToLead(out.Item)
	if err != nil {
		return domain.LeadRecord{}, false, fmt.Errorf("repository: GetLead unmarshal: %w", err)
	}
	return rec, true, nil
}

// SaveMeeting writes the meeting item and updates the lead item's state in
// one transaction. The lead item is created when absent.
func (c *Client) SaveMeeting(ctx context.Context, recordID, meetingLink, meetingAt string) error {
	if strings.TrimSpace(recordID) == "" {
		return errors.New("repository: SaveMeeting: record id is required")
	}
	now := c.now().UTC()
	ttl := strconv.FormatInt(c.ttlValue(), 10)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item: map[string]types.AttributeValue{
						"PK":          &types.AttributeValueMemberS{Value: cardPK(recordID)},
						"SK":          &types.AttributeValueMemberS{Value: meetingSK(now)},
						"recordId":    &types.AttributeValueMemberS{Value: recordID},
						"meetingLink": &types.AttributeValueMemberS{Value: meetingLink},
						"meetingAt":   &types.AttributeValueMemberS{Value: meetingAt},
						"createdAt":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
						"ttl":         &types.AttributeValueMemberN{Value: ttl},
					},
					ConditionExpression: aws.String(conditionNewItem),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: cardPK(recordID)},
						"SK": &types.AttributeValueMemberS{Value: skLead},
					},
					UpdateExpression: aws.String(updateLeadMeeting),
					ExpressionAttributeNames: map[string]string{
						"#state": "state",
						"#ttl":   "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":state": &types.AttributeValueMemberS{Value: string(domain.StateScheduled)},
						":link":  &types.AttributeValueMemberS{Value: meetingLink},
						":at":    &types.AttributeValueMemberS{Value: meetingAt},
						":now":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
						":id":    &types.AttributeValueMemberS{Value: recordID},
						":ttl":   &types.AttributeValueMemberN{Value: ttl},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveMeeting: %w", err)
	}
	return nil
}

// MeetingCount counts the MEETING# items recorded for a card.
func (c *Client) MeetingCount(ctx context.Context, recordID string) (int, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: cardPK(recordID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMeeting},
		},
		Select: types.SelectCount,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: MeetingCount query: %w", err)
	}
	if out == nil {
		return 0, nil
	}
	return int(out.Count), nil
}

func leadItem(rec domain.LeadRecord, ttl int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: cardPK(rec.RecordID)},
		"SK":        &types.AttributeValueMemberS{Value: skLead},
		"recordId":  &types.AttributeValueMemberS{Value: rec.RecordID},
		"name":      &types.AttributeValueMemberS{Value: rec.Name},
		"email":     &types.AttributeValueMemberS{Value: rec.Email},
		"company":   &types.AttributeValueMemberS{Value: rec.Company},
		"need":      &types.AttributeValueMemberS{Value: string(rec.Need)},
		"state":     &types.AttributeValueMemberS{Value: string(rec.State)},
		"createdAt": &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt": &types.AttributeValueMemberS{Value: rec.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
	if rec.MeetingLink != "" {
		item["meetingLink"] = &types.AttributeValueMemberS{Value: rec.MeetingLink}
	}
	if rec.MeetingAt != "" {
		item["meetingAt"] = &types.AttributeValueMemberS{Value: rec.MeetingAt}
	}
	return item
}

// itemToLead converts a DynamoDB attribute map to a LeadRecord.
func itemToLead(item map[string]types.AttributeValue) (domain.LeadRecord, error) {
	id, err := strAttr(item, "recordId")
	if err != nil {
		return domain.LeadRecord{}, err
	}
	state, err := strAttr(item, "state")
	if err != nil {
		return domain.LeadRecord{}, err
	}
	name, _ := strAttr(item, "name") // absent on items created by SaveMeeting
	email, _ := strAttr(item, "email")
	company, _ := strAttr(item, "company")
	need, _ := strAttr(item, "need")
	link, _ := strAttr(item, "meetingLink")
	at, _ := strAttr(item, "meetingAt")

	rec := domain.LeadRecord{
		RecordID:    id,
		Name:        name,
		Email:       email,
		Company:     company,
		Need:        domain.Need(need),
		State:       domain.WorkflowState(state),
		MeetingLink: link,
		MeetingAt:   at,
	}
	if rec.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return domain.LeadRecord{}, err
	}
	if rec.UpdatedAt, err = timeAttr(item, "updatedAt"); err != nil {
		return domain.LeadRecord{}, err
	}
	return rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
