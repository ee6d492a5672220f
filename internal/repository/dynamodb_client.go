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

	"plant-doctor/internal/domain"
)

const skState = "STATE"

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Client stores one conversation record per user in a DynamoDB table.
// It satisfies conversation.Store.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func userPK(userID string) string {
	return "USER#" + userID
}

func (c *Client) key(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

// Get loads the raw record, expired or not. The table's ttl attribute only
// lets DynamoDB reclaim storage eventually.
func (c *Client) Get(ctx context.Context, userID string) (domain.ConversationState, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, false, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationState{}, false, nil
	}
	st, err := itemToState(out.Item)
	if err != nil {
		return domain.ConversationState{}, false, fmt.Errorf("repository: Get decode: %w", err)
	}
	return st, true, nil
}

// Put writes state guarded by a condition on the stored version.
func (c *Client) Put(ctx context.Context, state domain.ConversationState, expectedVersion int64) error {
	if state.UserID == "" {
		return errors.New("repository: Put: user id is required")
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      stateItem(state),
	}
	if expectedVersion == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("version = :v")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		}
	}

	if _, err := c.api.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("repository: Put: %w", domain.ErrStateConflict)
		}
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Delete removes the record, guarded by the stored version when expectedVersion
// is set. A record that is already gone satisfies the guard.
func (c *Client) Delete(ctx context.Context, userID string, expectedVersion int64) error {
	in := &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(userID),
	}
	if expectedVersion != 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK) OR version = :v")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		}
	}
	if _, err := c.api.DeleteItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("repository: Delete: %w", domain.ErrStateConflict)
		}
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

func stateItem(st domain.ConversationState) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(st.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: skState},
		"userId":    &types.AttributeValueMemberS{Value: st.UserID},
		"phase":     &types.AttributeValueMemberS{Value: string(st.Phase)},
		"imageRef":  &types.AttributeValueMemberS{Value: st.PendingImageRef},
		"expiresAt": &types.AttributeValueMemberS{Value: st.ExpiresAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt": &types.AttributeValueMemberS{Value: st.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"version":   &types.AttributeValueMemberN{Value: strconv.FormatInt(st.Version, 10)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(st.ExpiresAt.Unix(), 10)},
	}
	if st.PendingMetadata.PlantType != "" {
		item["plantType"] = &types.AttributeValueMemberS{Value: st.PendingMetadata.PlantType}
	}
	if st.PendingMetadata.Region != "" {
		item["region"] = &types.AttributeValueMemberS{Value: st.PendingMetadata.Region}
	}
	return item
}

func itemToState(item map[string]types.AttributeValue) (domain.ConversationState, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.ConversationState{}, err
	}
	phase, err := strAttr(item, "phase")
	if err != nil {
		return domain.ConversationState{}, err
	}
	imageRef, _ := strAttr(item, "imageRef")
	plantType, _ := strAttr(item, "plantType") // allow empty
	region, _ := strAttr(item, "region")       // allow empty

	expiresAt, err := timeAttr(item, "expiresAt")
	if err != nil {
		return domain.ConversationState{}, err
	}
	updatedAt, _ := timeAttr(item, "updatedAt")
	version, err := intAttr(item, "version")
	if err != nil {
		return domain.ConversationState{}, err
	}

	return domain.ConversationState{
		UserID:          userID,
		Phase:           domain.Phase(phase),
		PendingImageRef: imageRef,
		PendingMetadata: domain.Metadata{PlantType: plantType, Region: region},
		ExpiresAt:       expiresAt,
		UpdatedAt:       updatedAt,
		Version:         version,
	}, nil
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

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
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
