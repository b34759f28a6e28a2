package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

const (
	campaignSK           = "CAMPAIGN"
	dueCampaignPartition = "DUE#campaign"
)

func campaignPK(key string) string {
	return "CAMPAIGN#" + key
}

// DynamoDBStore implements the Store interface using AWS DynamoDB.
// Single-table design with PK/SK pattern:
//   - Campaigns: PK="CAMPAIGN#<key>", SK="CAMPAIGN"
//
// GSI2: GSI2PK (STATUS#<status>) + GSI2SK (<updated_at>)
// GSI3: GSI3PK (DUE#campaign, running only) + GSI3SK (<resume_at_ms>)
type DynamoDBStore struct {
	client    *dynamodb.Client
	tableName string
	retention time.Duration
}

// NewDynamoDBStore creates a new DynamoDB store.
func NewDynamoDBStore(client *dynamodb.Client, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

// SetRetention makes terminal checkpoints carry a TTL so DynamoDB expires
// them on its own. Zero disables it.
func (s *DynamoDBStore) SetRetention(d time.Duration) {
	s.retention = d
}

// EnsureTable creates the table with GSIs if it doesn't exist.
func (s *DynamoDBStore) EnsureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		return nil
	}

	throughput := &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(5),
		WriteCapacityUnits: aws.Int64(5),
	}
	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI2PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI2SK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI3PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI3SK"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String("GSI2"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("GSI2PK"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("GSI2SK"), KeyType: types.KeyTypeRange},
				},
				Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
				ProvisionedThroughput: throughput,
			},
			{
				IndexName: aws.String("GSI3"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("GSI3PK"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("GSI3SK"), KeyType: types.KeyTypeRange},
				},
				Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
				ProvisionedThroughput: throughput,
			},
		},
		BillingMode:           types.BillingModeProvisioned,
		ProvisionedThroughput: throughput,
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	}, 2*time.Minute); err != nil {
		return fmt.Errorf("failed waiting for table: %w", err)
	}

	_, err = s.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(s.tableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			Enabled:       aws.Bool(true),
			AttributeName: aws.String("ttl"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enable TTL: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) campaignKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: campaignPK(key)},
		"SK": &types.AttributeValueMemberS{Value: campaignSK},
	}
}

func (s *DynamoDBStore) marshalRecord(rec *CampaignRecord) (map[string]types.AttributeValue, error) {
	rec.PK = campaignPK(rec.Key)
	rec.SK = campaignSK
	rec.TTL = nil
	if IsTerminalRecord(rec) && s.retention > 0 {
		ttl := time.Now().Add(s.retention).Unix()
		rec.TTL = &ttl
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal campaign: %w", err)
	}
	return item, nil
}

// CreateCampaign stores a new run unless a running one holds the key.
func (s *DynamoDBStore) CreateCampaign(ctx context.Context, rec *CampaignRecord) error {
	item, err := s.marshalRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #status IN (:completed, :failed)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: core.StatusCompleted},
			":failed":    &types.AttributeValueMemberS{Value: core.StatusFailed},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to put campaign: %w", err)
	}

	return nil
}

// GetCampaign retrieves a campaign by key.
func (s *DynamoDBStore) GetCampaign(ctx context.Context, key string) (*CampaignRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.campaignKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	var record CampaignRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}

	return &record, nil
}

// ListCampaigns returns campaigns by status from GSI2, or scans when no
// status is given.
func (s *DynamoDBStore) ListCampaigns(ctx context.Context, status string, limit int) ([]*CampaignRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var items []map[string]types.AttributeValue
	if status != "" {
		result, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String("GSI2"),
			KeyConditionExpression: aws.String("GSI2PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: "STATUS#" + status},
			},
			ScanIndexForward: aws.Bool(false),
			Limit:            aws.Int32(int32(limit)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query campaigns by status: %w", err)
		}
		items = result.Items
	} else {
		result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("SK = :sk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sk": &types.AttributeValueMemberS{Value: campaignSK},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaigns: %w", err)
		}
		items = result.Items
	}

	records := make([]*CampaignRecord, 0, len(items))
	for _, item := range items {
		var rec CampaignRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
		}
		records = append(records, &rec)
	}
	sortByUpdatedDesc(records)
	if len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}

// Checkpoint replaces the campaign if version and lease token still match.
func (s *DynamoDBStore) Checkpoint(ctx context.Context, rec *CampaignRecord, expectedVersion int64, token string) error {
	item, err := s.marshalRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("#version = :expected AND lease_token = :token"),
		ExpressionAttributeNames: map[string]string{
			"#version": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			":token":    &types.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to checkpoint campaign: %w", err)
	}

	return nil
}

// GetDueCampaigns returns keys whose resume time and lease have passed.
func (s *DynamoDBStore) GetDueCampaigns(ctx context.Context, nowMs int64, limit int) ([]string, error) {
	keys, err := s.queryDueCampaigns(ctx, nowMs, limit)
	if err == nil {
		return keys, nil
	}
	if !isMissingDueIndexError(err) {
		return nil, fmt.Errorf("failed to query due campaigns: %w", err)
	}

	// Compatibility fallback for tables without GSI3.
	result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("SK = :sk AND #status = :running AND resume_at_ms <= :now AND lease_until_ms <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk":      &types.AttributeValueMemberS{Value: campaignSK},
			":running": &types.AttributeValueMemberS{Value: core.StatusRunning},
			":now":     &types.AttributeValueMemberN{Value: strconv.FormatInt(nowMs, 10)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get due campaigns: %w", err)
	}

	return keysFromItems(result.Items, limit), nil
}

func (s *DynamoDBStore) queryDueCampaigns(ctx context.Context, nowMs int64, limit int) ([]string, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("GSI3"),
		KeyConditionExpression: aws.String("GSI3PK = :pk AND GSI3SK <= :now"),
		FilterExpression:       aws.String("lease_until_ms <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: dueCampaignPartition},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(nowMs, 10)},
		},
	}
	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, err
	}

	return keysFromItems(result.Items, limit), nil
}

func keysFromItems(items []map[string]types.AttributeValue, limit int) []string {
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if limit > 0 && len(keys) >= limit {
			break
		}
		if keyAttr, ok := item["key"]; ok {
			if keyVal, ok := keyAttr.(*types.AttributeValueMemberS); ok {
				keys = append(keys, keyVal.Value)
			}
		}
	}
	return keys
}

func isMissingDueIndexError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "The table does not have the specified index") ||
		strings.Contains(msg, "Cannot read from backfilling global secondary index")
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// ClaimDue fences a due campaign with token.
func (s *DynamoDBStore) ClaimDue(ctx context.Context, key string, nowMs int64, token string, untilMs int64) (*CampaignRecord, error) {
	now := strconv.FormatInt(nowMs, 10)
	return s.updateLease(ctx, key,
		"#status = :running AND resume_at_ms <= :now AND lease_until_ms <= :now",
		"SET lease_token = :token, lease_owner = :empty, lease_until_ms = :until",
		map[string]string{"#status": "status"},
		map[string]types.AttributeValue{
			":running": &types.AttributeValueMemberS{Value: core.StatusRunning},
			":now":     &types.AttributeValueMemberN{Value: now},
			":token":   &types.AttributeValueMemberS{Value: token},
			":empty":   &types.AttributeValueMemberS{Value: ""},
			":until":   &types.AttributeValueMemberN{Value: strconv.FormatInt(untilMs, 10)},
		},
	)
}

// AcquireLease binds owner to an unowned (or already owned) claim.
func (s *DynamoDBStore) AcquireLease(ctx context.Context, key, token, owner string, untilMs int64) (*CampaignRecord, error) {
	return s.updateLease(ctx, key,
		"lease_token = :token AND (lease_owner = :empty OR lease_owner = :owner)",
		"SET lease_owner = :owner, lease_until_ms = :until",
		nil,
		map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
			":owner": &types.AttributeValueMemberS{Value: owner},
			":empty": &types.AttributeValueMemberS{Value: ""},
			":until": &types.AttributeValueMemberN{Value: strconv.FormatInt(untilMs, 10)},
		},
	)
}

// ExtendLease pushes a held lease's expiry.
func (s *DynamoDBStore) ExtendLease(ctx context.Context, key, token, owner string, untilMs int64) error {
	_, err := s.updateLease(ctx, key,
		"lease_token = :token AND lease_owner = :owner",
		"SET lease_until_ms = :until",
		nil,
		map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
			":owner": &types.AttributeValueMemberS{Value: owner},
			":until": &types.AttributeValueMemberN{Value: strconv.FormatInt(untilMs, 10)},
		},
	)
	return err
}

func (s *DynamoDBStore) updateLease(ctx context.Context, key, condition, update string, names map[string]string, values map[string]types.AttributeValue) (*CampaignRecord, error) {
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.campaignKey(key),
		ConditionExpression:       aws.String("attribute_exists(PK) AND " + condition),
		UpdateExpression:          aws.String(update),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	result, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to update lease: %w", err)
	}

	var rec CampaignRecord
	if err := attributevalue.UnmarshalMap(result.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}
	return &rec, nil
}

// PurgeTerminal deletes finished runs older than beforeMs.
func (s *DynamoDBStore) PurgeTerminal(ctx context.Context, beforeMs int64) (int, error) {
	before := core.FormatTime(time.UnixMilli(beforeMs))
	purged := 0

	for _, status := range []string{core.StatusCompleted, core.StatusFailed} {
		result, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String("GSI2"),
			KeyConditionExpression: aws.String("GSI2PK = :pk AND GSI2SK < :before"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: "STATUS#" + status},
				":before": &types.AttributeValueMemberS{Value: before},
			},
		})
		if err != nil {
			return purged, fmt.Errorf("failed to query %s campaigns: %w", status, err)
		}

		for _, key := range keysFromItems(result.Items, 0) {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 s.campaignKey(key),
				ConditionExpression: aws.String("#status = :status"),
				ExpressionAttributeNames: map[string]string{
					"#status": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":status": &types.AttributeValueMemberS{Value: status},
				},
			})
			if err != nil {
				if isConditionalCheckFailed(err) {
					// restarted since the query
					continue
				}
				return purged, fmt.Errorf("failed to delete campaign: %w", err)
			}
			purged++
		}
	}

	return purged, nil
}

// Ping checks the connection to DynamoDB.
func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		return fmt.Errorf("failed to ping DynamoDB: %w", err)
	}

	return nil
}

// Close closes the store (no-op for DynamoDB client).
func (s *DynamoDBStore) Close() error {
	return nil
}
