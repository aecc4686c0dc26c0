// Package dynamostore implements the section Store on a single DynamoDB table.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
)

const (
	entitySection = "SECTION"
	entityHistory = "HISTORY"

	attrPK      = "PK"
	attrSK      = "SK"
	attrVersion = "Version"

	conditionalCheckFailed = "ConditionalCheckFailed"
	maxForcedAttempts      = 3
	maxBatchWrite          = 25
)

var (
	errMissingClient     = errors.New("dynamodb client is required")
	errMissingTable      = errors.New("dynamodb table name is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// API is the subset of the DynamoDB client used by the store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Config wires the DynamoDB section store.
type Config struct {
	Client       API
	TableName    string
	IDProvider   sections.IDProvider
	Clock        func() time.Time
	HistoryLimit int
	Logger       *zap.Logger
}

// Store keeps sections and their history in one table.
//
// Section items live under PK=OWNER#<owner>, SK=SECTION#<type>#<key>; history items under
// PK=HISTORY#<owner>#<type>#<key>, SK=V#<zero padded version>. A save is one transaction that
// puts the section under a version condition and puts the new history item.
type Store struct {
	client       API
	table        string
	idProvider   sections.IDProvider
	clock        func() time.Time
	historyLimit int
	logger       *zap.Logger
}

type sectionItem struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	EntityType    string `dynamodbav:"EntityType"`
	OwnerID       string `dynamodbav:"OwnerID"`
	SectionType   string `dynamodbav:"SectionType"`
	SectionKey    string `dynamodbav:"SectionKey"`
	ContentJSON   string `dynamodbav:"ContentJSON"`
	Version       int64  `dynamodbav:"Version"`
	LastSavedAtMs int64  `dynamodbav:"LastSavedAtMs"`
}

type historyItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	EntityType  string `dynamodbav:"EntityType"`
	EntryID     string `dynamodbav:"EntryID"`
	OwnerID     string `dynamodbav:"OwnerID"`
	SectionType string `dynamodbav:"SectionType"`
	SectionKey  string `dynamodbav:"SectionKey"`
	Version     int64  `dynamodbav:"Version"`
	ContentJSON string `dynamodbav:"ContentJSON"`
	SavedAtMs   int64  `dynamodbav:"SavedAtMs"`
	SaveMethod  string `dynamodbav:"SaveMethod"`
}

// New validates the configuration and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.TableName == "" {
		return nil, errMissingTable
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = sections.DefaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:       cfg.Client,
		table:        cfg.TableName,
		idProvider:   cfg.IDProvider,
		clock:        clock,
		historyLimit: limit,
		logger:       logger,
	}, nil
}

func component(value string) string {
	return url.PathEscape(value)
}

func ownerPK(owner sections.OwnerID) string {
	return "OWNER#" + component(owner.String())
}

func sectionSK(ref sections.SectionRef) string {
	return "SECTION#" + component(ref.SectionType.String()) + "#" + component(ref.SectionKey.String())
}

func historyPK(ref sections.SectionRef) string {
	return "HISTORY#" + component(ref.OwnerID.String()) + "#" + component(ref.SectionType.String()) + "#" + component(ref.SectionKey.String())
}

func historySK(version int64) string {
	return fmt.Sprintf("V#%020d", version)
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

// Get loads one section with a strongly consistent read.
func (s *Store) Get(ctx context.Context, ref sections.SectionRef) (sections.SectionRecord, error) {
	item, found, err := s.loadSection(ctx, ref)
	if err != nil {
		return sections.SectionRecord{}, unavailable("get", err)
	}
	if !found {
		return sections.SectionRecord{}, sections.ErrNotFound
	}
	return item.record(), nil
}

func (s *Store) loadSection(ctx context.Context, ref sections.SectionRef) (sectionItem, bool, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(ownerPK(ref.OwnerID), sectionSK(ref)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return sectionItem{}, false, err
	}
	if output == nil || output.Item == nil {
		return sectionItem{}, false, nil
	}
	var item sectionItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return sectionItem{}, false, fmt.Errorf("unmarshal section: %w", err)
	}
	return item, true, nil
}

// List queries the owner's partition, optionally narrowed to one section type.
func (s *Store) List(ctx context.Context, ownerID sections.OwnerID, sectionType sections.SectionType) ([]sections.SectionRecord, error) {
	prefix := "SECTION#"
	if sectionType != "" {
		prefix += component(sectionType.String()) + "#"
	}
	keyCondition := expression.Key(attrPK).Equal(expression.Value(ownerPK(ownerID))).
		And(expression.KeyBeginsWith(expression.Key(attrSK), prefix))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCondition).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamostore: build list expression: %w", err)
	}

	var records []sections.SectionRecord
	var startKey map[string]types.AttributeValue
	for {
		output, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, unavailable("list", err)
		}
		for _, raw := range output.Items {
			var item sectionItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("dynamostore: unmarshal section: %w", err)
			}
			records = append(records, item.record())
		}
		if len(output.LastEvaluatedKey) == 0 {
			return records, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// CompareAndSet writes the section and its history item in one transaction.
func (s *Store) CompareAndSet(ctx context.Context, write sections.Write) (sections.WriteResult, error) {
	if write.Precondition != sections.PreconditionNone {
		return s.transact(ctx, write)
	}

	// A forced write re-reads the current version and then guards on it, so it still
	// increments monotonically when it races an ordinary save.
	for attempt := 0; ; attempt++ {
		current, found, err := s.loadSection(ctx, write.Ref)
		if err != nil {
			return sections.WriteResult{}, unavailable("compare_and_set", err)
		}
		guarded := write
		if found {
			guarded.Precondition = sections.PreconditionVersion
			guarded.ExpectedVersion = current.Version
		} else {
			guarded.Precondition = sections.PreconditionAbsent
		}
		result, err := s.transact(ctx, guarded)
		if err == nil || !errors.Is(err, sections.ErrVersionConflict) || attempt+1 >= maxForcedAttempts {
			return result, err
		}
	}
}

func (s *Store) transact(ctx context.Context, write sections.Write) (sections.WriteResult, error) {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		return sections.WriteResult{}, fmt.Errorf("dynamostore: history id: %w", err)
	}
	savedAt := s.clock().UTC()
	savedAtMs := savedAt.UnixMilli()

	var (
		version   int64
		condition expression.ConditionBuilder
	)
	switch write.Precondition {
	case sections.PreconditionVersion:
		version = write.ExpectedVersion + 1
		condition = expression.Name(attrVersion).Equal(expression.Value(write.ExpectedVersion))
	case sections.PreconditionAbsent:
		version = 1
		condition = expression.Name(attrPK).AttributeNotExists()
	default:
		return sections.WriteResult{}, fmt.Errorf("dynamostore: unsupported precondition %s", write.Precondition)
	}

	section, err := attributevalue.MarshalMap(sectionItem{
		PK:            ownerPK(write.Ref.OwnerID),
		SK:            sectionSK(write.Ref),
		EntityType:    entitySection,
		OwnerID:       write.Ref.OwnerID.String(),
		SectionType:   write.Ref.SectionType.String(),
		SectionKey:    write.Ref.SectionKey.String(),
		ContentJSON:   write.Content.String(),
		Version:       version,
		LastSavedAtMs: savedAtMs,
	})
	if err != nil {
		return sections.WriteResult{}, fmt.Errorf("dynamostore: marshal section: %w", err)
	}
	history, err := attributevalue.MarshalMap(historyItem{
		PK:          historyPK(write.Ref),
		SK:          historySK(version),
		EntityType:  entityHistory,
		EntryID:     entryID,
		OwnerID:     write.Ref.OwnerID.String(),
		SectionType: write.Ref.SectionType.String(),
		SectionKey:  write.Ref.SectionKey.String(),
		Version:     version,
		ContentJSON: write.Content.String(),
		SavedAtMs:   savedAtMs,
		SaveMethod:  string(write.Method),
	})
	if err != nil {
		return sections.WriteResult{}, fmt.Errorf("dynamostore: marshal history: %w", err)
	}

	sectionExpr, err := expression.NewBuilder().WithCondition(condition).Build()
	if err != nil {
		return sections.WriteResult{}, fmt.Errorf("dynamostore: build condition: %w", err)
	}
	historyExpr, err := expression.NewBuilder().WithCondition(expression.Name(attrPK).AttributeNotExists()).Build()
	if err != nil {
		return sections.WriteResult{}, fmt.Errorf("dynamostore: build history condition: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:                 aws.String(s.table),
					Item:                      section,
					ConditionExpression:       sectionExpr.Condition(),
					ExpressionAttributeNames:  sectionExpr.Names(),
					ExpressionAttributeValues: sectionExpr.Values(),
				},
			},
			{
				Put: &types.Put{
					TableName:                 aws.String(s.table),
					Item:                      history,
					ConditionExpression:       historyExpr.Condition(),
					ExpressionAttributeNames:  historyExpr.Names(),
					ExpressionAttributeValues: historyExpr.Values(),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return sections.WriteResult{}, s.loadConflict(ctx, write)
		}
		return sections.WriteResult{}, unavailable("compare_and_set", err)
	}

	s.trimHistory(ctx, write.Ref, version)
	return sections.WriteResult{Version: version, SavedAt: time.UnixMilli(savedAtMs).UTC()}, nil
}

// trimHistory deletes every history item at or below the retention cutoff. Items left behind by
// a failed trim or a lowered limit are collected by the next commit.
func (s *Store) trimHistory(ctx context.Context, ref sections.SectionRef, version int64) {
	cutoff := version - int64(s.historyLimit)
	if cutoff <= 0 {
		return
	}
	keys, err := s.evictedHistoryKeys(ctx, ref, cutoff)
	if err != nil {
		s.logger.Warn("history trim query failed",
			zap.String("section", ref.String()),
			zap.Int64("cutoff_version", cutoff),
			zap.Error(err))
		return
	}
	for start := 0; start < len(keys); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(keys))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}
		output, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: requests},
		})
		if err != nil {
			s.logger.Warn("history trim failed",
				zap.String("section", ref.String()),
				zap.Int64("cutoff_version", cutoff),
				zap.Error(err))
			return
		}
		if unprocessed := len(output.UnprocessedItems[s.table]); unprocessed > 0 {
			s.logger.Info("history trim deferred",
				zap.String("section", ref.String()),
				zap.Int("unprocessed", unprocessed))
		}
	}
}

func (s *Store) evictedHistoryKeys(ctx context.Context, ref sections.SectionRef, cutoff int64) ([]map[string]types.AttributeValue, error) {
	keyCondition := expression.Key(attrPK).Equal(expression.Value(historyPK(ref))).
		And(expression.Key(attrSK).LessThanEqual(expression.Value(historySK(cutoff))))
	expr, err := expression.NewBuilder().
		WithKeyCondition(keyCondition).
		WithProjection(expression.NamesList(expression.Name(attrPK), expression.Name(attrSK))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("dynamostore: build trim expression: %w", err)
	}

	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		output, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    expr.KeyCondition(),
			ProjectionExpression:      expr.Projection(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range output.Items {
			keys = append(keys, map[string]types.AttributeValue{attrPK: item[attrPK], attrSK: item[attrSK]})
		}
		if len(output.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

func (s *Store) loadConflict(ctx context.Context, write sections.Write) error {
	conflict := &sections.ConflictError{}
	if write.Precondition == sections.PreconditionVersion {
		expected := write.ExpectedVersion
		conflict.ExpectedVersion = &expected
	}
	current, found, err := s.loadSection(ctx, write.Ref)
	if err != nil {
		return unavailable("load_conflict", err)
	}
	if found {
		conflict.CurrentVersion = current.Version
		conflict.CurrentContent = sections.Content(current.ContentJSON)
	}
	return conflict
}

// History queries the history partition newest first.
func (s *Store) History(ctx context.Context, ref sections.SectionRef, limit int) ([]sections.HistoryEntry, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key(attrPK).Equal(expression.Value(historyPK(ref)))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("dynamostore: build history expression: %w", err)
	}
	output, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, unavailable("history", err)
	}
	entries := make([]sections.HistoryEntry, 0, len(output.Items))
	for _, raw := range output.Items {
		var item historyItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("dynamostore: unmarshal history: %w", err)
		}
		entries = append(entries, item.entry())
	}
	return entries, nil
}

// HistoryAt loads the retained entry for one version.
func (s *Store) HistoryAt(ctx context.Context, ref sections.SectionRef, version int64) (sections.HistoryEntry, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(historyPK(ref), historySK(version)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return sections.HistoryEntry{}, unavailable("history_at", err)
	}
	if output == nil || output.Item == nil {
		return sections.HistoryEntry{}, sections.ErrNotFound
	}
	var item historyItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return sections.HistoryEntry{}, fmt.Errorf("dynamostore: unmarshal history: %w", err)
	}
	return item.entry(), nil
}

func (item sectionItem) record() sections.SectionRecord {
	return sections.SectionRecord{
		OwnerID:         item.OwnerID,
		SectionType:     item.SectionType,
		SectionKey:      item.SectionKey,
		ContentJSON:     item.ContentJSON,
		Version:         item.Version,
		LastSavedAtMsec: item.LastSavedAtMs,
	}
}

func (item historyItem) entry() sections.HistoryEntry {
	return sections.HistoryEntry{
		EntryID:     item.EntryID,
		OwnerID:     item.OwnerID,
		SectionType: item.SectionType,
		SectionKey:  item.SectionKey,
		Version:     item.Version,
		ContentJSON: item.ContentJSON,
		SavedAtMsec: item.SavedAtMs,
		SaveMethod:  sections.SaveMethod(item.SaveMethod),
	}
}

// isConditionFailure reports whether the transaction was cancelled because the section
// condition did not hold.
func isConditionFailure(err error) bool {
	var cancelled *types.TransactionCanceledException
	if errors.As(err, &cancelled) {
		for _, reason := range cancelled.CancellationReasons {
			if aws.ToString(reason.Code) == conditionalCheckFailed {
				return true
			}
		}
		return false
	}
	var conditional *types.ConditionalCheckFailedException
	return errors.As(err, &conditional)
}

func unavailable(operation string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: dynamodb %s: %s: %w", sections.ErrStoreUnavailable, operation, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("%w: dynamodb %s: %w", sections.ErrStoreUnavailable, operation, err)
}
