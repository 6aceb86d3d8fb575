package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/bleepfs/internal/config"
)

const (
	dynamoTimeFormat = "2006-01-02T15:04:05.000Z"

	// maxTransactItems is the DynamoDB limit on items per TransactWriteItems.
	maxTransactItems = 100

	pkFile        = "FILE"
	pkPage        = "PAGE"
	pkConfig      = "CONFIG"
	pkCounter     = "COUNTER"
	skPageCounter = "page_id"
)

// Condition, update and key expressions issued by DynamoDBStore.
const (
	condNotExists    = "attribute_not_exists(pk)"
	condExists       = "attribute_exists(pk)"
	condVersion      = "version = :version"
	condUnreferenced = "refs <= :zero"

	updateRefs    = "SET size = if_not_exists(size, :size) ADD refs :delta"
	updateCounter = "ADD next_id :one"

	queryAll    = "pk = :pk"
	queryPrefix = "pk = :pk AND begins_with(sk, :prefix)"
	queryAfter  = "pk = :pk AND sk > :after"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoDBStore implements MetadataStore on a single DynamoDB table keyed by
// pk/sk. Files live under pk FILE with the name as sort key, so listing is a
// sorted Query. A file item carries its page associations and a version that
// guards every read-modify-write. Pages live under pk PAGE with a reference
// count; a file change and its reference count updates commit in one
// transaction.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a DynamoDBStore using the default AWS credential
// chain.
func NewDynamoDBStore(ctx context.Context, cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBStoreWithClient(cfg.Table, dynamodb.NewFromConfig(awsCfg)), nil
}

// NewDynamoDBStoreWithClient creates a DynamoDBStore over a pre-configured
// client. Used by tests with a mock client.
func NewDynamoDBStoreWithClient(table string, client DynamoDBAPI) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

// ---- Item encoding ----

func attrS(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func attrN(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": attrS(pk), "sk": attrS(sk)}
}

// pageSK zero-pads page IDs so sort keys order numerically.
func pageSK(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func itemString(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func itemInt(item map[string]types.AttributeValue, name string) int64 {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func itemBool(item map[string]types.AttributeValue, name string) bool {
	if v, ok := item[name].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

// dynamoFile is a decoded file item.
type dynamoFile struct {
	rec     FileRecord
	pages   []PageRef
	version int64
}

func (f *dynamoFile) item() (map[string]types.AttributeValue, error) {
	mdJSON, err := json.Marshal(f.rec.Metadata.Clone())
	if err != nil {
		return nil, fmt.Errorf("encoding metadata for %q: %w", f.rec.Name, err)
	}
	pages := make([]types.AttributeValue, 0, len(f.pages))
	for _, p := range f.pages {
		pages = append(pages, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"id":     attrN(p.ID),
			"offset": attrN(p.Offset),
			"size":   attrN(int64(p.Size)),
		}})
	}
	lastModified := f.rec.LastModified
	if lastModified.IsZero() {
		lastModified = time.Now().UTC()
	}

	item := itemKey(pkFile, f.rec.Name)
	item["size"] = attrN(f.rec.Size)
	item["metadata"] = attrS(string(mdJSON))
	item["upload_complete"] = &types.AttributeValueMemberBOOL{Value: f.rec.UploadComplete}
	item["last_modified"] = attrS(lastModified.UTC().Format(dynamoTimeFormat))
	item["version"] = attrN(f.version)
	item["pages"] = &types.AttributeValueMemberL{Value: pages}
	return item, nil
}

func decodeFile(item map[string]types.AttributeValue) (*dynamoFile, error) {
	f := &dynamoFile{
		rec: FileRecord{
			Name:           itemString(item, "sk"),
			Size:           itemInt(item, "size"),
			Metadata:       Metadata{},
			UploadComplete: itemBool(item, "upload_complete"),
		},
		version: itemInt(item, "version"),
	}
	if raw := itemString(item, "metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %q: %w", f.rec.Name, err)
		}
	}
	f.rec.LastModified, _ = time.Parse(dynamoTimeFormat, itemString(item, "last_modified"))

	if list, ok := item["pages"].(*types.AttributeValueMemberL); ok {
		for _, v := range list.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				continue
			}
			f.pages = append(f.pages, PageRef{
				ID:     itemInt(m.Value, "id"),
				Offset: itemInt(m.Value, "offset"),
				Size:   int(itemInt(m.Value, "size")),
			})
		}
	}
	sort.Slice(f.pages, func(i, j int) bool { return f.pages[i].Offset < f.pages[j].Offset })
	return f, nil
}

func (s *DynamoDBStore) getFile(ctx context.Context, name string) (*dynamoFile, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(pkFile, name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting file %q: %w", name, err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return decodeFile(resp.Item)
}

// ---- Transactions ----

// refDelta is a pending change to the reference count of one page.
type refDelta struct {
	n    int64
	size int
	// create allows the update to recreate a released page item.
	create bool
}

type refDeltas map[int64]*refDelta

func (d refDeltas) add(p PageRef, n int64, create bool) {
	r := d[p.ID]
	if r == nil {
		r = &refDelta{size: p.Size}
		d[p.ID] = r
	}
	r.n += n
	r.create = r.create || create
}

// expectVersion returns the condition guarding a change to the file item
// prev, or to an absent item when prev is nil.
func expectVersion(prev *dynamoFile) (*string, map[string]types.AttributeValue) {
	if prev == nil {
		return aws.String(condNotExists), nil
	}
	return aws.String(condVersion), map[string]types.AttributeValue{":version": attrN(prev.version)}
}

// commit applies the file change fileOp together with the reference count
// changes in deltas and returns the pages left unreferenced. The file change
// and the first batch of count updates commit atomically; files with more
// than maxTransactItems-1 distinct pages adjust the rest in follow-up
// transactions.
func (s *DynamoDBStore) commit(ctx context.Context, name string, fileOp types.TransactWriteItem, deltas refDeltas) ([]int64, error) {
	ids := make([]int64, 0, len(deltas))
	for id, d := range deltas {
		if d.n != 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	batch := []types.TransactWriteItem{fileOp}
	for _, id := range ids {
		d := deltas[id]
		update := &types.Update{
			TableName:        aws.String(s.tableName),
			Key:              itemKey(pkPage, pageSK(id)),
			UpdateExpression: aws.String(updateRefs),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":size":  attrN(int64(d.size)),
				":delta": attrN(d.n),
			},
		}
		if !d.create {
			update.ConditionExpression = aws.String(condExists)
		}
		if len(batch) == maxTransactItems {
			if err := s.transact(ctx, name, batch); err != nil {
				return nil, err
			}
			batch = nil
		}
		batch = append(batch, types.TransactWriteItem{Update: update})
	}
	if err := s.transact(ctx, name, batch); err != nil {
		return nil, err
	}

	var released []int64
	for _, id := range ids {
		if deltas[id].n > 0 {
			continue
		}
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.tableName),
			Key:                       itemKey(pkPage, pageSK(id)),
			ConditionExpression:       aws.String(condUnreferenced),
			ExpressionAttributeValues: map[string]types.AttributeValue{":zero": attrN(0)},
		})
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("releasing page %d: %w", id, err)
		}
		released = append(released, id)
	}
	return released, nil
}

func (s *DynamoDBStore) transact(ctx context.Context, name string, items []types.TransactWriteItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		return fmt.Errorf("updating %q: concurrent change or missing page: %w", name, err)
	}
	if err != nil {
		return fmt.Errorf("updating %q: %w", name, err)
	}
	return nil
}

// putFileItem replaces the file item prev with next.
func (s *DynamoDBStore) putFileItem(prev, next *dynamoFile) (types.TransactWriteItem, error) {
	item, err := next.item()
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	cond, values := expectVersion(prev)
	return types.TransactWriteItem{Put: &types.Put{
		TableName:                 aws.String(s.tableName),
		Item:                      item,
		ConditionExpression:       cond,
		ExpressionAttributeValues: values,
	}}, nil
}

// ---- File operations ----

func (s *DynamoDBStore) PutFile(ctx context.Context, file *FileRecord) ([]int64, error) {
	return s.replace(ctx, file, nil, false)
}

func (s *DynamoDBStore) RestoreFile(ctx context.Context, file *FileRecord, pages []PageRef) ([]int64, error) {
	return s.replace(ctx, file, pages, true)
}

// replace writes file with the given associations, dropping those of the
// item it replaces.
func (s *DynamoDBStore) replace(ctx context.Context, file *FileRecord, pages []PageRef, create bool) ([]int64, error) {
	prev, err := s.getFile(ctx, file.Name)
	if err != nil {
		return nil, err
	}

	deltas := refDeltas{}
	next := &dynamoFile{rec: *file, version: 1}
	next.rec.Metadata = file.Metadata.Clone()
	if prev != nil {
		next.version = prev.version + 1
		for _, p := range prev.pages {
			deltas.add(p, -1, false)
		}
	}
	for _, p := range pages {
		next.pages = append(next.pages, p)
		deltas.add(p, 1, create)
	}

	op, err := s.putFileItem(prev, next)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, file.Name, op, deltas)
}

func (s *DynamoDBStore) GetFile(ctx context.Context, name string) (*FileRecord, error) {
	f, err := s.getFile(ctx, name)
	if err != nil || f == nil {
		return nil, err
	}
	return &f.rec, nil
}

func (s *DynamoDBStore) DeleteFile(ctx context.Context, name string) ([]int64, error) {
	prev, err := s.getFile(ctx, name)
	if err != nil || prev == nil {
		return nil, err
	}

	deltas := refDeltas{}
	for _, p := range prev.pages {
		deltas.add(p, -1, false)
	}
	cond, values := expectVersion(prev)
	op := types.TransactWriteItem{Delete: &types.Delete{
		TableName:                 aws.String(s.tableName),
		Key:                       itemKey(pkFile, name),
		ConditionExpression:       cond,
		ExpressionAttributeValues: values,
	}}
	return s.commit(ctx, name, op, deltas)
}

// ListFiles queries the FILE partition in sort key order. StartAfter at or
// beyond Prefix starts the query there and stops at the end of the prefix
// range.
func (s *DynamoDBStore) ListFiles(ctx context.Context, opts ListFilesOptions) (*ListFilesResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	values := map[string]types.AttributeValue{":pk": attrS(pkFile)}
	expr := queryAll
	switch {
	case opts.StartAfter != "" && opts.StartAfter >= opts.Prefix:
		expr = queryAfter
		values[":after"] = attrS(opts.StartAfter)
	case opts.Prefix != "":
		expr = queryPrefix
		values[":prefix"] = attrS(opts.Prefix)
	}

	var files []FileRecord
	var startKey map[string]types.AttributeValue
scan:
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    aws.String(expr),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
			ConsistentRead:            aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("listing files with prefix %q: %w", opts.Prefix, err)
		}
		for _, item := range resp.Items {
			name := itemString(item, "sk")
			if !strings.HasPrefix(name, opts.Prefix) {
				if name > opts.Prefix {
					break scan
				}
				continue
			}
			if name <= opts.StartAfter {
				continue
			}
			f, err := decodeFile(item)
			if err != nil {
				return nil, err
			}
			files = append(files, f.rec)
			if len(files) > maxKeys {
				break scan
			}
		}
		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}

	result := &ListFilesResult{Files: files}
	if len(files) > maxKeys {
		result.Files = files[:maxKeys]
		result.IsTruncated = true
		result.NextMarker = result.Files[maxKeys-1].Name
	}
	return result, nil
}

// ---- Page operations ----

// InsertPage allocates an ID from the page counter item and records the page
// with no references.
func (s *DynamoDBStore) InsertPage(ctx context.Context, size int) (int64, error) {
	resp, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       itemKey(pkCounter, skPageCounter),
		UpdateExpression:          aws.String(updateCounter),
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": attrN(1)},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("allocating page id: %w", err)
	}
	id := itemInt(resp.Attributes, "next_id")
	if id == 0 {
		return 0, fmt.Errorf("allocating page id: counter returned no value")
	}

	item := itemKey(pkPage, pageSK(id))
	item["size"] = attrN(int64(size))
	item["refs"] = attrN(0)
	item["created_at"] = attrS(time.Now().UTC().Format(dynamoTimeFormat))
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String(condNotExists),
	})
	if err != nil {
		return 0, fmt.Errorf("inserting page %d: %w", id, err)
	}
	return id, nil
}

func (s *DynamoDBStore) AssociatePage(ctx context.Context, name string, page PageRef) error {
	prev, err := s.getFile(ctx, name)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("file not found: %s", name)
	}
	for _, p := range prev.pages {
		if p.Offset == page.Offset {
			return fmt.Errorf("offset %d of %q: %w", page.Offset, name, ErrOffsetTaken)
		}
	}

	next := *prev
	next.version++
	next.pages = append(append([]PageRef(nil), prev.pages...), page)
	op, err := s.putFileItem(prev, &next)
	if err != nil {
		return err
	}
	deltas := refDeltas{}
	deltas.add(page, 1, false)
	if _, err := s.commit(ctx, name, op, deltas); err != nil {
		return fmt.Errorf("associating page %d with %q: %w", page.ID, name, err)
	}
	return nil
}

func (s *DynamoDBStore) ListPages(ctx context.Context, name string) ([]PageRef, error) {
	f, err := s.getFile(ctx, name)
	if err != nil || f == nil {
		return nil, err
	}
	return f.pages, nil
}

func (s *DynamoDBStore) CompleteUpload(ctx context.Context, name string) error {
	prev, err := s.getFile(ctx, name)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("file not found: %s", name)
	}

	next := *prev
	next.version++
	next.rec.Size = 0
	for _, p := range prev.pages {
		next.rec.Size += int64(p.Size)
	}
	next.rec.UploadComplete = true

	item, err := next.item()
	if err != nil {
		return err
	}
	cond, values := expectVersion(prev)
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tableName),
		Item:                      item,
		ConditionExpression:       cond,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("completing upload of %q: %w", name, err)
	}
	return nil
}

// ---- Configuration operations ----

func (s *DynamoDBStore) GetConfig(ctx context.Context, key string) (json.RawMessage, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(pkConfig, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting config %q: %w", key, err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return json.RawMessage(itemString(resp.Item, "value")), nil
}

func (s *DynamoDBStore) PutConfig(ctx context.Context, key string, value json.RawMessage) error {
	item := itemKey(pkConfig, key)
	item["value"] = attrS(string(value))
	item["updated_at"] = attrS(time.Now().UTC().Format(dynamoTimeFormat))
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("putting config %q: %w", key, err)
	}
	return nil
}
