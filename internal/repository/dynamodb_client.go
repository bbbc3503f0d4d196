package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"career-agent/internal/domain"
)

const (
	skPrefixTurn = "TURN#"

	// condAppend guards a turn slot: a sequence number is written at most once.
	condAppend = "attribute_not_exists(SK)"

	// maxTransactItems is the DynamoDB limit on items per TransactWriteItems call.
	maxTransactItems = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores each session as one item per turn in a DynamoDB table:
// PK = SESSION#<id>, SK = TURN#<zero-padded sequence>. The highest stored
// sequence number is the transcript version, so appending the next turn is a
// conditional put on a fresh sort key and no single item grows with history.
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

type turnRecord struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	SessionID string `dynamodbav:"sessionId"`
	Seq       int64  `dynamodbav:"seq"`
	Question  string `dynamodbav:"question"`
	Response  string `dynamodbav:"response"`
	Timestamp string `dynamodbav:"timestamp"`
}

// sessionPK returns the partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// turnSK returns the sort key of the seq-th turn. Zero padding keeps the
// lexical order of sort keys equal to turn order.
func turnSK(seq int64) string {
	return fmt.Sprintf("%s%010d", skPrefixTurn, seq)
}

// Read returns the stored transcript for sessionID in turn order. The boolean
// is false when no turn has been written yet.
func (c *Client) Read(ctx context.Context, sessionID string) (domain.Transcript, bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.Transcript{}, false, errors.New("repository: Read: session id is required")
	}

	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})

	var records []turnRecord
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return domain.Transcript{}, false, classify("Read", err)
		}
		var batch []turnRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return domain.Transcript{}, false, fmt.Errorf("repository: Read decode: %w", err)
		}
		records = append(records, batch...)
	}
	if len(records) == 0 {
		return domain.Transcript{}, false, nil
	}

	t, err := toDomain(sessionID, records)
	if err != nil {
		return domain.Transcript{}, false, fmt.Errorf("repository: Read decode: %w", err)
	}
	return t, true, nil
}

// Write appends the turns of t beyond t.Version, the number of turns t was
// merged onto. Each new turn takes the next sequence number and is written only
// if that slot is still free, so a writer that read a stale transcript gets
// domain.ErrStorageConflict. The returned transcript carries the new version.
func (c *Client) Write(ctx context.Context, t domain.Transcript) (domain.Transcript, error) {
	if strings.TrimSpace(t.SessionID) == "" {
		return domain.Transcript{}, errors.New("repository: Write: session id is required")
	}
	if len(t.Turns) == 0 {
		return domain.Transcript{}, errors.New("repository: Write: transcript has no turns")
	}
	if t.Version < 0 || t.Version >= int64(len(t.Turns)) {
		return domain.Transcript{}, fmt.Errorf("repository: Write: no new turns after version %d", t.Version)
	}
	pending := t.Turns[t.Version:]
	if len(pending) > maxTransactItems {
		return domain.Transcript{}, fmt.Errorf("repository: Write: %d new turns exceed the %d item transaction limit", len(pending), maxTransactItems)
	}

	items := make([]map[string]types.AttributeValue, 0, len(pending))
	for i, turn := range pending {
		item, err := attributevalue.MarshalMap(fromDomain(t.SessionID, t.Version+int64(i)+1, turn))
		if err != nil {
			return domain.Transcript{}, fmt.Errorf("repository: Write encode: %w", err)
		}
		items = append(items, item)
	}

	if err := c.put(ctx, items); err != nil {
		return domain.Transcript{}, err
	}

	next := t
	next.Version = int64(len(t.Turns))
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	return next, nil
}

// put writes a single turn with PutItem and several turns in one transaction.
func (c *Client) put(ctx context.Context, items []map[string]types.AttributeValue) error {
	if len(items) == 1 {
		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.tableName),
			Item:                items[0],
			ConditionExpression: aws.String(condAppend),
		})
		if err != nil {
			return classify("Write", err)
		}
		return nil
	}

	tx := make([]types.TransactWriteItem, 0, len(items))
	for _, item := range items {
		tx = append(tx, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                item,
				ConditionExpression: aws.String(condAppend),
			},
		})
	}
	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: tx}); err != nil {
		return classify("Write", err)
	}
	return nil
}

// classify maps SDK errors onto the storage error kinds.
func classify(op string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("repository: %s: %w", op, domain.ErrStorageConflict)
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("repository: %s: %w", op, domain.ErrStorageConflict)
			}
		}
	}
	return fmt.Errorf("repository: %s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

func fromDomain(sessionID string, seq int64, turn domain.Turn) turnRecord {
	return turnRecord{
		PK:        sessionPK(sessionID),
		SK:        turnSK(seq),
		SessionID: sessionID,
		Seq:       seq,
		Question:  turn.Question,
		Response:  turn.Response,
		Timestamp: turn.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func toDomain(sessionID string, records []turnRecord) (domain.Transcript, error) {
	turns := make([]domain.Turn, 0, len(records))
	for i, r := range records {
		if r.Seq != int64(i)+1 {
			return domain.Transcript{}, fmt.Errorf("turn %d has sequence %d", i+1, r.Seq)
		}
		ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return domain.Transcript{}, fmt.Errorf("turn %d timestamp: %w", r.Seq, err)
		}
		turns = append(turns, domain.Turn{Question: r.Question, Response: r.Response, Timestamp: ts})
	}
	return domain.Transcript{
		SessionID: sessionID,
		Turns:     turns,
		Version:   int64(len(turns)),
		UpdatedAt: turns[len(turns)-1].Timestamp,
	}, nil
}
