package dataapi

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata/types"
	"github.com/mantty/datamig"
)

// timestampLayout is the format the Data API expects for TIMESTAMP hints
const timestampLayout = "2006-01-02 15:04:05.999999"

type (
	// Client defines the RDS Data API operations used by DB
	Client interface {
		ExecuteStatement(ctx context.Context, params *rdsdata.ExecuteStatementInput, optFns ...func(*rdsdata.Options)) (*rdsdata.ExecuteStatementOutput, error)
		BeginTransaction(ctx context.Context, params *rdsdata.BeginTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.BeginTransactionOutput, error)
		CommitTransaction(ctx context.Context, params *rdsdata.CommitTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.CommitTransactionOutput, error)
		RollbackTransaction(ctx context.Context, params *rdsdata.RollbackTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.RollbackTransactionOutput, error)
	}

	// Options locate the Aurora cluster and the credentials secret
	Options struct {
		ResourceARN string
		SecretARN   string
		Database    string
		Schema      string
		Region      string
		Profile     string

		// Endpoint overrides the service endpoint, e.g. a local Data API
		// emulator. Without AWS credentials in the environment, static
		// placeholder credentials are used against it
		Endpoint string
	}

	// DB implements datamig.DataAPI and datamig.Transactor over the RDS Data API
	DB struct {
		client Client
		opts   Options
	}

	// Tx is a Data API transaction
	Tx struct {
		db *DB
		id string
	}
)

// New loads the AWS configuration and creates a Data API backed DB
func New(ctx context.Context, opts Options) (*DB, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*rdsdata.Options)
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		clientOpts = append(clientOpts, func(o *rdsdata.Options) {
			o.BaseEndpoint = &endpoint
		})
		if cfg.Credentials == nil {
			cfg.Credentials = credentials.NewStaticCredentialsProvider("local", "local", "")
		} else if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
			cfg.Credentials = credentials.NewStaticCredentialsProvider("local", "local", "")
		}
		if cfg.Region == "" {
			cfg.Region = "us-east-1"
		}
	}

	return NewWithClient(rdsdata.NewFromConfig(cfg, clientOpts...), opts), nil
}

// NewWithClient creates a DB over a custom client
func NewWithClient(client Client, opts Options) *DB {
	return &DB{client: client, opts: opts}
}

// Execute runs one statement with named parameters
func (db *DB) Execute(ctx context.Context, sql string, params datamig.Params, opts ...datamig.ExecuteOption) (*datamig.Result, error) {
	return db.execute(ctx, "", sql, params, opts)
}

// Begin opens a Data API transaction
func (db *DB) Begin(ctx context.Context) (datamig.Tx, error) {
	out, err := db.client.BeginTransaction(ctx, &rdsdata.BeginTransactionInput{
		ResourceArn: aws.String(db.opts.ResourceARN),
		SecretArn:   aws.String(db.opts.SecretARN),
		Database:    optionalString(db.opts.Database),
		Schema:      optionalString(db.opts.Schema),
	})
	if err != nil {
		return nil, fmt.Errorf("dataapi: begin transaction: %w", err)
	}
	return &Tx{db: db, id: aws.ToString(out.TransactionId)}, nil
}

func (db *DB) execute(ctx context.Context, txID, sql string, params datamig.Params, opts []datamig.ExecuteOption) (*datamig.Result, error) {
	o := datamig.ApplyExecuteOptions(opts...)

	parameters, err := toParameters(params)
	if err != nil {
		return nil, fmt.Errorf("dataapi: %w", err)
	}

	input := &rdsdata.ExecuteStatementInput{
		ResourceArn:           aws.String(db.opts.ResourceARN),
		SecretArn:             aws.String(db.opts.SecretARN),
		Sql:                   aws.String(sql),
		Database:              optionalString(db.opts.Database),
		Schema:                optionalString(db.opts.Schema),
		Parameters:            parameters,
		IncludeResultMetadata: o.IncludeResultMetadata,
	}
	if txID != "" {
		input.TransactionId = aws.String(txID)
	}

	out, err := db.client.ExecuteStatement(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("dataapi: execute statement: %w", err)
	}

	return toResult(out)
}

// Execute runs one statement inside the transaction
func (tx *Tx) Execute(ctx context.Context, sql string, params datamig.Params, opts ...datamig.ExecuteOption) (*datamig.Result, error) {
	return tx.db.execute(ctx, tx.id, sql, params, opts)
}

// Commit commits the transaction
func (tx *Tx) Commit(ctx context.Context) error {
	_, err := tx.db.client.CommitTransaction(ctx, &rdsdata.CommitTransactionInput{
		ResourceArn:   aws.String(tx.db.opts.ResourceARN),
		SecretArn:     aws.String(tx.db.opts.SecretARN),
		TransactionId: aws.String(tx.id),
	})
	if err != nil {
		return fmt.Errorf("dataapi: commit transaction %s: %w", tx.id, err)
	}
	return nil
}

// Rollback rolls the transaction back
func (tx *Tx) Rollback(ctx context.Context) error {
	_, err := tx.db.client.RollbackTransaction(ctx, &rdsdata.RollbackTransactionInput{
		ResourceArn:   aws.String(tx.db.opts.ResourceARN),
		SecretArn:     aws.String(tx.db.opts.SecretARN),
		TransactionId: aws.String(tx.id),
	})
	if err != nil {
		return fmt.Errorf("dataapi: roll back transaction %s: %w", tx.id, err)
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func toParameters(params datamig.Params) ([]types.SqlParameter, error) {
	if len(params) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]types.SqlParameter, 0, len(params))
	for _, name := range names {
		value := params[name]
		p := types.SqlParameter{Name: aws.String(name)}

		switch v := value.(type) {
		case nil:
			p.Value = &types.FieldMemberIsNull{Value: true}
		case string:
			p.Value = &types.FieldMemberStringValue{Value: v}
		case bool:
			p.Value = &types.FieldMemberBooleanValue{Value: v}
		case int:
			p.Value = &types.FieldMemberLongValue{Value: int64(v)}
		case int8:
			p.Value = &types.FieldMemberLongValue{Value: int64(v)}
		case int16:
			p.Value = &types.FieldMemberLongValue{Value: int64(v)}
		case int32:
			p.Value = &types.FieldMemberLongValue{Value: int64(v)}
		case int64:
			p.Value = &types.FieldMemberLongValue{Value: v}
		case uint8:
			p.Value = &types.FieldMemberLongValue{Value: int64(v)}
		case uint16:
			p.Value = &types.FieldMemberLongValue{Value: int64(v)}
		case uint32:
			p.Value = &types.FieldMemberLongValue{Value: int64(v)}
		case uint:
			if uint64(v) > math.MaxInt64 {
				return nil, fmt.Errorf("parameter %q: %d overflows a long value", name, v)
			}
			p.Value = &types.FieldMemberLongValue{Value: int64(v)}
		case uint64:
			if v > math.MaxInt64 {
				return nil, fmt.Errorf("parameter %q: %d overflows a long value", name, v)
			}
			p.Value = &types.FieldMemberLongValue{Value: int64(v)}
		case float32:
			p.Value = &types.FieldMemberDoubleValue{Value: float64(v)}
		case float64:
			p.Value = &types.FieldMemberDoubleValue{Value: v}
		case []byte:
			p.Value = &types.FieldMemberBlobValue{Value: v}
		case time.Time:
			p.Value = &types.FieldMemberStringValue{Value: v.UTC().Format(timestampLayout)}
			p.TypeHint = types.TypeHintTimestamp
		default:
			return nil, fmt.Errorf("unsupported type %T for parameter %q", value, name)
		}

		out = append(out, p)
	}
	return out, nil
}

func toResult(out *rdsdata.ExecuteStatementOutput) (*datamig.Result, error) {
	result := &datamig.Result{
		Rows:         make([]datamig.Row, 0, len(out.Records)),
		RowsAffected: out.NumberOfRecordsUpdated,
	}

	for _, record := range out.Records {
		row := make(datamig.Row, len(record))
		for i, field := range record {
			value, err := fromField(field)
			if err != nil {
				return nil, fmt.Errorf("dataapi: column %d: %w", i, err)
			}
			row[columnKey(out.ColumnMetadata, i)] = value
		}
		result.Rows = append(result.Rows, row)
	}

	return result, nil
}

// columnKey names a column by its metadata label or name, falling back to
// the column position
func columnKey(metadata []types.ColumnMetadata, i int) string {
	if i < len(metadata) {
		if label := aws.ToString(metadata[i].Label); label != "" {
			return label
		}
		if name := aws.ToString(metadata[i].Name); name != "" {
			return name
		}
	}
	return strconv.Itoa(i)
}

func fromField(field types.Field) (any, error) {
	switch v := field.(type) {
	case *types.FieldMemberIsNull:
		return nil, nil
	case *types.FieldMemberStringValue:
		return v.Value, nil
	case *types.FieldMemberLongValue:
		return v.Value, nil
	case *types.FieldMemberDoubleValue:
		return v.Value, nil
	case *types.FieldMemberBooleanValue:
		return v.Value, nil
	case *types.FieldMemberBlobValue:
		return v.Value, nil
	case *types.FieldMemberArrayValue:
		return fromArray(v.Value)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported field type %T", field)
	}
}

func fromArray(array types.ArrayValue) (any, error) {
	switch v := array.(type) {
	case *types.ArrayValueMemberStringValues:
		return v.Value, nil
	case *types.ArrayValueMemberLongValues:
		return v.Value, nil
	case *types.ArrayValueMemberDoubleValues:
		return v.Value, nil
	case *types.ArrayValueMemberBooleanValues:
		return v.Value, nil
	case *types.ArrayValueMemberArrayValues:
		values := make([]any, 0, len(v.Value))
		for _, inner := range v.Value {
			value, err := fromArray(inner)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unsupported array type %T", array)
	}
}
