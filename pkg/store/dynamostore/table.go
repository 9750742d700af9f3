package dynamostore

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/batchtheory/internal/logctx"
)

// EnsureTable creates the backing table if it does not exist and waits until
// it is active. The table uses on-demand billing, a composite pk/sk primary
// key, and the gsi1 status index. Intended for development and test
// environments; production tables are usually provisioned out of band.
func (s *Store) EnsureTable(ctx context.Context) error {
	log := logctx.FromContext(ctx).With().Str("table", s.table).Logger()

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !stderrors.As(err, &notFound) {
		return fmt.Errorf("dynamostore: describe table %s: %w", s.table, err)
	}

	log.Info().Msg("creating table")
	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrGSI1PK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrGSI1SK), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSK), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexGSI1),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(attrGSI1PK), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(attrGSI1SK), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !stderrors.As(err, &inUse) {
			return fmt.Errorf("dynamostore: create table %s: %w", s.table, err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	}, 2*time.Minute); err != nil {
		return fmt.Errorf("dynamostore: waiting for table %s: %w", s.table, err)
	}
	log.Info().Msg("table active")
	return nil
}
