package publish

import (
	"bytes"
	"context"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Store writes objects with the AWS S3 API.
type S3Store struct {
	api s3iface.S3API
}

// NewS3Store opens a session for region. A non-empty endpoint selects an S3
// compatible service with path-style addressing.
func NewS3Store(region, endpoint string) (*S3Store, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return NewS3StoreWithAPI(s3.New(sess)), nil
}

// NewS3StoreWithAPI wraps an existing client.
func NewS3StoreWithAPI(api s3iface.S3API) *S3Store {
	return &S3Store{api: api}
}

// ListObjects follows continuation tokens until the listing is exhausted.
func (s *S3Store) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	result := []string{}
	params := s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	for {
		listing, err := s.api.ListObjectsV2WithContext(ctx, &params)
		if err != nil {
			return nil, err
		}
		for _, item := range listing.Contents {
			// console-created "directories"
			if !strings.HasSuffix(aws.StringValue(item.Key), "/") {
				result = append(result, aws.StringValue(item.Key))
			}
		}
		if !aws.BoolValue(listing.IsTruncated) || listing.NextContinuationToken == nil {
			break
		}
		params.ContinuationToken = listing.NextContinuationToken
	}
	return result, nil
}

func (s *S3Store) WriteObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Body:   bytes.NewReader(data),
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}
