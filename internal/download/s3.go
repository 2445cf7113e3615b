package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// s3Getter is the slice of the S3 client the source uses.
type s3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source fetches artifacts from a fleet-hosted S3 bucket. References are
// object keys relative to Prefix.
type S3Source struct {
	Client s3Getter
	Bucket string
	Prefix string
}

func (s *S3Source) Open(ctx context.Context, ref string, offset int64) (io.ReadCloser, bool, error) {
	if s.Bucket == "" {
		return nil, false, xerrors.New("s3 source has no bucket")
	}
	key := strings.TrimPrefix(ref, "/")
	if s.Prefix != "" {
		key = strings.TrimSuffix(s.Prefix, "/") + "/" + key
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := s.Client.GetObject(ctx, input)
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, false, xerrors.Wrapf(ErrNotFound, "get s3://%s/%s", s.Bucket, key)
		}
		return nil, false, xerrors.Wrapf(err, "get s3://%s/%s", s.Bucket, key)
	}
	// S3 honors ranges for regular objects
	return out.Body, offset > 0, nil
}
