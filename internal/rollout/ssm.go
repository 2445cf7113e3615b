package rollout

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// ssmParamFetcher is the subset of the SSM API we need. Extracted as an
// interface to enable unit testing without live AWS credentials.
type ssmParamFetcher interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMThreshold reads the rollout threshold from an SSM parameter, letting a
// fleet operator dial an update from 0 to 100 without touching devices.
// The value is cached for TTL so repeated checks don't hammer SSM.
type SSMThreshold struct {
	Client ssmParamFetcher
	Param  string
	TTL    time.Duration

	mu        sync.Mutex
	cached    int
	fetchedAt time.Time
}

const defaultSSMTTL = 5 * time.Minute

func (s *SSMThreshold) Threshold(ctx context.Context) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := s.TTL
	if ttl == 0 {
		ttl = defaultSSMTTL
	}
	if !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) < ttl {
		return s.cached, true, nil
	}

	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(s.Param),
	})
	if err != nil {
		return 0, false, xerrors.Wrapf(err, "get rollout threshold %s", s.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return 0, false, xerrors.Newf("rollout threshold %s has no value", s.Param)
	}

	v, err := strconv.Atoi(strings.TrimSpace(*out.Parameter.Value))
	if err != nil {
		return 0, false, xerrors.Wrapf(err, "parse rollout threshold %s", s.Param)
	}
	if v < 0 || v > 100 {
		return 0, false, xerrors.Newf("rollout threshold %s out of range: %d", s.Param, v)
	}

	s.cached = v
	s.fetchedAt = time.Now()
	return v, true, nil
}
