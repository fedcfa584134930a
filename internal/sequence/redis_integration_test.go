//go:build integration

package sequence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"subsidy/pkg/testutil/containers"
)

type RedisSequenceSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	seq   *Redis
}

func TestRedisSequenceSuite(t *testing.T) {
	suite.Run(t, new(RedisSequenceSuite))
}

func (s *RedisSequenceSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.seq = NewRedis(s.redis.Client)
}

func (s *RedisSequenceSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisSequenceSuite) TestNextIncrementsPerYear() {
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		n, err := s.seq.Next(ctx, 2024)
		s.Require().NoError(err)
		s.Equal(want, n)
	}
	n, err := s.seq.Next(ctx, 2025)
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

func (s *RedisSequenceSuite) TestSeedOnlyRaises() {
	ctx := context.Background()
	s.Require().NoError(s.seq.Seed(ctx, 2024, 100))
	s.Require().NoError(s.seq.Seed(ctx, 2024, 7))

	n, err := s.seq.Next(ctx, 2024)
	s.Require().NoError(err)
	s.Equal(int64(101), n)
}
