package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Collector drops cache entries nobody has used for a while.
type Collector interface {
	GC() int
}

// Revalidator checks the current session against the identity service.
type Revalidator interface {
	Revalidate(ctx context.Context) error
}

type CacheGCJob struct {
	Name  string
	Log   zerolog.Logger
	Cache Collector
}

func (j *CacheGCJob) Run() {
	removed := j.Cache.GC()
	if removed > 0 {
		j.Log.Debug().Int("removed", removed).Msg("cache entries collected")
	}
}

type SessionCheckJob struct {
	Name    string
	Log     zerolog.Logger
	Session Revalidator
	Timeout time.Duration
}

func (j *SessionCheckJob) Run() {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := j.Session.Revalidate(ctx); err != nil {
		j.Log.Warn().Err(err).Msg("could not revalidate session")
	}
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
