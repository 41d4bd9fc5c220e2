package scheduler

import (
	"sync"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	defaultCacheGCSchedule      = "@every 1m"
	defaultSessionCheckSchedule = "@every 15m"
)

type Service interface {
	Start()
	Stop()
	// AddJob adds a job that runs periodically at the given interval.
	AddJob(job cron.Job, interval time.Duration, identifier string) (int, error)
	// AddJobWithSpec adds a job using a cron spec string (e.g., "0 3 * * *").
	AddJobWithSpec(job cron.Job, spec string, identifier string) (int, error)
	RemoveJobByIdentifier(id string) error
	GetNextRun(id string) (time.Time, error)
}

type service struct {
	log     zerolog.Logger
	config  domain.SchedulerConfig
	cache   Collector
	session Revalidator

	cron *cron.Cron
	jobs map[string]cron.EntryID
	m    sync.RWMutex
}

func NewService(log logger.Logger, config domain.SchedulerConfig, cache Collector, session Revalidator) Service {
	l := log.With().Str("module", "scheduler").Logger()
	cl := cronLogger{log: l}

	return &service{
		log:     l,
		config:  config,
		cache:   cache,
		session: session,
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(
			cron.Recover(cl),
		)),
		jobs: map[string]cron.EntryID{},
	}
}

func (s *service) Start() {
	s.log.Info().Msg("Starting scheduler service")

	s.addAppJobs()
	s.cron.Start()
}

func (s *service) addAppJobs() {
	if s.cache != nil {
		spec := s.config.CacheGCSchedule
		if spec == "" {
			spec = defaultCacheGCSchedule
		}

		job := &CacheGCJob{
			Name:  "cache-gc",
			Log:   s.log.With().Str("job", "cache-gc").Logger(),
			Cache: s.cache,
		}
		if _, err := s.AddJobWithSpec(job, spec, job.Name); err != nil {
			s.log.Error().Err(err).Msg("Failed to add 'cache-gc' job")
		}
	}

	if s.session != nil {
		spec := s.config.SessionCheckSchedule
		if spec == "" {
			spec = defaultSessionCheckSchedule
		}

		job := &SessionCheckJob{
			Name:    "session-check",
			Log:     s.log.With().Str("job", "session-check").Logger(),
			Session: s.session,
		}
		if _, err := s.AddJobWithSpec(job, spec, job.Name); err != nil {
			s.log.Error().Err(err).Msg("Failed to add 'session-check' job")
		}
	}
}

func (s *service) Stop() {
	s.log.Info().Msg("Stopping scheduler service")
	<-s.cron.Stop().Done()
}

func (s *service) AddJob(job cron.Job, interval time.Duration, identifier string) (int, error) {
	return s.AddJobWithSpec(job, "@every "+interval.String(), identifier)
}

// AddJobWithSpec adds a job using a cron specification string.
func (s *service) AddJobWithSpec(job cron.Job, spec string, identifier string) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if _, exists := s.jobs[identifier]; exists {
		s.log.Warn().Str("identifier", identifier).Msg("Job with this identifier already exists, skipping add.")
		return 0, errors.New("job with identifier '%s' already exists", identifier)
	}

	entryID, err := s.cron.AddJob(spec, cron.NewChain(
		cron.SkipIfStillRunning(cronLogger{log: s.log})).Then(job))
	if err != nil {
		s.log.Error().Err(err).Str("identifier", identifier).Str("spec", spec).Msg("Failed to add job with spec")
		return 0, errors.Wrap(err, "failed to add job '%s' with spec '%s'", identifier, spec)
	}

	s.log.Debug().Str("identifier", identifier).Str("spec", spec).Int("entryID", int(entryID)).Msg("Scheduled job added")
	s.jobs[identifier] = entryID
	return int(entryID), nil
}

func (s *service) RemoveJobByIdentifier(id string) error {
	s.m.Lock()
	defer s.m.Unlock()

	v, ok := s.jobs[id]
	if !ok {
		return nil
	}

	s.log.Debug().Msgf("scheduler.Remove: removing job: %v", id)

	s.cron.Remove(v)
	delete(s.jobs, id)

	return nil
}

func (s *service) GetNextRun(id string) (time.Time, error) {
	entry := s.getEntryById(id)

	if !entry.Valid() {
		return time.Time{}, nil
	}

	return entry.Next, nil
}

func (s *service) getEntryById(id string) cron.Entry {
	s.m.RLock()
	defer s.m.RUnlock()

	v, ok := s.jobs[id]
	if !ok {
		return cron.Entry{}
	}

	return s.cron.Entry(v)
}
