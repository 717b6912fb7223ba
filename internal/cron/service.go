package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

var ErrJobNotFound = errors.New("cron job not found")

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Service runs wall-clock jobs. Job handlers must not touch memory state
// directly; OnJob is expected to post work to the host loop.
type Service struct {
	storePath string
	mu        sync.Mutex
	jobs      []CronJob
	OnJob     func(job CronJob) error
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	cancel    context.CancelFunc
	stopCh    chan struct{}
}

// NewService keeps job state at storePath. An empty path keeps it in memory.
func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		entryMap:  make(map[string]rcron.EntryID),
		cron:      rcron.New(rcron.WithParser(parser)),
	}
}

func ValidateExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.stopCh = stopCh
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load jobs: %v", err)
	}
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerJob(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", count)

	go func() {
		select {
		case <-runCtx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// registerJob needs s.mu held.
func (s *Service) registerJob(job *CronJob) {
	if _, ok := s.entryMap[job.ID]; ok {
		return
	}
	jobID := job.ID
	id, err := s.cron.AddFunc(job.Expr, func() { s.executeJob(jobID) })
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", job.Name, job.Expr, err)
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) unregisterJob(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entryMap, id)
	}
}

func (s *Service) find(id string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) executeJob(id string) {
	s.mu.Lock()
	i := s.find(id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	job := s.jobs[i]
	handler := s.OnJob
	s.mu.Unlock()

	log.Printf("[cron] executing job %s (%s)", job.Name, job.Payload.Task)
	if handler == nil {
		log.Printf("[cron] no OnJob handler set")
		return
	}
	err := handler(job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if i = s.find(id); i < 0 {
		return
	}
	state := &s.jobs[i].State
	state.LastRunAtMs = time.Now().UnixMilli()
	state.Runs++
	if err != nil {
		state.LastStatus = "error"
		state.LastError = err.Error()
		log.Printf("[cron] job %s error: %v", job.Name, err)
	} else {
		state.LastStatus = "ok"
		state.LastError = ""
	}
	if err := s.save(); err != nil {
		log.Printf("[cron] warning: save jobs: %v", err)
	}
}

// RunNow executes a job immediately on the caller's goroutine.
func (s *Service) RunNow(id string) error {
	s.mu.Lock()
	found := s.find(id) >= 0
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.executeJob(id)
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil && stopCh == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

func (s *Service) AddJob(name, expr string, payload Payload) (*CronJob, error) {
	if err := ValidateExpr(expr); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, expr, payload)
	s.jobs = append(s.jobs, job)
	s.registerJob(&s.jobs[len(s.jobs)-1])

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// EnsureJob makes the job called name run expr, creating it when missing.
// Persisted run state survives a schedule change.
func (s *Service) EnsureJob(name, expr string, payload Payload) (*CronJob, error) {
	if err := ValidateExpr(expr); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load jobs: %v", err)
	}
	for i := range s.jobs {
		if s.jobs[i].Name != name {
			continue
		}
		if s.jobs[i].Expr != expr || s.jobs[i].Payload != payload {
			s.unregisterJob(s.jobs[i].ID)
			s.jobs[i].Expr = expr
			s.jobs[i].Payload = payload
		}
		if s.jobs[i].Enabled {
			s.registerJob(&s.jobs[i])
		}
		job := s.jobs[i]
		err := s.save()
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("save jobs: %w", err)
		}
		return &job, nil
	}
	s.mu.Unlock()
	return s.AddJob(name, expr, payload)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(id)
	if i < 0 {
		return false
	}
	s.unregisterJob(id)
	s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	_ = s.save()
	return true
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.jobs[i].Enabled = enabled
	if enabled {
		s.registerJob(&s.jobs[i])
	} else {
		s.unregisterJob(id)
	}
	_ = s.save()
	job := s.jobs[i]
	return &job, nil
}

// load merges jobs from disk that are not already known. Needs s.mu held.
func (s *Service) load() error {
	if s.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var stored []CronJob
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	for _, job := range stored {
		if s.find(job.ID) < 0 {
			s.jobs = append(s.jobs, job)
		}
	}
	return nil
}

func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}
