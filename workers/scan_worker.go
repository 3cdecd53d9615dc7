package workers

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/pagerloop/pagerloop/services"
)

// ScanWorker drives periodic escalation scans. Each tick reads the wall
// clock once and passes that instant down, so a whole scan evaluates at one
// consistent time. Per-organization scans are serialized two ways: a
// process-local keyed mutex for overlapping ticks, and a Redis lease so
// concurrent instances never scan the same organization twice.
type ScanWorker struct {
	PG         *sql.DB
	Redis      *redis.Client
	Escalation *services.EscalationService
	Schedule   string
	LeaseTTL   time.Duration

	mu       sync.Mutex
	orgLocks map[string]*sync.Mutex
	cron     *cron.Cron
}

func NewScanWorker(pg *sql.DB, redisClient *redis.Client, escalation *services.EscalationService, schedule string, leaseTTL time.Duration) *ScanWorker {
	return &ScanWorker{
		PG:         pg,
		Redis:      redisClient,
		Escalation: escalation,
		Schedule:   schedule,
		LeaseTTL:   leaseTTL,
		orgLocks:   make(map[string]*sync.Mutex),
	}
}

// Start registers the scan job on the cron schedule and begins ticking.
func (w *ScanWorker) Start() error {
	w.cron = cron.New()
	_, err := w.cron.AddFunc(w.Schedule, func() {
		w.RunScanTick(context.Background(), time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to register scan schedule %q: %w", w.Schedule, err)
	}
	w.cron.Start()
	log.Printf("Scan worker started with schedule %q", w.Schedule)
	return nil
}

// Stop halts the cron scheduler and waits for running jobs to finish.
func (w *ScanWorker) Stop() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
}

// RunScanTick scans every organization that currently has open alert events.
// Organizations are processed concurrently; each one is guarded by its lease.
func (w *ScanWorker) RunScanTick(ctx context.Context, now time.Time) {
	orgIDs, err := w.orgsWithOpenEvents()
	if err != nil {
		log.Printf("Scan worker: failed to list organizations with open events: %v", err)
		return
	}
	if len(orgIDs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, orgID := range orgIDs {
		wg.Add(1)
		go func(orgID string) {
			defer wg.Done()
			w.scanOrg(ctx, orgID, now)
		}(orgID)
	}
	wg.Wait()
}

// scanOrg runs one organization's scan under both serialization guards.
// Losing the Redis lease means another instance owns this tick; skip quietly.
func (w *ScanWorker) scanOrg(ctx context.Context, orgID string, now time.Time) {
	lock := w.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	acquired, err := w.acquireLease(ctx, orgID)
	if err != nil {
		log.Printf("Scan worker: failed to acquire lease for org %s: %v", orgID, err)
		return
	}
	if !acquired {
		return
	}
	defer w.releaseLease(ctx, orgID)

	result, err := w.Escalation.RunEscalationScanForOrg(ctx, orgID, now)
	if err != nil {
		log.Printf("Scan worker: scan failed for org %s: %v", orgID, err)
		return
	}
	if result.Escalated > 0 || result.Suppressed > 0 {
		log.Printf("Scan worker: org %s processed=%d escalated=%d suppressed=%d",
			orgID, result.TotalProcessed, result.Escalated, result.Suppressed)
	}
}

func (w *ScanWorker) orgLock(orgID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.orgLocks[orgID]
	if !ok {
		lock = &sync.Mutex{}
		w.orgLocks[orgID] = lock
	}
	return lock
}

func (w *ScanWorker) acquireLease(ctx context.Context, orgID string) (bool, error) {
	if w.Redis == nil {
		return true, nil
	}
	return w.Redis.SetNX(ctx, leaseKey(orgID), "1", w.LeaseTTL).Result()
}

func (w *ScanWorker) releaseLease(ctx context.Context, orgID string) {
	if w.Redis == nil {
		return
	}
	if err := w.Redis.Del(ctx, leaseKey(orgID)).Err(); err != nil {
		log.Printf("Scan worker: failed to release lease for org %s: %v", orgID, err)
	}
}

func leaseKey(orgID string) string {
	return fmt.Sprintf("pagerloop:scan:%s", orgID)
}

func (w *ScanWorker) orgsWithOpenEvents() ([]string, error) {
	rows, err := w.PG.Query(`
		SELECT DISTINCT organization_id
		FROM alert_events
		WHERE acknowledged = false
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query organizations with open events: %w", err)
	}
	defer rows.Close()

	var orgIDs []string
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, fmt.Errorf("failed to scan organization id: %w", err)
		}
		orgIDs = append(orgIDs, orgID)
	}
	return orgIDs, rows.Err()
}
