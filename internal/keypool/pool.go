// Package keypool rotates classifier API credentials so a burst of analysis
// work spreads across every usable key instead of burning one key's quota.
package keypool

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/resilience"
)

// ErrNoUsableCredentials is returned when every stored credential is
// disabled or rate limited and no override key is configured.
var ErrNoUsableCredentials = eris.New("keypool: no usable credentials")

// CredentialStore is the slice of the store the pool needs.
type CredentialStore interface {
	ListActiveCredentials(ctx context.Context) ([]model.Credential, error)
	RecordCredentialSuccess(ctx context.Context, id string) error
	RecordCredentialFailure(ctx context.Context, id string, reason string) error
	DisableCredential(ctx context.Context, id string, reason string) error
	MarkCredentialRateLimited(ctx context.Context, id string) error
}

const (
	defaultActiveSetTTL  = 5 * time.Minute
	refreshDebounce      = 5 * time.Second
	failureWarnThreshold = 3
	healthWriteTimeout   = 5 * time.Second
)

// Config tunes the pool.
type Config struct {
	// OverrideKey, when set, bypasses the store entirely. Used for local
	// runs where a single key lives in the environment.
	OverrideKey string
	// ActiveSetTTL bounds how long the cached credential list is trusted
	// before a background reload. Defaults to 5 minutes.
	ActiveSetTTL time.Duration
}

// Pool hands out credentials round-robin over the store's active set. The
// set is cached with a TTL; a credential that starts failing is refreshed
// out of rotation on the next reload, or immediately when marked disabled.
type Pool struct {
	store CredentialStore
	cfg   Config

	mu          sync.Mutex
	active      []model.Credential
	cursor      int
	loadedAt    time.Time
	lastAttempt time.Time

	nowFunc func() time.Time
}

func New(store CredentialStore, cfg Config) *Pool {
	if cfg.ActiveSetTTL <= 0 {
		cfg.ActiveSetTTL = defaultActiveSetTTL
	}
	return &Pool{store: store, cfg: cfg, nowFunc: time.Now}
}

// Lease is a credential checked out for one API call. The caller reports
// the outcome through exactly one of Success or Failure.
type Lease struct {
	ID     string
	Secret string

	pool *Pool
}

// Next returns the next credential in rotation. When the cached active set
// is empty or expired it is reloaded from the store, at most once per
// debounce window.
func (p *Pool) Next(ctx context.Context) (*Lease, error) {
	if p.cfg.OverrideKey != "" {
		return &Lease{Secret: p.cfg.OverrideKey, pool: p}, nil
	}

	p.mu.Lock()
	now := p.nowFunc()
	stale := now.Sub(p.loadedAt) >= p.cfg.ActiveSetTTL
	if (len(p.active) == 0 || stale) && now.Sub(p.lastAttempt) >= refreshDebounce {
		p.lastAttempt = now
		p.mu.Unlock()
		if err := p.refresh(ctx); err != nil {
			zap.L().Warn("credential refresh failed", zap.Error(err))
		}
		p.mu.Lock()
	}

	if len(p.active) == 0 {
		p.mu.Unlock()
		return nil, ErrNoUsableCredentials
	}
	cred := p.active[p.cursor%len(p.active)]
	p.cursor++
	p.mu.Unlock()

	return &Lease{ID: cred.ID, Secret: cred.EncryptedSecret, pool: p}, nil
}

func (p *Pool) refresh(ctx context.Context) error {
	creds, err := p.store.ListActiveCredentials(ctx)
	if err != nil {
		return eris.Wrap(err, "list active credentials")
	}
	usable := creds[:0]
	for _, c := range creds {
		if c.Usable() {
			usable = append(usable, c)
		}
	}

	p.mu.Lock()
	p.active = usable
	p.loadedAt = p.nowFunc()
	if p.cursor >= len(usable) {
		p.cursor = 0
	}
	p.mu.Unlock()

	zap.L().Debug("credential set refreshed", zap.Int("usable", len(usable)))
	return nil
}

// Success records a successful call against the lease. The store write is
// fire and forget; a failed write never fails the caller.
func (l *Lease) Success(ctx context.Context) {
	if l.ID == "" {
		return
	}
	go l.pool.writeHealth(func(ctx context.Context) error {
		return l.pool.store.RecordCredentialSuccess(ctx, l.ID)
	})
}

// Failure records a failed call. Auth failures disable the credential and
// drop it from rotation immediately; rate limits park it until the store
// clears the flag; anything else just bumps the failure counter.
func (l *Lease) Failure(ctx context.Context, callErr error) {
	if l.ID == "" {
		return
	}
	p := l.pool

	switch resilience.KindOf(callErr) {
	case resilience.KindAuthFailed, resilience.KindCredentialExpired:
		zap.L().Warn("disabling credential after auth failure",
			zap.String("credential_id", l.ID))
		p.evict(l.ID)
		go p.writeHealth(func(ctx context.Context) error {
			return p.store.DisableCredential(ctx, l.ID, callErr.Error())
		})
	case resilience.KindRateLimited:
		p.evict(l.ID)
		go p.writeHealth(func(ctx context.Context) error {
			return p.store.MarkCredentialRateLimited(ctx, l.ID)
		})
	default:
		p.noteFailure(l.ID)
		go p.writeHealth(func(ctx context.Context) error {
			return p.store.RecordCredentialFailure(ctx, l.ID, callErr.Error())
		})
	}
}

func (p *Pool) evict(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.active {
		if p.active[i].ID == id {
			p.active = append(p.active[:i], p.active[i+1:]...)
			if p.cursor > len(p.active) {
				p.cursor = 0
			}
			return
		}
	}
}

func (p *Pool) noteFailure(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.active {
		if p.active[i].ID == id {
			p.active[i].ConsecutiveFailures++
			if p.active[i].ConsecutiveFailures >= failureWarnThreshold {
				zap.L().Warn("credential failing repeatedly",
					zap.String("credential_id", id),
					zap.Int("consecutive_failures", p.active[i].ConsecutiveFailures))
			}
			return
		}
	}
}

// writeHealth runs a store write on its own timeout so a slow database
// never blocks the calling goroutine's analysis work.
func (p *Pool) writeHealth(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), healthWriteTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		zap.L().Warn("credential health write failed", zap.Error(err))
	}
}

// Usable reports how many credentials are currently in rotation.
func (p *Pool) Usable() int {
	if p.cfg.OverrideKey != "" {
		return 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
